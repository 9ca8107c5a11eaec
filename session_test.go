package edl

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-edl/internal/errs"
	"github.com/behrlich/go-edl/internal/gpt"
	"github.com/behrlich/go-edl/internal/sahara"
	"github.com/behrlich/go-edl/internal/serialio"
)

// mockDevice plays the device side of a full Sahara-then-Firehose session
// over a ScriptedChannel responder.
type mockDevice struct {
	loader   []byte
	received int
	disk     []byte // LUN 0 content, 4096-byte sectors

	// program-in-flight state
	programExpect int
	programStart  int
	programBuf    []byte
}

const mockSectorSize = 4096

var (
	attrNumSectors  = regexp.MustCompile(`num_partition_sectors="(\d+)"`)
	attrStartSector = regexp.MustCompile(`start_sector="(\d+)"`)
)

func (d *mockDevice) respond(w []byte) []byte {
	if len(w) > 0 && w[0] == '<' {
		return d.respondXML(string(w))
	}
	if len(w) >= 8 {
		cmd := binary.LittleEndian.Uint32(w[0:4])
		length := binary.LittleEndian.Uint32(w[4:8])
		if int(length) == len(w) {
			switch cmd {
			case sahara.CmdResetStateMachine:
				return d.hello()
			case sahara.CmdHelloResponse:
				return d.readDataPacket(0, uint32(len(d.loader)))
			case sahara.CmdDone:
				return d.doneResponse()
			}
		}
	}
	// Raw bytes: either a program payload or the loader upload.
	if d.programExpect > 0 {
		d.programBuf = append(d.programBuf, w...)
		if len(d.programBuf) >= d.programExpect {
			copy(d.disk[d.programStart*mockSectorSize:], d.programBuf[:d.programExpect])
			d.programExpect = 0
			return []byte(`<data><response value="ACK" /></data>`)
		}
		return nil
	}
	d.received += len(w)
	if d.received >= len(d.loader) {
		return d.endImageTransfer()
	}
	return nil
}

func (d *mockDevice) hello() []byte {
	buf := make([]byte, sahara.HelloLen)
	binary.LittleEndian.PutUint32(buf[0:4], sahara.CmdHello)
	binary.LittleEndian.PutUint32(buf[4:8], sahara.HelloLen)
	binary.LittleEndian.PutUint32(buf[8:12], 2)
	binary.LittleEndian.PutUint32(buf[12:16], 1)
	binary.LittleEndian.PutUint32(buf[20:24], sahara.ModeImageTransferPending)
	return buf
}

func (d *mockDevice) readDataPacket(offset, length uint32) []byte {
	buf := make([]byte, sahara.ReadDataLen)
	binary.LittleEndian.PutUint32(buf[0:4], sahara.CmdReadData)
	binary.LittleEndian.PutUint32(buf[4:8], sahara.ReadDataLen)
	binary.LittleEndian.PutUint32(buf[8:12], 13)
	binary.LittleEndian.PutUint32(buf[12:16], offset)
	binary.LittleEndian.PutUint32(buf[16:20], length)
	return buf
}

func (d *mockDevice) endImageTransfer() []byte {
	buf := make([]byte, sahara.EndImageTransferLen)
	binary.LittleEndian.PutUint32(buf[0:4], sahara.CmdEndImageTransfer)
	binary.LittleEndian.PutUint32(buf[4:8], sahara.EndImageTransferLen)
	binary.LittleEndian.PutUint32(buf[8:12], 13)
	binary.LittleEndian.PutUint32(buf[12:16], sahara.StatusSuccess)
	return buf
}

func (d *mockDevice) doneResponse() []byte {
	buf := make([]byte, sahara.DoneResponseLen)
	binary.LittleEndian.PutUint32(buf[0:4], sahara.CmdDoneResponse)
	binary.LittleEndian.PutUint32(buf[4:8], sahara.DoneResponseLen)
	return buf
}

func (d *mockDevice) respondXML(s string) []byte {
	switch {
	case strings.Contains(s, "<configure"):
		return []byte(`<?xml version="1.0" ?><data><response value="ACK" SectorSizeInBytes="4096" MaxPayloadSizeToTargetInBytes="1048576" /></data>`)
	case strings.Contains(s, "<read"):
		num, _ := strconv.Atoi(attrNumSectors.FindStringSubmatch(s)[1])
		start, _ := strconv.Atoi(attrStartSector.FindStringSubmatch(s)[1])
		from := start * mockSectorSize
		to := from + num*mockSectorSize
		if from > len(d.disk) || to > len(d.disk) {
			return []byte(`<data><log value="ERROR: invalid sector range"/><response value="NAK" /></data>`)
		}
		var out []byte
		out = append(out, []byte("<data><response value=\"ACK\" rawmode=\"true\" /></data>\r\n")...)
		out = append(out, d.disk[from:to]...)
		out = append(out, []byte(`<data><response value="ACK" /></data>`)...)
		return out
	case strings.Contains(s, "<program"):
		num, _ := strconv.Atoi(attrNumSectors.FindStringSubmatch(s)[1])
		start, _ := strconv.Atoi(attrStartSector.FindStringSubmatch(s)[1])
		d.programExpect = num * mockSectorSize
		d.programStart = start
		d.programBuf = nil
		return []byte(`<data><response value="ACK" rawmode="true" /></data>`)
	case strings.Contains(s, "<erase"), strings.Contains(s, "<power"),
		strings.Contains(s, "<setactiveslot"), strings.Contains(s, "<fixgpt"),
		strings.Contains(s, "<nop"):
		return []byte(`<data><response value="ACK" /></data>`)
	}
	return []byte(`<data><log value="ERROR: unrecognized command"/><response value="NAK" /></data>`)
}

// buildDisk lays out a 48-sector LUN: GPT at the front, a "boot"
// partition at sector 36 filled with a marker pattern.
func buildDisk(t *testing.T) []byte {
	t.Helper()
	table := &gpt.Table{
		SectorSize: mockSectorSize,
		Entries: []gpt.PartitionEntry{{
			Name:        "boot",
			StartSector: 36,
			NumSectors:  2,
			SectorSize:  mockSectorSize,
			UniqueGUID:  uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff"),
		}},
	}
	disk := make([]byte, 48*mockSectorSize)
	copy(disk, gpt.Serialize(table))
	for i := 36 * mockSectorSize; i < 38*mockSectorSize; i++ {
		disk[i] = byte(i & 0xFF)
	}
	return disk
}

func ramp(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i & 0xFF)
	}
	return out
}

func connectedSession(t *testing.T) (*Session, *mockDevice) {
	t.Helper()
	device := &mockDevice{loader: ramp(1536), disk: buildDisk(t)}
	ch := serialio.NewScriptedChannel()
	ch.Responder = device.respond

	session := NewSessionWithChannel(ch, nil)
	state, err := session.Connect(context.Background(), Params{
		Loader:  device.loader,
		Storage: "ufs",
	})
	require.NoError(t, err)
	require.Equal(t, StateFirehoseConfigured, state)
	return session, device
}

func TestConnectFullStack(t *testing.T) {
	device := &mockDevice{loader: ramp(1536), disk: buildDisk(t)}
	ch := serialio.NewScriptedChannel()
	ch.Responder = device.respond

	session := NewSessionWithChannel(ch, nil)
	var transitions []DeviceState
	session.OnStateChange(func(s DeviceState) { transitions = append(transitions, s) })

	state, err := session.Connect(context.Background(), Params{
		Loader:  device.loader,
		Storage: "ufs",
	})
	require.NoError(t, err)
	assert.Equal(t, StateFirehoseConfigured, state)
	assert.Equal(t, len(device.loader), device.received, "full loader delivered")

	assert.Equal(t, []DeviceState{
		StatePortOpened,
		StateSaharaWaitingLoader,
		StateSaharaTransferring,
		StateSaharaComplete,
		StateFirehoseNotConfigured,
		StateFirehoseConfigured,
	}, transitions)
}

func TestConnectSaharaWithoutLoaderFails(t *testing.T) {
	device := &mockDevice{loader: ramp(64)}
	ch := serialio.NewScriptedChannel()
	ch.Responder = device.respond

	session := NewSessionWithChannel(ch, nil)
	_, err := session.Connect(context.Background(), Params{Storage: "ufs"})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeBadImage))
}

func TestConnectSilentDevice(t *testing.T) {
	session := NewSessionWithChannel(serialio.NewScriptedChannel(), nil)
	state, err := session.Connect(context.Background(), Params{Storage: "ufs"})
	require.Error(t, err)
	assert.Equal(t, StateNoResponse, state)
}

func TestVerbsBeforeConnect(t *testing.T) {
	session := NewSessionWithChannel(serialio.NewScriptedChannel(), nil)
	_, err := session.ReadGPT(context.Background(), 0)
	assert.True(t, errs.IsCode(err, errs.CodeNotConfigured))
}

func TestReadGPTThroughSession(t *testing.T) {
	session, _ := connectedSession(t)
	defer session.Disconnect()

	table, err := session.ReadGPT(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, table.Entries, 1)
	assert.Equal(t, "boot", table.Entries[0].Name)
	assert.Equal(t, uint64(36), table.Entries[0].StartSector)
}

func TestReadPartitionToFile(t *testing.T) {
	session, device := connectedSession(t)
	defer session.Disconnect()

	table, err := session.ReadGPT(context.Background(), 0)
	require.NoError(t, err)
	entry := table.FindByName("boot")
	require.NotNil(t, entry)

	dest := filepath.Join(t.TempDir(), "boot.img")
	var final int64
	err = session.ReadPartition(context.Background(), entry, dest,
		func(done, total int64) { final = done })
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	want := device.disk[36*mockSectorSize : 38*mockSectorSize]
	assert.True(t, bytes.Equal(data, want))
	assert.Equal(t, int64(len(want)), final)

	_, err = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")
}

// Law 7: a cancelled read leaves no partial destination file.
func TestReadPartitionCancelledLeavesNoFile(t *testing.T) {
	session, _ := connectedSession(t)
	defer session.Disconnect()

	table, err := session.ReadGPT(context.Background(), 0)
	require.NoError(t, err)
	entry := table.FindByName("boot")
	require.NotNil(t, entry)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dest := filepath.Join(t.TempDir(), "boot.img")
	err = session.ReadPartition(ctx, entry, dest, nil)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeCancelled))

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "no destination file after cancel")
	_, statErr = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(statErr), "no temp file after cancel")
}

func TestWritePartitionRaw(t *testing.T) {
	session, device := connectedSession(t)
	defer session.Disconnect()

	table, err := session.ReadGPT(context.Background(), 0)
	require.NoError(t, err)
	entry := table.FindByName("boot")
	require.NotNil(t, entry)

	src := filepath.Join(t.TempDir(), "new_boot.img")
	require.NoError(t, os.WriteFile(src, bytes.Repeat([]byte{0x77}, mockSectorSize), 0o644))

	err = session.WritePartition(context.Background(), entry, src, WriteOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(0x77), device.disk[36*mockSectorSize], "image landed on the mock disk")
	assert.Equal(t, byte(0x77), device.disk[36*mockSectorSize+4095], "whole sector written")
}

func TestWritePartitionOversizeRejected(t *testing.T) {
	session, _ := connectedSession(t)
	defer session.Disconnect()

	table, err := session.ReadGPT(context.Background(), 0)
	require.NoError(t, err)
	entry := table.FindByName("boot")
	require.NotNil(t, entry)

	big := filepath.Join(t.TempDir(), "big.img")
	require.NoError(t, os.WriteFile(big, make([]byte, 3*mockSectorSize), 0o644))
	err = session.WritePartition(context.Background(), entry, big, WriteOptions{}, nil)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeBadImage), "image larger than partition is rejected locally")
}

func TestErasePartitionThroughSession(t *testing.T) {
	session, _ := connectedSession(t)
	defer session.Disconnect()

	table, err := session.ReadGPT(context.Background(), 0)
	require.NoError(t, err)
	entry := table.FindByName("boot")
	require.NoError(t, session.ErasePartition(context.Background(), entry))
}

func TestRebootModes(t *testing.T) {
	session, _ := connectedSession(t)
	defer session.Disconnect()

	require.NoError(t, session.Reboot(context.Background(), "reset"))
	require.NoError(t, session.Reboot(context.Background(), "off"))
	err := session.Reboot(context.Background(), "sideways")
	require.Error(t, err)
}

func TestRecoverWithNop(t *testing.T) {
	session, _ := connectedSession(t)
	defer session.Disconnect()

	require.NoError(t, session.Recover(context.Background()))
	assert.Equal(t, StateFirehoseConfigured, session.State())
}

func TestDisconnectIdempotent(t *testing.T) {
	session, _ := connectedSession(t)
	require.NoError(t, session.Disconnect())
	require.NoError(t, session.Disconnect())
	assert.Equal(t, StateUnknown, session.State())
}
