package sahara

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-edl/internal/errs"
	"github.com/behrlich/go-edl/internal/serialio"
)

// Device-side packet builders.

func devHello(version, mode uint32) []byte {
	buf := make([]byte, HelloLen)
	binary.LittleEndian.PutUint32(buf[0:4], CmdHello)
	binary.LittleEndian.PutUint32(buf[4:8], HelloLen)
	binary.LittleEndian.PutUint32(buf[8:12], version)
	binary.LittleEndian.PutUint32(buf[12:16], 1)
	binary.LittleEndian.PutUint32(buf[16:20], 0x400)
	binary.LittleEndian.PutUint32(buf[20:24], mode)
	return buf
}

func devReadData(imageID, offset, length uint32) []byte {
	buf := make([]byte, ReadDataLen)
	binary.LittleEndian.PutUint32(buf[0:4], CmdReadData)
	binary.LittleEndian.PutUint32(buf[4:8], ReadDataLen)
	binary.LittleEndian.PutUint32(buf[8:12], imageID)
	binary.LittleEndian.PutUint32(buf[12:16], offset)
	binary.LittleEndian.PutUint32(buf[16:20], length)
	return buf
}

func devEndImageTransfer(imageID, status uint32) []byte {
	buf := make([]byte, EndImageTransferLen)
	binary.LittleEndian.PutUint32(buf[0:4], CmdEndImageTransfer)
	binary.LittleEndian.PutUint32(buf[4:8], EndImageTransferLen)
	binary.LittleEndian.PutUint32(buf[8:12], imageID)
	binary.LittleEndian.PutUint32(buf[12:16], status)
	return buf
}

func devDoneResponse(status uint32) []byte {
	buf := make([]byte, DoneResponseLen)
	binary.LittleEndian.PutUint32(buf[0:4], CmdDoneResponse)
	binary.LittleEndian.PutUint32(buf[4:8], DoneResponseLen)
	binary.LittleEndian.PutUint32(buf[8:12], status)
	return buf
}

func devCommandReady() []byte {
	buf := make([]byte, CommandReadyLen)
	binary.LittleEndian.PutUint32(buf[0:4], CmdCommandReady)
	binary.LittleEndian.PutUint32(buf[4:8], CommandReadyLen)
	return buf
}

func devExecuteData(clientCmd, dataLen uint32) []byte {
	buf := make([]byte, ExecuteDataLen)
	binary.LittleEndian.PutUint32(buf[0:4], CmdExecuteData)
	binary.LittleEndian.PutUint32(buf[4:8], ExecuteDataLen)
	binary.LittleEndian.PutUint32(buf[8:12], clientCmd)
	binary.LittleEndian.PutUint32(buf[12:16], dataLen)
	return buf
}

func ramp(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i & 0xFF)
	}
	return out
}

// S1: happy-path upload with two windows.
func TestUploadHappyPath(t *testing.T) {
	programmer := ramp(1536)
	ch := serialio.NewScriptedChannel()
	ch.Feed(devHello(2, ModeImageTransferPending))
	ch.Feed(devReadData(13, 0, 1024))
	ch.Feed(devReadData(13, 1024, 512))
	ch.Feed(devEndImageTransfer(13, StatusSuccess))
	ch.Feed(devDoneResponse(StatusSuccess))

	client := NewClient(Config{Channel: ch, Programmer: programmer})
	require.NoError(t, client.Run(context.Background()))

	writes := ch.Writes()
	require.Len(t, writes, 4)

	// HelloResponse in image-transfer mode.
	assert.Equal(t, CmdHelloResponse, binary.LittleEndian.Uint32(writes[0][0:4]))
	assert.Equal(t, ModeImageTransferPending, binary.LittleEndian.Uint32(writes[0][20:24]))

	// The two exact windows.
	assert.True(t, bytes.Equal(writes[1], programmer[0:1024]), "first window")
	assert.True(t, bytes.Equal(writes[2], programmer[1024:1536]), "second window")

	// Done(cmd=0x05, length=8).
	assert.Equal(t, CmdDone, binary.LittleEndian.Uint32(writes[3][0:4]))
	assert.Equal(t, uint32(DoneLen), binary.LittleEndian.Uint32(writes[3][4:8]))
}

// S2: command-mode detour on a v3 device.
func TestCommandModeDetour(t *testing.T) {
	programmer := ramp(16)
	ch := serialio.NewScriptedChannel()
	ch.Feed(devHello(3, ModeImageTransferPending))

	// The device's side of the Execute sub-dance is driven by what the
	// client writes: Execute -> ExecuteData, ExecuteResponse -> raw bytes.
	pending := map[uint32][]byte{
		ExecSerialNumRead: {0xDE, 0xAD, 0xBE, 0xEF},
		ExecOemPkHashRead: append([]byte{0x2b, 0xe7, 0x6c, 0xee}, make([]byte, 44)...),
		ExecChipIdV3Read:  make([]byte, 84),
	}
	ch.Responder = func(written []byte) []byte {
		if len(written) < 12 {
			return nil
		}
		cmd := binary.LittleEndian.Uint32(written[0:4])
		clientCmd := binary.LittleEndian.Uint32(written[8:12])
		switch cmd {
		case CmdHelloResponse:
			mode := binary.LittleEndian.Uint32(written[20:24])
			if mode == ModeCommand {
				return devCommandReady()
			}
			return nil
		case CmdExecute:
			if data, ok := pending[clientCmd]; ok {
				return devExecuteData(clientCmd, uint32(len(data)))
			}
			return nil
		case CmdExecuteResponse:
			return pending[clientCmd]
		case CmdSwitchMode:
			// Back to image transfer: the device re-Hellos and runs a
			// short upload to completion.
			var out []byte
			out = append(out, devHello(3, ModeImageTransferPending)...)
			out = append(out, devReadData(13, 0, 16)...)
			out = append(out, devEndImageTransfer(13, StatusSuccess)...)
			out = append(out, devDoneResponse(StatusSuccess)...)
			return out
		}
		return nil
	}

	client := NewClient(Config{Channel: ch, Programmer: programmer, ReadChipInfo: true})
	require.NoError(t, client.Run(context.Background()))

	id := client.Identity()
	assert.True(t, id.HasSerial)
	assert.Equal(t, uint32(0xEFBEADDE), id.Serial, "serial decodes little-endian")
	assert.True(t, id.HasPkHash)
	assert.Equal(t, "OPPO", id.VendorGuess)
	assert.Equal(t, uint32(3), id.ProtocolVersion)

	// SwitchMode(ImageTransferPending) must have been sent.
	var sawSwitch bool
	for _, w := range ch.Writes() {
		if len(w) >= 12 && binary.LittleEndian.Uint32(w[0:4]) == CmdSwitchMode {
			sawSwitch = true
			assert.Equal(t, ModeImageTransferPending, binary.LittleEndian.Uint32(w[8:12]))
		}
	}
	assert.True(t, sawSwitch, "SwitchMode not sent after detour")
}

// A device that rejects command mode by re-sending Hello must get a plain
// image-transfer HelloResponse the second time.
func TestCommandModeRejectedOnce(t *testing.T) {
	programmer := ramp(32)
	ch := serialio.NewScriptedChannel()
	ch.Feed(devHello(2, ModeImageTransferPending))
	ch.Feed(devHello(2, ModeImageTransferPending)) // rejection: device re-Hellos
	ch.Feed(devReadData(7, 0, 32))
	ch.Feed(devEndImageTransfer(7, StatusSuccess))
	ch.Feed(devDoneResponse(StatusSuccess))

	client := NewClient(Config{Channel: ch, Programmer: programmer, ReadChipInfo: true})
	require.NoError(t, client.Run(context.Background()))

	writes := ch.Writes()
	require.GreaterOrEqual(t, len(writes), 2)
	assert.Equal(t, ModeCommand, binary.LittleEndian.Uint32(writes[0][20:24]),
		"first HelloResponse requests command mode")
	assert.Equal(t, ModeImageTransferPending, binary.LittleEndian.Uint32(writes[1][20:24]),
		"second HelloResponse must not retry command mode")
}

// A window past EOF is the device's terminator policy: Done goes out and
// the quiet line afterwards still counts as success.
func TestWindowPastEOFEndsTransfer(t *testing.T) {
	programmer := ramp(1024)
	ch := serialio.NewScriptedChannel()
	ch.Feed(devHello(2, ModeImageTransferPending))
	ch.Feed(devReadData(13, 0, 1024))
	ch.Feed(devReadData(13, 1024, 512)) // starts at EOF, extends past

	client := NewClient(Config{Channel: ch, Programmer: programmer})
	require.NoError(t, client.Run(context.Background()))

	writes := ch.Writes()
	last := writes[len(writes)-1]
	assert.Equal(t, CmdDone, binary.LittleEndian.Uint32(last[0:4]))
}

func TestWindowStartBeyondImageIsViolation(t *testing.T) {
	ch := serialio.NewScriptedChannel()
	ch.Feed(devHello(2, ModeImageTransferPending))
	ch.Feed(devReadData(13, 4096, 64))

	client := NewClient(Config{Channel: ch, Programmer: ramp(1024)})
	err := client.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeProtocolViolation))
}

func TestFatalStatusShortCircuits(t *testing.T) {
	ch := serialio.NewScriptedChannel()
	ch.Feed(devHello(2, ModeImageTransferPending))
	ch.Feed(devEndImageTransfer(13, StatusHashTableAuthFailure))

	client := NewClient(Config{Channel: ch, Programmer: ramp(64)})
	err := client.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsFatalSahara(err), "hash table auth failure is fatal")
}

func TestNonFatalStatusReported(t *testing.T) {
	ch := serialio.NewScriptedChannel()
	ch.Feed(devHello(2, ModeImageTransferPending))
	ch.Feed(devEndImageTransfer(13, StatusGeneralTxRxError))

	client := NewClient(Config{Channel: ch, Programmer: ramp(64)})
	err := client.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeSaharaStatus))
	assert.False(t, errs.IsFatalSahara(err))
}

func TestSilentDeviceTimesOut(t *testing.T) {
	ch := serialio.NewScriptedChannel()
	client := NewClient(Config{Channel: ch, Programmer: ramp(64), ReadTimeout: 10 * time.Millisecond})

	err := client.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeTimeout))
}

func TestCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := serialio.NewScriptedChannel()
	ch.Feed(devHello(2, ModeImageTransferPending))
	client := NewClient(Config{Channel: ch, Programmer: ramp(64)})

	err := client.Run(ctx)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeCancelled))
}

func TestEndImageTransferLoopGuard(t *testing.T) {
	ch := serialio.NewScriptedChannel()
	ch.Feed(devHello(2, ModeImageTransferPending))
	for i := 0; i < maxEndTransfers+1; i++ {
		ch.Feed(devEndImageTransfer(13, StatusSuccess))
	}

	client := NewClient(Config{Channel: ch, Programmer: ramp(64)})
	err := client.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeProtocolViolation))
}

func TestProgressCallback(t *testing.T) {
	programmer := ramp(1536)
	ch := serialio.NewScriptedChannel()
	ch.Feed(devHello(2, ModeImageTransferPending))
	ch.Feed(devReadData(13, 0, 1024))
	ch.Feed(devReadData(13, 1024, 512))
	ch.Feed(devEndImageTransfer(13, StatusSuccess))
	ch.Feed(devDoneResponse(StatusSuccess))

	var reports []int64
	client := NewClient(Config{
		Channel:    ch,
		Programmer: programmer,
		Progress:   func(done, total int64) { reports = append(reports, done) },
	})
	require.NoError(t, client.Run(context.Background()))
	assert.Equal(t, []int64{1024, 1536}, reports)
}
