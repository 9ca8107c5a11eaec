// Package firehose implements the host side of the Firehose protocol the
// loaded programmer speaks: XML requests, interleaved XML/binary response
// framing, flow control, the spoofed-filename fallback for locked devices,
// and the VIP authentication extensions.
package firehose

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"time"

	"github.com/behrlich/go-edl/internal/errs"
	"github.com/behrlich/go-edl/internal/logging"
	"github.com/behrlich/go-edl/internal/sahara"
	"github.com/behrlich/go-edl/internal/serialio"
)

const (
	// DefaultRequestedPayload is what configure asks for; the device's
	// answer is authoritative.
	DefaultRequestedPayload = 4 << 20

	// MinPayloadSize and MaxPayloadSize clamp whatever the device echoes.
	MinPayloadSize = 64 << 10
	MaxPayloadSize = 16 << 20

	// Simple verbs get 50 polls of 100ms; fixgpt rewrites partition
	// tables and gets 600.
	ackAttempts    = 50
	fixGptAttempts = 600
	ackInterval    = 100 * time.Millisecond

	// rawChunkTimeout bounds one binary chunk during a read.
	rawChunkTimeout = 5 * time.Second
)

// Config parameterises a Firehose client.
type Config struct {
	Channel serialio.Channel
	Logger  *logging.Logger

	// Chip is the identity captured during Sahara, copied by value.
	Chip sahara.ChipIdentity

	// MemoryName is "ufs" or "emmc".
	MemoryName string

	// RequestedPayload overrides the configure request (0 = default).
	RequestedPayload uint32

	// AckEveryN asks the device to ack raw data every N packets
	// (0 = omit the attribute).
	AckEveryN uint16
}

// Client drives a configured Firehose programmer. Not safe for concurrent
// use: the protocol itself is strictly request/response.
type Client struct {
	ch     serialio.Channel
	logger *logging.Logger
	chip   sahara.ChipIdentity

	memoryName string
	requested  uint32
	ackEveryN  uint16

	sectorSize uint32
	maxPayload uint32
	configured bool

	parser streamParser
}

// NewClient builds a client. Configure must succeed before any verb other
// than Nop.
func NewClient(config Config) *Client {
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	requested := config.RequestedPayload
	if requested == 0 {
		requested = DefaultRequestedPayload
	}
	memory := config.MemoryName
	if memory == "" {
		memory = "ufs"
	}
	return &Client{
		ch:         config.Channel,
		logger:     logger.WithTag("firehose"),
		chip:       config.Chip,
		memoryName: memory,
		requested:  requested,
		ackEveryN:  config.AckEveryN,
	}
}

// SectorSize returns the device-echoed sector size; 0 before configure.
func (c *Client) SectorSize() uint32 { return c.sectorSize }

// MaxPayload returns the device-echoed payload size; 0 before configure.
func (c *Client) MaxPayload() uint32 { return c.maxPayload }

// Configured reports whether configure has been ACKed.
func (c *Client) Configured() bool { return c.configured }

// Chip returns the identity copied from Sahara at construction.
func (c *Client) Chip() sahara.ChipIdentity { return c.chip }

func (c *Client) send(xml []byte) error {
	c.logger.Debug("send", "xml", string(xml))
	if err := c.ch.Write(xml); err != nil {
		return errs.Wrap("send", err)
	}
	return nil
}

// awaitResponse polls the channel until a <response> document arrives or
// the attempt budget runs out. Every <log> line on the way is surfaced.
func (c *Client) awaitResponse(op string, attempts int) (*Response, error) {
	for i := 0; i < attempts; i++ {
		for {
			doc := c.parser.nextDocument()
			if doc == nil {
				break
			}
			logs, resp := parseDocument(doc)
			for _, l := range logs {
				c.logger.Info("device log", "value", l)
			}
			if resp != nil {
				return resp, nil
			}
		}
		data, err := c.ch.ReadAvailable(4096, ackInterval)
		if err != nil {
			return nil, errs.Wrap(op, err)
		}
		if len(data) > 0 {
			c.parser.feed(data)
		}
	}
	return nil, errs.Newf(op, errs.CodeTimeout, "no response after %d attempts", attempts)
}

func (c *Client) requireConfigured(op string) error {
	if !c.configured {
		return errs.New(op, errs.CodeNotConfigured, "configure has not been acknowledged")
	}
	return nil
}

// Nop sends a nop; the only verb legal before configure.
func (c *Client) Nop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errs.New("nop", errs.CodeCancelled, "cancelled")
	}
	if err := c.send(buildRequest("nop", nil)); err != nil {
		return err
	}
	resp, err := c.awaitResponse("nop", ackAttempts)
	if err != nil {
		return err
	}
	if !resp.Ack {
		return nakError("nop", resp)
	}
	return nil
}

// Configure negotiates sector size and payload size. The stored values are
// whatever the device echoes, clamped, never the requested ones.
func (c *Client) Configure(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errs.New("configure", errs.CodeCancelled, "cancelled")
	}
	attrs := []attr{
		{"MemoryName", c.memoryName},
		{"Verbose", "0"},
		{"AlwaysValidate", "0"},
		{"MaxDigestTableSizeInBytes", "2048"},
		{"MaxPayloadSizeToTargetInBytes", u32(c.requested)},
		{"ZlpAwareHost", "1"},
		{"SkipStorageInit", "0"},
	}
	if c.ackEveryN > 0 {
		attrs = append(attrs, attr{"AckRawDataEveryNumPackets", u32(uint32(c.ackEveryN))})
	}
	if err := c.send(buildRequest("configure", attrs)); err != nil {
		return err
	}
	resp, err := c.awaitResponse("configure", ackAttempts)
	if err != nil {
		return err
	}
	if !resp.Ack {
		return nakError("configure", resp)
	}

	c.sectorSize = c.defaultSectorSize()
	if v := resp.Attr("SectorSizeInBytes"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && (n == 512 || n == 4096) {
			c.sectorSize = uint32(n)
		}
	}
	c.maxPayload = c.requested
	if v := resp.Attr("MaxPayloadSizeToTargetInBytes"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n > 0 {
			c.maxPayload = uint32(n)
		}
	}
	if c.maxPayload < MinPayloadSize {
		c.maxPayload = MinPayloadSize
	}
	if c.maxPayload > MaxPayloadSize {
		c.maxPayload = MaxPayloadSize
	}
	c.configured = true
	c.logger.Info("configured",
		"memory", c.memoryName, "sector_size", c.sectorSize, "max_payload", c.maxPayload)
	return nil
}

func (c *Client) defaultSectorSize() uint32 {
	if c.memoryName == "emmc" {
		return 512
	}
	return 4096
}

// ReadRequest describes one read call.
type ReadRequest struct {
	LUN           uint32
	StartSector   uint64
	NumSectors    uint64
	PartitionName string // used for spoof generation and logging only
	IsGPT         bool   // adds the GPT attribute set
}

// readAttrs renders the attribute list for a read, bit-exact names and
// order per the loader's matcher.
func (c *Client) readAttrs(req ReadRequest, spoof Strategy) []attr {
	byteLen := req.NumSectors * uint64(c.sectorSize)
	attrs := []attr{
		{"SECTOR_SIZE_IN_BYTES", u32(c.sectorSize)},
		{"num_partition_sectors", u64(req.NumSectors)},
		{"physical_partition_number", u32(req.LUN)},
		{"size_in_KB", sizeInKB(byteLen)},
		{"start_sector", u64(req.StartSector)},
	}
	if !spoof.Empty() {
		attrs = append(attrs,
			attr{"filename", spoof.Filename},
			attr{"label", spoof.Label},
			attr{"sparse", "false"},
		)
	}
	if req.IsGPT {
		attrs = append(attrs,
			attr{"file_sector_offset", "0"},
			attr{"partofsingleimage", "true"},
			attr{"readbackverify", "false"},
			attr{"start_byte_hex", startByteHex(req.StartSector, c.sectorSize)},
		)
	}
	return attrs
}

// Read performs a bare (unspoofed) read into w.
func (c *Client) Read(ctx context.Context, req ReadRequest, w io.Writer, progress func(done, total int64)) error {
	return c.readAttempt(ctx, req, Strategy{}, w, progress)
}

// ReadWithSpoof walks the spoof-strategy list for this request and returns
// on the first strategy that yields the full payload. Each strategy's NAK
// is fully consumed before the next is tried.
func (c *Client) ReadWithSpoof(ctx context.Context, req ReadRequest, w io.Writer, progress func(done, total int64)) error {
	strategies := SpoofStrategies(req.LUN, req.StartSector, req.PartitionName, req.IsGPT)
	var lastErr error
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return errs.New("read", errs.CodeCancelled, "cancelled")
		}
		err := c.readAttempt(ctx, req, s, w, progress)
		if err == nil {
			return nil
		}
		lastErr = err
		if errs.IsCode(err, errs.CodeCancelled) {
			return err
		}
		c.logger.Warn("read strategy failed", "strategy", s.String(), "error", err)
	}
	return lastErr
}

// readAttempt runs one read conversation: XML, rawmode grant, binary
// payload, trailing ACK. Nothing is written to w before the rawmode grant,
// so a refused strategy leaves w untouched.
func (c *Client) readAttempt(ctx context.Context, req ReadRequest, spoof Strategy, w io.Writer, progress func(done, total int64)) error {
	if err := c.requireConfigured("read"); err != nil {
		return err
	}
	if req.NumSectors == 0 {
		return errs.New("read", errs.CodeProtocolViolation, "zero-sector read")
	}
	if err := c.send(buildRequest("read", c.readAttrs(req, spoof))); err != nil {
		return err
	}
	resp, err := c.awaitResponse("read", ackAttempts)
	if err != nil {
		return err
	}
	if !resp.Ack {
		return nakError("read", resp)
	}
	if !resp.RawMode {
		return errs.New("read", errs.CodeProtocolViolation, "ACK without rawmode on read")
	}

	total := int64(req.NumSectors) * int64(c.sectorSize)
	var done int64

	// Whatever followed </data> in the same buffer fill is the first
	// chunk of payload. Anything beyond the payload length belongs to
	// the trailing response and goes back to the parser.
	prefix := c.parser.rest()
	if int64(len(prefix)) > total {
		c.parser.feed(prefix[total:])
		prefix = prefix[:total]
	}
	if len(prefix) > 0 {
		if _, err := w.Write(prefix); err != nil {
			return errs.Wrap("read", err)
		}
		done += int64(len(prefix))
		if progress != nil {
			progress(done, total)
		}
	}

	cancelled := false
	for done < total {
		// Cancellation is honoured between chunks only: abandoning a
		// chunk mid-stream would leave the device half-way through a
		// frame.
		if ctx.Err() != nil {
			cancelled = true
		}
		chunk := total - done
		if chunk > int64(c.maxPayload) {
			chunk = int64(c.maxPayload)
		}
		data, ok, err := c.ch.ReadExact(int(chunk), rawChunkTimeout)
		if err != nil {
			return errs.Wrap("read", err)
		}
		if !ok {
			return errs.Newf("read", errs.CodeTimeout,
				"payload stalled at %d of %d bytes", done, total)
		}
		if _, err := w.Write(data); err != nil {
			return errs.Wrap("read", err)
		}
		done += int64(len(data))
		if progress != nil {
			progress(done, total)
		}
		if cancelled {
			return errs.New("read", errs.CodeCancelled, "cancelled during payload")
		}
	}

	final, err := c.awaitResponse("read", ackAttempts)
	if err != nil {
		return err
	}
	if !final.Ack {
		return nakError("read", final)
	}
	return nil
}

// ReadAll reads a full range into memory.
func (c *Client) ReadAll(ctx context.Context, req ReadRequest) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Read(ctx, req, &buf, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadAllWithSpoof reads a full range into memory via the spoof ladder.
func (c *Client) ReadAllWithSpoof(ctx context.Context, req ReadRequest) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.ReadWithSpoof(ctx, req, &buf, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ProgramRequest describes one program (write) call.
type ProgramRequest struct {
	LUN         uint32
	StartSector uint64
	NumSectors  uint64
	// Filename and Label are placed on the XML when non-empty. Unlike
	// read, program never invents a spoof name on its own.
	Filename string
	Label    string
}

// Program streams size bytes from src to the device, zero-padded to a
// sector boundary.
func (c *Client) Program(ctx context.Context, req ProgramRequest, src io.Reader, size int64, progress func(done, total int64)) error {
	if err := c.requireConfigured("program"); err != nil {
		return err
	}
	sector := int64(c.sectorSize)
	padded := (size + sector - 1) / sector * sector
	if req.NumSectors == 0 {
		req.NumSectors = uint64(padded / sector)
	}
	if uint64(padded/sector) > req.NumSectors {
		return errs.Newf("program", errs.CodeProtocolViolation,
			"source of %d bytes does not fit %d sectors", size, req.NumSectors)
	}

	attrs := []attr{
		{"SECTOR_SIZE_IN_BYTES", u32(c.sectorSize)},
		{"num_partition_sectors", u64(req.NumSectors)},
		{"physical_partition_number", u32(req.LUN)},
		{"size_in_KB", sizeInKB(req.NumSectors * uint64(c.sectorSize))},
		{"start_sector", u64(req.StartSector)},
	}
	if req.Filename != "" {
		attrs = append(attrs, attr{"filename", req.Filename})
	}
	if req.Label != "" {
		attrs = append(attrs, attr{"label", req.Label})
	}
	if err := c.send(buildRequest("program", attrs)); err != nil {
		return err
	}
	resp, err := c.awaitResponse("program", ackAttempts)
	if err != nil {
		return err
	}
	if !resp.Ack {
		return nakError("program", resp)
	}
	if !resp.RawMode {
		return errs.New("program", errs.CodeProtocolViolation, "ACK without rawmode on program")
	}

	total := int64(req.NumSectors) * sector
	var done int64
	chunkBuf := make([]byte, c.maxPayload)
	for done < total {
		if err := ctx.Err(); err != nil {
			return errs.New("program", errs.CodeCancelled, "cancelled during payload")
		}
		chunk := total - done
		if chunk > int64(len(chunkBuf)) {
			chunk = int64(len(chunkBuf))
		}
		buf := chunkBuf[:chunk]
		// Fill from source; anything past EOF is zero padding.
		n, err := io.ReadFull(src, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			for i := n; i < len(buf); i++ {
				buf[i] = 0
			}
		} else if err != nil {
			return errs.Wrap("program", err)
		}
		if err := c.ch.Write(buf); err != nil {
			return errs.Wrap("program", err)
		}
		done += chunk
		if progress != nil {
			progress(done, total)
		}
	}

	final, err := c.awaitResponse("program", fixGptAttempts)
	if err != nil {
		return err
	}
	if !final.Ack {
		return nakError("program", final)
	}
	return nil
}

// Erase wipes a sector range.
func (c *Client) Erase(ctx context.Context, lun uint32, startSector, numSectors uint64) error {
	if err := c.requireConfigured("erase"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errs.New("erase", errs.CodeCancelled, "cancelled")
	}
	attrs := []attr{
		{"SECTOR_SIZE_IN_BYTES", u32(c.sectorSize)},
		{"num_partition_sectors", u64(numSectors)},
		{"physical_partition_number", u32(lun)},
		{"start_sector", u64(startSector)},
	}
	return c.simpleVerb(ctx, "erase", attrs, ackAttempts)
}

// Power requests a power state change: "reset", "off", or "reset_to_edl".
func (c *Client) Power(ctx context.Context, mode string) error {
	if err := c.requireConfigured("power"); err != nil {
		return err
	}
	return c.simpleVerb(ctx, "power", []attr{{"value", mode}, {"DelayInSeconds", "1"}}, ackAttempts)
}

// SetActiveSlot selects the active A/B slot ("a" or "b").
func (c *Client) SetActiveSlot(ctx context.Context, slot string) error {
	if err := c.requireConfigured("setactiveslot"); err != nil {
		return err
	}
	return c.simpleVerb(ctx, "setactiveslot", []attr{{"SlotValue", slot}}, ackAttempts)
}

// SetBootableStorageDrive marks a LUN bootable.
func (c *Client) SetBootableStorageDrive(ctx context.Context, lun uint32) error {
	if err := c.requireConfigured("setbootablestoragedrive"); err != nil {
		return err
	}
	return c.simpleVerb(ctx, "setbootablestoragedrive", []attr{{"value", u32(lun)}}, ackAttempts)
}

// FixGPT asks the programmer to repair the partition table on a LUN. This
// can rewrite both GPT copies and gets the long retry budget.
func (c *Client) FixGPT(ctx context.Context, lun uint32) error {
	if err := c.requireConfigured("fixgpt"); err != nil {
		return err
	}
	attrs := []attr{
		{"lun", u32(lun)},
		{"grow_last_partition_to_fill_disk", "0"},
	}
	return c.simpleVerb(ctx, "fixgpt", attrs, fixGptAttempts)
}

// GetStorageInfo asks for the storage report; the interesting content
// arrives as log lines, which are returned verbatim.
func (c *Client) GetStorageInfo(ctx context.Context, lun uint32) ([]string, error) {
	if err := c.requireConfigured("getstorageinfo"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.New("getstorageinfo", errs.CodeCancelled, "cancelled")
	}
	attrs := []attr{{"physical_partition_number", u32(lun)}}
	if err := c.send(buildRequest("getstorageinfo", attrs)); err != nil {
		return nil, err
	}
	resp, err := c.awaitResponse("getstorageinfo", ackAttempts)
	if err != nil {
		return nil, err
	}
	if !resp.Ack {
		return nil, nakError("getstorageinfo", resp)
	}
	return resp.Logs, nil
}

// PatchArgs is one <patch> directive, as used by GPT repair flows.
type PatchArgs struct {
	LUN         uint32
	StartSector uint64
	ByteOffset  uint64
	SizeInBytes uint32
	Value       string
	What        string
}

// Patch applies one patch directive against the on-disk table.
func (c *Client) Patch(ctx context.Context, p PatchArgs) error {
	if err := c.requireConfigured("patch"); err != nil {
		return err
	}
	attrs := []attr{
		{"SECTOR_SIZE_IN_BYTES", u32(c.sectorSize)},
		{"byte_offset", u64(p.ByteOffset)},
		{"filename", "DISK"},
		{"physical_partition_number", u32(p.LUN)},
		{"size_in_bytes", u32(p.SizeInBytes)},
		{"start_sector", u64(p.StartSector)},
		{"value", p.Value},
		{"what", p.What},
	}
	return c.simpleVerb(ctx, "patch", attrs, ackAttempts)
}

// simpleVerb sends one XML document and waits for its ACK.
func (c *Client) simpleVerb(ctx context.Context, verb string, attrs []attr, attempts int) error {
	if err := ctx.Err(); err != nil {
		return errs.New(verb, errs.CodeCancelled, "cancelled")
	}
	if err := c.send(buildRequest(verb, attrs)); err != nil {
		return err
	}
	resp, err := c.awaitResponse(verb, attempts)
	if err != nil {
		return err
	}
	if !resp.Ack {
		return nakError(verb, resp)
	}
	return nil
}
