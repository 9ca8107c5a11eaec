// Package sahara implements the host side of Qualcomm's Sahara protocol:
// the binary handshake a device in EDL mode uses to pull a signed
// programmer image into RAM, plus the command-mode detour that reads chip
// identity before the upload.
package sahara

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/behrlich/go-edl/internal/errs"
	"github.com/behrlich/go-edl/internal/logging"
	"github.com/behrlich/go-edl/internal/serialio"
)

const (
	// defaultReadTimeout bounds a single packet read. The PBL answers
	// within tens of milliseconds when alive.
	defaultReadTimeout = 1 * time.Second

	// maxConsecutiveTimeouts before the client declares the device gone.
	maxConsecutiveTimeouts = 5

	// maxEndTransfers guards against a device looping EndImageTransfer.
	maxEndTransfers = 10
)

// Config parameterises a Sahara client.
type Config struct {
	Channel    serialio.Channel
	Programmer []byte // entire loader image, held in memory
	Logger     *logging.Logger

	// ReadChipInfo enables the command-mode detour on the first Hello.
	ReadChipInfo bool

	// ReadTimeout overrides the per-packet read timeout (0 = default).
	ReadTimeout time.Duration

	// Progress, when set, receives upload progress after every served
	// ReadData window.
	Progress func(done, total int64)
}

// Client drives the Sahara state machine over a serial channel. The device
// leads the conversation; the client only reacts to its packets.
type Client struct {
	ch         serialio.Channel
	programmer []byte
	logger     *logging.Logger
	timeout    time.Duration
	progress   func(done, total int64)

	readChipInfo bool
	cmdModeTried bool // detour attempted once per session, re-Hellos skip it
	doneSent     bool // Done sent due to the device's own terminator policy
	endTransfers int
	sent         int64

	identity ChipIdentity
}

// NewClient builds a client. The programmer stays in memory for the whole
// session because ReadData may re-request arbitrary windows.
func NewClient(config Config) *Client {
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	timeout := config.ReadTimeout
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	return &Client{
		ch:           config.Channel,
		programmer:   config.Programmer,
		logger:       logger.WithTag("sahara"),
		timeout:      timeout,
		progress:     config.Progress,
		readChipInfo: config.ReadChipInfo,
	}
}

// Identity returns whatever chip information the command-mode detour
// collected. Valid after Run, even on failure.
func (c *Client) Identity() ChipIdentity {
	return c.identity
}

// Run executes the upload conversation until DoneResponse or a terminal
// error. The channel must already contain (or soon receive) the device's
// Hello — typically via the detector's prefix hand-off.
func (c *Client) Run(ctx context.Context) error {
	timeouts := 0
	for {
		if err := ctx.Err(); err != nil {
			return errs.New("sahara", errs.CodeCancelled, "upload cancelled")
		}

		hdr, payload, ok, err := c.readPacket()
		if err != nil {
			return err
		}
		if !ok {
			if c.doneSent {
				// Device went quiet after our Done: its terminator
				// policy does not include a DoneResponse.
				c.logger.Debug("no DoneResponse after Done, treating as complete")
				return nil
			}
			timeouts++
			if timeouts >= maxConsecutiveTimeouts {
				return errs.New("sahara", errs.CodeTimeout, "no response from device")
			}
			continue
		}
		timeouts = 0

		switch hdr.Cmd {
		case CmdHello:
			if err := c.handleHello(payload); err != nil {
				return err
			}
		case CmdCommandReady:
			c.runCommandMode(ctx)
			if err := c.ch.Write(MarshalSwitchMode(ModeImageTransferPending)); err != nil {
				return errs.Wrap("switch_mode", err)
			}
		case CmdReadData:
			req, err := UnmarshalReadData(payload)
			if err != nil {
				return err
			}
			if err := c.serveWindow(req); err != nil {
				return err
			}
		case CmdReadData64:
			req, err := UnmarshalReadData64(payload)
			if err != nil {
				return err
			}
			if err := c.serveWindow(req); err != nil {
				return err
			}
		case CmdEndImageTransfer:
			if err := c.handleEndImageTransfer(payload); err != nil {
				return err
			}
		case CmdDoneResponse:
			resp, err := UnmarshalDoneResponse(payload)
			if err != nil {
				return err
			}
			c.logger.Info("image transfer complete", "status", StatusString(resp.Status))
			return nil
		default:
			return errs.Newf("sahara", errs.CodeProtocolViolation,
				"unexpected command 0x%02x (length %d)", hdr.Cmd, hdr.Length)
		}
	}
}

// readPacket reads one header + payload. ok is false on a clean timeout.
func (c *Client) readPacket() (Header, []byte, bool, error) {
	raw, ok, err := c.ch.ReadExact(HeaderLen, c.timeout)
	if err != nil {
		return Header{}, nil, false, errs.Wrap("sahara", err)
	}
	if !ok {
		return Header{}, nil, false, nil
	}
	hdr, err := ParseHeader(raw)
	if err != nil {
		return Header{}, nil, false, err
	}
	if hdr.Length < HeaderLen || hdr.Length > 0x10000 {
		return Header{}, nil, false, errs.Newf("sahara", errs.CodeProtocolViolation,
			"implausible packet length %d for cmd 0x%02x", hdr.Length, hdr.Cmd)
	}
	var payload []byte
	if hdr.Length > HeaderLen {
		payload, ok, err = c.ch.ReadExact(int(hdr.Length-HeaderLen), c.timeout)
		if err != nil {
			return Header{}, nil, false, errs.Wrap("sahara", err)
		}
		if !ok {
			return Header{}, nil, false, errs.Newf("sahara", errs.CodeProtocolViolation,
				"truncated packet: cmd 0x%02x promised %d bytes", hdr.Cmd, hdr.Length)
		}
	}
	return hdr, payload, true, nil
}

func (c *Client) handleHello(payload []byte) error {
	hello, err := UnmarshalHello(payload)
	if err != nil {
		return err
	}
	c.identity.ProtocolVersion = hello.Version
	c.logger.Info("hello received",
		"version", hello.Version, "min", hello.VersionSupported, "mode", hello.Mode)

	if hello.Version < 1 {
		return errs.Newf("hello", errs.CodeProtocolViolation, "protocol version %d", hello.Version)
	}

	mode := ModeImageTransferPending
	if c.readChipInfo && !c.cmdModeTried && hello.Mode == ModeImageTransferPending {
		// First Hello: ask for command mode to read chip identity. The
		// flag makes sure a rejection is not retried on re-Hello.
		c.cmdModeTried = true
		mode = ModeCommand
		c.logger.Debug("requesting command mode for chip info")
	}
	if err := c.ch.Write(MarshalHelloResponse(hello, mode)); err != nil {
		return errs.Wrap("hello_response", err)
	}
	return nil
}

// serveWindow answers a ReadData request with the exact window of the
// programmer image. A window extending past EOF is the device's own
// terminator policy: reply Done and expect the session to wind down.
func (c *Client) serveWindow(req ReadDataRequest) error {
	size := uint64(len(c.programmer))
	if req.Offset > size {
		return errs.Newf("read_data", errs.CodeProtocolViolation,
			"window start %d beyond programmer size %d", req.Offset, size)
	}
	if req.Offset+req.Length > size {
		c.logger.Info("read window past end of image, sending Done",
			"offset", req.Offset, "length", req.Length, "image_size", size)
		if err := c.ch.Write(MarshalDone()); err != nil {
			return errs.Wrap("done", err)
		}
		c.doneSent = true
		return nil
	}

	window := c.programmer[req.Offset : req.Offset+req.Length]
	if err := c.ch.Write(window); err != nil {
		return errs.Wrap("read_data", err)
	}
	c.sent += int64(req.Length)
	c.logger.Debug("served window", "offset", req.Offset, "length", req.Length, "wide", req.Wide)
	if c.progress != nil {
		c.progress(c.sent, int64(size))
	}
	return nil
}

func (c *Client) handleEndImageTransfer(payload []byte) error {
	c.endTransfers++
	if c.endTransfers > maxEndTransfers {
		return errs.New("end_image_transfer", errs.CodeProtocolViolation,
			"device looping EndImageTransfer")
	}
	end, err := UnmarshalEndImageTransfer(payload)
	if err != nil {
		return err
	}
	if end.Status != StatusSuccess {
		return errs.NewSahara("end_image_transfer", end.Status,
			StatusFatal(end.Status), StatusString(end.Status))
	}
	c.logger.Debug("end of image transfer", "image", end.ImageID)
	if err := c.ch.Write(MarshalDone()); err != nil {
		return errs.Wrap("done", err)
	}
	return nil
}

// runCommandMode reads chip identity via the Execute sub-dance. Every
// failure here is non-fatal; the caller switches back to image transfer
// either way.
func (c *Client) runCommandMode(ctx context.Context) {
	if err := ctx.Err(); err != nil {
		return
	}
	c.logger.Debug("command mode ready")

	if data, err := c.execute(ExecSerialNumRead); err == nil && len(data) >= 4 {
		c.identity.Serial = binary.LittleEndian.Uint32(data[0:4])
		c.identity.HasSerial = true
		c.logger.Info("serial number", "serial", c.identity.Serial)
	} else if err != nil {
		c.logger.Warn("serial number read failed", "error", err)
		return
	}

	if c.identity.ProtocolVersion < 3 {
		if data, err := c.execute(ExecMsmHwIdRead); err == nil && len(data) >= 8 {
			c.identity.HardwareID = binary.LittleEndian.Uint64(data[0:8])
			c.identity.HasHardwareID = true
		} else if err != nil {
			c.logger.Warn("hardware id read failed", "error", err)
		}
	}

	if data, err := c.execute(ExecOemPkHashRead); err == nil && len(data) > 0 {
		if len(data) > 48 {
			data = data[:48]
		}
		c.identity.PkHash = data
		c.identity.HasPkHash = true
		c.identity.VendorGuess = GuessVendor(data)
		prefix := c.identity.PkHashHex()
		if len(prefix) > 8 {
			prefix = prefix[:8]
		}
		c.logger.Info("pk hash", "prefix", prefix, "vendor", c.identity.VendorGuess)
	} else if err != nil {
		c.logger.Warn("pk hash read failed", "error", err)
	}

	if c.identity.ProtocolVersion >= 3 {
		if data, err := c.execute(ExecChipIdV3Read); err == nil && len(data) >= 46 {
			msmID := binary.LittleEndian.Uint32(data[36:40])
			oemID := binary.LittleEndian.Uint16(data[40:42])
			modelID := binary.LittleEndian.Uint16(data[42:44])
			if oemID == 0 {
				oemID = binary.LittleEndian.Uint16(data[44:46])
			}
			c.identity.HardwareID = packHardwareID(msmID, oemID, modelID)
			c.identity.HasHardwareID = true
			c.logger.Info("chip id",
				"msm_id", msmID, "oem_id", oemID, "model_id", modelID)
		} else if err != nil {
			c.logger.Warn("chip id read failed", "error", err)
		}
	}
}

// execute runs the three-packet Execute sub-dance and returns the raw
// response bytes.
func (c *Client) execute(clientCmd uint32) ([]byte, error) {
	if err := c.ch.Write(MarshalExecute(clientCmd)); err != nil {
		return nil, errs.Wrap("execute", err)
	}
	hdr, payload, ok, err := c.readPacket()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New("execute", errs.CodeTimeout, "no ExecuteData from device")
	}
	if hdr.Cmd != CmdExecuteData {
		return nil, errs.Newf("execute", errs.CodeProtocolViolation,
			"expected ExecuteData, got cmd 0x%02x", hdr.Cmd)
	}
	ed, err := UnmarshalExecuteData(payload)
	if err != nil {
		return nil, err
	}
	if ed.ClientCmd != clientCmd {
		return nil, errs.Newf("execute", errs.CodeProtocolViolation,
			"ExecuteData for 0x%02x while waiting on 0x%02x", ed.ClientCmd, clientCmd)
	}
	if err := c.ch.Write(MarshalExecuteResponse(clientCmd)); err != nil {
		return nil, errs.Wrap("execute", err)
	}
	if ed.DataLen == 0 {
		return nil, nil
	}
	data, ok, err := c.ch.ReadExact(int(ed.DataLen), c.timeout)
	if err != nil {
		return nil, errs.Wrap("execute", err)
	}
	if !ok {
		return nil, errs.Newf("execute", errs.CodeTimeout,
			"ExecuteData promised %d bytes that never arrived", ed.DataLen)
	}
	return data, nil
}
