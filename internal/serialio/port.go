package serialio

import (
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/behrlich/go-edl/internal/errs"
)

// DefaultBaudRate is what EDL ports run at. The PBL ignores the host-side
// baud setting on USB-CDC but some adapters still want a sane value.
const DefaultBaudRate = 115200

// Port is the production Channel over a go.bug.st/serial port.
type Port struct {
	port serial.Port
	name string
	// Bytes read from the port but not yet consumed by a caller
	// (ReadExact keeps partials here; Unread prepends here).
	buf []byte
}

// PortConfig holds serial port options.
type PortConfig struct {
	BaudRate int // 0 means DefaultBaudRate
}

// OpenPort opens the named serial port in 8N1 mode.
func OpenPort(name string, config *PortConfig) (*Port, error) {
	baud := DefaultBaudRate
	if config != nil && config.BaudRate > 0 {
		baud = config.BaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, errs.Wrap("open_port", fmt.Errorf("open %s: %w", name, err))
	}
	return &Port{port: p, name: name}, nil
}

// Name returns the port name the channel was opened with.
func (p *Port) Name() string { return p.name }

func (p *Port) Write(data []byte) error {
	for len(data) > 0 {
		n, err := p.port.Write(data)
		if err != nil {
			return errs.Wrap("write", err)
		}
		data = data[n:]
	}
	return nil
}

// fill reads once from the port with the given timeout and appends to the
// internal buffer. Returns the number of bytes read.
func (p *Port) fill(timeout time.Duration) (int, error) {
	if timeout < 0 {
		timeout = 0
	}
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return 0, errs.Wrap("read", err)
	}
	tmp := make([]byte, 4096)
	n, err := p.port.Read(tmp)
	if err != nil {
		return 0, errs.Wrap("read", err)
	}
	if n > 0 {
		p.buf = append(p.buf, tmp[:n]...)
	}
	return n, nil
}

func (p *Port) ReadExact(n int, timeout time.Duration) ([]byte, bool, error) {
	deadline := time.Now().Add(timeout)
	for len(p.buf) < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, nil
		}
		got, err := p.fill(remaining)
		if err != nil {
			return nil, false, err
		}
		// A zero-byte read means the port-level timeout fired.
		if got == 0 && time.Until(deadline) <= 0 {
			return nil, false, nil
		}
	}
	out := p.buf[:n:n]
	p.buf = p.buf[n:]
	return out, true, nil
}

func (p *Port) ReadAvailable(max int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	// Wait for the first byte within the caller's timeout, then keep
	// draining until the line goes quiet.
	for len(p.buf) == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if _, err := p.fill(remaining); err != nil {
			return nil, err
		}
	}
	for len(p.buf) < max {
		got, err := p.fill(quiescence)
		if err != nil {
			return nil, err
		}
		if got == 0 {
			break
		}
		if time.Until(deadline) <= 0 {
			break
		}
	}
	n := len(p.buf)
	if n > max {
		n = max
	}
	out := p.buf[:n:n]
	p.buf = p.buf[n:]
	return out, nil
}

func (p *Port) BytesAvailable() int {
	return len(p.buf)
}

func (p *Port) Unread(data []byte) {
	if len(data) == 0 {
		return
	}
	p.buf = append(append([]byte{}, data...), p.buf...)
}

func (p *Port) DiscardIn() error {
	p.buf = nil
	if err := p.port.ResetInputBuffer(); err != nil {
		return errs.Wrap("discard_in", err)
	}
	return nil
}

func (p *Port) DiscardOut() error {
	if err := p.port.ResetOutputBuffer(); err != nil {
		return errs.Wrap("discard_out", err)
	}
	return nil
}

func (p *Port) Close() error {
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	if err != nil {
		return errs.Wrap("close", err)
	}
	return nil
}

var _ Channel = (*Port)(nil)
