// Package detect classifies what protocol a freshly-opened EDL port is
// speaking — Sahara waiting for a loader, an already-running Firehose
// programmer, or nothing — without corrupting the device's state machine.
package detect

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/behrlich/go-edl/internal/logging"
	"github.com/behrlich/go-edl/internal/sahara"
	"github.com/behrlich/go-edl/internal/serialio"
)

// State is the probe verdict.
type State int

const (
	// Unknown means bytes arrived but match no known protocol yet.
	Unknown State = iota
	// SaharaHello: the device sent a Sahara Hello and waits for a loader.
	SaharaHello
	// Firehose: a programmer is already running and talking XML.
	Firehose
	// NoResponse: the line stayed silent for the whole probe budget.
	NoResponse
)

func (s State) String() string {
	switch s {
	case SaharaHello:
		return "sahara-hello"
	case Firehose:
		return "firehose"
	case NoResponse:
		return "no-response"
	default:
		return "unknown"
	}
}

const (
	// probeWait is how long one probe round listens.
	probeWait = 200 * time.Millisecond
	// probeBudget bounds the whole detection.
	probeBudget = 5 * time.Second
)

// xmlMarkers identify Firehose chatter.
var xmlMarkers = [][]byte{
	[]byte("<?xml"),
	[]byte("<response"),
	[]byte("<log"),
	[]byte("<data>"),
}

// Result carries the verdict plus every byte the probe consumed. The
// bytes are also pushed back onto the channel, so the chosen protocol
// client reads them as if the probe never happened.
type Result struct {
	State  State
	Prefix []byte
}

// Probe runs the detection procedure: nudge a silent device with a Sahara
// ResetStateMachine, then classify whatever shows up.
func Probe(ch serialio.Channel, logger *logging.Logger) (Result, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithTag("detect")

	// Each round listens for probeWait, so the round count carries the
	// whole budget; a scripted channel burns through them instantly.
	rounds := int(probeBudget / probeWait)
	var prefix []byte
	resetSent := false

	for round := 0; round < rounds; round++ {
		if len(prefix) == 0 && ch.BytesAvailable() == 0 && !resetSent {
			logger.Debug("line silent, sending sahara reset probe")
			if err := ch.Write(sahara.MarshalReset()); err != nil {
				return Result{State: NoResponse}, err
			}
			resetSent = true
		}

		data, err := ch.ReadAvailable(4096, probeWait)
		if err != nil {
			return Result{State: NoResponse, Prefix: prefix}, err
		}
		prefix = append(prefix, data...)
		if len(prefix) < 8 {
			continue
		}

		if state, decided := classify(prefix); decided {
			logger.Info("device classified", "state", state, "prefix_len", len(prefix))
			ch.Unread(prefix)
			return Result{State: state, Prefix: prefix}, nil
		}
	}

	// Deliver whatever partial bytes were seen; the caller's recovery
	// ladder may still make sense of them.
	ch.Unread(prefix)
	logger.Warn("no classifiable response", "prefix_len", len(prefix))
	return Result{State: NoResponse, Prefix: prefix}, nil
}

// classify inspects a prefix of at least 8 bytes. decided is false when
// more bytes could still disambiguate.
func classify(prefix []byte) (State, bool) {
	if prefix[0] == '<' {
		for _, marker := range xmlMarkers {
			if bytes.Contains(prefix, marker) {
				return Firehose, true
			}
		}
		// XML-ish start without a marker yet: wait for more.
		return Unknown, false
	}

	cmd := binary.LittleEndian.Uint32(prefix[0:4])
	length := binary.LittleEndian.Uint32(prefix[4:8])
	if cmd == sahara.CmdHello && length == sahara.HelloLen {
		return SaharaHello, true
	}
	return Unknown, false
}
