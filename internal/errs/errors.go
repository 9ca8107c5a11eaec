// Package errs defines the structured error taxonomy shared by the protocol
// clients and parsers.
package errs

import (
	"errors"
	"fmt"
)

// Code is a high-level error category.
type Code string

const (
	CodeIo                Code = "I/O error"
	CodeTimeout           Code = "timeout"
	CodeCancelled         Code = "cancelled"
	CodeProtocolViolation Code = "protocol violation"
	CodeDeviceNak         Code = "device NAK"
	CodeSaharaStatus      Code = "sahara status"
	CodeBadImage          Code = "bad image"
	CodeNotConfigured     Code = "not configured"
)

// NakKind classifies a Firehose NAK by the device's error text.
type NakKind string

const (
	NakAuth              NakKind = "AUTH_FAIL"
	NakSignature         NakKind = "SIG_FAIL"
	NakHash              NakKind = "HASH_FAIL"
	NakPartitionNotFound NakKind = "PARTITION_NOT_FOUND"
	NakInvalidLun        NakKind = "INVALID_LUN"
	NakInvalidParam      NakKind = "INVALID_PARAM"
	NakInvalidSector     NakKind = "INVALID_SECTOR"
	NakWriteProtected    NakKind = "WRITE_PROTECTED"
	NakEraseFail         NakKind = "ERASE_FAIL"
	NakWriteFail         NakKind = "WRITE_FAIL"
	NakBusy              NakKind = "BUSY"
	NakCrc               NakKind = "CRC_FAIL"
	NakUnsupported       NakKind = "UNSUPPORTED"
	NakOther             NakKind = "NAK"
)

// Fatal reports whether a NAK of this kind aborts the current verb with no
// retry. Retryable kinds abort only the attempt.
func (k NakKind) Fatal() bool {
	switch k {
	case NakAuth, NakSignature, NakHash, NakPartitionNotFound,
		NakInvalidLun, NakUnsupported, NakWriteProtected:
		return true
	}
	return false
}

// Message returns the human-readable description paired with the short code.
func (k NakKind) Message() string {
	switch k {
	case NakAuth:
		return "device rejected authentication"
	case NakSignature:
		return "signature verification failed"
	case NakHash:
		return "hash verification failed"
	case NakPartitionNotFound:
		return "partition not found"
	case NakInvalidLun:
		return "invalid LUN"
	case NakInvalidParam:
		return "invalid parameter"
	case NakInvalidSector:
		return "invalid sector"
	case NakWriteProtected:
		return "storage is write protected"
	case NakEraseFail:
		return "erase failed"
	case NakWriteFail:
		return "write failed"
	case NakBusy:
		return "device busy"
	case NakCrc:
		return "CRC error"
	case NakUnsupported:
		return "operation not supported"
	default:
		return "device refused the request"
	}
}

// Error is a structured error with protocol context.
type Error struct {
	Op          string  // operation that failed, e.g. "configure", "read"
	Code        Code    // high-level category
	Nak         NakKind // set when Code == CodeDeviceNak
	Raw         string  // raw device message (NAK text or log line)
	SaharaCode  uint32  // set when Code == CodeSaharaStatus
	SaharaFatal bool    // fatal Sahara statuses unwind the whole connect
	Msg         string  // human-readable message
	Inner       error   // wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.Code == CodeDeviceNak && e.Op != "":
		return fmt.Sprintf("edl: %s [%s] (op=%s)", msg, e.Nak, e.Op)
	case e.Code == CodeSaharaStatus:
		return fmt.Sprintf("edl: %s (status=0x%02x op=%s)", msg, e.SaharaCode, e.Op)
	case e.Op != "":
		return fmt.Sprintf("edl: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("edl: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches on the target's Code and, when the target carries one, its
// NakKind; empty fields in the target match anything.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	if te.Code != "" && e.Code != te.Code {
		return false
	}
	if te.Nak != "" && e.Nak != te.Nak {
		return false
	}
	return true
}

// Retryable reports whether the orchestrator may re-invoke the failed verb.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeTimeout:
		return true
	case CodeDeviceNak:
		return !e.Nak.Fatal()
	}
	return false
}

// Constructors

func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

func Newf(op string, code Code, format string, args ...any) *Error {
	return &Error{Op: op, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// NewNak builds a DeviceNak error carrying both the short code and the raw
// device text.
func NewNak(op string, kind NakKind, raw string) *Error {
	return &Error{
		Op:   op,
		Code: CodeDeviceNak,
		Nak:  kind,
		Raw:  raw,
		Msg:  kind.Message(),
	}
}

// NewSahara builds a SaharaStatus error.
func NewSahara(op string, status uint32, fatal bool, msg string) *Error {
	return &Error{
		Op:          op,
		Code:        CodeSaharaStatus,
		SaharaCode:  status,
		SaharaFatal: fatal,
		Msg:         msg,
	}
}

// Wrap wraps an existing error with operation context. A wrapped *Error
// keeps its classification; anything else becomes CodeIo.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ee, ok := inner.(*Error); ok {
		return &Error{
			Op:          op,
			Code:        ee.Code,
			Nak:         ee.Nak,
			Raw:         ee.Raw,
			SaharaCode:  ee.SaharaCode,
			SaharaFatal: ee.SaharaFatal,
			Msg:         ee.Msg,
			Inner:       ee,
		}
	}
	return &Error{Op: op, Code: CodeIo, Msg: inner.Error(), Inner: inner}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsNak checks if an error is a device NAK of the given kind
func IsNak(err error, kind NakKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeDeviceNak && e.Nak == kind
	}
	return false
}

// IsFatalSahara reports whether err carries a fatal Sahara status.
func IsFatalSahara(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeSaharaStatus && e.SaharaFatal
	}
	return false
}
