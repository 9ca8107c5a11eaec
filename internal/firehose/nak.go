package firehose

import (
	"strings"

	"github.com/behrlich/go-edl/internal/errs"
)

// classifyNak maps a NAK's raw text (response attrs plus the log lines the
// loader emitted with it) to a NakKind. Loaders free-text their errors, so
// this is substring matching over a lower-cased haystack.
func classifyNak(resp *Response) errs.NakKind {
	var b strings.Builder
	for _, l := range resp.Logs {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteString(resp.Raw)
	text := strings.ToLower(b.String())

	switch {
	case containsAny(text, "authenticat", "auth fail", "not authorized", "vip"):
		return errs.NakAuth
	case containsAny(text, "signature", "signed", "sig verify"):
		return errs.NakSignature
	case containsAny(text, "hash mismatch", "hash fail", "digest mismatch"):
		return errs.NakHash
	case containsAny(text, "can't find partition", "cannot find partition",
		"partition not found", "unknown partition", "no partition"):
		return errs.NakPartitionNotFound
	case containsAny(text, "invalid lun", "lun out of range", "bad lun"):
		return errs.NakInvalidLun
	case containsAny(text, "invalid sector", "sector out of range", "beyond the end"):
		return errs.NakInvalidSector
	case containsAny(text, "write protect", "write-protect", "read only", "read-only"):
		return errs.NakWriteProtected
	case containsAny(text, "erase fail", "failed to erase"):
		return errs.NakEraseFail
	case containsAny(text, "write fail", "failed to write", "program fail"):
		return errs.NakWriteFail
	case containsAny(text, "busy", "try again"):
		return errs.NakBusy
	case containsAny(text, "crc"):
		return errs.NakCrc
	case containsAny(text, "unsupported", "not supported", "unrecognized", "unknown command"):
		return errs.NakUnsupported
	case containsAny(text, "invalid parameter", "invalid attribute", "bad parameter"):
		return errs.NakInvalidParam
	default:
		return errs.NakOther
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// nakError builds the DeviceNak error for a refused verb. The raw XML is
// always preserved for the caller's logs.
func nakError(op string, resp *Response) *errs.Error {
	return errs.NewNak(op, classifyNak(resp), resp.Raw)
}
