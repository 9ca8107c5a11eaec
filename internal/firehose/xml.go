package firehose

import (
	"fmt"
	"strings"
)

// The programmer's XML matcher is case-sensitive and some builds are
// order-sensitive, so requests are emitted by hand with a fixed attribute
// order instead of going through an XML encoder.

// attr is one attribute of a request verb. Values are always emitted
// double-quoted, numbers included.
type attr struct {
	key   string
	value string
}

// buildRequest renders a single-verb Firehose document:
//
//	<?xml version="1.0" ?><data><verb k="v" ... /></data>
func buildRequest(verb string, attrs []attr) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" ?><data><`)
	b.WriteString(verb)
	for _, a := range attrs {
		b.WriteByte(' ')
		b.WriteString(a.key)
		b.WriteString(`="`)
		b.WriteString(escapeAttr(a.value))
		b.WriteString(`"`)
	}
	b.WriteString(` /></data>`)
	return []byte(b.String())
}

func escapeAttr(v string) string {
	if !strings.ContainsAny(v, `&<>"`) {
		return v
	}
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(v)
}

func u32(v uint32) string { return fmt.Sprintf("%d", v) }
func u64(v uint64) string { return fmt.Sprintf("%d", v) }

// sizeInKB renders a byte count as decimal KiB with exactly one fractional
// digit, the way the loaders expect size_in_KB.
func sizeInKB(bytes uint64) string {
	return fmt.Sprintf("%.1f", float64(bytes)/1024.0)
}

// startByteHex renders the absolute byte offset for start_byte_hex.
func startByteHex(startSector uint64, sectorSize uint32) string {
	return fmt.Sprintf("0x%x", startSector*uint64(sectorSize))
}
