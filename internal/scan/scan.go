// Package scan searches raw partition blobs for device identity: build
// properties, vendor market names, the BCD-coded IMEI from NV item 550,
// and bootloader lock state. Sparse blobs are inflated transparently.
package scan

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/behrlich/go-edl/internal/sparse"
)

// DefaultInflateCap bounds how much of a sparse system image is inflated
// before scanning; build.prop and friends live in the first stretch.
const DefaultInflateCap = 256 << 20

// marketNameCap is how many characters a market-name hit may span.
const marketNameCap = 50

// Result is the key -> value map of everything a scan surfaced.
type Result map[string]string

// Merge copies src entries into r with first-non-empty-wins semantics.
func (r Result) Merge(src Result) {
	for k, v := range src {
		if v == "" {
			continue
		}
		if _, ok := r[k]; !ok || r[k] == "" {
			r[k] = v
		}
	}
}

// propKeys maps build.prop prefixes to result keys.
var propKeys = []struct {
	prefix string
	key    string
}{
	{"ro.product.model=", "model"},
	{"ro.product.vendor.model=", "model"},
	{"ro.product.brand=", "brand"},
	{"ro.product.vendor.device=", "device"},
	{"ro.product.device=", "device"},
	{"ro.build.version.ota=", "ota"},
	{"ro.build.version.incremental=", "incremental"},
	{"ro.build.fingerprint=", "fingerprint"},
	{"ro.build.display.id=", "build_display"},
	{"ro.build.version.release=", "android_version"},
	{"ro.build.version.security_patch=", "security_patch"},
}

// marketNamePrefixes are the vendor-specific keys that carry the retail
// device name, UTF-8 values allowed.
var marketNamePrefixes = []string{
	"ro.vendor.oplus.market.name=",
	"ro.oppo.market.name=",
	"ro.config.marketing_name=",
	"ro.product.marketname=",
	"ro.vendor.product.display=",
	"ro.semc.product.name=",
}

// lockStateMarkers map verbatim byte sequences to an unlock-state value.
var lockStateMarkers = []struct {
	marker string
	value  string
}{
	{"androidboot.flash.locked=0", "unlocked"},
	{"androidboot.flash.locked=1", "locked"},
	{"androidboot.verifiedbootstate=orange", "unlocked"},
	{"androidboot.verifiedbootstate=green", "locked"},
	{"device_state=unlocked", "unlocked"},
	{"device_state=locked", "locked"},
}

// Scan inflates (if sparse) and runs every scanner over the blob.
// inflateCap <= 0 uses DefaultInflateCap.
func Scan(blob []byte, inflateCap int) (Result, error) {
	if inflateCap <= 0 {
		inflateCap = DefaultInflateCap
	}
	data, err := sparse.Inflate(blob, inflateCap)
	if err != nil {
		return nil, err
	}

	result := make(Result)
	scanProps(data, result)
	scanMarketNames(data, result)
	scanLockState(data, result)
	scanIMEI(data, result)
	return result, nil
}

// scanProps extracts build.prop style key=value lines.
func scanProps(data []byte, result Result) {
	for _, pk := range propKeys {
		if result[pk.key] != "" {
			continue
		}
		if v := extractAfter(data, pk.prefix, 128); v != "" {
			result[pk.key] = v
		}
	}
}

func scanMarketNames(data []byte, result Result) {
	if result["marketname"] != "" {
		return
	}
	for _, prefix := range marketNamePrefixes {
		if v := extractAfter(data, prefix, marketNameCap); v != "" {
			result["marketname"] = v
			return
		}
	}
}

func scanLockState(data []byte, result Result) {
	for _, m := range lockStateMarkers {
		if bytes.Contains(data, []byte(m.marker)) {
			result["unlock_state"] = m.value
			return
		}
	}
}

// extractAfter finds prefix and returns the value up to the next
// terminator (\n, \r, NUL or |), capped at max characters.
func extractAfter(data []byte, prefix string, max int) string {
	idx := bytes.Index(data, []byte(prefix))
	if idx < 0 {
		return ""
	}
	start := idx + len(prefix)
	end := start
	for chars := 0; end < len(data) && chars < max; chars++ {
		b := data[end]
		if b == '\n' || b == '\r' || b == 0 || b == '|' {
			break
		}
		_, size := utf8.DecodeRune(data[end:])
		end += size
	}
	return strings.TrimSpace(string(data[start:end]))
}

// scanIMEI looks for the NV-item-550 BCD encoding first, then printable
// 15-digit runs with common TAC prefixes. Every candidate must pass the
// Luhn-15 check; duplicates are collapsed.
func scanIMEI(data []byte, result Result) {
	var found []string
	seen := make(map[string]bool)
	add := func(imei string) {
		if !seen[imei] && LuhnValid(imei) {
			seen[imei] = true
			found = append(found, imei)
		}
	}

	// NV item 550: 0x08 length byte, then (first_digit << 4) | 0x0A,
	// then 7 bytes of nibble-packed digits.
	for i := 0; i+8 < len(data); i++ {
		if data[i] != 0x08 || data[i+1]&0x0F != 0x0A {
			continue
		}
		if imei, ok := decodeBCD(data[i+1 : i+9]); ok {
			add(imei)
		}
	}

	// Printable fallback.
	for _, prefix := range []string{"86", "35", "01", "99"} {
		searchPrintable(data, prefix, add)
	}

	if len(found) > 0 {
		result["imei"] = found[0]
	}
	if len(found) > 1 {
		result["imei2"] = found[1]
	}
}

// decodeBCD unpacks 15 digits from the 8-byte NV-550 payload: the first
// digit rides the marker byte's high nibble, then each byte carries two
// digits low-nibble first.
func decodeBCD(raw []byte) (string, bool) {
	if len(raw) < 8 {
		return "", false
	}
	digits := make([]byte, 0, 15)
	first := raw[0] >> 4
	if first > 9 {
		return "", false
	}
	digits = append(digits, '0'+first)
	for _, b := range raw[1:8] {
		lo, hi := b&0x0F, b>>4
		if lo > 9 || hi > 9 {
			return "", false
		}
		digits = append(digits, '0'+lo, '0'+hi)
	}
	return string(digits), true
}

func searchPrintable(data []byte, prefix string, add func(string)) {
	pb := []byte(prefix)
	for i := 0; i+15 <= len(data); i++ {
		if !bytes.HasPrefix(data[i:], pb) {
			continue
		}
		run := data[i : i+15]
		ok := true
		for _, b := range run {
			if b < '0' || b > '9' {
				ok = false
				break
			}
		}
		// A longer digit run is not an IMEI, it is some other counter.
		if ok && i+15 < len(data) && data[i+15] >= '0' && data[i+15] <= '9' {
			ok = false
		}
		if ok {
			add(string(run))
		}
	}
}

// LuhnValid checks a 15-digit IMEI: doubling every second digit from the
// left (positions 2, 4, ...), the total must be divisible by 10.
func LuhnValid(imei string) bool {
	if len(imei) != 15 {
		return false
	}
	sum := 0
	for i, r := range imei {
		if r < '0' || r > '9' {
			return false
		}
		d := int(r - '0')
		if i%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}
