package sahara

import (
	"encoding/hex"
	"strings"
)

// ChipIdentity holds whatever the command-mode detour managed to read.
// Any field may be absent; the Has* flags say which groups are valid.
type ChipIdentity struct {
	Serial          uint32
	HardwareID      uint64 // msm_id | oem_id | model_id, see accessors
	ProtocolVersion uint32
	PkHash          []byte // up to 48 bytes of the OEM public-key hash
	VendorGuess     string

	HasSerial     bool
	HasHardwareID bool
	HasPkHash     bool
}

// MsmID returns the 24-bit SoC id packed into the hardware id.
func (c ChipIdentity) MsmID() uint32 {
	return uint32(c.HardwareID>>32) & 0xFFFFFF
}

// OemID returns the OEM id packed into the hardware id.
func (c ChipIdentity) OemID() uint16 {
	return uint16(c.HardwareID >> 16)
}

// ModelID returns the model id packed into the hardware id.
func (c ChipIdentity) ModelID() uint16 {
	return uint16(c.HardwareID)
}

// PkHashHex returns the hex form of the PK hash, empty when absent.
func (c ChipIdentity) PkHashHex() string {
	if !c.HasPkHash {
		return ""
	}
	return hex.EncodeToString(c.PkHash)
}

// packHardwareID composes the u64 from the v3 chip-info fields.
func packHardwareID(msmID uint32, oemID, modelID uint16) uint64 {
	return uint64(msmID&0xFFFFFF)<<32 | uint64(oemID)<<16 | uint64(modelID)
}

// pkHashVendors maps well-known OEM public-key hash prefixes to vendor
// names. The prefix is the first 4 bytes of the hash, lower-case hex.
var pkHashVendors = map[string]string{
	"2be76cee": "OPPO",
	"cc3153a8": "Xiaomi",
	"57158eae": "OnePlus",
	"8da4ea54": "Nothing",
	"afca69d4": "Samsung",
	"1bebe386": "Vivo",
	"b9e8e4d0": "Motorola",
	"cc3f06ee": "Qualcomm reference",
}

// GuessVendor looks up the vendor behind a PK hash prefix. Returns "" when
// the prefix is unknown.
func GuessVendor(pkHash []byte) string {
	if len(pkHash) < 4 {
		return ""
	}
	prefix := strings.ToLower(hex.EncodeToString(pkHash[:4]))
	return pkHashVendors[prefix]
}
