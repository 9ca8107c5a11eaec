// Package gpt parses GUID partition tables read off a LUN, primary or
// backup, tolerating the slightly malformed tables locked devices expose.
package gpt

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"

	"github.com/google/uuid"

	"github.com/behrlich/go-edl/internal/errs"
	"github.com/behrlich/go-edl/internal/logging"
)

// Signature is the 8-byte ASCII marker at the start of a GPT header.
var Signature = []byte("EFI PART")

const (
	// Revision10 is the only revision in the wild (1.0).
	Revision10 = 0x00010000

	headerEntriesLBAOff = 72
	headerEntryCountOff = 80
	headerEntrySizeOff  = 84
	headerRevisionOff   = 8

	entryTypeGUIDOff   = 0
	entryUniqueGUIDOff = 16
	entryFirstLBAOff   = 32
	entryLastLBAOff    = 40
	entryAttributesOff = 48
	entryNameOff       = 56
	entryNameLen       = 72

	// MaxEntries caps how many entries are walked regardless of what the
	// header claims.
	MaxEntries = 128

	minEntrySize = 128
)

// PartitionEntry is one partition as laid out on a LUN.
type PartitionEntry struct {
	LUN         uint32
	Name        string
	StartSector uint64
	NumSectors  uint64
	SectorSize  uint32
	TypeGUID    uuid.UUID
	UniqueGUID  uuid.UUID
	Attributes  uint64
}

// EndSector returns the last sector occupied by the partition.
func (e PartitionEntry) EndSector() uint64 {
	return e.StartSector + e.NumSectors - 1
}

// SizeBytes returns the partition size in bytes.
func (e PartitionEntry) SizeBytes() uint64 {
	return e.NumSectors * uint64(e.SectorSize)
}

// Table is a parsed GPT.
type Table struct {
	LUN        uint32
	SectorSize uint32
	Revision   uint32
	HeaderOff  int // byte offset the header was found at
	Entries    []PartitionEntry
}

// FindByName returns the entry with the given name, nil when absent.
func (t *Table) FindByName(name string) *PartitionEntry {
	for i := range t.Entries {
		if t.Entries[i].Name == name {
			return &t.Entries[i]
		}
	}
	return nil
}

// Parse reads a primary or backup GPT out of a blob covering at least the
// first 34 sectors of a LUN. sectorSize is the assumed device sector size
// (512 or 4096); the signature scan tolerates blobs captured with the
// wrong assumption.
func Parse(data []byte, sectorSize uint32, lun uint32, logger *logging.Logger) (*Table, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if sectorSize != 512 && sectorSize != 4096 {
		return nil, errs.Newf("gpt", errs.CodeBadImage, "unsupported sector size %d", sectorSize)
	}

	hdrOff := findHeader(data, sectorSize)
	if hdrOff < 0 {
		return nil, errs.New("gpt", errs.CodeBadImage, "EFI PART signature not found")
	}
	hdr := data[hdrOff:]
	if len(hdr) < 92 {
		return nil, errs.New("gpt", errs.CodeBadImage, "truncated GPT header")
	}

	revision := binary.LittleEndian.Uint32(hdr[headerRevisionOff:])
	if revision != Revision10 {
		logger.Warn("unknown GPT revision, parsing anyway", "revision", revision)
	}

	entriesLBA := binary.LittleEndian.Uint64(hdr[headerEntriesLBAOff:])
	entryCount := binary.LittleEndian.Uint32(hdr[headerEntryCountOff:])
	entrySize := binary.LittleEndian.Uint32(hdr[headerEntrySizeOff:])
	if entrySize < minEntrySize {
		entrySize = minEntrySize
	}

	// Vendors ship tables whose entries-LBA points nowhere useful; only
	// a plausible value is honoured, otherwise entries sit at LBA 2.
	arrayStart := int(2 * sectorSize)
	if entriesLBA >= 1 && entriesLBA <= 99 {
		arrayStart = int(entriesLBA * uint64(sectorSize))
	}

	if entryCount > MaxEntries {
		entryCount = MaxEntries
	}

	table := &Table{
		LUN:        lun,
		SectorSize: sectorSize,
		Revision:   revision,
		HeaderOff:  hdrOff,
	}

	for i := 0; i < int(entryCount); i++ {
		off := arrayStart + i*int(entrySize)
		if off+int(entrySize) > len(data) {
			break
		}
		raw := data[off : off+int(entrySize)]

		uniqueRaw := raw[entryUniqueGUIDOff : entryUniqueGUIDOff+16]
		if isZeroGUID(uniqueRaw) {
			continue
		}

		firstLBA := binary.LittleEndian.Uint64(raw[entryFirstLBAOff:])
		lastLBA := binary.LittleEndian.Uint64(raw[entryLastLBAOff:])
		if lastLBA < firstLBA {
			logger.Warn("skipping entry with inverted LBA range",
				"index", i, "first", firstLBA, "last", lastLBA)
			continue
		}

		table.Entries = append(table.Entries, PartitionEntry{
			LUN:         lun,
			Name:        decodeName(raw[entryNameOff : entryNameOff+entryNameLen]),
			StartSector: firstLBA,
			NumSectors:  lastLBA - firstLBA + 1,
			SectorSize:  sectorSize,
			TypeGUID:    decodeGUID(raw[entryTypeGUIDOff : entryTypeGUIDOff+16]),
			UniqueGUID:  decodeGUID(uniqueRaw),
			Attributes:  binary.LittleEndian.Uint64(raw[entryAttributesOff:]),
		})
	}

	return table, nil
}

// findHeader scans the preferred offsets first, then every 512-byte
// boundary.
func findHeader(data []byte, sectorSize uint32) int {
	preferred := []int{int(sectorSize), 512, 0, int(2 * sectorSize)}
	for _, off := range preferred {
		if hasSignature(data, off) {
			return off
		}
	}
	for off := 0; off+len(Signature) <= len(data); off += 512 {
		if hasSignature(data, off) {
			return off
		}
	}
	return -1
}

func hasSignature(data []byte, off int) bool {
	return off >= 0 && off+len(Signature) <= len(data) &&
		bytes.Equal(data[off:off+len(Signature)], Signature)
}

func isZeroGUID(raw []byte) bool {
	for _, b := range raw {
		if b != 0 {
			return false
		}
	}
	return true
}

// decodeName trims a UTF-16LE name field at its first NUL.
func decodeName(raw []byte) string {
	u16 := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		v := binary.LittleEndian.Uint16(raw[i:])
		if v == 0 {
			break
		}
		u16 = append(u16, v)
	}
	return string(utf16.Decode(u16))
}

// decodeGUID converts the on-disk mixed-endian GUID layout (first three
// fields little-endian) to a uuid.UUID.
func decodeGUID(raw []byte) uuid.UUID {
	var b [16]byte
	copy(b[:], raw)
	b[0], b[1], b[2], b[3] = raw[3], raw[2], raw[1], raw[0]
	b[4], b[5] = raw[5], raw[4]
	b[6], b[7] = raw[7], raw[6]
	id, _ := uuid.FromBytes(b[:])
	return id
}

// encodeGUID is the inverse of decodeGUID.
func encodeGUID(id uuid.UUID) []byte {
	raw := make([]byte, 16)
	copy(raw, id[:])
	raw[0], raw[1], raw[2], raw[3] = id[3], id[2], id[1], id[0]
	raw[4], raw[5] = id[5], id[4]
	raw[6], raw[7] = id[7], id[6]
	return raw
}

// encodeName renders a partition name as the 72-byte UTF-16LE field.
func encodeName(name string) []byte {
	out := make([]byte, entryNameLen)
	u16 := utf16.Encode([]rune(name))
	for i, v := range u16 {
		if (i+1)*2 > entryNameLen {
			break
		}
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}
	return out
}

// Serialize renders a table as an MBR sector, a header sector, and the
// entry array — enough structure for Parse to round-trip it. CRCs are not
// computed; the parser does not check them and neither do the loaders
// this feeds.
func Serialize(t *Table) []byte {
	sector := int(t.SectorSize)
	entrySize := minEntrySize
	blob := make([]byte, 34*sector)

	hdr := blob[sector:]
	copy(hdr, Signature)
	binary.LittleEndian.PutUint32(hdr[headerRevisionOff:], Revision10)
	binary.LittleEndian.PutUint32(hdr[12:], 92) // header size
	binary.LittleEndian.PutUint64(hdr[24:], 1)  // current LBA
	binary.LittleEndian.PutUint64(hdr[headerEntriesLBAOff:], 2)
	binary.LittleEndian.PutUint32(hdr[headerEntryCountOff:], MaxEntries)
	binary.LittleEndian.PutUint32(hdr[headerEntrySizeOff:], uint32(entrySize))

	arrayStart := 2 * sector
	for i, e := range t.Entries {
		if i >= MaxEntries {
			break
		}
		raw := blob[arrayStart+i*entrySize:]
		copy(raw[entryTypeGUIDOff:], encodeGUID(e.TypeGUID))
		copy(raw[entryUniqueGUIDOff:], encodeGUID(e.UniqueGUID))
		binary.LittleEndian.PutUint64(raw[entryFirstLBAOff:], e.StartSector)
		binary.LittleEndian.PutUint64(raw[entryLastLBAOff:], e.EndSector())
		binary.LittleEndian.PutUint64(raw[entryAttributesOff:], e.Attributes)
		copy(raw[entryNameOff:], encodeName(e.Name))
	}
	return blob
}
