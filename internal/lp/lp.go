// Package lp parses Android dynamic-partition (LP) metadata out of the
// first pages of the super partition: geometry, header, then the
// partition and extent tables that place each logical partition inside
// super's address space.
package lp

import (
	"bytes"
	"encoding/binary"

	"github.com/behrlich/go-edl/internal/errs"
	"github.com/behrlich/go-edl/internal/logging"
)

const (
	// GeometryMagic is "gDla" little-endian at the start of the geometry
	// block.
	GeometryMagic uint32 = 0x616C4467

	// HeaderMagic is "0PLA" little-endian at the start of the metadata
	// header.
	HeaderMagic uint32 = 0x414C5030

	geometryBlockSizeOff = 48
	geometryFallbackOff  = 4096

	headerOff           = 0x1000
	headerSizeOff       = 8
	headerPartitionsOff = 80 // {offset, count, entry_size} triple
	headerExtentsOff    = 92
	headerGroupsOff     = 104

	partitionEntryNameLen = 36
	partitionEntrySize    = 52
	extentEntrySize       = 24

	// LpSectorSize is the fixed 512-byte unit all LP offsets count in,
	// independent of the device sector size.
	LpSectorSize = 512

	// Extent target types.
	TargetLinear uint32 = 0
	TargetZero   uint32 = 1

	// MinBlobLen is how much of super the caller must provide.
	MinBlobLen = 8192
)

// SubPartition is one logical partition placed inside super.
type SubPartition struct {
	Name       string
	ByteOffset uint64 // offset of the first LINEAR extent within super
	ByteSize   uint64 // sum over all extents, in bytes
	Attributes uint32
	GroupIndex uint32

	// AbsoluteSector4K is the partition's first device sector, in
	// 4096-byte units, given super's own start sector.
	AbsoluteSector4K uint64
}

// Metadata is the parsed LP metadata of a super partition.
type Metadata struct {
	LogicalBlockSize uint32
	HeaderSize       uint32
	Partitions       []SubPartition
}

// tableDesc is one {offset, count, entry_size} descriptor in the header.
type tableDesc struct {
	Offset    uint32
	Count     uint32
	EntrySize uint32
}

func readDesc(hdr []byte, off int) tableDesc {
	return tableDesc{
		Offset:    binary.LittleEndian.Uint32(hdr[off:]),
		Count:     binary.LittleEndian.Uint32(hdr[off+4:]),
		EntrySize: binary.LittleEndian.Uint32(hdr[off+8:]),
	}
}

type extent struct {
	NumSectors   uint64
	TargetType   uint32
	TargetData   uint64
	TargetSource uint32
}

// Parse reads the geometry and primary metadata header from the first
// 8 KiB of super. superStartSector4K is where super itself begins on the
// device, in 4096-byte sectors.
func Parse(data []byte, superStartSector4K uint64, logger *logging.Logger) (*Metadata, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if len(data) < MinBlobLen {
		return nil, errs.Newf("lp", errs.CodeBadImage, "need %d bytes of super, got %d", MinBlobLen, len(data))
	}

	geomOff := 0
	if binary.LittleEndian.Uint32(data[0:4]) != GeometryMagic {
		// Backup geometry lives one page in.
		if binary.LittleEndian.Uint32(data[geometryFallbackOff:]) != GeometryMagic {
			return nil, errs.New("lp", errs.CodeBadImage, "LP geometry magic not found")
		}
		geomOff = geometryFallbackOff
	}
	blockSize := binary.LittleEndian.Uint32(data[geomOff+geometryBlockSizeOff:])

	if binary.LittleEndian.Uint32(data[headerOff:]) != HeaderMagic {
		return nil, errs.New("lp", errs.CodeBadImage, "LP header magic not found")
	}
	hdr := data[headerOff:]
	headerSize := binary.LittleEndian.Uint32(hdr[headerSizeOff:])
	partsDesc := readDesc(hdr, headerPartitionsOff)
	extentsDesc := readDesc(hdr, headerExtentsOff)
	groupsDesc := readDesc(hdr, headerGroupsOff)
	_ = groupsDesc // group names are not needed for flashing

	if partsDesc.EntrySize == 0 {
		partsDesc.EntrySize = partitionEntrySize
	}
	if extentsDesc.EntrySize == 0 {
		extentsDesc.EntrySize = extentEntrySize
	}

	tablesBase := headerOff + int(headerSize)

	extents, err := parseExtents(data, tablesBase, extentsDesc)
	if err != nil {
		return nil, err
	}

	meta := &Metadata{
		LogicalBlockSize: blockSize,
		HeaderSize:       headerSize,
	}

	partBase := tablesBase + int(partsDesc.Offset)
	for i := 0; i < int(partsDesc.Count); i++ {
		off := partBase + i*int(partsDesc.EntrySize)
		if off+int(partsDesc.EntrySize) > len(data) {
			return nil, errs.Newf("lp", errs.CodeBadImage,
				"partition table truncated at entry %d", i)
		}
		raw := data[off:]
		name := decodeName(raw[:partitionEntryNameLen])
		attrs := binary.LittleEndian.Uint32(raw[36:])
		firstExtent := binary.LittleEndian.Uint32(raw[40:])
		numExtents := binary.LittleEndian.Uint32(raw[44:])
		groupIndex := binary.LittleEndian.Uint32(raw[48:])

		if int(firstExtent)+int(numExtents) > len(extents) {
			return nil, errs.Newf("lp", errs.CodeBadImage,
				"partition %q references extents beyond the table", name)
		}

		var totalSectors uint64
		var firstLinear *extent
		for j := uint32(0); j < numExtents; j++ {
			e := &extents[firstExtent+j]
			totalSectors += e.NumSectors
			if firstLinear == nil && e.TargetType == TargetLinear {
				firstLinear = e
			}
		}

		sub := SubPartition{
			Name:       name,
			ByteSize:   totalSectors * LpSectorSize,
			Attributes: attrs,
			GroupIndex: groupIndex,
		}
		if firstLinear != nil {
			sub.ByteOffset = firstLinear.TargetData * LpSectorSize
			sub.AbsoluteSector4K = superStartSector4K + sub.ByteOffset/4096
		} else if numExtents > 0 {
			logger.Debug("partition has no LINEAR extent", "name", name)
		}
		meta.Partitions = append(meta.Partitions, sub)
	}

	return meta, nil
}

func parseExtents(data []byte, tablesBase int, desc tableDesc) ([]extent, error) {
	base := tablesBase + int(desc.Offset)
	out := make([]extent, 0, desc.Count)
	for i := 0; i < int(desc.Count); i++ {
		off := base + i*int(desc.EntrySize)
		if off+int(desc.EntrySize) > len(data) {
			return nil, errs.Newf("lp", errs.CodeBadImage, "extent table truncated at entry %d", i)
		}
		raw := data[off:]
		out = append(out, extent{
			NumSectors:   binary.LittleEndian.Uint64(raw[0:8]),
			TargetType:   binary.LittleEndian.Uint32(raw[8:12]),
			TargetData:   binary.LittleEndian.Uint64(raw[12:20]),
			TargetSource: binary.LittleEndian.Uint32(raw[20:24]),
		})
	}
	return out, nil
}

// decodeName trims a fixed-width ASCII name at its first NUL.
func decodeName(raw []byte) string {
	if idx := bytes.IndexByte(raw, 0); idx >= 0 {
		raw = raw[:idx]
	}
	return string(raw)
}

// FindByName returns the sub-partition with the given name, nil if absent.
func (m *Metadata) FindByName(name string) *SubPartition {
	for i := range m.Partitions {
		if m.Partitions[i].Name == name {
			return &m.Partitions[i]
		}
	}
	return nil
}
