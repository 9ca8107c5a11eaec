package gpt

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// synthesise builds the S5 fixture: a 34-sector 4 KiB blob with an MBR, a
// header at offset 4096, entries at LBA 2, and two live partitions.
func synthesise(t *testing.T) []byte {
	t.Helper()
	table := &Table{
		SectorSize: 4096,
		Entries: []PartitionEntry{
			{
				Name:        "boot",
				StartSector: 64,
				NumSectors:  64, // LBA 64..127
				SectorSize:  4096,
				TypeGUID:    uuid.MustParse("20117f86-e985-4357-b9ee-374bc1d8487d"),
				UniqueGUID:  uuid.MustParse("5f9260dd-31ee-4a1a-8b51-3c3dd9994383"),
			},
			{
				Name:        "system",
				StartSector: 128,
				NumSectors:  65536, // LBA 128..65663
				SectorSize:  4096,
				TypeGUID:    uuid.MustParse("97d7b011-54da-4835-b3c4-917ad6e73d74"),
				UniqueGUID:  uuid.MustParse("a0b1c2d3-e4f5-0617-2839-4a5b6c7d8e9f"),
			},
		},
	}
	return Serialize(table)
}

// S5: parse the synthesised table.
func TestParseTwoPartitions(t *testing.T) {
	blob := synthesise(t)
	table, err := Parse(blob, 4096, 0, nil)
	require.NoError(t, err)

	require.Len(t, table.Entries, 2)
	assert.Equal(t, "boot", table.Entries[0].Name)
	assert.Equal(t, uint64(64), table.Entries[0].StartSector)
	assert.Equal(t, uint64(64), table.Entries[0].NumSectors)
	assert.Equal(t, "system", table.Entries[1].Name)
	assert.Equal(t, uint64(128), table.Entries[1].StartSector)
	assert.Equal(t, uint64(65536), table.Entries[1].NumSectors)
	assert.Equal(t, uint64(65663), table.Entries[1].EndSector())
	assert.Equal(t, 4096, table.HeaderOff)
}

// Law 3: parse(serialize(t)) = t.
func TestRoundTrip(t *testing.T) {
	blob := synthesise(t)
	table, err := Parse(blob, 4096, 3, nil)
	require.NoError(t, err)

	again, err := Parse(Serialize(table), 4096, 3, nil)
	require.NoError(t, err)
	require.Len(t, again.Entries, len(table.Entries))
	for i := range table.Entries {
		assert.Equal(t, table.Entries[i].Name, again.Entries[i].Name)
		assert.Equal(t, table.Entries[i].StartSector, again.Entries[i].StartSector)
		assert.Equal(t, table.Entries[i].NumSectors, again.Entries[i].NumSectors)
		assert.Equal(t, table.Entries[i].TypeGUID, again.Entries[i].TypeGUID)
		assert.Equal(t, table.Entries[i].UniqueGUID, again.Entries[i].UniqueGUID)
		assert.Equal(t, table.Entries[i].Attributes, again.Entries[i].Attributes)
	}
}

func TestParse512SectorTable(t *testing.T) {
	table := &Table{
		SectorSize: 512,
		Entries: []PartitionEntry{{
			Name:        "sbl1",
			StartSector: 34,
			NumSectors:  1024,
			SectorSize:  512,
			UniqueGUID:  uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		}},
	}
	parsed, err := Parse(Serialize(table), 512, 0, nil)
	require.NoError(t, err)
	require.Len(t, parsed.Entries, 1)
	assert.Equal(t, "sbl1", parsed.Entries[0].Name)
	assert.Equal(t, 512, parsed.HeaderOff)
}

func TestParseHeaderAtUnusualOffset(t *testing.T) {
	// Header landed at a plain 512-boundary (e.g. a 4K-assumed read of a
	// 512-sector device): the fallback scan must still find it.
	blob := make([]byte, 34*4096)
	off := 3 * 512
	copy(blob[off:], Signature)
	binary.LittleEndian.PutUint32(blob[off+headerRevisionOff:], Revision10)
	binary.LittleEndian.PutUint64(blob[off+headerEntriesLBAOff:], 200) // implausible -> LBA 2 fallback

	table, err := Parse(blob, 4096, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, off, table.HeaderOff)
	assert.Empty(t, table.Entries, "all-zero entry array yields no partitions")
}

func TestParseNoSignature(t *testing.T) {
	_, err := Parse(make([]byte, 34*4096), 4096, 0, nil)
	require.Error(t, err)
}

func TestParseBadSectorSize(t *testing.T) {
	_, err := Parse(make([]byte, 1024), 1024, 0, nil)
	require.Error(t, err)
}

func TestZeroGUIDEntriesSkipped(t *testing.T) {
	blob := synthesise(t)
	// Zero out the second entry's unique GUID.
	arrayStart := 2 * 4096
	entry := blob[arrayStart+minEntrySize:]
	for i := 0; i < 16; i++ {
		entry[entryUniqueGUIDOff+i] = 0
	}
	table, err := Parse(blob, 4096, 0, nil)
	require.NoError(t, err)
	require.Len(t, table.Entries, 1)
	assert.Equal(t, "boot", table.Entries[0].Name)
}

func TestInvertedRangeSkipped(t *testing.T) {
	blob := synthesise(t)
	arrayStart := 2 * 4096
	entry := blob[arrayStart:]
	binary.LittleEndian.PutUint64(entry[entryFirstLBAOff:], 100)
	binary.LittleEndian.PutUint64(entry[entryLastLBAOff:], 50)

	table, err := Parse(blob, 4096, 0, nil)
	require.NoError(t, err)
	require.Len(t, table.Entries, 1, "inverted entry dropped, valid one kept")
	assert.Equal(t, "system", table.Entries[0].Name)
}

func TestFindByName(t *testing.T) {
	table, err := Parse(synthesise(t), 4096, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, table.FindByName("system"))
	assert.Nil(t, table.FindByName("no_such_partition"))
}

func TestGUIDEndianness(t *testing.T) {
	id := uuid.MustParse("20117f86-e985-4357-b9ee-374bc1d8487d")
	raw := encodeGUID(id)
	// On disk the first field is little-endian.
	assert.Equal(t, []byte{0x86, 0x7f, 0x11, 0x20}, raw[0:4])
	assert.Equal(t, id, decodeGUID(raw))
}

func TestSizeBytes(t *testing.T) {
	e := PartitionEntry{NumSectors: 64, SectorSize: 4096}
	assert.Equal(t, uint64(64*4096), e.SizeBytes())
}
