// Package sparse reads Android sparse images (magic 0xED26FF3A) and
// presents the inflated raw content, either streamed through a Reader or
// inflated into memory with a cap.
package sparse

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/behrlich/go-edl/internal/errs"
)

const (
	// Magic identifies a sparse image, little-endian at offset 0.
	Magic uint32 = 0xED26FF3A

	fileHeaderLen  = 28
	chunkHeaderLen = 12

	// Chunk types.
	ChunkRaw      uint16 = 0xCAC1
	ChunkFill     uint16 = 0xCAC2
	ChunkDontCare uint16 = 0xCAC3
	ChunkCRC32    uint16 = 0xCAC4
)

// FileHeader is the 28-byte sparse file header.
type FileHeader struct {
	Major       uint16
	Minor       uint16
	FileHdrSize uint16
	ChunkHdrSiz uint16
	BlockSize   uint32
	TotalBlocks uint32
	TotalChunks uint32
	Checksum    uint32
}

// IsSparse reports whether a blob starts with the sparse magic.
func IsSparse(prefix []byte) bool {
	return len(prefix) >= 4 && binary.LittleEndian.Uint32(prefix) == Magic
}

func parseFileHeader(raw []byte) (FileHeader, error) {
	if len(raw) < fileHeaderLen {
		return FileHeader{}, errs.New("sparse", errs.CodeBadImage, "short sparse header")
	}
	if binary.LittleEndian.Uint32(raw[0:4]) != Magic {
		return FileHeader{}, errs.New("sparse", errs.CodeBadImage, "not a sparse image")
	}
	hdr := FileHeader{
		Major:       binary.LittleEndian.Uint16(raw[4:6]),
		Minor:       binary.LittleEndian.Uint16(raw[6:8]),
		FileHdrSize: binary.LittleEndian.Uint16(raw[8:10]),
		ChunkHdrSiz: binary.LittleEndian.Uint16(raw[10:12]),
		BlockSize:   binary.LittleEndian.Uint32(raw[12:16]),
		TotalBlocks: binary.LittleEndian.Uint32(raw[16:20]),
		TotalChunks: binary.LittleEndian.Uint32(raw[20:24]),
		Checksum:    binary.LittleEndian.Uint32(raw[24:28]),
	}
	if hdr.Major != 1 {
		return FileHeader{}, errs.Newf("sparse", errs.CodeBadImage, "unsupported sparse major version %d", hdr.Major)
	}
	if hdr.BlockSize == 0 || hdr.BlockSize%4 != 0 {
		return FileHeader{}, errs.Newf("sparse", errs.CodeBadImage, "bad block size %d", hdr.BlockSize)
	}
	return hdr, nil
}

// Reader inflates a sparse image streamed from an underlying reader.
type Reader struct {
	src    io.Reader
	hdr    FileHeader
	chunks uint32 // chunks consumed so far

	// Current chunk state.
	mode      uint16
	remaining int64   // inflated bytes left in the current chunk
	fill      [4]byte // pattern for FILL chunks
	fillPos   int
}

// NewReader consumes the file header and prepares to stream the inflated
// content.
func NewReader(src io.Reader) (*Reader, error) {
	raw := make([]byte, fileHeaderLen)
	if _, err := io.ReadFull(src, raw); err != nil {
		return nil, errs.Wrap("sparse", err)
	}
	hdr, err := parseFileHeader(raw)
	if err != nil {
		return nil, err
	}
	// Skip any header extension beyond the 28 bytes we understand.
	if extra := int64(hdr.FileHdrSize) - fileHeaderLen; extra > 0 {
		if _, err := io.CopyN(io.Discard, src, extra); err != nil {
			return nil, errs.Wrap("sparse", err)
		}
	}
	return &Reader{src: src, hdr: hdr}, nil
}

// Header returns the parsed file header.
func (r *Reader) Header() FileHeader { return r.hdr }

// TotalSize returns the inflated image size in bytes.
func (r *Reader) TotalSize() int64 {
	return int64(r.hdr.TotalBlocks) * int64(r.hdr.BlockSize)
}

// nextChunk consumes one chunk header and primes the chunk state.
func (r *Reader) nextChunk() error {
	if r.chunks >= r.hdr.TotalChunks {
		return io.EOF
	}
	raw := make([]byte, chunkHeaderLen)
	if _, err := io.ReadFull(r.src, raw); err != nil {
		return errs.Wrap("sparse", err)
	}
	r.chunks++

	chunkType := binary.LittleEndian.Uint16(raw[0:2])
	chunkBlocks := binary.LittleEndian.Uint32(raw[4:8])
	totalSize := binary.LittleEndian.Uint32(raw[8:12])
	dataSize := int64(totalSize) - chunkHeaderLen
	if dataSize < 0 {
		return errs.New("sparse", errs.CodeBadImage, "chunk smaller than its header")
	}
	inflated := int64(chunkBlocks) * int64(r.hdr.BlockSize)

	switch chunkType {
	case ChunkRaw:
		if dataSize != inflated {
			return errs.Newf("sparse", errs.CodeBadImage,
				"raw chunk carries %d bytes for %d blocks", dataSize, chunkBlocks)
		}
		r.mode = ChunkRaw
		r.remaining = inflated
	case ChunkFill:
		if dataSize != 4 {
			return errs.Newf("sparse", errs.CodeBadImage, "fill chunk with %d-byte pattern", dataSize)
		}
		if _, err := io.ReadFull(r.src, r.fill[:]); err != nil {
			return errs.Wrap("sparse", err)
		}
		r.mode = ChunkFill
		r.fillPos = 0
		r.remaining = inflated
	case ChunkDontCare:
		// Some writers put payload bytes here anyway; skip them.
		if dataSize > 0 {
			if _, err := io.CopyN(io.Discard, r.src, dataSize); err != nil {
				return errs.Wrap("sparse", err)
			}
		}
		r.mode = ChunkDontCare
		r.remaining = inflated
	case ChunkCRC32:
		if _, err := io.CopyN(io.Discard, r.src, dataSize); err != nil {
			return errs.Wrap("sparse", err)
		}
		return r.nextChunk()
	default:
		return errs.Newf("sparse", errs.CodeBadImage, "unknown chunk type 0x%04x", chunkType)
	}
	return nil
}

func (r *Reader) Read(p []byte) (int, error) {
	for r.remaining == 0 {
		if err := r.nextChunk(); err != nil {
			return 0, err
		}
	}
	n := int64(len(p))
	if n > r.remaining {
		n = r.remaining
	}
	buf := p[:n]

	switch r.mode {
	case ChunkRaw:
		read, err := r.src.Read(buf)
		if read > 0 {
			r.remaining -= int64(read)
			return read, nil
		}
		if err != nil {
			return 0, errs.Wrap("sparse", err)
		}
		return 0, nil
	case ChunkFill:
		for i := range buf {
			buf[i] = r.fill[r.fillPos]
			r.fillPos = (r.fillPos + 1) % 4
		}
	case ChunkDontCare:
		for i := range buf {
			buf[i] = 0
		}
	}
	r.remaining -= n
	return int(n), nil
}

// Inflate expands a sparse blob in memory, stopping after cap inflated
// bytes (cap <= 0 means no cap). Returns the input unchanged when it is
// not sparse.
func Inflate(data []byte, cap int) ([]byte, error) {
	if !IsSparse(data) {
		return data, nil
	}
	r, err := NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	limit := r.TotalSize()
	if cap > 0 && int64(cap) < limit {
		limit = int64(cap)
	}
	out := make([]byte, 0, limit)
	buf := make([]byte, 64<<10)
	for int64(len(out)) < limit {
		n, err := r.Read(buf)
		if n > 0 {
			room := limit - int64(len(out))
			if int64(n) > room {
				n = int(room)
			}
			out = append(out, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
