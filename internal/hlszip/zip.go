package hlszip

import (
	"encoding/binary"

	ierr "github.com/bleepstore/ingest/internal/errors"
)

const (
	eocdSignature    = 0x06054b50
	centralSignature = 0x02014b50
	localSignature   = 0x04034b50

	eocdSize         = 22
	centralEntrySize = 46
	localHeaderSize  = 30
	// maxCommentSize bounds how far before the end the EOCD record may sit.
	maxCommentSize = 0xffff

	methodStore   = 0
	methodDeflate = 8

	flagEncrypted = 0x1
	zip64Marker   = 0xffffffff
)

// entry is a central directory record.
type entry struct {
	name             string
	method           uint16
	flags            uint16
	crc32            uint32
	compressedSize   uint32
	uncompressedSize uint32
	localOffset      uint32
}

func (e *entry) isDir() bool {
	return e.name == "" || e.name[len(e.name)-1] == '/'
}

func u16(b []byte, off int) uint16 { return binary.LittleEndian.Uint16(b[off:]) }
func u32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }

// findEOCD returns the offset of the end-of-central-directory record,
// scanning backward through the trailing region that may hold it.
func findEOCD(data []byte) (int, error) {
	if len(data) < eocdSize {
		return 0, ierr.New(ierr.KindMalformedArchive, "archive is %d bytes, too short for a ZIP", len(data))
	}
	lowest := max(0, len(data)-eocdSize-maxCommentSize)
	for i := len(data) - eocdSize; i >= lowest; i-- {
		if u32(data, i) == eocdSignature {
			return i, nil
		}
	}
	return 0, ierr.New(ierr.KindMalformedArchive, "missing end of central directory")
}

// readDirectory parses every central directory record. A record that does
// not start with the central signature fails the whole archive.
func readDirectory(data []byte) ([]entry, error) {
	eocd, err := findEOCD(data)
	if err != nil {
		return nil, err
	}
	size := u32(data, eocd+12)
	offset := u32(data, eocd+16)
	if size == zip64Marker || offset == zip64Marker {
		return nil, ierr.New(ierr.KindMalformedArchive, "ZIP64 archives are not supported")
	}
	start, end := int64(offset), int64(offset)+int64(size)
	if end > int64(eocd) {
		return nil, ierr.New(ierr.KindMalformedArchive, "central directory [%d, %d) overruns the archive", start, end)
	}

	var entries []entry
	pos := int(start)
	for pos < int(end) {
		if pos+centralEntrySize > int(end) {
			return nil, ierr.New(ierr.KindMalformedArchive, "truncated central directory record at offset %d", pos)
		}
		if u32(data, pos) != centralSignature {
			return nil, ierr.New(ierr.KindMalformedArchive, "bad central directory signature at offset %d", pos)
		}
		nameLen := int(u16(data, pos+28))
		extraLen := int(u16(data, pos+30))
		commentLen := int(u16(data, pos+32))
		next := pos + centralEntrySize + nameLen + extraLen + commentLen
		if next > int(end) {
			return nil, ierr.New(ierr.KindMalformedArchive, "central directory record at offset %d overruns the directory", pos)
		}
		entries = append(entries, entry{
			name:             string(data[pos+centralEntrySize : pos+centralEntrySize+nameLen]),
			flags:            u16(data, pos+8),
			method:           u16(data, pos+10),
			crc32:            u32(data, pos+16),
			compressedSize:   u32(data, pos+20),
			uncompressedSize: u32(data, pos+24),
			localOffset:      u32(data, pos+42),
		})
		pos = next
	}
	return entries, nil
}

// payload returns the raw compressed bytes of e, checking its local header.
func (e *entry) payload(data []byte) ([]byte, error) {
	if e.compressedSize == zip64Marker || e.localOffset == zip64Marker {
		return nil, ierr.WithPath(ierr.KindMalformedArchive, "ZIP64 entries are not supported", e.name)
	}
	off := int64(e.localOffset)
	if off+localHeaderSize > int64(len(data)) {
		return nil, ierr.WithPath(ierr.KindMalformedArchive, "local header offset out of range", e.name)
	}
	if u32(data, int(off)) != localSignature {
		return nil, ierr.WithPath(ierr.KindMalformedArchive, "bad local header signature", e.name)
	}
	nameLen := int64(u16(data, int(off)+26))
	extraLen := int64(u16(data, int(off)+28))
	start := off + localHeaderSize + nameLen + extraLen
	end := start + int64(e.compressedSize)
	if end > int64(len(data)) {
		return nil, ierr.WithPath(ierr.KindMalformedArchive, "entry data overruns the archive", e.name)
	}
	return data[start:end], nil
}
