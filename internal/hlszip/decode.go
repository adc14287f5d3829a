// Package hlszip decodes a ZIP archive holding an HLS rendition into the
// set of files to store. It parses the archive structures itself, supports
// the store and deflate methods, finds the master playlist and checks that
// every file a playlist references is present. Decoding is pure and holds
// the whole archive in memory.
package hlszip

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/flate"

	ierr "github.com/bleepstore/ingest/internal/errors"
)

// MasterPlaylist is the path of the master playlist within a bundle.
const MasterPlaylist = "index.m3u8"

// File is one file of a decoded bundle. Path is relative to the bundle
// root.
type File struct {
	Path        string
	Data        []byte
	ContentType string
}

// Bundle is a decoded, validated HLS rendition.
type Bundle struct {
	Files      []File
	MasterPath string
	// SizeMismatches lists entries whose decompressed length differs from
	// the size declared in the archive. They are kept unless the decoder
	// is strict.
	SizeMismatches []string
}

// Size returns the total number of file bytes in the bundle.
func (b *Bundle) Size() int64 {
	var n int64
	for _, f := range b.Files {
		n += int64(len(f.Data))
	}
	return n
}

// Decoder holds decoding policy. The zero value is lenient and unbounded.
type Decoder struct {
	// Strict rejects entries whose decompressed size or CRC-32 does not
	// match the archive's declaration.
	Strict bool
	// MaxEntrySize caps the decompressed size of a single entry; zero
	// means no cap.
	MaxEntrySize int64
	// MaxTotalSize caps the decompressed size of all entries together;
	// zero means no cap.
	MaxTotalSize int64
}

// Decode decodes data with the default lenient policy.
func Decode(data []byte) (*Bundle, error) {
	var d Decoder
	return d.Decode(data)
}

// maxInflateHint bounds the buffer preallocated from an entry's declared
// size, relative to its compressed size. Larger outputs still inflate, the
// buffer just grows as data arrives.
const maxInflateHint = 8

// archived is an extracted entry under its normalized name.
type archived struct {
	name string
	data []byte
}

// Decode parses, extracts and validates the archive in data.
func (d *Decoder) Decode(data []byte) (*Bundle, error) {
	entries, err := readDirectory(data)
	if err != nil {
		return nil, err
	}

	var (
		extracted  []archived
		mismatches []string
		total      int64
	)
	for i := range entries {
		e := &entries[i]
		if e.isDir() {
			continue
		}
		name, err := safePath(e.name)
		if err != nil {
			return nil, err
		}
		if name == "" {
			continue
		}
		content, err := d.extract(data, e, d.budget(total))
		if err != nil {
			return nil, err
		}
		total += int64(len(content))
		if d.MaxTotalSize > 0 && total > d.MaxTotalSize {
			return nil, ierr.WithPath(ierr.KindMalformedArchive,
				fmt.Sprintf("archive exceeds %d decompressed bytes", d.MaxTotalSize), e.name)
		}
		if e.uncompressedSize != 0 && int64(len(content)) != int64(e.uncompressedSize) {
			if d.Strict {
				return nil, ierr.WithPath(ierr.KindMalformedArchive,
					fmt.Sprintf("decompressed %d bytes, archive declares %d", len(content), e.uncompressedSize), e.name)
			}
			mismatches = append(mismatches, name)
		}
		if d.Strict && crc32.ChecksumIEEE(content) != e.crc32 {
			return nil, ierr.WithPath(ierr.KindMalformedArchive, "CRC-32 mismatch", e.name)
		}
		extracted = append(extracted, archived{name: name, data: content})
	}

	master, ok := findMaster(extracted)
	if !ok {
		return nil, ierr.New(ierr.KindMissingMasterPlaylist, "archive has no %s", MasterPlaylist)
	}
	files := relativeFiles(extracted, master[:len(master)-len(MasterPlaylist)])

	index := make(map[string]int, len(files))
	for i, f := range files {
		index[f.Path] = i
	}
	if _, ok := index[MasterPlaylist]; !ok {
		return nil, ierr.New(ierr.KindMissingMasterPlaylist, "%s must be at the bundle root, found %s", MasterPlaylist, master)
	}
	if err := checkReferences(files, index); err != nil {
		return nil, err
	}
	return &Bundle{Files: files, MasterPath: MasterPlaylist, SizeMismatches: mismatches}, nil
}

// budget returns how many bytes the next entry may inflate to, given that
// used bytes are already extracted. A negative budget means unbounded.
func (d *Decoder) budget(used int64) int64 {
	limit := int64(-1)
	if d.MaxEntrySize > 0 {
		limit = d.MaxEntrySize
	}
	if d.MaxTotalSize > 0 {
		remaining := max(d.MaxTotalSize-used, 0)
		if limit < 0 || remaining < limit {
			limit = remaining
		}
	}
	return limit
}

// extract returns the decompressed content of e, reading at most limit+1
// bytes unless limit is negative.
func (d *Decoder) extract(data []byte, e *entry, limit int64) ([]byte, error) {
	if e.flags&flagEncrypted != 0 {
		return nil, ierr.WithPath(ierr.KindUnsupportedCompression, "encrypted entries are not supported", e.name)
	}
	if e.method != methodStore && e.method != methodDeflate {
		return nil, ierr.WithPath(ierr.KindUnsupportedCompression, fmt.Sprintf("compression method %d", e.method), e.name)
	}
	raw, err := e.payload(data)
	if err != nil {
		return nil, err
	}

	if e.method == methodStore {
		if d.MaxEntrySize > 0 && int64(len(raw)) > d.MaxEntrySize {
			return nil, d.tooLarge(e)
		}
		return raw, nil
	}

	fr := flate.NewReader(bytes.NewReader(raw))
	defer fr.Close()
	var r io.Reader = fr
	if limit >= 0 {
		r = io.LimitReader(fr, limit+1)
	}
	var buf bytes.Buffer
	hint := min(int64(e.uncompressedSize), int64(len(raw))*maxInflateHint)
	if limit >= 0 {
		hint = min(hint, limit)
	}
	if hint > 0 {
		buf.Grow(int(hint))
	}
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, &ierr.Error{Kind: ierr.KindMalformedArchive, Message: "inflating entry", Path: e.name, Err: err}
	}
	if limit >= 0 && int64(buf.Len()) > limit {
		return nil, d.tooLarge(e)
	}
	return buf.Bytes(), nil
}

// tooLarge reports an entry that inflated past the entry cap or the
// remaining archive budget.
func (d *Decoder) tooLarge(e *entry) error {
	if d.MaxEntrySize > 0 {
		return ierr.WithPath(ierr.KindMalformedArchive, fmt.Sprintf("entry exceeds %d bytes or the archive budget", d.MaxEntrySize), e.name)
	}
	return ierr.WithPath(ierr.KindMalformedArchive, fmt.Sprintf("archive exceeds %d decompressed bytes", d.MaxTotalSize), e.name)
}

// findMaster picks the shallowest entry named index.m3u8, ignoring case.
// Ties go to the entry listed first.
func findMaster(files []archived) (string, bool) {
	best, depth := "", -1
	for _, f := range files {
		if !strings.EqualFold(path.Base(f.name), MasterPlaylist) {
			continue
		}
		if d := strings.Count(f.name, "/"); depth < 0 || d < depth {
			best, depth = f.name, d
		}
	}
	return best, depth >= 0
}

// relativeFiles strips root from every entry under it and drops the rest.
// A later entry with the same path replaces an earlier one.
func relativeFiles(extracted []archived, root string) []File {
	var files []File
	seen := make(map[string]int)
	for _, a := range extracted {
		if !strings.HasPrefix(a.name, root) {
			continue
		}
		rel := a.name[len(root):]
		if rel == "" {
			continue
		}
		if i, ok := seen[rel]; ok {
			files[i].Data = a.data
			continue
		}
		seen[rel] = len(files)
		files = append(files, File{Path: rel, Data: a.data, ContentType: ContentType(rel)})
	}
	return files
}

// checkReferences resolves every playlist reference, then checks that each
// resolved path is in the bundle. Unsafe references are reported before
// any missing one.
func checkReferences(files []File, index map[string]int) error {
	type resolved struct {
		playlist string
		line     int
		path     string
	}
	var refs []resolved
	for _, f := range files {
		if !isPlaylist(f.Path) {
			continue
		}
		base := dir(f.Path)
		for _, ref := range scanPlaylist(string(f.Data)) {
			p, err := resolve(base, ref.URI)
			if err != nil {
				return ierr.WithPath(ierr.KindInvalidArchiveEntry,
					fmt.Sprintf("%s line %d references a path outside the bundle", f.Path, ref.Line), ref.URI)
			}
			refs = append(refs, resolved{playlist: f.Path, line: ref.Line, path: p})
		}
	}
	for _, r := range refs {
		if _, ok := index[r.path]; !ok {
			return ierr.WithPath(ierr.KindDanglingReference,
				fmt.Sprintf("%s line %d references a missing file", r.playlist, r.line), r.path)
		}
	}
	return nil
}
