package hlszip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"

	ierr "github.com/bleepstore/ingest/internal/errors"
)

const (
	mediaPlaylist = "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\nseg0.ts\n#EXT-X-ENDLIST\n"
)

func paths(b *Bundle) []string {
	var out []string
	for _, f := range b.Files {
		out = append(out, f.Path)
	}
	return out
}

func wantKind(t *testing.T, err error, target *ierr.Error) *ierr.Error {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("err = %v, want %s", err, target.Kind)
	}
	var e *ierr.Error
	errors.As(err, &e)
	return e
}

func TestDecodeStripsWrappingFolder(t *testing.T) {
	data := buildZip(t,
		stored("MyShow/", ""),
		stored("MyShow/index.m3u8", mediaPlaylist),
		stored("MyShow/seg0.ts", "ts-bytes"),
	)
	b, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := strings.Join(paths(b), ","); got != "index.m3u8,seg0.ts" {
		t.Errorf("paths = %s", got)
	}
	if b.MasterPath != "index.m3u8" {
		t.Errorf("MasterPath = %q", b.MasterPath)
	}
	if b.Files[0].ContentType != "application/vnd.apple.mpegurl" || b.Files[1].ContentType != "video/mp2t" {
		t.Errorf("content types = %s, %s", b.Files[0].ContentType, b.Files[1].ContentType)
	}
	if string(b.Files[1].Data) != "ts-bytes" {
		t.Errorf("segment data = %q", b.Files[1].Data)
	}
	if b.Size() != int64(len(mediaPlaylist)+len("ts-bytes")) {
		t.Errorf("Size = %d", b.Size())
	}
}

func TestDecodeMultivariantDeflate(t *testing.T) {
	master := `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="en",URI="audio/en.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=2000000,AUDIO="aud"
720p/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=500000
https://cdn.example.com/low/index.m3u8
`
	variant := "#EXTM3U\r\n#EXT-X-KEY:METHOD=AES-128,URI=\"../keys/k1.key\"\r\n#EXT-X-MAP:URI=\"init.mp4\"\r\n#EXTINF:4.0,\r\nseg0.m4s?token=abc\r\n#EXTINF:4.0,\r\n./seg1.m4s\r\n"
	audio := "#EXTM3U\n#EXTINF:4.0,\nen0.aac\n#EXT-X-KEY:METHOD=AES-128,URI=\"data:text/plain;base64,AAAA\"\n"

	data := buildZip(t,
		deflated("bundle/index.m3u8", master),
		deflated("bundle/720p/index.m3u8", variant),
		deflated("bundle/720p/init.mp4", "init"),
		deflated("bundle/720p/seg0.m4s", strings.Repeat("a", 10000)),
		deflated("bundle/720p/seg1.m4s", strings.Repeat("b", 10000)),
		stored("bundle/keys/k1.key", "0123456789abcdef"),
		deflated("bundle/audio/en.m3u8", audio),
		deflated("bundle/audio/en0.aac", "aac"),
	)
	b, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(b.Files) != 8 {
		t.Fatalf("got %d files: %v", len(b.Files), paths(b))
	}
	for _, f := range b.Files {
		if f.Path == "720p/seg1.m4s" && (len(f.Data) != 10000 || f.ContentType != "video/iso.segment") {
			t.Errorf("seg1 = %d bytes, %s", len(f.Data), f.ContentType)
		}
	}
	if len(b.SizeMismatches) != 0 {
		t.Errorf("SizeMismatches = %v", b.SizeMismatches)
	}
}

func TestDecodeRejectsEscapingReference(t *testing.T) {
	data := buildZip(t,
		stored("index.m3u8", "#EXTM3U\n#EXTINF:6.0,\nsegment/../../outside.ts\n"),
		stored("outside.ts", "x"),
	)
	_, err := Decode(data)
	e := wantKind(t, err, ierr.ErrInvalidArchiveEntry)
	if e.Path != "segment/../../outside.ts" {
		t.Errorf("Path = %q", e.Path)
	}
}

func TestDecodeRejectsAbsoluteReference(t *testing.T) {
	data := buildZip(t,
		stored("index.m3u8", "#EXTM3U\n/seg0.ts\n"),
		stored("seg0.ts", "x"),
	)
	_, err := Decode(data)
	wantKind(t, err, ierr.ErrInvalidArchiveEntry)
}

func TestDecodeEscapeReportedBeforeMissing(t *testing.T) {
	data := buildZip(t,
		stored("index.m3u8", "#EXTM3U\nmissing.ts\n../../etc/passwd\n"),
	)
	_, err := Decode(data)
	wantKind(t, err, ierr.ErrInvalidArchiveEntry)
}

func TestDecodeDanglingReference(t *testing.T) {
	data := buildZip(t,
		stored("show/index.m3u8", "#EXTM3U\n#EXTINF:6.0,\nseg0.ts\n#EXTINF:6.0,\nseg1.ts\n"),
		stored("show/seg0.ts", "x"),
	)
	_, err := Decode(data)
	e := wantKind(t, err, ierr.ErrDanglingReference)
	if e.Path != "seg1.ts" {
		t.Errorf("Path = %q, want seg1.ts", e.Path)
	}
	if !strings.Contains(err.Error(), "seg1.ts") {
		t.Errorf("error %q does not name the missing file", err)
	}
}

func TestDecodeDanglingURIAttribute(t *testing.T) {
	data := buildZip(t,
		stored("index.m3u8", "#EXTM3U\n#EXT-X-MAP:URI=\"init.mp4\"\n"),
	)
	_, err := Decode(data)
	e := wantKind(t, err, ierr.ErrDanglingReference)
	if e.Path != "init.mp4" {
		t.Errorf("Path = %q", e.Path)
	}
}

func TestDecodeSegmentsReportedBeforeURIAttributes(t *testing.T) {
	data := buildZip(t,
		stored("index.m3u8", "#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\n#EXTINF:6.0,\nseg0.ts\n"),
	)
	_, err := Decode(data)
	e := wantKind(t, err, ierr.ErrDanglingReference)
	if e.Path != "seg0.ts" {
		t.Errorf("Path = %q, want seg0.ts", e.Path)
	}
}

func TestDecodeUnsupportedCompression(t *testing.T) {
	data := buildZip(t,
		stored("index.m3u8", mediaPlaylist),
		zipEntry{name: "seg0.ts", data: []byte("BZh91AY"), method: 12},
	)
	_, err := Decode(data)
	e := wantKind(t, err, ierr.ErrUnsupportedCompression)
	if e.Path != "seg0.ts" {
		t.Errorf("Path = %q", e.Path)
	}
}

func TestDecodeEncryptedEntry(t *testing.T) {
	data := buildZip(t,
		zipEntry{name: "index.m3u8", data: []byte(mediaPlaylist), method: methodStore, flags: flagEncrypted},
	)
	_, err := Decode(data)
	wantKind(t, err, ierr.ErrUnsupportedCompression)
}

func TestDecodeMissingMaster(t *testing.T) {
	tests := []struct {
		name    string
		entries []zipEntry
	}{
		{"no playlist", []zipEntry{stored("seg0.ts", "x")}},
		{"suffix without boundary", []zipEntry{stored("myindex.m3u8", "#EXTM3U\n")}},
		{"only directories", []zipEntry{stored("show/", "")}},
		{"different case", []zipEntry{stored("show/INDEX.M3U8", "#EXTM3U\n")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(buildZip(t, tt.entries...))
			wantKind(t, err, ierr.ErrMissingMasterPlaylist)
		})
	}
}

func TestDecodeShallowestMasterWins(t *testing.T) {
	data := buildZip(t,
		stored("pkg/show/720p/index.m3u8", mediaPlaylist),
		stored("pkg/show/720p/seg0.ts", "x"),
		stored("pkg/show/index.m3u8", "#EXTM3U\n720p/index.m3u8\n"),
		stored("pkg/readme.txt", "outside the root"),
	)
	b, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := strings.Join(paths(b), ","); got != "720p/index.m3u8,720p/seg0.ts,index.m3u8" {
		t.Errorf("paths = %s", got)
	}
}

func TestDecodeRejectsUnsafeEntryNames(t *testing.T) {
	for _, name := range []string{"../evil.ts", "a/../../evil.ts", "/etc/passwd", "nul\x00.ts"} {
		t.Run(name, func(t *testing.T) {
			data := buildZip(t, stored("index.m3u8", "#EXTM3U\n"), stored(name, "x"))
			_, err := Decode(data)
			wantKind(t, err, ierr.ErrInvalidArchiveEntry)
		})
	}
}

func TestDecodeNormalizesEntryNames(t *testing.T) {
	data := buildZip(t,
		stored("./show//index.m3u8", mediaPlaylist),
		stored("show/x/../seg0.ts", "x"),
	)
	b, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := strings.Join(paths(b), ","); got != "index.m3u8,seg0.ts" {
		t.Errorf("paths = %s", got)
	}
}

func TestDecodeDuplicateEntryLastWins(t *testing.T) {
	data := buildZip(t,
		stored("index.m3u8", mediaPlaylist),
		stored("seg0.ts", "old"),
		stored("seg0.ts", "new"),
	)
	b, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(b.Files) != 2 || string(b.Files[1].Data) != "new" {
		t.Errorf("files = %v, data %q", paths(b), b.Files[1].Data)
	}
}

func TestDecodeSizeMismatch(t *testing.T) {
	entries := []zipEntry{
		stored("index.m3u8", mediaPlaylist),
		{name: "seg0.ts", data: []byte("short"), method: methodDeflate, declaredSize: 99},
	}

	b, err := Decode(buildZip(t, entries...))
	if err != nil {
		t.Fatalf("lenient Decode: %v", err)
	}
	if len(b.SizeMismatches) != 1 || b.SizeMismatches[0] != "seg0.ts" {
		t.Errorf("SizeMismatches = %v", b.SizeMismatches)
	}

	_, err = (&Decoder{Strict: true}).Decode(buildZip(t, entries...))
	wantKind(t, err, ierr.ErrMalformedArchive)
}

func TestDecodeStrictChecksCRC(t *testing.T) {
	data := buildZip(t, stored("index.m3u8", mediaPlaylist), stored("seg0.ts", "abc"))
	// Flip a payload byte of seg0.ts without touching the headers.
	i := strings.LastIndex(string(data), "abc")
	data[i] = 'x'

	if _, err := Decode(data); err != nil {
		t.Fatalf("lenient Decode: %v", err)
	}
	_, err := (&Decoder{Strict: true}).Decode(data)
	wantKind(t, err, ierr.ErrMalformedArchive)
}

func TestDecodeMaxEntrySize(t *testing.T) {
	for _, mk := range []func(string, string) zipEntry{stored, deflated} {
		data := buildZip(t, stored("index.m3u8", mediaPlaylist), mk("seg0.ts", strings.Repeat("z", 4096)))
		_, err := (&Decoder{MaxEntrySize: 1024}).Decode(data)
		wantKind(t, err, ierr.ErrMalformedArchive)

		if _, err := (&Decoder{MaxEntrySize: 4096}).Decode(data); err != nil {
			t.Errorf("Decode at the cap: %v", err)
		}
	}
}

// inflatedBomb builds an archive whose segments each compress to a few
// bytes but declare 64 MiB of decompressed content.
func inflatedBomb(t *testing.T, segments int) []byte {
	t.Helper()
	var playlist strings.Builder
	playlist.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:6\n")
	entries := []zipEntry{}
	for i := range segments {
		name := fmt.Sprintf("seg%d.ts", i)
		fmt.Fprintf(&playlist, "#EXTINF:6.0,\n%s\n", name)
		entries = append(entries, zipEntry{name: name, data: []byte(strings.Repeat("x", 1024)), method: methodDeflate, declaredSize: 64 << 20})
	}
	playlist.WriteString("#EXT-X-ENDLIST\n")
	return buildZip(t, append([]zipEntry{stored("index.m3u8", playlist.String())}, entries...)...)
}

func TestDecodeDeclaredSizeDoesNotDriveAllocation(t *testing.T) {
	data := inflatedBomb(t, 8)

	b, err := (&Decoder{MaxEntrySize: 256 << 20}).Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(b.SizeMismatches) != 8 {
		t.Errorf("SizeMismatches = %v", b.SizeMismatches)
	}
	var allocated int
	for _, f := range b.Files {
		allocated += cap(f.Data)
	}
	if allocated > 1<<20 {
		t.Errorf("allocated %d bytes for %d bytes of content", allocated, b.Size())
	}
}

func TestDecodeMaxTotalSize(t *testing.T) {
	data := inflatedBomb(t, 8)

	_, err := (&Decoder{MaxTotalSize: 4096}).Decode(data)
	e := wantKind(t, err, ierr.ErrMalformedArchive)
	if !strings.Contains(e.Message, "4096") {
		t.Errorf("message = %q", e.Message)
	}

	// The playlist plus eight 1 KiB segments fit.
	if _, err := (&Decoder{MaxTotalSize: 16 << 10, MaxEntrySize: 1024}).Decode(data); err != nil {
		t.Errorf("Decode within budget: %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid := buildZip(t, stored("index.m3u8", mediaPlaylist), stored("seg0.ts", "x"))
	eocd := len(valid) - eocdSize
	cdOffset := int(binary.LittleEndian.Uint32(valid[eocd+16:]))

	corrupt := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), valid...)
		return f(b)
	}
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not a zip", []byte(strings.Repeat("not a zip archive ", 10))},
		{"truncated", valid[:len(valid)-4]},
		{"bad central signature", corrupt(func(b []byte) []byte { b[cdOffset] = 'X'; return b })},
		{"bad local signature", corrupt(func(b []byte) []byte { b[0] = 'X'; return b })},
		{"directory overruns", corrupt(func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[eocd+12:], uint32(len(b)))
			return b
		})},
		{"zip64 marker", corrupt(func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[eocd+16:], zip64Marker)
			return b
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			wantKind(t, err, ierr.ErrMalformedArchive)
		})
	}
}

func TestDecodeCorruptDeflateStream(t *testing.T) {
	data := buildZip(t, stored("index.m3u8", mediaPlaylist), deflated("seg0.ts", strings.Repeat("q", 2048)))
	entries, err := readDirectory(data)
	if err != nil {
		t.Fatalf("readDirectory: %v", err)
	}
	raw, err := entries[1].payload(data)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	// Reserved block type 3 is invalid in every deflate stream.
	raw[0] = 0x07
	_, err = Decode(data)
	wantKind(t, err, ierr.ErrMalformedArchive)
}
