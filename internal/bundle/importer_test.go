package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	ierr "github.com/bleepstore/ingest/internal/errors"
	"github.com/bleepstore/ingest/internal/hlszip"
)

// memStore records PutObject calls.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	failKey string
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (m *memStore) PutObject(ctx context.Context, key, contentType string, body []byte) (string, error) {
	if key == m.failKey {
		return "", ierr.New(ierr.KindProvider, "put object %s", key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = body
	m.types[key] = contentType
	return "etag-" + key, nil
}

func makeArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		w.Write([]byte(body))
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

var rendition = map[string]string{
	"Show/index.m3u8":      "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\n720p/index.m3u8\n",
	"Show/720p/index.m3u8": "#EXTM3U\n#EXTINF:6,\nseg0.ts\n#EXTINF:6,\nseg1.ts\n",
	"Show/720p/seg0.ts":    "zero",
	"Show/720p/seg1.ts":    "one",
}

func TestImport(t *testing.T) {
	store := newMemStore()
	im := &Importer{Store: store, Concurrency: 2}

	res, err := im.Import(context.Background(), "/videos/v1/hls/", makeArchive(t, rendition))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Prefix != "videos/v1/hls" {
		t.Errorf("Prefix = %q", res.Prefix)
	}
	if res.MasterKey != "videos/v1/hls/index.m3u8" {
		t.Errorf("MasterKey = %q", res.MasterKey)
	}
	if len(res.Files) != 4 || len(store.objects) != 4 {
		t.Fatalf("stored %d files, result lists %d", len(store.objects), len(res.Files))
	}
	for _, f := range res.Files {
		if f.ETag != "etag-"+f.Key {
			t.Errorf("%s ETag = %q", f.Key, f.ETag)
		}
		if int64(len(store.objects[f.Key])) != f.Size {
			t.Errorf("%s size = %d, stored %d", f.Key, f.Size, len(store.objects[f.Key]))
		}
	}
	if got := string(store.objects["videos/v1/hls/720p/seg1.ts"]); got != "one" {
		t.Errorf("seg1 = %q", got)
	}
	if ct := store.types["videos/v1/hls/720p/index.m3u8"]; ct != "application/vnd.apple.mpegurl" {
		t.Errorf("playlist content type = %q", ct)
	}
	if res.Bytes != int64(len("zero")+len("one")+len(rendition["Show/index.m3u8"])+len(rendition["Show/720p/index.m3u8"])) {
		t.Errorf("Bytes = %d", res.Bytes)
	}
}

func TestImportWithoutPrefix(t *testing.T) {
	store := newMemStore()
	res, err := (&Importer{Store: store}).Import(context.Background(), "", makeArchive(t, rendition))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.MasterKey != "index.m3u8" {
		t.Errorf("MasterKey = %q", res.MasterKey)
	}
}

func TestImportRejectsBadArchiveWithoutWriting(t *testing.T) {
	store := newMemStore()
	files := map[string]string{
		"index.m3u8": "#EXTM3U\nseg0.ts\nseg1.ts\n",
		"seg0.ts":    "x",
	}
	_, err := (&Importer{Store: store}).Import(context.Background(), "p", makeArchive(t, files))
	if !errors.Is(err, ierr.ErrDanglingReference) {
		t.Fatalf("err = %v, want DanglingReference", err)
	}
	if len(store.objects) != 0 {
		t.Errorf("stored %d objects from a rejected archive", len(store.objects))
	}
}

func TestImportRejectsBadPrefix(t *testing.T) {
	_, err := (&Importer{Store: newMemStore()}).Import(context.Background(), "a/../../b", makeArchive(t, rendition))
	if !errors.Is(err, ierr.ErrInvalidKey) {
		t.Errorf("err = %v, want InvalidKey", err)
	}
}

func TestImportStoreFailure(t *testing.T) {
	store := newMemStore()
	store.failKey = "p/720p/seg0.ts"
	_, err := (&Importer{Store: store, Concurrency: 1}).Import(context.Background(), "p", makeArchive(t, rendition))
	if !errors.Is(err, ierr.ErrProvider) {
		t.Errorf("err = %v, want ProviderError", err)
	}
}

func TestImportEntrySizeCap(t *testing.T) {
	im := &Importer{Store: newMemStore(), Decoder: hlszip.Decoder{MaxEntrySize: 2}}
	_, err := im.Import(context.Background(), "p", makeArchive(t, rendition))
	if !errors.Is(err, ierr.ErrMalformedArchive) {
		t.Errorf("err = %v, want MalformedArchive", err)
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct{ prefix, rel, want string }{
		{"", "index.m3u8", "index.m3u8"},
		{"a/b", "index.m3u8", "a/b/index.m3u8"},
		{"/a/b/", "720p/seg.ts", "a/b/720p/seg.ts"},
	}
	for _, tt := range tests {
		if got := ObjectKey(tt.prefix, tt.rel); got != tt.want {
			t.Errorf("ObjectKey(%q, %q) = %q, want %q", tt.prefix, tt.rel, got, tt.want)
		}
	}
}
