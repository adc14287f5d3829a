package hlszip

import (
	"errors"
	"reflect"
	"testing"

	ierr "github.com/bleepstore/ingest/internal/errors"
)

func TestScanPlaylist(t *testing.T) {
	content := "\ufeff#EXTM3U\n" +
		"#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\",IV=0x1\n" +
		"#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=1,uri=\"iframes.m3u8\"\n" +
		"\n" +
		"  seg0.ts  \n" +
		"seg1.ts?sig=abc#frag\n" +
		"HTTPS://cdn.example.com/seg2.ts\n" +
		"s3://bucket/seg3.ts\n" +
		"data:video/mp2t;base64,AAAA\n" +
		"#EXT-X-MAP:URI=\"https://cdn.example.com/init.mp4\"\n" +
		"?only-a-query\n"

	want := []reference{
		{Line: 5, URI: "seg0.ts"},
		{Line: 6, URI: "seg1.ts"},
		{Line: 2, URI: "key.bin"},
		{Line: 3, URI: "iframes.m3u8"},
	}
	if got := scanPlaylist(content); !reflect.DeepEqual(got, want) {
		t.Errorf("scanPlaylist =\n%v\nwant\n%v", got, want)
	}
}

func TestScanPlaylistEmpty(t *testing.T) {
	if refs := scanPlaylist("#EXTM3U\n#EXT-X-ENDLIST\n"); len(refs) != 0 {
		t.Errorf("refs = %v", refs)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"a/b/c.ts", "a/b/c.ts", true},
		{"a//b/./c.ts", "a/b/c.ts", true},
		{"a/b/../c.ts", "a/c.ts", true},
		{"./a", "a", true},
		{"a/..", "", true},
		{"..", "", false},
		{"a/../../b", "", false},
		{"segment/../../outside.ts", "", false},
	}
	for _, tt := range tests {
		got, ok := normalize(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("normalize(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		base, ref, want string
	}{
		{"", "seg0.ts", "seg0.ts"},
		{"720p", "seg0.ts", "720p/seg0.ts"},
		{"720p", "../keys/k.key", "keys/k.key"},
		{"a/b", "./c/../d.ts", "a/b/d.ts"},
	}
	for _, tt := range tests {
		got, err := resolve(tt.base, tt.ref)
		if err != nil || got != tt.want {
			t.Errorf("resolve(%q, %q) = %q, %v; want %q", tt.base, tt.ref, got, err, tt.want)
		}
	}

	for _, ref := range []string{"/abs.ts", "../../x.ts", "a\x00b"} {
		if _, err := resolve("720p", ref); !errors.Is(err, ierr.ErrInvalidArchiveEntry) {
			t.Errorf("resolve(720p, %q) = %v, want InvalidArchiveEntry", ref, err)
		}
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"index.m3u8":   "application/vnd.apple.mpegurl",
		"720p/SEG0.TS": "video/mp2t",
		"seg.m4s":      "video/iso.segment",
		"init.mp4":     "video/mp4",
		"poster.JPEG":  "image/jpeg",
		"thumb.png":    "image/png",
		"thumb.webp":   "image/webp",
		"subs/en.vtt":  "text/vtt",
		"keys/k1.key":  "application/octet-stream",
		"no-extension": "application/octet-stream",
	}
	for name, want := range tests {
		if got := ContentType(name); got != want {
			t.Errorf("ContentType(%q) = %q, want %q", name, got, want)
		}
	}
}
