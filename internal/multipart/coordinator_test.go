package multipart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bleepstore/ingest/internal/devstore"
	ierr "github.com/bleepstore/ingest/internal/errors"
	"github.com/bleepstore/ingest/internal/sigv4"
)

var testCreds = sigv4.Credentials{AccessKeyID: "ingest", SecretAccessKey: "ingest-secret"}

// newTestCoordinator returns a Coordinator pointed at a fresh development
// store. handler, when set, wraps the store handler.
func newTestCoordinator(t *testing.T, opts devstore.Options, wrap func(http.Handler) http.Handler) (*Coordinator, *devstore.Server) {
	t.Helper()
	opts.Bucket = "media"
	opts.Region = "us-east-1"
	opts.Credentials = []sigv4.Credentials{testCreds}
	store := devstore.New(opts)

	var h http.Handler = store.Handler()
	if wrap != nil {
		h = wrap(h)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	c, err := New(Config{Endpoint: ts.URL, Bucket: "media", Region: "us-east-1", Credentials: testCreds})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, store
}

// stubCoordinator returns a Coordinator whose store always answers with
// status and body. The returned counter tracks requests.
func stubCoordinator(t *testing.T, status int, body string) (*Coordinator, *int32) {
	t.Helper()
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(ts.Close)
	c, err := New(Config{Endpoint: ts.URL, Bucket: "media", Credentials: testCreds})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, &calls
}

func putPresigned(t *testing.T, target string, data []byte) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("PUT status = %d, body = %s", resp.StatusCode, body)
	}
	return resp.Header.Get("ETag")
}

func TestNewReportsMissingConfig(t *testing.T) {
	_, err := New(Config{Endpoint: "https://example.com"})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"bucket", "access key id", "secret access key"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}

	_, err = New(Config{Endpoint: "not a url", Bucket: "b", Credentials: testCreds})
	if err == nil {
		t.Error("expected error for relative endpoint")
	}
}

func TestObjectURL(t *testing.T) {
	tests := []struct {
		endpoint, key, want string
	}{
		{"https://acct.r2.cloudflarestorage.com", "videos/v1/pc.mp4", "https://acct.r2.cloudflarestorage.com/media/videos/v1/pc.mp4"},
		{"https://acct.r2.cloudflarestorage.com/", "a.ts", "https://acct.r2.cloudflarestorage.com/media/a.ts"},
		{"https://acct.r2.cloudflarestorage.com/media", "a.ts", "https://acct.r2.cloudflarestorage.com/media/a.ts"},
		{"https://gw.example.com/s3/media/", "a.ts", "https://gw.example.com/s3/media/a.ts"},
		{"https://acct.r2.cloudflarestorage.com", "my show/ep 1.ts", "https://acct.r2.cloudflarestorage.com/media/my%20show/ep%201.ts"},
	}
	for _, tt := range tests {
		c, err := New(Config{Endpoint: tt.endpoint, Bucket: "media", Credentials: testCreds})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if got := c.ObjectURL(tt.key).String(); got != tt.want {
			t.Errorf("ObjectURL(%q) with %q = %q, want %q", tt.key, tt.endpoint, got, tt.want)
		}
	}
}

func TestPresignPart(t *testing.T) {
	c, err := New(Config{Endpoint: "https://acct.r2.cloudflarestorage.com", Bucket: "media", Credentials: testCreds})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, n := range []int{0, MaxParts + 1} {
		if _, err := c.PresignPart("k", "u", n); err == nil {
			t.Errorf("PresignPart(%d) succeeded", n)
		}
	}

	signed, err := c.PresignPart("videos/v1/pc.mp4", "abc", 7)
	if err != nil {
		t.Fatalf("PresignPart: %v", err)
	}
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if u.Path != "/media/videos/v1/pc.mp4" {
		t.Errorf("path = %q", u.Path)
	}
	if q.Get("partNumber") != "7" || q.Get("uploadId") != "abc" {
		t.Errorf("query = %v", q)
	}
	if q.Get("X-Amz-Expires") != "3600" {
		t.Errorf("X-Amz-Expires = %q, want 3600", q.Get("X-Amz-Expires"))
	}
	if !strings.Contains(q.Get("X-Amz-Credential"), "/auto/s3/aws4_request") {
		t.Errorf("credential scope = %q", q.Get("X-Amz-Credential"))
	}
}

func TestPresignParts(t *testing.T) {
	c, err := New(Config{Endpoint: "https://acct.r2.cloudflarestorage.com", Bucket: "media", Credentials: testCreds})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	parts, err := c.PresignParts(context.Background(), "k", "u", 25, 3)
	if err != nil {
		t.Fatalf("PresignParts: %v", err)
	}
	if len(parts) != 25 {
		t.Fatalf("got %d parts", len(parts))
	}
	for i, p := range parts {
		if p.PartNumber != i+1 {
			t.Errorf("parts[%d].PartNumber = %d", i, p.PartNumber)
		}
		if !strings.Contains(p.URL, fmt.Sprintf("partNumber=%d&", i+1)) {
			t.Errorf("part %d URL %q lacks its part number", i+1, p.URL)
		}
	}
}

func TestOpenUploadCompleteRoundTrip(t *testing.T) {
	c, store := newTestCoordinator(t, devstore.Options{MinPartSize: 1}, nil)
	ctx := context.Background()

	uploadID, err := c.Open(ctx, "videos/v1/pc.mp4", "video/mp4")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	urls, err := c.PresignParts(ctx, "videos/v1/pc.mp4", uploadID, 3, 2)
	if err != nil {
		t.Fatalf("PresignParts: %v", err)
	}
	var parts []Part
	for i, u := range urls {
		etag := putPresigned(t, u.URL, []byte(strings.Repeat(string(rune('a'+i)), 3)))
		parts = append(parts, Part{PartNumber: u.PartNumber, ETag: etag})
	}

	etag, err := c.Complete(ctx, "videos/v1/pc.mp4", uploadID, parts, 3)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !strings.HasSuffix(etag, "-3") {
		t.Errorf("etag = %q, want multipart etag", etag)
	}
	obj, ok := store.Object("videos/v1/pc.mp4")
	if !ok {
		t.Fatal("object missing")
	}
	if string(obj.Data) != "aaabbbccc" || obj.ContentType != "video/mp4" {
		t.Errorf("object = %q (%s)", obj.Data, obj.ContentType)
	}
}

func TestCompleteRefusesIncompleteParts(t *testing.T) {
	c, calls := stubCoordinator(t, http.StatusOK, "")
	_, err := c.Complete(context.Background(), "k", "u", []Part{{PartNumber: 1, ETag: "a"}, {PartNumber: 2, ETag: "b"}}, 3)
	if !errors.Is(err, ierr.ErrIncompleteUpload) {
		t.Fatalf("err = %v, want IncompleteUpload", err)
	}
	if n := atomic.LoadInt32(calls); n != 0 {
		t.Errorf("store saw %d requests, want 0", n)
	}
}

func TestOpenErrorCarriesProviderBody(t *testing.T) {
	body := `<Error><Code>AccessDenied</Code><Message>no</Message></Error>`
	c, _ := stubCoordinator(t, http.StatusForbidden, body)

	_, err := c.Open(context.Background(), "k", "")
	if !errors.Is(err, ierr.ErrUploadInit) {
		t.Fatalf("err = %v, want UploadInitError", err)
	}
	var e *ierr.Error
	if !errors.As(err, &e) {
		t.Fatalf("err is %T", err)
	}
	if e.Status != http.StatusForbidden {
		t.Errorf("Status = %d, want 403", e.Status)
	}
	if !strings.Contains(e.Body, "AccessDenied") {
		t.Errorf("Body = %q", e.Body)
	}
}

func TestOpenRejectsResponseWithoutUploadID(t *testing.T) {
	c, _ := stubCoordinator(t, http.StatusOK, `<InitiateMultipartUploadResult><Bucket>media</Bucket></InitiateMultipartUploadResult>`)
	if _, err := c.Open(context.Background(), "k", ""); !errors.Is(err, ierr.ErrUploadInit) {
		t.Errorf("err = %v, want UploadInitError", err)
	}
}

func TestCompleteErrorDocumentWithOK(t *testing.T) {
	c, _ := stubCoordinator(t, http.StatusOK, `<?xml version="1.0"?><Error><Code>InternalError</Code><Message>try again</Message></Error>`)
	_, err := c.Complete(context.Background(), "k", "u", []Part{{PartNumber: 1, ETag: "a"}}, 1)
	if !errors.Is(err, ierr.ErrUploadComplete) {
		t.Fatalf("err = %v, want UploadCompleteError", err)
	}
	if !strings.Contains(err.Error(), "InternalError") {
		t.Errorf("err = %v, want provider code", err)
	}
}

func TestCompleteProviderFailure(t *testing.T) {
	c, _ := stubCoordinator(t, http.StatusBadRequest, `<Error><Code>InvalidPart</Code></Error>`)
	_, err := c.Complete(context.Background(), "k", "u", []Part{{PartNumber: 1, ETag: "a"}}, 1)
	if !errors.Is(err, ierr.ErrUploadComplete) {
		t.Errorf("err = %v, want UploadCompleteError", err)
	}
}

func TestListPartsFollowsPagination(t *testing.T) {
	c, _ := newTestCoordinator(t, devstore.Options{MaxParts: 2, MinPartSize: 1}, nil)
	ctx := context.Background()

	uploadID, err := c.Open(ctx, "k", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := make(map[int]string)
	for n := 5; n >= 1; n-- {
		u, err := c.PresignPart("k", uploadID, n)
		if err != nil {
			t.Fatalf("PresignPart: %v", err)
		}
		want[n] = strings.Trim(putPresigned(t, u, []byte{byte(n)}), `"`)
	}

	parts, err := c.ListParts(ctx, "k", uploadID)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(parts) != 5 {
		t.Fatalf("got %d parts, want 5", len(parts))
	}
	for i, p := range parts {
		if p.PartNumber != i+1 {
			t.Errorf("parts[%d].PartNumber = %d", i, p.PartNumber)
		}
		if p.ETag != want[p.PartNumber] {
			t.Errorf("part %d ETag = %q, want %q", p.PartNumber, p.ETag, want[p.PartNumber])
		}
	}
}

func TestListPartsUnknownUpload(t *testing.T) {
	c, _ := newTestCoordinator(t, devstore.Options{}, nil)
	_, err := c.ListParts(context.Background(), "k", "missing")
	if !errors.Is(err, ierr.ErrProvider) {
		t.Errorf("err = %v, want ProviderError", err)
	}
}

func TestFinalizeReconcilesFromStore(t *testing.T) {
	c, store := newTestCoordinator(t, devstore.Options{MinPartSize: 1}, nil)
	ctx := context.Background()

	uploadID, err := c.Open(ctx, "k", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	urls, err := c.PresignParts(ctx, "k", uploadID, 2, 2)
	if err != nil {
		t.Fatalf("PresignParts: %v", err)
	}
	first := putPresigned(t, urls[0].URL, []byte("12"))
	putPresigned(t, urls[1].URL, []byte("34"))

	// The client lost the second ETag.
	reported := []Part{{PartNumber: 1, ETag: first}, {PartNumber: 2}}
	if _, err := c.Finalize(ctx, "k", uploadID, reported, 2); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	obj, ok := store.Object("k")
	if !ok || string(obj.Data) != "1234" {
		t.Errorf("object = %q, %v", obj.Data, ok)
	}
}

func TestFinalizeUsesReportedParts(t *testing.T) {
	var lists int32
	count := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				atomic.AddInt32(&lists, 1)
			}
			next.ServeHTTP(w, r)
		})
	}
	c, _ := newTestCoordinator(t, devstore.Options{MinPartSize: 1}, count)
	ctx := context.Background()

	uploadID, err := c.Open(ctx, "k", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	u, _ := c.PresignPart("k", uploadID, 1)
	etag := putPresigned(t, u, []byte("x"))

	if _, err := c.Finalize(ctx, "k", uploadID, []Part{{PartNumber: 1, ETag: etag}}, 1); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if n := atomic.LoadInt32(&lists); n != 0 {
		t.Errorf("listed parts %d times, want 0", n)
	}
}

func TestAbort(t *testing.T) {
	c, store := newTestCoordinator(t, devstore.Options{}, nil)
	ctx := context.Background()
	uploadID, err := c.Open(ctx, "k", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Abort(ctx, "k", uploadID); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if n := store.PendingUploads(); n != 0 {
		t.Errorf("pending uploads = %d", n)
	}
	if err := c.Abort(ctx, "k", uploadID); !errors.Is(err, ierr.ErrProvider) {
		t.Errorf("second Abort = %v, want ProviderError", err)
	}
}

func TestPutObject(t *testing.T) {
	c, store := newTestCoordinator(t, devstore.Options{}, nil)
	etag, err := c.PutObject(context.Background(), "show/index.m3u8", "application/vnd.apple.mpegurl", []byte("#EXTM3U\n"))
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	obj, ok := store.Object("show/index.m3u8")
	if !ok {
		t.Fatal("object missing")
	}
	if `"`+etag+`"` != obj.ETag {
		t.Errorf("etag = %q, store has %q", etag, obj.ETag)
	}
	if obj.ContentType != "application/vnd.apple.mpegurl" {
		t.Errorf("content type = %q", obj.ContentType)
	}
}

func TestPresignObject(t *testing.T) {
	c, store := newTestCoordinator(t, devstore.Options{}, nil)
	signed, err := c.PresignObject("direct.bin", "")
	if err != nil {
		t.Fatalf("PresignObject: %v", err)
	}
	putPresigned(t, signed, []byte("payload"))
	if obj, ok := store.Object("direct.bin"); !ok || string(obj.Data) != "payload" {
		t.Errorf("object = %q, %v", obj.Data, ok)
	}
}
