// Package multipart coordinates S3 multipart uploads: part planning,
// session lifecycle against the object store, and a bounded-concurrency
// uploader that drives the part transfers.
package multipart

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	ierr "github.com/bleepstore/ingest/internal/errors"
)

const (
	mib = 1 << 20

	// MinPartSize is the smallest part S3 accepts for any part but the last.
	MinPartSize int64 = 5 * mib
	// DefaultPartSize is the preferred part size before the part cap applies.
	DefaultPartSize int64 = 10 * mib
	// MaxParts is the most parts a single upload may have.
	MaxParts = 10000
)

// Plan is the part layout for an object of a given size.
type Plan struct {
	Size       int64
	PartSize   int64
	TotalParts int
}

// PlanParts lays out size bytes into parts. Parts are DefaultPartSize
// unless that would need more than MaxParts, in which case the part size
// grows to the smallest multiple of MinPartSize that fits. A zero size
// yields zero parts.
func PlanParts(size int64) Plan {
	if size < 0 {
		size = 0
	}
	partSize := max(MinPartSize, DefaultPartSize)
	if ceilDiv(size, partSize) > MaxParts {
		partSize = ceilDiv(size, MaxParts)
	}
	partSize = ceilDiv(partSize, MinPartSize) * MinPartSize
	return Plan{
		Size:       size,
		PartSize:   partSize,
		TotalParts: int(ceilDiv(size, partSize)),
	}
}

// Range returns the byte offset and length of part n (1-based).
func (p Plan) Range(n int) (offset, length int64) {
	offset = int64(n-1) * p.PartSize
	end := min(offset+p.PartSize, p.Size)
	return offset, end - offset
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// Part is a part number and the ETag the store returned for it. ETags are
// kept without surrounding quotes.
type Part struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// UploadPart is a part the caller must transfer, with its presigned URL.
type UploadPart struct {
	PartNumber int    `json:"partNumber"`
	URL        string `json:"url"`
}

// Session tracks one multipart upload from open to completion. Parts may be
// confirmed from several goroutines.
type Session struct {
	Key      string
	UploadID string
	Plan     Plan

	mu    sync.Mutex
	etags map[int]string
}

// NewSession returns a session for an upload the store has opened.
func NewSession(key, uploadID string, plan Plan) *Session {
	return &Session{Key: key, UploadID: uploadID, Plan: plan, etags: make(map[int]string)}
}

// Confirm records the ETag of an uploaded part.
func (s *Session) Confirm(partNumber int, etag string) {
	s.mu.Lock()
	s.etags[partNumber] = strings.Trim(etag, `"`)
	s.mu.Unlock()
}

// Parts returns the confirmed parts in ascending order.
func (s *Session) Parts() []Part {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := make([]Part, 0, len(s.etags))
	for n, etag := range s.etags {
		parts = append(parts, Part{PartNumber: n, ETag: etag})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts
}

// Done reports whether every planned part has a confirmed ETag.
func (s *Session) Done() bool {
	return checkParts(s.Parts(), s.Plan.TotalParts) == nil
}

// checkParts verifies that sorted holds exactly parts 1..expected, each with
// an ETag.
func checkParts(sorted []Part, expected int) error {
	if len(sorted) == 0 {
		return ierr.New(ierr.KindIncompleteUpload, "no parts to complete")
	}
	if len(sorted) != expected {
		return ierr.New(ierr.KindIncompleteUpload, "have %d of %d parts", len(sorted), expected)
	}
	for i, p := range sorted {
		if p.PartNumber != i+1 {
			return ierr.New(ierr.KindIncompleteUpload, "part %d missing", i+1)
		}
		if p.ETag == "" {
			return ierr.New(ierr.KindIncompleteUpload, "part %d has no etag", p.PartNumber)
		}
	}
	return nil
}

// ValidateKey rejects object keys that are empty, contain NUL bytes or
// backslashes, start with a slash, or contain a ".." segment.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return ierr.New(ierr.KindInvalidKey, "empty object key")
	case strings.ContainsRune(key, 0):
		return ierr.New(ierr.KindInvalidKey, "object key contains NUL")
	case strings.HasPrefix(key, "/"):
		return ierr.New(ierr.KindInvalidKey, "object key %q starts with a slash", key)
	case strings.Contains(key, `\`):
		return ierr.New(ierr.KindInvalidKey, "object key %q contains a backslash", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return ierr.New(ierr.KindInvalidKey, "object key %q contains a parent segment", key)
		}
	}
	return nil
}

func partNumberError(n int) error {
	return fmt.Errorf("part number %d out of range 1..%d", n, MaxParts)
}
