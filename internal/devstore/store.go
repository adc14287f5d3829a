package devstore

import (
	"crypto/md5"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	ierr "github.com/bleepstore/ingest/internal/errors"
	"github.com/bleepstore/ingest/internal/uid"
	"github.com/bleepstore/ingest/internal/xmlutil"
)

// Object is a stored object.
type Object struct {
	Data         []byte
	ContentType  string
	ETag         string
	LastModified time.Time
}

// storedPart holds the raw data and precomputed ETag of one uploaded part.
type storedPart struct {
	Data         []byte
	ETag         string
	LastModified time.Time
}

// upload is an in-progress multipart upload.
type upload struct {
	Key         string
	ContentType string
	Initiated   time.Time
	Parts       map[int]storedPart
}

// memoryStore keeps objects and in-progress uploads in maps guarded by one
// lock.
type memoryStore struct {
	mu          sync.RWMutex
	objects     map[string]Object
	uploads     map[string]*upload
	minPartSize int64
}

func newMemoryStore(minPartSize int64) *memoryStore {
	return &memoryStore{
		objects:     make(map[string]Object),
		uploads:     make(map[string]*upload),
		minPartSize: minPartSize,
	}
}

// computeETag returns the quoted MD5 hex digest of data.
func computeETag(data []byte) string {
	h := md5.Sum(data)
	return fmt.Sprintf(`"%x"`, h[:])
}

func (m *memoryStore) putObject(key, contentType string, data []byte) string {
	etag := computeETag(data)
	m.mu.Lock()
	m.objects[key] = Object{Data: data, ContentType: contentType, ETag: etag, LastModified: time.Now().UTC()}
	m.mu.Unlock()
	return etag
}

func (m *memoryStore) getObject(key string) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj, ok
}

func (m *memoryStore) deleteObject(key string) {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
}

func (m *memoryStore) createUpload(key, contentType string) string {
	id := uid.UploadID()
	m.mu.Lock()
	m.uploads[id] = &upload{Key: key, ContentType: contentType, Initiated: time.Now().UTC(), Parts: make(map[int]storedPart)}
	m.mu.Unlock()
	return id
}

// lookupLocked returns the upload if it exists for key. The caller must hold m.mu.
func (m *memoryStore) lookupLocked(key, uploadID string) (*upload, *ierr.S3Error) {
	u, ok := m.uploads[uploadID]
	if !ok || u.Key != key {
		return nil, ierr.ErrNoSuchUpload
	}
	return u, nil
}

func (m *memoryStore) putPart(key, uploadID string, partNumber int, data []byte) (string, *ierr.S3Error) {
	etag := computeETag(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	u, s3e := m.lookupLocked(key, uploadID)
	if s3e != nil {
		return "", s3e
	}
	u.Parts[partNumber] = storedPart{Data: data, ETag: etag, LastModified: time.Now().UTC()}
	return etag, nil
}

// listParts returns up to maxParts parts numbered above marker, and whether
// more remain.
func (m *memoryStore) listParts(key, uploadID string, marker, maxParts int) ([]xmlutil.Part, bool, *ierr.S3Error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, s3e := m.lookupLocked(key, uploadID)
	if s3e != nil {
		return nil, false, s3e
	}

	numbers := make([]int, 0, len(u.Parts))
	for n := range u.Parts {
		if n > marker {
			numbers = append(numbers, n)
		}
	}
	sort.Ints(numbers)

	truncated := len(numbers) > maxParts
	if truncated {
		numbers = numbers[:maxParts]
	}
	parts := make([]xmlutil.Part, len(numbers))
	for i, n := range numbers {
		p := u.Parts[n]
		parts[i] = xmlutil.Part{
			PartNumber:   n,
			LastModified: xmlutil.FormatTimeS3(p.LastModified),
			ETag:         p.ETag,
			Size:         int64(len(p.Data)),
		}
	}
	return parts, truncated, nil
}

// complete validates the requested part list against the stored parts,
// concatenates them into the object, and returns the composite ETag.
func (m *memoryStore) complete(key, uploadID string, requested []xmlutil.CompletedPart) (string, *ierr.S3Error) {
	if len(requested) == 0 {
		return "", ierr.ErrMalformedXML
	}
	for i := 1; i < len(requested); i++ {
		if requested[i].PartNumber <= requested[i-1].PartNumber {
			return "", ierr.ErrInvalidPartOrder
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	u, s3e := m.lookupLocked(key, uploadID)
	if s3e != nil {
		return "", s3e
	}

	var assembled []byte
	compositeMD5 := md5.New()
	for i, p := range requested {
		stored, ok := u.Parts[p.PartNumber]
		if !ok {
			return "", ierr.ErrInvalidPart.WithMessage(fmt.Sprintf("part %d was not uploaded", p.PartNumber))
		}
		if strings.Trim(p.ETag, `"`) != strings.Trim(stored.ETag, `"`) {
			return "", ierr.ErrInvalidPart.WithMessage(fmt.Sprintf("part %d etag does not match", p.PartNumber))
		}
		if i < len(requested)-1 && int64(len(stored.Data)) < m.minPartSize {
			return "", ierr.ErrEntityTooSmall
		}
		assembled = append(assembled, stored.Data...)
		partHash := md5.Sum(stored.Data)
		compositeMD5.Write(partHash[:])
	}

	etag := fmt.Sprintf(`"%x-%d"`, compositeMD5.Sum(nil), len(requested))
	m.objects[key] = Object{Data: assembled, ContentType: u.ContentType, ETag: etag, LastModified: time.Now().UTC()}
	delete(m.uploads, uploadID)
	return etag, nil
}

func (m *memoryStore) abort(key, uploadID string) *ierr.S3Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, s3e := m.lookupLocked(key, uploadID); s3e != nil {
		return s3e
	}
	delete(m.uploads, uploadID)
	return nil
}

func (m *memoryStore) uploadCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.uploads)
}
