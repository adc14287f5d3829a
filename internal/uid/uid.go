// Package uid generates identifiers for uploads and requests.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// UploadID returns a fresh multipart upload identifier: a random UUID
// without dashes.
func UploadID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RequestID returns a 16-character upper-case hex identifier used to
// correlate responses with log lines.
func RequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
	}
	return strings.ToUpper(hex.EncodeToString(b))
}
