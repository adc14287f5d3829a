// Package errors defines the error kinds surfaced by the ingestion pipeline
// and the S3 error catalogue spoken by the development object store.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of ingestion failure. Callers branch on Kind
// through errors.Is against the sentinel values below.
type Kind string

const (
	KindUploadInit             Kind = "UploadInitError"
	KindUploadComplete         Kind = "UploadCompleteError"
	KindIncompleteUpload       Kind = "IncompleteUpload"
	KindPartUpload             Kind = "PartUploadError"
	KindProvider               Kind = "ProviderError"
	KindMalformedArchive       Kind = "MalformedArchive"
	KindUnsupportedCompression Kind = "UnsupportedCompression"
	KindMissingMasterPlaylist  Kind = "MissingMasterPlaylist"
	KindDanglingReference      Kind = "DanglingReference"
	KindInvalidArchiveEntry    Kind = "InvalidArchiveEntry"
	KindInvalidKey             Kind = "InvalidKey"
)

// Error is an ingestion failure. Path names the offending archive entry or
// playlist reference when there is one. Status and Body are set when the
// object store answered with a non-2xx response.
type Error struct {
	Kind    Kind
	Message string
	Path    string
	Status  int
	Body    string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrUploadInit             = &Error{Kind: KindUploadInit}
	ErrUploadComplete         = &Error{Kind: KindUploadComplete}
	ErrIncompleteUpload       = &Error{Kind: KindIncompleteUpload}
	ErrPartUpload             = &Error{Kind: KindPartUpload}
	ErrProvider               = &Error{Kind: KindProvider}
	ErrMalformedArchive       = &Error{Kind: KindMalformedArchive}
	ErrUnsupportedCompression = &Error{Kind: KindUnsupportedCompression}
	ErrMissingMasterPlaylist  = &Error{Kind: KindMissingMasterPlaylist}
	ErrDanglingReference      = &Error{Kind: KindDanglingReference}
	ErrInvalidArchiveEntry    = &Error{Kind: KindInvalidArchiveEntry}
	ErrInvalidKey             = &Error{Kind: KindInvalidKey}
)

// New returns an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithPath returns an *Error of the given kind naming an offending path.
func WithPath(kind Kind, message, path string) *Error {
	return &Error{Kind: kind, Message: message, Path: path}
}

// Provider returns an *Error describing a non-2xx object store response.
func Provider(kind Kind, message string, status int, body []byte) *Error {
	return &Error{Kind: kind, Message: message, Status: status, Body: string(body)}
}

// Wrap returns an *Error of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps an error to the status the ingest API answers with.
// Archive and key problems are the client's fault; object store failures
// surface as a bad gateway.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindMalformedArchive, KindUnsupportedCompression, KindMissingMasterPlaylist,
		KindDanglingReference, KindInvalidArchiveEntry:
		return http.StatusUnprocessableEntity
	case KindInvalidKey:
		return http.StatusBadRequest
	case KindIncompleteUpload:
		return http.StatusConflict
	case KindUploadInit, KindUploadComplete, KindProvider, KindPartUpload:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
