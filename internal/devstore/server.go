// Package devstore is an in-memory S3-compatible object store covering the
// object and multipart operations the ingest pipeline uses. Every request
// is authenticated with SigV4, so it exercises the signer end to end in
// tests and in local development.
package devstore

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	ierr "github.com/bleepstore/ingest/internal/errors"
	"github.com/bleepstore/ingest/internal/sigv4"
	"github.com/bleepstore/ingest/internal/uid"
	"github.com/bleepstore/ingest/internal/xmlutil"
)

const (
	defaultMaxParts    = 1000
	defaultMinPartSize = 5 << 20
	// maxBodySize bounds a single PUT, matching the S3 single-request limit.
	maxBodySize = 5 << 30
)

// Options configures a Server.
type Options struct {
	Bucket      string
	Region      string
	Credentials []sigv4.Credentials
	// MaxParts is the ListParts page size cap; defaults to 1000.
	MaxParts int
	// MinPartSize is the minimum size of every part but the last; defaults to 5 MiB.
	MinPartSize int64
	// Now overrides the verifier clock.
	Now func() time.Time
}

// Server serves the S3 subset over HTTP.
type Server struct {
	bucket     string
	maxParts   int
	store      *memoryStore
	verifier   *sigv4.Verifier
	router     chi.Router
	httpServer *http.Server
}

// New returns a Server for a single bucket.
func New(opts Options) *Server {
	if opts.MaxParts <= 0 {
		opts.MaxParts = defaultMaxParts
	}
	if opts.MinPartSize <= 0 {
		opts.MinPartSize = defaultMinPartSize
	}
	verifier := sigv4.NewVerifier(opts.Region, sigv4.StaticCredentials(opts.Credentials...))
	verifier.Now = opts.Now

	s := &Server{
		bucket:   opts.Bucket,
		maxParts: opts.MaxParts,
		store:    newMemoryStore(opts.MinPartSize),
		verifier: verifier,
		router:   chi.NewMux(),
	}
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.router.Use(commonHeaders, sigv4.Middleware(verifier, "/health"))
	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.router.HandleFunc("/*", s.dispatch)
	return s
}

// Handler returns the HTTP handler of the store.
func (s *Server) Handler() http.Handler { return s.router }

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the listener started by Serve.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Object returns a stored object.
func (s *Server) Object(key string) (Object, bool) {
	return s.store.getObject(key)
}

// PendingUploads returns the number of multipart uploads neither completed
// nor aborted.
func (s *Server) PendingUploads() int {
	return s.store.uploadCount()
}

// commonHeaders sets the request id and server headers on every response.
func commonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uid.RequestID()
		w.Header().Set("x-amz-request-id", requestID)
		w.Header().Set("x-amz-id-2", requestID)
		w.Header().Set("Date", xmlutil.FormatTimeHTTP(time.Now()))
		w.Header().Set("Server", "ingest-devstore")
		next.ServeHTTP(w, r)
	})
}

// parsePath splits "/{bucket}/{key...}" into its parts.
func parsePath(path string) (bucket, key string) {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

// dispatch routes by method and query parameters, the way S3 does.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	bucket, key := parsePath(r.URL.Path)
	if bucket != s.bucket {
		xmlutil.RenderError(w, r, ierr.ErrNoSuchBucket)
		return
	}
	if key == "" {
		if r.Method == http.MethodHead {
			s.ok("HeadBucket")
			w.WriteHeader(http.StatusOK)
			return
		}
		xmlutil.RenderError(w, r, ierr.ErrMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	switch r.Method {
	case http.MethodPut:
		if q.Has("uploadId") {
			s.uploadPart(w, r, key)
		} else {
			s.putObject(w, r, key)
		}
	case http.MethodPost:
		switch {
		case q.Has("uploads"):
			s.createMultipartUpload(w, r, key)
		case q.Has("uploadId"):
			s.completeMultipartUpload(w, r, key)
		default:
			xmlutil.RenderError(w, r, ierr.ErrMethodNotAllowed)
		}
	case http.MethodGet:
		if q.Has("uploadId") {
			s.listParts(w, r, key)
		} else {
			s.getObject(w, r, key, true)
		}
	case http.MethodHead:
		s.getObject(w, r, key, false)
	case http.MethodDelete:
		if q.Has("uploadId") {
			s.abortMultipartUpload(w, r, key)
		} else {
			s.deleteObject(w, r, key)
		}
	default:
		xmlutil.RenderError(w, r, ierr.ErrMethodNotAllowed)
	}
}
