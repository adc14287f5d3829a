package devstore

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	ierr "github.com/bleepstore/ingest/internal/errors"
	"github.com/bleepstore/ingest/internal/metrics"
	"github.com/bleepstore/ingest/internal/xmlutil"
)

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, s3e *ierr.S3Error) {
	metrics.StoreOperationsTotal.WithLabelValues(op, strconv.Itoa(s3e.HTTPStatus)).Inc()
	xmlutil.RenderError(w, r, s3e)
}

func (s *Server) ok(op string) {
	metrics.StoreOperationsTotal.WithLabelValues(op, "200").Inc()
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodySize))
}

func (s *Server) putObject(w http.ResponseWriter, r *http.Request, key string) {
	data, err := readBody(r)
	if err != nil {
		slog.Error("PutObject read error", "error", err)
		s.fail(w, r, "PutObject", ierr.ErrInternalError)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	etag := s.store.putObject(key, contentType, data)
	s.ok("PutObject")
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getObject(w http.ResponseWriter, r *http.Request, key string, withBody bool) {
	op := "GetObject"
	if !withBody {
		op = "HeadObject"
	}
	obj, ok := s.store.getObject(key)
	if !ok {
		if !withBody {
			metrics.StoreOperationsTotal.WithLabelValues(op, "404").Inc()
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.fail(w, r, op, ierr.ErrNoSuchKey)
		return
	}
	s.ok(op)
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.Header().Set("ETag", obj.ETag)
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.LastModified))
	w.WriteHeader(http.StatusOK)
	if withBody {
		w.Write(obj.Data)
	}
}

func (s *Server) deleteObject(w http.ResponseWriter, r *http.Request, key string) {
	s.store.deleteObject(key)
	s.ok("DeleteObject")
	w.WriteHeader(http.StatusNoContent)
}

// createMultipartUpload handles POST /{bucket}/{key}?uploads.
func (s *Server) createMultipartUpload(w http.ResponseWriter, r *http.Request, key string) {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	uploadID := s.store.createUpload(key, contentType)
	s.ok("CreateMultipartUpload")
	xmlutil.RenderInitiateMultipartUpload(w, &xmlutil.InitiateMultipartUploadResult{
		Bucket:   s.bucket,
		Key:      key,
		UploadID: uploadID,
	})
}

// uploadPart handles PUT /{bucket}/{key}?partNumber=N&uploadId=ID.
func (s *Server) uploadPart(w http.ResponseWriter, r *http.Request, key string) {
	q := r.URL.Query()
	uploadID := q.Get("uploadId")
	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if uploadID == "" || err != nil || partNumber < 1 || partNumber > 10000 {
		s.fail(w, r, "UploadPart", ierr.ErrInvalidArgument)
		return
	}
	data, err := readBody(r)
	if err != nil {
		slog.Error("UploadPart read error", "error", err)
		s.fail(w, r, "UploadPart", ierr.ErrInternalError)
		return
	}
	etag, s3e := s.store.putPart(key, uploadID, partNumber, data)
	if s3e != nil {
		s.fail(w, r, "UploadPart", s3e)
		return
	}
	s.ok("UploadPart")
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// listParts handles GET /{bucket}/{key}?uploadId=ID with optional
// part-number-marker and max-parts.
func (s *Server) listParts(w http.ResponseWriter, r *http.Request, key string) {
	q := r.URL.Query()
	uploadID := q.Get("uploadId")

	marker := 0
	if v := q.Get("part-number-marker"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(w, r, "ListParts", ierr.ErrInvalidArgument)
			return
		}
		marker = n
	}
	maxParts := s.maxParts
	if v := q.Get("max-parts"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(w, r, "ListParts", ierr.ErrInvalidArgument)
			return
		}
		maxParts = min(n, s.maxParts)
	}

	parts, truncated, s3e := s.store.listParts(key, uploadID, marker, maxParts)
	if s3e != nil {
		s.fail(w, r, "ListParts", s3e)
		return
	}
	result := &xmlutil.ListPartsResult{
		Bucket:           s.bucket,
		Key:              key,
		UploadID:         uploadID,
		PartNumberMarker: marker,
		MaxParts:         maxParts,
		IsTruncated:      truncated,
		Parts:            parts,
	}
	if len(parts) > 0 {
		result.NextPartNumberMarker = parts[len(parts)-1].PartNumber
	}
	s.ok("ListParts")
	xmlutil.RenderListParts(w, result)
}

// completeMultipartUpload handles POST /{bucket}/{key}?uploadId=ID.
func (s *Server) completeMultipartUpload(w http.ResponseWriter, r *http.Request, key string) {
	uploadID := r.URL.Query().Get("uploadId")
	req, err := xmlutil.ParseCompleteMultipartUpload(r.Body)
	if err != nil {
		slog.Error("CompleteMultipartUpload XML parse error", "error", err)
		s.fail(w, r, "CompleteMultipartUpload", ierr.ErrMalformedXML)
		return
	}
	etag, s3e := s.store.complete(key, uploadID, req.Parts)
	if s3e != nil {
		s.fail(w, r, "CompleteMultipartUpload", s3e)
		return
	}
	s.ok("CompleteMultipartUpload")
	xmlutil.RenderCompleteMultipartUpload(w, &xmlutil.CompleteMultipartUploadResult{
		Location: "/" + s.bucket + "/" + key,
		Bucket:   s.bucket,
		Key:      key,
		ETag:     etag,
	})
}

// abortMultipartUpload handles DELETE /{bucket}/{key}?uploadId=ID.
func (s *Server) abortMultipartUpload(w http.ResponseWriter, r *http.Request, key string) {
	if s3e := s.store.abort(key, r.URL.Query().Get("uploadId")); s3e != nil {
		s.fail(w, r, "AbortMultipartUpload", s3e)
		return
	}
	s.ok("AbortMultipartUpload")
	w.WriteHeader(http.StatusNoContent)
}
