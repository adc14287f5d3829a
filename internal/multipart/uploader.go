package multipart

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	ierr "github.com/bleepstore/ingest/internal/errors"
	"github.com/bleepstore/ingest/internal/metrics"
)

const (
	defaultConcurrency = 4
	defaultMaxAttempts = 3
	defaultRetryDelay  = 500 * time.Millisecond
	abortTimeout       = 30 * time.Second
)

// Uploader transfers an object through a multipart session: it plans the
// parts, opens the session, PUTs every part through a freshly presigned
// URL with bounded concurrency, then finalizes. A failed upload is aborted.
type Uploader struct {
	Coordinator *Coordinator
	// Client performs the part PUTs; it defaults to http.DefaultClient.
	Client *http.Client
	// Concurrency bounds the parts in flight.
	Concurrency int
	// MaxAttempts bounds transfers per part. Every attempt presigns anew.
	MaxAttempts int
	// RetryDelay is multiplied by the attempt number between attempts.
	RetryDelay time.Duration
}

// NewUploader returns an Uploader with default retry settings.
func NewUploader(c *Coordinator, concurrency int) *Uploader {
	return &Uploader{Coordinator: c, Concurrency: concurrency}
}

// Result describes a finished upload.
type Result struct {
	Key      string `json:"key"`
	UploadID string `json:"uploadId,omitempty"`
	ETag     string `json:"etag"`
	Size     int64  `json:"size"`
	Parts    int    `json:"parts"`
}

// Upload reads size bytes from src and stores them under key.
func (u *Uploader) Upload(ctx context.Context, key, contentType string, src io.ReaderAt, size int64) (*Result, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if size == 0 {
		etag, err := u.Coordinator.PutObject(ctx, key, contentType, nil)
		if err != nil {
			return nil, err
		}
		return &Result{Key: key, ETag: etag}, nil
	}

	plan := PlanParts(size)
	uploadID, err := u.Coordinator.Open(ctx, key, contentType)
	if err != nil {
		return nil, err
	}
	sess := NewSession(key, uploadID, plan)
	slog.Info("uploading parts", "key", key, "upload_id", uploadID, "parts", plan.TotalParts, "part_size", plan.PartSize)

	limit := u.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for n := 1; n <= plan.TotalParts; n++ {
		g.Go(func() error {
			etag, err := u.transferPart(gctx, sess, src, n)
			if err != nil {
				return err
			}
			sess.Confirm(n, etag)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		u.abort(ctx, sess)
		return nil, err
	}

	etag, err := u.Coordinator.Finalize(ctx, key, uploadID, sess.Parts(), plan.TotalParts)
	if err != nil {
		u.abort(ctx, sess)
		return nil, err
	}
	return &Result{Key: key, UploadID: uploadID, ETag: etag, Size: size, Parts: plan.TotalParts}, nil
}

func (u *Uploader) abort(ctx context.Context, sess *Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	if err := u.Coordinator.Abort(ctx, sess.Key, sess.UploadID); err != nil {
		slog.Warn("abort multipart upload failed", "key", sess.Key, "upload_id", sess.UploadID, "error", err)
	}
}

// transferPart PUTs part n, retrying with a new presigned URL each time.
func (u *Uploader) transferPart(ctx context.Context, sess *Session, src io.ReaderAt, n int) (string, error) {
	attempts := u.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	delay := u.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt-1) * delay):
			}
			slog.Debug("retrying part", "key", sess.Key, "part", n, "attempt", attempt, "error", lastErr)
		}
		etag, err := u.putPart(ctx, sess, src, n)
		if err == nil {
			return etag, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
	}
	return "", &ierr.Error{Kind: ierr.KindPartUpload, Message: fmt.Sprintf("part %d after %d attempts", n, attempts), Err: lastErr}
}

func (u *Uploader) putPart(ctx context.Context, sess *Session, src io.ReaderAt, n int) (string, error) {
	target, err := u.Coordinator.PresignPart(sess.Key, sess.UploadID, n)
	if err != nil {
		return "", err
	}
	offset, length := sess.Plan.Range(n)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, io.NewSectionReader(src, offset, length))
	if err != nil {
		return "", err
	}
	req.ContentLength = length

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", ierr.Provider(ierr.KindPartUpload, fmt.Sprintf("upload part %d", n), resp.StatusCode, body)
	}
	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", ierr.New(ierr.KindPartUpload, "upload part %d: response has no ETag", n)
	}
	metrics.PartBytesUploaded.Observe(float64(length))
	return etag, nil
}
