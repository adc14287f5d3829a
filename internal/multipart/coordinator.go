package multipart

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	ierr "github.com/bleepstore/ingest/internal/errors"
	"github.com/bleepstore/ingest/internal/metrics"
	"github.com/bleepstore/ingest/internal/sigv4"
	"github.com/bleepstore/ingest/internal/xmlutil"
)

const (
	// PresignExpiry is the lifetime of every presigned URL the coordinator issues.
	PresignExpiry = time.Hour

	// DefaultRegion is the signing region for S3-compatible stores that do
	// not have regions.
	DefaultRegion = "auto"

	// maxErrorBody caps how much of a failed response is kept in errors.
	maxErrorBody = 4096
)

// Config locates the object store and the credentials used to sign for it.
type Config struct {
	Endpoint    string
	Bucket      string
	Region      string
	Credentials sigv4.Credentials
	// HTTPClient defaults to a client with a 60 second timeout.
	HTTPClient *http.Client
}

// Coordinator talks to an S3-compatible object store on behalf of upload
// flows. It holds no per-upload state and is safe for concurrent use.
type Coordinator struct {
	endpoint *url.URL
	bucket   string
	signer   *sigv4.Signer
	client   *http.Client
}

// New validates cfg and returns a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	var missing []string
	if cfg.Endpoint == "" {
		missing = append(missing, "endpoint")
	}
	if cfg.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if cfg.Credentials.AccessKeyID == "" {
		missing = append(missing, "access key id")
	}
	if cfg.Credentials.SecretAccessKey == "" {
		missing = append(missing, "secret access key")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing object store config: %s", strings.Join(missing, ", "))
	}

	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("invalid object store endpoint %q", cfg.Endpoint)
	}
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Coordinator{
		endpoint: endpoint,
		bucket:   cfg.Bucket,
		signer:   sigv4.NewSigner(cfg.Credentials, region),
		client:   client,
	}, nil
}

// Signer returns the signer bound to the store credentials.
func (c *Coordinator) Signer() *sigv4.Signer { return c.signer }

// ObjectURL returns the path-style URL of key. When the endpoint path
// already names the bucket it is not repeated.
func (c *Coordinator) ObjectURL(key string) *url.URL {
	u := *c.endpoint
	base := strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(base, "/"+c.bucket) {
		base += "/" + c.bucket
	}
	u.Path = base + "/" + strings.TrimLeft(key, "/")
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return &u
}

func (c *Coordinator) objectURLWithQuery(key string, q url.Values) string {
	u := c.ObjectURL(key)
	u.RawQuery = q.Encode()
	return u.String()
}

// response is a fully read object store response.
type response struct {
	status int
	header http.Header
	body   []byte
}

func (r *response) ok() bool { return r.status >= 200 && r.status < 300 }

// errorBody returns the body truncated for inclusion in an error.
func (r *response) errorBody() []byte {
	if len(r.body) > maxErrorBody {
		return r.body[:maxErrorBody]
	}
	return r.body
}

// do signs and sends a request to the store. op names the S3 operation for
// metrics and logs.
func (c *Coordinator) do(ctx context.Context, op, method, target string, header http.Header, body []byte) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", op, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if err := c.signer.SignRequest(req, body); err != nil {
		return nil, fmt.Errorf("signing %s request: %w", op, err)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.ProviderRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("%s: reading response: %w", op, err)
	}
	metrics.ProviderRequestsTotal.WithLabelValues(op, metrics.StatusClass(resp.StatusCode)).Inc()
	slog.Debug("object store request", "operation", op, "status", resp.StatusCode, "duration", time.Since(start))
	return &response{status: resp.StatusCode, header: resp.Header, body: respBody}, nil
}

// Open starts a multipart upload for key and returns its upload id.
func (c *Coordinator) Open(ctx context.Context, key, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	u := c.ObjectURL(key)
	u.RawQuery = "uploads"

	resp, err := c.do(ctx, "CreateMultipartUpload", http.MethodPost, u.String(),
		http.Header{"Content-Type": {contentType}}, nil)
	if err != nil {
		return "", ierr.Wrap(ierr.KindUploadInit, "create multipart upload", err)
	}
	if !resp.ok() {
		return "", ierr.Provider(ierr.KindUploadInit, "create multipart upload", resp.status, resp.errorBody())
	}
	uploadID, err := xmlutil.ParseUploadID(bytes.NewReader(resp.body))
	if err != nil {
		return "", ierr.Wrap(ierr.KindUploadInit, "create multipart upload", err)
	}

	metrics.MultipartSessionsTotal.WithLabelValues("opened").Inc()
	slog.Info("multipart upload opened", "key", key, "upload_id", uploadID)
	return uploadID, nil
}

// PresignPart returns a URL that lets the holder PUT part n of the upload
// for PresignExpiry.
func (c *Coordinator) PresignPart(key, uploadID string, n int) (string, error) {
	if n < 1 || n > MaxParts {
		return "", partNumberError(n)
	}
	target := c.objectURLWithQuery(key, url.Values{
		"partNumber": {strconv.Itoa(n)},
		"uploadId":   {uploadID},
	})
	signed, err := c.signer.PresignURL(http.MethodPut, target, nil, PresignExpiry)
	if err != nil {
		return "", err
	}
	metrics.PartsPresignedTotal.Inc()
	return signed, nil
}

// PresignParts presigns parts 1..total with at most concurrency signings
// in flight.
func (c *Coordinator) PresignParts(ctx context.Context, key, uploadID string, total, concurrency int) ([]UploadPart, error) {
	parts := make([]UploadPart, total)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for i := range parts {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			signed, err := c.PresignPart(key, uploadID, i+1)
			if err != nil {
				return err
			}
			parts[i] = UploadPart{PartNumber: i + 1, URL: signed}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return parts, nil
}

// PresignObject returns a presigned single-request PUT for key. When
// contentType is set the uploader must send it unchanged.
func (c *Coordinator) PresignObject(key, contentType string) (string, error) {
	var header http.Header
	if contentType != "" {
		header = http.Header{"Content-Type": {contentType}}
	}
	return c.signer.PresignURL(http.MethodPut, c.ObjectURL(key).String(), header, PresignExpiry)
}

// ListParts returns every part the store holds for the upload, following
// pagination until the listing is no longer truncated.
func (c *Coordinator) ListParts(ctx context.Context, key, uploadID string) ([]Part, error) {
	var parts []Part
	marker := 0
	for {
		target := c.objectURLWithQuery(key, url.Values{
			"uploadId":           {uploadID},
			"part-number-marker": {strconv.Itoa(marker)},
		})
		resp, err := c.do(ctx, "ListParts", http.MethodGet, target, nil, nil)
		if err != nil {
			return nil, ierr.Wrap(ierr.KindProvider, "list parts", err)
		}
		if !resp.ok() {
			return nil, ierr.Provider(ierr.KindProvider, "list parts", resp.status, resp.errorBody())
		}
		page, err := xmlutil.ParseListParts(bytes.NewReader(resp.body))
		if err != nil {
			return nil, ierr.Wrap(ierr.KindProvider, "list parts", err)
		}
		for _, p := range page.Parts {
			parts = append(parts, Part{PartNumber: p.PartNumber, ETag: p.ETag})
		}
		if !page.IsTruncated || page.NextMarker <= marker {
			break
		}
		marker = page.NextMarker
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// Complete assembles the upload from parts. It refuses, without calling
// the store, unless parts are exactly 1..expectedTotal with ETags; an
// expectedTotal of zero accepts any dense set. It returns the object ETag.
func (c *Coordinator) Complete(ctx context.Context, key, uploadID string, parts []Part, expectedTotal int) (string, error) {
	sorted := append([]Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })
	if expectedTotal <= 0 {
		expectedTotal = len(sorted)
	}
	if err := checkParts(sorted, expectedTotal); err != nil {
		return "", err
	}

	completed := make([]xmlutil.CompletedPart, len(sorted))
	for i, p := range sorted {
		completed[i] = xmlutil.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag}
	}
	body, err := xmlutil.MarshalCompleteMultipartUpload(completed)
	if err != nil {
		return "", ierr.Wrap(ierr.KindUploadComplete, "complete multipart upload", err)
	}

	target := c.objectURLWithQuery(key, url.Values{"uploadId": {uploadID}})
	resp, err := c.do(ctx, "CompleteMultipartUpload", http.MethodPost, target,
		http.Header{"Content-Type": {"application/xml"}}, body)
	if err != nil {
		return "", ierr.Wrap(ierr.KindUploadComplete, "complete multipart upload", err)
	}
	if !resp.ok() {
		metrics.MultipartSessionsTotal.WithLabelValues("failed").Inc()
		return "", ierr.Provider(ierr.KindUploadComplete, "complete multipart upload", resp.status, resp.errorBody())
	}
	etag, err := xmlutil.ParseCompleteResult(bytes.NewReader(resp.body))
	if err != nil {
		metrics.MultipartSessionsTotal.WithLabelValues("failed").Inc()
		return "", &ierr.Error{Kind: ierr.KindUploadComplete, Message: "complete multipart upload", Status: resp.status, Body: string(resp.errorBody()), Err: err}
	}

	metrics.MultipartSessionsTotal.WithLabelValues("completed").Inc()
	slog.Info("multipart upload completed", "key", key, "upload_id", uploadID, "parts", len(sorted))
	return etag, nil
}

// Finalize completes an upload from caller-reported parts, falling back to
// the store's own part listing when the report is missing ETags or parts.
func (c *Coordinator) Finalize(ctx context.Context, key, uploadID string, reported []Part, expectedTotal int) (string, error) {
	var parts []Part
	for _, p := range reported {
		if p.ETag != "" {
			parts = append(parts, Part{PartNumber: p.PartNumber, ETag: strings.Trim(p.ETag, `"`)})
		}
	}
	if len(parts) == 0 || (expectedTotal > 0 && len(parts) != expectedTotal) {
		listed, err := c.ListParts(ctx, key, uploadID)
		if err != nil {
			return "", err
		}
		slog.Debug("reconciled parts from store", "key", key, "upload_id", uploadID, "reported", len(parts), "listed", len(listed))
		parts = listed
	}
	return c.Complete(ctx, key, uploadID, parts, expectedTotal)
}

// Abort discards the upload and any parts already stored.
func (c *Coordinator) Abort(ctx context.Context, key, uploadID string) error {
	target := c.objectURLWithQuery(key, url.Values{"uploadId": {uploadID}})
	resp, err := c.do(ctx, "AbortMultipartUpload", http.MethodDelete, target, nil, nil)
	if err != nil {
		return ierr.Wrap(ierr.KindProvider, "abort multipart upload", err)
	}
	if !resp.ok() {
		return ierr.Provider(ierr.KindProvider, "abort multipart upload", resp.status, resp.errorBody())
	}
	metrics.MultipartSessionsTotal.WithLabelValues("aborted").Inc()
	slog.Info("multipart upload aborted", "key", key, "upload_id", uploadID)
	return nil
}

// PutObject stores body under key in a single signed request and returns
// the object's ETag.
func (c *Coordinator) PutObject(ctx context.Context, key, contentType string, body []byte) (string, error) {
	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	resp, err := c.do(ctx, "PutObject", http.MethodPut, c.ObjectURL(key).String(), header, body)
	if err != nil {
		return "", ierr.Wrap(ierr.KindProvider, "put object "+key, err)
	}
	if !resp.ok() {
		return "", ierr.Provider(ierr.KindProvider, "put object "+key, resp.status, resp.errorBody())
	}
	return strings.Trim(resp.header.Get("ETag"), `"`), nil
}
