// Package bundle imports HLS bundles: it decodes an uploaded ZIP archive
// and persists every file of the rendition under a key prefix.
package bundle

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	ierr "github.com/bleepstore/ingest/internal/errors"
	"github.com/bleepstore/ingest/internal/hlszip"
	"github.com/bleepstore/ingest/internal/metrics"
	"github.com/bleepstore/ingest/internal/multipart"
)

const defaultConcurrency = 8

// Store persists a single object and returns its ETag.
type Store interface {
	PutObject(ctx context.Context, key, contentType string, body []byte) (string, error)
}

// Importer decodes bundles and writes their files to a Store.
type Importer struct {
	Store   Store
	Decoder hlszip.Decoder
	// Concurrency bounds the uploads in flight; defaults to 8.
	Concurrency int
}

// StoredFile is one persisted bundle file.
type StoredFile struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	ETag        string `json:"etag"`
}

// Result describes an imported bundle.
type Result struct {
	Prefix         string       `json:"prefix"`
	MasterKey      string       `json:"masterKey"`
	Files          []StoredFile `json:"files"`
	Bytes          int64        `json:"bytes"`
	SizeMismatches []string     `json:"sizeMismatches,omitempty"`
}

// ObjectKey joins prefix and a bundle-relative path into an object key.
func ObjectKey(prefix, rel string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return rel
	}
	return prefix + "/" + rel
}

// Import decodes archive and stores its files under prefix. Nothing is
// written unless the whole archive decodes and validates.
func (im *Importer) Import(ctx context.Context, prefix string, archive []byte) (*Result, error) {
	res, err := im.importBundle(ctx, prefix, archive)
	if err != nil {
		result := string(ierr.KindOf(err))
		if result == "" {
			result = "error"
		}
		metrics.BundleImportsTotal.WithLabelValues(result).Inc()
		return nil, err
	}
	metrics.BundleImportsTotal.WithLabelValues("ok").Inc()
	metrics.BundleBytes.Observe(float64(len(archive)))
	metrics.BundleFilesTotal.Add(float64(len(res.Files)))
	return res, nil
}

func (im *Importer) importBundle(ctx context.Context, prefix string, archive []byte) (*Result, error) {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		if err := multipart.ValidateKey(prefix); err != nil {
			return nil, err
		}
	}

	b, err := im.Decoder.Decode(archive)
	if err != nil {
		return nil, err
	}
	if len(b.SizeMismatches) > 0 {
		slog.Warn("bundle entries differ from declared size", "prefix", prefix, "entries", b.SizeMismatches)
	}

	files := make([]StoredFile, len(b.Files))
	for i, f := range b.Files {
		key := ObjectKey(prefix, f.Path)
		if err := multipart.ValidateKey(key); err != nil {
			return nil, err
		}
		files[i] = StoredFile{Key: key, Size: int64(len(f.Data)), ContentType: f.ContentType}
	}

	limit := im.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, f := range b.Files {
		g.Go(func() error {
			etag, err := im.Store.PutObject(gctx, files[i].Key, f.ContentType, f.Data)
			if err != nil {
				return err
			}
			files[i].ETag = etag
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Info("bundle imported", "prefix", prefix, "files", len(files), "bytes", b.Size())
	return &Result{
		Prefix:         prefix,
		MasterKey:      ObjectKey(prefix, b.MasterPath),
		Files:          files,
		Bytes:          b.Size(),
		SizeMismatches: b.SizeMismatches,
	}, nil
}
