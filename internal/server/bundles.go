package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/bleepstore/ingest/internal/bundle"
)

// ImportBundleInput carries a zipped HLS bundle as the raw request body.
type ImportBundleInput struct {
	Prefix  string `query:"prefix" doc:"Key prefix the bundle files are stored under"`
	RawBody []byte `contentType:"application/zip"`
}

// ImportBundleOutput describes the stored bundle.
type ImportBundleOutput struct {
	Body *bundle.Result
}

func (s *Server) registerBundleRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID:   "import-hls-bundle",
		Method:        http.MethodPost,
		Path:          "/bundles/hls",
		Summary:       "Import a zipped HLS bundle",
		Description:   "Decodes the archive, checks every playlist reference and stores each file under the prefix. Nothing is stored unless the whole archive validates.",
		Tags:          []string{"Bundles"},
		DefaultStatus: http.StatusCreated,
		MaxBodyBytes:  s.cfg.Bundle.MaxArchiveSize,
	}, s.importBundle)
}

func (s *Server) importBundle(ctx context.Context, input *ImportBundleInput) (*ImportBundleOutput, error) {
	res, err := s.importer.Import(ctx, input.Prefix, input.RawBody)
	if err != nil {
		return nil, apiError(err)
	}
	slog.Info("bundle imported",
		"prefix", res.Prefix, "master", res.MasterKey, "files", len(res.Files), "bytes", res.Bytes)
	return &ImportBundleOutput{Body: res}, nil
}
