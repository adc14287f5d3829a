package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	ierr "github.com/bleepstore/ingest/internal/errors"
	"github.com/bleepstore/ingest/internal/multipart"
)

// CreateUploadInput starts a multipart upload.
type CreateUploadInput struct {
	Body struct {
		Key         string `json:"key" minLength:"1" doc:"Object key"`
		ContentType string `json:"contentType,omitempty" doc:"Content type stored with the object"`
		Size        int64  `json:"size" minimum:"1" maximum:"5497558138880" doc:"Object size in bytes"`
		Concurrency int    `json:"concurrency,omitempty" minimum:"0" maximum:"64" doc:"Presign fan-out; server default when zero"`
	}
}

// CreateUploadBody describes an opened upload and the URLs for every part.
type CreateUploadBody struct {
	Key        string                 `json:"key"`
	UploadID   string                 `json:"uploadId"`
	PartSize   int64                  `json:"partSize"`
	TotalParts int                    `json:"totalParts"`
	Parts      []multipart.UploadPart `json:"parts"`
	ExpiresIn  int                    `json:"expiresIn" doc:"Seconds until the part URLs expire"`
}

// CreateUploadOutput is the Huma output for CreateUploadInput.
type CreateUploadOutput struct {
	Body CreateUploadBody
}

// CompleteUploadInput finalizes a multipart upload.
type CompleteUploadInput struct {
	Body struct {
		Key        string           `json:"key" minLength:"1"`
		UploadID   string           `json:"uploadId" minLength:"1"`
		TotalParts int              `json:"totalParts" minimum:"1" maximum:"10000"`
		Parts      []multipart.Part `json:"parts,omitempty" doc:"Part ETags the client observed; reconciled against the store when incomplete"`
	}
}

// CompleteUploadOutput reports the finished object.
type CompleteUploadOutput struct {
	Body struct {
		Key      string `json:"key"`
		UploadID string `json:"uploadId"`
		ETag     string `json:"etag"`
		Location string `json:"location"`
	}
}

// UploadRefInput names an existing upload in the query string.
type UploadRefInput struct {
	Key      string `query:"key" required:"true" minLength:"1"`
	UploadID string `query:"uploadId" required:"true" minLength:"1"`
}

// ListPartsOutput lists the parts the store holds for an upload.
type ListPartsOutput struct {
	Body struct {
		Key      string           `json:"key"`
		UploadID string           `json:"uploadId"`
		Parts    []multipart.Part `json:"parts"`
	}
}

// AbortUploadInput cancels a multipart upload.
type AbortUploadInput struct {
	Body struct {
		Key      string `json:"key" minLength:"1"`
		UploadID string `json:"uploadId" minLength:"1"`
	}
}

// PresignObjectInput requests a presigned single-object PUT.
type PresignObjectInput struct {
	Body struct {
		Key         string `json:"key" minLength:"1"`
		ContentType string `json:"contentType,omitempty"`
	}
}

// PresignObjectOutput carries the presigned URL.
type PresignObjectOutput struct {
	Body struct {
		URL       string `json:"url"`
		Method    string `json:"method"`
		ExpiresIn int    `json:"expiresIn"`
	}
}

func (s *Server) registerUploadRoutes() {
	tags := []string{"Uploads"}

	huma.Register(s.api, huma.Operation{
		OperationID:   "create-multipart-upload",
		Method:        http.MethodPost,
		Path:          "/uploads/multipart",
		Summary:       "Open a multipart upload",
		Description:   "Plans the parts for an object, opens the upload and presigns a PUT URL for every part.",
		Tags:          tags,
		DefaultStatus: http.StatusCreated,
	}, s.createUpload)

	huma.Register(s.api, huma.Operation{
		OperationID: "complete-multipart-upload",
		Method:      http.MethodPost,
		Path:        "/uploads/multipart/complete",
		Summary:     "Complete a multipart upload",
		Tags:        tags,
	}, s.completeUpload)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-multipart-parts",
		Method:      http.MethodGet,
		Path:        "/uploads/multipart/parts",
		Summary:     "List uploaded parts",
		Tags:        tags,
	}, s.listParts)

	huma.Register(s.api, huma.Operation{
		OperationID:   "abort-multipart-upload",
		Method:        http.MethodPost,
		Path:          "/uploads/multipart/abort",
		Summary:       "Abort a multipart upload",
		Tags:          tags,
		DefaultStatus: http.StatusNoContent,
	}, s.abortUpload)

	huma.Register(s.api, huma.Operation{
		OperationID: "presign-object-upload",
		Method:      http.MethodPost,
		Path:        "/uploads/presign",
		Summary:     "Presign a single-object PUT",
		Tags:        tags,
	}, s.presignObject)
}

func (s *Server) createUpload(ctx context.Context, input *CreateUploadInput) (*CreateUploadOutput, error) {
	in := input.Body
	if err := multipart.ValidateKey(in.Key); err != nil {
		return nil, apiError(err)
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	concurrency := in.Concurrency
	if concurrency == 0 {
		concurrency = s.cfg.Upload.Concurrency
	}

	plan := multipart.PlanParts(in.Size)
	uploadID, err := s.coord.Open(ctx, in.Key, contentType)
	if err != nil {
		return nil, apiError(err)
	}
	parts, err := s.coord.PresignParts(ctx, in.Key, uploadID, plan.TotalParts, concurrency)
	if err != nil {
		s.abortQuietly(in.Key, uploadID)
		return nil, apiError(err)
	}

	slog.Debug("multipart upload planned",
		"key", in.Key, "upload_id", uploadID, "size", in.Size, "part_size", plan.PartSize, "parts", plan.TotalParts)

	out := &CreateUploadOutput{}
	out.Body = CreateUploadBody{
		Key:        in.Key,
		UploadID:   uploadID,
		PartSize:   plan.PartSize,
		TotalParts: plan.TotalParts,
		Parts:      parts,
		ExpiresIn:  int(multipart.PresignExpiry.Seconds()),
	}
	return out, nil
}

// abortQuietly releases an upload the caller will never see. Failures are
// only logged; the store expires abandoned uploads on its own.
func (s *Server) abortQuietly(key, uploadID string) {
	timeout := time.Duration(max(s.cfg.Store.RequestTimeout, 1)) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.coord.Abort(ctx, key, uploadID); err != nil {
		slog.Warn("abort after failed presign", "key", key, "upload_id", uploadID, "error", err)
	}
}

func (s *Server) completeUpload(ctx context.Context, input *CompleteUploadInput) (*CompleteUploadOutput, error) {
	in := input.Body
	if err := multipart.ValidateKey(in.Key); err != nil {
		return nil, apiError(err)
	}
	etag, err := s.coord.Finalize(ctx, in.Key, in.UploadID, in.Parts, in.TotalParts)
	if err != nil {
		return nil, apiError(err)
	}

	out := &CompleteUploadOutput{}
	out.Body.Key = in.Key
	out.Body.UploadID = in.UploadID
	out.Body.ETag = etag
	out.Body.Location = s.coord.ObjectURL(in.Key).String()
	return out, nil
}

func (s *Server) listParts(ctx context.Context, input *UploadRefInput) (*ListPartsOutput, error) {
	if err := multipart.ValidateKey(input.Key); err != nil {
		return nil, apiError(err)
	}
	parts, err := s.coord.ListParts(ctx, input.Key, input.UploadID)
	if err != nil {
		return nil, apiError(err)
	}
	out := &ListPartsOutput{}
	out.Body.Key = input.Key
	out.Body.UploadID = input.UploadID
	out.Body.Parts = parts
	if out.Body.Parts == nil {
		out.Body.Parts = []multipart.Part{}
	}
	return out, nil
}

func (s *Server) abortUpload(ctx context.Context, input *AbortUploadInput) (*struct{}, error) {
	in := input.Body
	if err := multipart.ValidateKey(in.Key); err != nil {
		return nil, apiError(err)
	}
	if err := s.coord.Abort(ctx, in.Key, in.UploadID); err != nil {
		return nil, apiError(err)
	}
	return nil, nil
}

func (s *Server) presignObject(ctx context.Context, input *PresignObjectInput) (*PresignObjectOutput, error) {
	in := input.Body
	if err := multipart.ValidateKey(in.Key); err != nil {
		return nil, apiError(err)
	}
	u, err := s.coord.PresignObject(in.Key, in.ContentType)
	if err != nil {
		return nil, apiError(err)
	}
	out := &PresignObjectOutput{}
	out.Body.URL = u
	out.Body.Method = http.MethodPut
	out.Body.ExpiresIn = int(multipart.PresignExpiry.Seconds())
	return out, nil
}

// apiError converts an ingest error into a Huma error whose status follows
// the error kind. Server-side failures are also logged.
func apiError(err error) error {
	status := ierr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "kind", ierr.KindOf(err), "error", err)
	}
	return huma.NewError(status, err.Error())
}
