package sigv4

import (
	"context"
	"net/http"

	ierr "github.com/bleepstore/ingest/internal/errors"
	"github.com/bleepstore/ingest/internal/xmlutil"
)

type contextKey int

const accessKeyIDKey contextKey = iota

// AccessKeyFromContext returns the access key id that authenticated the request.
func AccessKeyFromContext(ctx context.Context) string {
	v, _ := ctx.Value(accessKeyIDKey).(string)
	return v
}

// Middleware rejects requests that do not carry a valid SigV4 signature,
// either in the Authorization header or as presigned query parameters.
// Paths listed in skip pass through unauthenticated.
func Middleware(verifier *Verifier, skip ...string) func(http.Handler) http.Handler {
	skipPaths := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipPaths[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			var (
				accessKeyID string
				err         error
			)
			switch DetectAuthMethod(r) {
			case "none":
				xmlutil.RenderError(w, r, ierr.ErrAccessDenied)
				return
			case "ambiguous":
				xmlutil.RenderError(w, r, ierr.ErrInvalidArgument.WithMessage(
					"Only one auth mechanism allowed; found both Authorization header and query string parameters"))
				return
			case "header":
				accessKeyID, err = verifier.VerifyRequest(r)
			case "presigned":
				accessKeyID, err = verifier.VerifyPresigned(r)
			}
			if err != nil {
				writeAuthError(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accessKeyIDKey, accessKeyID)))
		})
	}
}

// writeAuthError maps an AuthError to the appropriate S3 error XML response.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	authErr, ok := err.(*AuthError)
	if !ok {
		xmlutil.RenderError(w, r, ierr.ErrInternalError)
		return
	}

	switch authErr.Code {
	case "InvalidAccessKeyId":
		xmlutil.RenderError(w, r, ierr.ErrInvalidAccessKeyId)
	case "SignatureDoesNotMatch":
		xmlutil.RenderError(w, r, ierr.ErrSignatureDoesNotMatch)
	case "RequestTimeTooSkewed":
		xmlutil.RenderError(w, r, ierr.ErrRequestTimeTooSkewed)
	case "XAmzContentSHA256Mismatch":
		xmlutil.RenderError(w, r, ierr.ErrXAmzContentSHA256Mismatch)
	case "InternalError":
		xmlutil.RenderError(w, r, ierr.ErrInternalError)
	default:
		xmlutil.RenderError(w, r, ierr.ErrAccessDenied.WithMessage(authErr.Message))
	}
}
