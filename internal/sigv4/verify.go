package sigv4

import (
	"bytes"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// clockSkewTolerance is the maximum allowed clock skew for header-based auth.
	clockSkewTolerance = 15 * time.Minute

	// streamingPayload marks aws-chunked uploads, which are not supported.
	streamingPayload = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"
)

// AuthError represents an authentication failure with an S3-compatible error code.
type AuthError struct {
	Code    string // AccessDenied, InvalidAccessKeyId, SignatureDoesNotMatch, ...
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CredentialLookup resolves an access key id to its secret.
type CredentialLookup func(accessKeyID string) (secret string, ok bool)

// StaticCredentials returns a lookup over a fixed set of key pairs.
func StaticCredentials(creds ...Credentials) CredentialLookup {
	m := make(map[string]string, len(creds))
	for _, c := range creds {
		m[c.AccessKeyID] = c.SecretAccessKey
	}
	return func(id string) (string, bool) {
		secret, ok := m[id]
		return secret, ok
	}
}

// Verifier checks SigV4 signatures on incoming requests. Signing keys are
// derived per request.
type Verifier struct {
	Region string
	Lookup CredentialLookup
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// NewVerifier returns a Verifier for the given region and credentials.
func NewVerifier(region string, lookup CredentialLookup) *Verifier {
	return &Verifier{Region: region, Lookup: lookup}
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now().UTC()
	}
	return time.Now().UTC()
}

// parsedAuth holds the parsed components of an Authorization header.
type parsedAuth struct {
	AccessKeyID   string
	DateStr       string
	Region        string
	Service       string
	SignedHeaders []string
	Signature     string
}

// parseAuthorizationHeader parses the AWS SigV4 Authorization header.
// Format: AWS4-HMAC-SHA256 Credential=AKID/date/region/service/aws4_request, SignedHeaders=host;..., Signature=hex
func parseAuthorizationHeader(header string) (*parsedAuth, error) {
	if !strings.HasPrefix(header, algorithm+" ") {
		return nil, fmt.Errorf("unsupported algorithm")
	}
	rest := strings.TrimPrefix(header, algorithm+" ")

	parts := make(map[string]string)
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		idx := strings.IndexByte(part, '=')
		if idx < 0 {
			continue
		}
		parts[strings.TrimSpace(part[:idx])] = strings.TrimSpace(part[idx+1:])
	}

	credential := parts["Credential"]
	if credential == "" {
		return nil, fmt.Errorf("missing Credential")
	}
	signedHeaders := parts["SignedHeaders"]
	if signedHeaders == "" {
		return nil, fmt.Errorf("missing SignedHeaders")
	}
	sig := parts["Signature"]
	if sig == "" {
		return nil, fmt.Errorf("missing Signature")
	}

	id, date, region, svc, err := splitCredential(credential)
	if err != nil {
		return nil, err
	}
	return &parsedAuth{
		AccessKeyID:   id,
		DateStr:       date,
		Region:        region,
		Service:       svc,
		SignedHeaders: strings.Split(signedHeaders, ";"),
		Signature:     sig,
	}, nil
}

// splitCredential splits accessKeyID/date/region/service/aws4_request.
func splitCredential(credential string) (id, date, region, svc string, err error) {
	p := strings.SplitN(credential, "/", 5)
	if len(p) != 5 {
		return "", "", "", "", fmt.Errorf("invalid credential format")
	}
	if p[4] != scopeTerminator {
		return "", "", "", "", fmt.Errorf("invalid credential scope terminator: %s", p[4])
	}
	return p[0], p[1], p[2], p[3], nil
}

func (v *Verifier) secretFor(accessKeyID, region string) (string, error) {
	if v.Region != "" && region != v.Region {
		return "", &AuthError{Code: "AccessDenied", Message: fmt.Sprintf("Credential scope region %q does not match %q", region, v.Region)}
	}
	secret, ok := v.Lookup(accessKeyID)
	if !ok {
		return "", &AuthError{Code: "InvalidAccessKeyId", Message: "The AWS Access Key Id you provided does not exist in our records"}
	}
	return secret, nil
}

// requestHeaders collects the signed headers of r into canonical form.
func requestHeaders(r *http.Request, signed []string) map[string]string {
	headers := make(map[string]string, len(signed))
	for _, name := range signed {
		name = strings.ToLower(name)
		if name == "host" {
			host := r.Host
			if host == "" {
				host = r.Header.Get("Host")
			}
			headers[name] = host
			continue
		}
		headers[name] = normalizeHeaderValue(strings.Join(r.Header.Values(name), ","))
	}
	return headers
}

// VerifyRequest validates the Authorization header of r and returns the
// access key id that signed it. When the payload hash is a digest, the body
// is read, checked and replaced so handlers can still consume it.
func (v *Verifier) VerifyRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", &AuthError{Code: "AccessDenied", Message: "Missing Authorization header"}
	}
	parsed, err := parseAuthorizationHeader(authHeader)
	if err != nil {
		return "", &AuthError{Code: "AccessDenied", Message: fmt.Sprintf("Invalid Authorization header: %v", err)}
	}
	secret, err := v.secretFor(parsed.AccessKeyID, parsed.Region)
	if err != nil {
		return "", err
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		return "", &AuthError{Code: "AccessDenied", Message: "Missing X-Amz-Date header"}
	}
	requestTime, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return "", &AuthError{Code: "AccessDenied", Message: "Invalid date format"}
	}
	diff := v.now().Sub(requestTime)
	if diff < 0 {
		diff = -diff
	}
	if diff > clockSkewTolerance {
		return "", &AuthError{Code: "RequestTimeTooSkewed", Message: "The difference between the request time and the server's time is too large"}
	}
	if parsed.DateStr != amzDate[:8] {
		return "", &AuthError{Code: "SignatureDoesNotMatch", Message: "Credential date does not match X-Amz-Date"}
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	switch payloadHash {
	case "":
		return "", &AuthError{Code: "AccessDenied", Message: "Missing X-Amz-Content-Sha256 header"}
	case UnsignedPayload:
	case streamingPayload:
		return "", &AuthError{Code: "AccessDenied", Message: "Streaming payloads are not supported"}
	default:
		if err := checkPayload(r, payloadHash); err != nil {
			return "", err
		}
	}

	cr := &canonicalRequest{
		method:      r.Method,
		path:        r.URL.Path,
		query:       r.URL.Query(),
		headers:     requestHeaders(r, parsed.SignedHeaders),
		payloadHash: payloadHash,
	}
	scope := credentialScope(parsed.DateStr, parsed.Region, parsed.Service)
	key := DeriveSigningKey(secret, parsed.DateStr, parsed.Region, parsed.Service)
	expected := signature(key, buildStringToSign(amzDate, scope, cr.String()))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(parsed.Signature)) != 1 {
		return "", &AuthError{Code: "SignatureDoesNotMatch", Message: "The request signature we calculated does not match the signature you provided"}
	}
	return parsed.AccessKeyID, nil
}

func checkPayload(r *http.Request, want string) error {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return &AuthError{Code: "InternalError", Message: "Failed to read request body"}
		}
		body = b
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	if hashHex(body) != strings.ToLower(want) {
		return &AuthError{Code: "XAmzContentSHA256Mismatch", Message: "The provided 'x-amz-content-sha256' header does not match what was computed"}
	}
	return nil
}

// VerifyPresigned validates the X-Amz-* query parameters of a presigned
// request and returns the access key id that signed it.
func (v *Verifier) VerifyPresigned(r *http.Request) (string, error) {
	q := r.URL.Query()

	if q.Get("X-Amz-Algorithm") != algorithm {
		return "", &AuthError{Code: "AccessDenied", Message: "Unsupported algorithm"}
	}
	credStr := q.Get("X-Amz-Credential")
	if credStr == "" {
		return "", &AuthError{Code: "AccessDenied", Message: "Missing X-Amz-Credential"}
	}
	accessKeyID, dateStr, region, svc, err := splitCredential(credStr)
	if err != nil {
		return "", &AuthError{Code: "AccessDenied", Message: "Invalid credential format"}
	}

	amzDate := q.Get("X-Amz-Date")
	expiresStr := q.Get("X-Amz-Expires")
	signedHeaders := q.Get("X-Amz-SignedHeaders")
	sig := q.Get("X-Amz-Signature")
	for name, val := range map[string]string{
		"X-Amz-Date":          amzDate,
		"X-Amz-Expires":       expiresStr,
		"X-Amz-SignedHeaders": signedHeaders,
		"X-Amz-Signature":     sig,
	} {
		if val == "" {
			return "", &AuthError{Code: "AccessDenied", Message: "Missing " + name}
		}
	}

	expires, err := strconv.Atoi(expiresStr)
	if err != nil || expires < 1 || time.Duration(expires)*time.Second > MaxPresignExpiry {
		return "", &AuthError{Code: "AccessDenied", Message: fmt.Sprintf("Invalid X-Amz-Expires value: %s", expiresStr)}
	}
	requestTime, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return "", &AuthError{Code: "AccessDenied", Message: "Invalid X-Amz-Date format"}
	}
	now := v.now()
	if now.After(requestTime.Add(time.Duration(expires) * time.Second)) {
		return "", &AuthError{Code: "AccessDenied", Message: "Request has expired"}
	}
	if requestTime.Sub(now) > clockSkewTolerance {
		return "", &AuthError{Code: "AccessDenied", Message: "Request is not yet valid"}
	}
	if dateStr != amzDate[:8] {
		return "", &AuthError{Code: "SignatureDoesNotMatch", Message: "Credential date does not match X-Amz-Date"}
	}

	secret, err := v.secretFor(accessKeyID, region)
	if err != nil {
		return "", err
	}

	q.Del("X-Amz-Signature")
	cr := &canonicalRequest{
		method:      r.Method,
		path:        r.URL.Path,
		query:       q,
		headers:     requestHeaders(r, strings.Split(signedHeaders, ";")),
		payloadHash: UnsignedPayload,
	}
	scope := credentialScope(dateStr, region, svc)
	key := DeriveSigningKey(secret, dateStr, region, svc)
	expected := signature(key, buildStringToSign(amzDate, scope, cr.String()))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return "", &AuthError{Code: "SignatureDoesNotMatch", Message: "The request signature we calculated does not match the signature you provided"}
	}
	return accessKeyID, nil
}

// DetectAuthMethod returns the authentication method based on the request:
// "header" for Authorization header, "presigned" for query parameters, or "none".
// Returns "ambiguous" if both are present.
func DetectAuthMethod(r *http.Request) string {
	hasHeader := strings.HasPrefix(r.Header.Get("Authorization"), algorithm)
	hasQuery := r.URL.Query().Get("X-Amz-Algorithm") != ""

	switch {
	case hasHeader && hasQuery:
		return "ambiguous"
	case hasHeader:
		return "header"
	case hasQuery:
		return "presigned"
	}
	return "none"
}
