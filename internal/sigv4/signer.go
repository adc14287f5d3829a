package sigv4

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// MaxPresignExpiry is the longest lifetime SigV4 allows for a presigned URL.
const MaxPresignExpiry = 7 * 24 * time.Hour

// Precondition failures. Signing itself cannot fail on well-formed input.
var (
	ErrMissingCredentials = errors.New("sigv4: missing access key id or secret key")
	ErrInvalidURL         = errors.New("sigv4: request URL must be absolute")
	ErrInvalidExpiry      = errors.New("sigv4: presign expiry out of range")
)

// Credentials is an access key pair.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// Valid reports whether both halves of the key pair are set.
func (c Credentials) Valid() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// SigningContext is everything needed to sign one request. It is consumed
// by a single Sign or Presign call and never mutated.
type SigningContext struct {
	Method string
	URL    string
	// Header holds caller headers to sign in addition to host, x-amz-date
	// and x-amz-content-sha256. Names are matched case-insensitively.
	Header http.Header
	Body   []byte
	// UnsignedPayload signs the literal UNSIGNED-PAYLOAD instead of the body hash.
	UnsignedPayload bool
	Credentials     Credentials
	Region          string
	// Time is the signing instant; zero means time.Now.
	Time time.Time
}

type prepared struct {
	u       *url.URL
	amzDate string
	date    string
	headers map[string]string
}

func (sc *SigningContext) prepare() (*prepared, error) {
	if !sc.Credentials.Valid() {
		return nil, ErrMissingCredentials
	}
	u, err := url.Parse(sc.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Host == "" {
		return nil, ErrInvalidURL
	}

	t := sc.Time
	if t.IsZero() {
		t = time.Now()
	}
	t = t.UTC()

	headers := make(map[string]string, len(sc.Header)+3)
	for name, values := range sc.Header {
		lower := strings.ToLower(name)
		if lower == "authorization" || lower == "host" {
			continue
		}
		v := normalizeHeaderValue(strings.Join(values, ","))
		if prev, ok := headers[lower]; ok {
			v = prev + "," + v
		}
		headers[lower] = v
	}
	headers["host"] = u.Host

	return &prepared{
		u:       u,
		amzDate: t.Format(amzDateFormat),
		date:    t.Format(amzDateShort),
		headers: headers,
	}, nil
}

// Sign signs the request in the Authorization header. The returned header
// set contains the caller's headers plus Host, X-Amz-Date,
// X-Amz-Content-Sha256 and Authorization.
func Sign(sc SigningContext) (http.Header, error) {
	p, err := sc.prepare()
	if err != nil {
		return nil, err
	}

	payloadHash := UnsignedPayload
	if !sc.UnsignedPayload {
		payloadHash = hashHex(sc.Body)
	}
	p.headers["x-amz-date"] = p.amzDate
	p.headers["x-amz-content-sha256"] = payloadHash

	cr := &canonicalRequest{
		method:      sc.Method,
		path:        p.u.Path,
		query:       p.u.Query(),
		headers:     p.headers,
		payloadHash: payloadHash,
	}
	scope := credentialScope(p.date, sc.Region, Service)
	key := DeriveSigningKey(sc.Credentials.SecretAccessKey, p.date, sc.Region, Service)
	sig := signature(key, buildStringToSign(p.amzDate, scope, cr.String()))

	out := make(http.Header, len(p.headers)+1)
	for name, v := range p.headers {
		out.Set(name, v)
	}
	out.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, sc.Credentials.AccessKeyID, scope, strings.Join(cr.signedHeaders(), ";"), sig))
	return out, nil
}

// Presign returns a URL that authorizes the request through query
// parameters for the given lifetime. The payload is always unsigned.
func Presign(sc SigningContext, expires time.Duration) (string, error) {
	if expires < time.Second || expires > MaxPresignExpiry {
		return "", ErrInvalidExpiry
	}
	p, err := sc.prepare()
	if err != nil {
		return "", err
	}

	cr := &canonicalRequest{
		method:      sc.Method,
		path:        p.u.Path,
		query:       p.u.Query(),
		headers:     p.headers,
		payloadHash: UnsignedPayload,
	}
	scope := credentialScope(p.date, sc.Region, Service)
	cr.query.Set("X-Amz-Algorithm", algorithm)
	cr.query.Set("X-Amz-Credential", sc.Credentials.AccessKeyID+"/"+scope)
	cr.query.Set("X-Amz-Date", p.amzDate)
	cr.query.Set("X-Amz-Expires", strconv.Itoa(int(expires/time.Second)))
	cr.query.Set("X-Amz-SignedHeaders", strings.Join(cr.signedHeaders(), ";"))

	key := DeriveSigningKey(sc.Credentials.SecretAccessKey, p.date, sc.Region, Service)
	sig := signature(key, buildStringToSign(p.amzDate, scope, cr.String()))

	return p.u.Scheme + "://" + p.u.Host + canonicalURI(p.u.Path) + "?" +
		canonicalQueryString(cr.query) + "&X-Amz-Signature=" + sig, nil
}

// Signer binds a key pair and region so callers only supply the request.
type Signer struct {
	Credentials Credentials
	Region      string
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// NewSigner returns a Signer for the given key pair and region.
func NewSigner(creds Credentials, region string) *Signer {
	return &Signer{Credentials: creds, Region: region}
}

func (s *Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// SignRequest signs req in place with the body hash of body. req.Body is
// left untouched; callers set it to the same bytes.
func (s *Signer) SignRequest(req *http.Request, body []byte) error {
	h, err := Sign(SigningContext{
		Method:      req.Method,
		URL:         req.URL.String(),
		Header:      req.Header,
		Body:        body,
		Credentials: s.Credentials,
		Region:      s.Region,
		Time:        s.now(),
	})
	if err != nil {
		return err
	}
	for name, values := range h {
		if name == "Host" {
			continue
		}
		req.Header[name] = values
	}
	return nil
}

// PresignURL presigns method on rawURL. header lists extra headers the
// eventual caller must send verbatim, such as Content-Type.
func (s *Signer) PresignURL(method, rawURL string, header http.Header, expires time.Duration) (string, error) {
	return Presign(SigningContext{
		Method:          method,
		URL:             rawURL,
		Header:          header,
		UnsignedPayload: true,
		Credentials:     s.Credentials,
		Region:          s.Region,
		Time:            s.now(),
	}, expires)
}
