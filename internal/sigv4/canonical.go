// Package sigv4 implements AWS Signature Version 4 for the S3 service:
// header signing and query presigning for outgoing requests, and the
// matching verification used by the development object store.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

const (
	// algorithm is the signing algorithm identifier.
	algorithm = "AWS4-HMAC-SHA256"

	// scopeTerminator is the fixed suffix of the credential scope.
	scopeTerminator = "aws4_request"

	// Service is the service name for S3.
	Service = "s3"

	// UnsignedPayload is the payload hash used when the body is not hashed.
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	// EmptySHA256 is the SHA-256 hash of an empty body.
	EmptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	// amzDateFormat is the format for x-amz-date values.
	amzDateFormat = "20060102T150405Z"

	// amzDateShort is the format for the date portion of the credential scope.
	amzDateShort = "20060102"
)

// canonicalRequest is the normalized form of a request that gets hashed into
// the string to sign. headers maps lower-case names to normalized values.
type canonicalRequest struct {
	method      string
	path        string
	query       url.Values
	headers     map[string]string
	payloadHash string
}

// signedHeaders returns the sorted lower-case header names.
func (c *canonicalRequest) signedHeaders() []string {
	names := make([]string, 0, len(c.headers))
	for name := range c.headers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *canonicalRequest) String() string {
	names := c.signedHeaders()

	var sb strings.Builder
	sb.WriteString(c.method)
	sb.WriteByte('\n')
	sb.WriteString(canonicalURI(c.path))
	sb.WriteByte('\n')
	sb.WriteString(canonicalQueryString(c.query))
	sb.WriteByte('\n')
	for _, name := range names {
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(c.headers[name])
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	sb.WriteString(strings.Join(names, ";"))
	sb.WriteByte('\n')
	sb.WriteString(c.payloadHash)
	return sb.String()
}

// credentialScope returns date/region/s3/aws4_request.
func credentialScope(dateStr, region, svc string) string {
	return dateStr + "/" + region + "/" + svc + "/" + scopeTerminator
}

// buildStringToSign builds the string to sign for SigV4.
func buildStringToSign(amzDate, scope, canonicalRequest string) string {
	return algorithm + "\n" +
		amzDate + "\n" +
		scope + "\n" +
		hashHex([]byte(canonicalRequest))
}

// DeriveSigningKey derives the SigV4 signing key. Each link of the chain is
// an HMAC-SHA256 keyed by the previous link's raw output; the first key is
// the bytes "AWS4" followed by the secret.
func DeriveSigningKey(secretKey, dateStr, region, svc string) []byte {
	seed := make([]byte, 0, 4+len(secretKey))
	seed = append(seed, "AWS4"...)
	seed = append(seed, secretKey...)

	dateKey := hmacSHA256(seed, []byte(dateStr))
	regionKey := hmacSHA256(dateKey, []byte(region))
	serviceKey := hmacSHA256(regionKey, []byte(svc))
	return hmacSHA256(serviceKey, []byte(scopeTerminator))
}

// signature returns the hex HMAC of the string to sign under the signing key.
func signature(signingKey []byte, stringToSign string) string {
	return hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))
}

// canonicalURI returns the URI-encoded absolute path. Each segment is
// encoded on its own so slashes survive. Empty path becomes "/".
func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	if path[0] != '/' {
		path = "/" + path
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = URIEncode(seg, true)
	}
	return strings.Join(segments, "/")
}

// canonicalQueryString returns the URI-encoded query sorted by encoded key,
// then by encoded value. Parameters with no value render as "key=".
func canonicalQueryString(values url.Values) string {
	if len(values) == 0 {
		return ""
	}

	type pair struct{ k, v string }
	pairs := make([]pair, 0, len(values))
	for key, vals := range values {
		encodedKey := URIEncode(key, true)
		if len(vals) == 0 {
			pairs = append(pairs, pair{encodedKey, ""})
		}
		for _, val := range vals {
			pairs = append(pairs, pair{encodedKey, URIEncode(val, true)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	var sb strings.Builder
	for i, p := range pairs {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(p.k)
		sb.WriteByte('=')
		sb.WriteString(p.v)
	}
	return sb.String()
}

// normalizeHeaderValue trims the value and collapses internal whitespace runs
// to a single space.
func normalizeHeaderValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

// URIEncode encodes a string per S3 URI encoding rules.
// Characters A-Z, a-z, 0-9, '-', '_', '.', '~' are NOT encoded.
// If encodeSlash is false, '/' is also NOT encoded.
// All other bytes are percent-encoded with uppercase hex.
func URIEncode(s string, encodeSlash bool) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isURIUnreserved(c) || (!encodeSlash && c == '/') {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('%')
			sb.WriteByte(hexDigit(c >> 4))
			sb.WriteByte(hexDigit(c & 0x0f))
		}
	}
	return sb.String()
}

func isURIUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

func hexDigit(b byte) byte {
	if b < 10 {
		return '0' + b
	}
	return 'A' + b - 10
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// hashHex returns the lower-case hex SHA-256 of b.
func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
