package xmlutil

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// CompletedPart is one <Part> entry of a CompleteMultipartUpload request.
type CompletedPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

// CompleteMultipartUpload is the request body for CompleteMultipartUpload.
type CompleteMultipartUpload struct {
	XMLName xml.Name        `xml:"CompleteMultipartUpload"`
	Parts   []CompletedPart `xml:"Part"`
}

// ErrNoUploadID is returned when a CreateMultipartUpload response carries no
// UploadId element.
var ErrNoUploadID = errors.New("response contains no UploadId")

// MarshalCompleteMultipartUpload renders the completion document with parts
// sorted by ascending part number and every ETag wrapped in double quotes.
func MarshalCompleteMultipartUpload(parts []CompletedPart) ([]byte, error) {
	sorted := make([]CompletedPart, len(parts))
	for i, p := range parts {
		sorted[i] = CompletedPart{PartNumber: p.PartNumber, ETag: QuoteETag(p.ETag)}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	if err := xml.NewEncoder(&buf).Encode(CompleteMultipartUpload{Parts: sorted}); err != nil {
		return nil, fmt.Errorf("encoding completion document: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseCompleteMultipartUpload decodes a CompleteMultipartUpload request body.
func ParseCompleteMultipartUpload(r io.Reader) (*CompleteMultipartUpload, error) {
	var req CompleteMultipartUpload
	if err := xml.NewDecoder(r).Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ParseUploadID returns the text of the first UploadId element in a
// CreateMultipartUpload response, whatever namespace the provider uses.
func ParseUploadID(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", ErrNoUploadID
		}
		if err != nil {
			return "", fmt.Errorf("parsing upload id: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "UploadId" {
			continue
		}
		var id string
		if err := dec.DecodeElement(&id, &start); err != nil {
			return "", fmt.Errorf("parsing upload id: %w", err)
		}
		id = strings.TrimSpace(id)
		if id == "" {
			return "", ErrNoUploadID
		}
		return id, nil
	}
}

// ListedPart is one <Part> entry of a ListParts response.
type ListedPart struct {
	PartNumber int
	ETag       string
	Size       int64
}

// PartsPage is one page of a ListParts response as seen by a client.
type PartsPage struct {
	Parts       []ListedPart
	IsTruncated bool
	// NextMarker is zero when the provider sent no NextPartNumberMarker.
	NextMarker int
}

// listPartsDoc has no XMLName so it decodes regardless of namespace.
type listPartsDoc struct {
	IsTruncated          string `xml:"IsTruncated"`
	NextPartNumberMarker string `xml:"NextPartNumberMarker"`
	Parts                []struct {
		PartNumber int    `xml:"PartNumber"`
		ETag       string `xml:"ETag"`
		Size       int64  `xml:"Size"`
	} `xml:"Part"`
}

// ParseListParts decodes a ListParts response page. ETags are returned
// without surrounding quotes.
func ParseListParts(r io.Reader) (*PartsPage, error) {
	var doc listPartsDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing list parts: %w", err)
	}
	page := &PartsPage{
		IsTruncated: strings.EqualFold(strings.TrimSpace(doc.IsTruncated), "true"),
	}
	if m := strings.TrimSpace(doc.NextPartNumberMarker); m != "" {
		if n, err := strconv.Atoi(m); err == nil {
			page.NextMarker = n
		}
	}
	for _, p := range doc.Parts {
		page.Parts = append(page.Parts, ListedPart{PartNumber: p.PartNumber, ETag: UnquoteETag(p.ETag), Size: p.Size})
	}
	return page, nil
}

// QuoteETag wraps an ETag in double quotes unless it already is.
func QuoteETag(etag string) string {
	return `"` + UnquoteETag(etag) + `"`
}

// UnquoteETag strips surrounding whitespace and double quotes.
func UnquoteETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), `"`)
}

// ProviderError is an S3 <Error> document returned by the object store.
type ProviderError struct {
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

func (e *ProviderError) Error() string {
	return e.Code + ": " + e.Message
}

// ParseCompleteResult returns the ETag of a CompleteMultipartUpload
// response. S3 may answer 200 with an <Error> document when completion
// fails late; that case is returned as a *ProviderError.
func ParseCompleteResult(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("parsing completion result: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "Error":
			var pe ProviderError
			if err := dec.DecodeElement(&pe, &start); err != nil {
				return "", fmt.Errorf("parsing completion error: %w", err)
			}
			return "", &pe
		case "ETag":
			var etag string
			if err := dec.DecodeElement(&etag, &start); err != nil {
				return "", fmt.Errorf("parsing completion result: %w", err)
			}
			return UnquoteETag(etag), nil
		}
	}
}
