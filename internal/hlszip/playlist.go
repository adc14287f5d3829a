package hlszip

import (
	"regexp"
	"strings"
)

var (
	uriAttr   = regexp.MustCompile(`(?i)URI="([^"]+)"`)
	schemeURL = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)
)

// reference is a URI found in a playlist, as written.
type reference struct {
	Line int
	URI  string
}

// scanPlaylist returns the local references of a playlist: every
// non-comment line in line order, followed by the URI attributes of tag
// lines in line order. Remote URLs and data URIs are dropped, as are query
// strings and fragments.
func scanPlaylist(content string) []reference {
	lines := strings.Split(strings.TrimPrefix(content, "\ufeff"), "\n")
	var refs []reference
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			refs = appendLocal(refs, i+1, line)
		}
	}
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			continue
		}
		for _, m := range uriAttr.FindAllStringSubmatch(line, -1) {
			refs = appendLocal(refs, i+1, m[1])
		}
	}
	return refs
}

func appendLocal(refs []reference, line int, uri string) []reference {
	if schemeURL.MatchString(uri) || strings.HasPrefix(uri, "data:") {
		return refs
	}
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return refs
	}
	return append(refs, reference{Line: line, URI: uri})
}

func isPlaylist(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".m3u8")
}
