package hlszip

import (
	"strings"

	ierr "github.com/bleepstore/ingest/internal/errors"
)

// normalize collapses "." and empty segments and applies ".." segments.
// It reports false when a ".." would climb above the namespace root.
func normalize(p string) (string, bool) {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(out) == 0 {
				return "", false
			}
			out = out[:len(out)-1]
		default:
			out = append(out, seg)
		}
	}
	return strings.Join(out, "/"), true
}

// dir returns everything before the last slash of p, or "".
func dir(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}

// safePath normalizes name into the archive's relative namespace. Names
// that start with a slash, carry a NUL byte or escape the root are
// rejected.
func safePath(name string) (string, error) {
	switch {
	case strings.IndexByte(name, 0) >= 0:
		return "", ierr.WithPath(ierr.KindInvalidArchiveEntry, "path contains a NUL byte", name)
	case strings.HasPrefix(name, "/"):
		return "", ierr.WithPath(ierr.KindInvalidArchiveEntry, "path is absolute", name)
	}
	p, ok := normalize(name)
	if !ok {
		return "", ierr.WithPath(ierr.KindInvalidArchiveEntry, "path escapes the archive root", name)
	}
	return p, nil
}

// resolve resolves ref against the directory base. A root-absolute ref
// is checked as is and therefore rejected.
func resolve(base, ref string) (string, error) {
	if base == "" || strings.HasPrefix(ref, "/") {
		return safePath(ref)
	}
	return safePath(base + "/" + ref)
}
