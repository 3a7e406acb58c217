package knowledge

import "strings"

// ValidatePath checks that p is "/"-rooted with non-empty segments.
func ValidatePath(p string) error {
	if p == "" {
		return &InvalidPathError{Path: p, Reason: "empty"}
	}
	if !strings.HasPrefix(p, "/") {
		return &InvalidPathError{Path: p, Reason: "must start with /"}
	}
	if p == "/" {
		return &InvalidPathError{Path: p, Reason: "root is not a document"}
	}
	if strings.HasSuffix(p, "/") {
		return &InvalidPathError{Path: p, Reason: "trailing /"}
	}
	for _, seg := range strings.Split(p[1:], "/") {
		switch {
		case seg == "":
			return &InvalidPathError{Path: p, Reason: "empty segment"}
		case strings.TrimSpace(seg) == "":
			return &InvalidPathError{Path: p, Reason: "blank segment"}
		case seg == "." || seg == "..":
			return &InvalidPathError{Path: p, Reason: "relative segment"}
		}
	}
	return nil
}

// Category returns the first segment of a path ("/research/web" -> "research").
func Category(p string) string {
	p = strings.TrimPrefix(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return p
}

// hasPathPrefix reports whether prefix equals p or is a segment-wise
// ancestor of it. "/" is an ancestor of every path.
func hasPathPrefix(p, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if p == prefix {
		return true
	}
	return strings.HasPrefix(p, prefix+"/")
}
