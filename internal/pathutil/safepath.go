package pathutil

import "strings"

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// SafeBaseName returns the final segment of a slash-separated path, suitable
// as a local file name. It reports false for inputs whose base would vanish
// or escape: empty paths, trailing slashes, "." and "..".
func SafeBaseName(p string) (string, bool) {
	if p == "" || strings.HasSuffix(p, "/") {
		return "", false
	}
	base := p[strings.LastIndex(p, "/")+1:]
	if base == "." || base == ".." {
		return "", false
	}
	return base, true
}
