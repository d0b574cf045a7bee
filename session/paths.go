package session

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// NormalizePath cleans a path pasted or dropped by the user: surrounding
// quotes are removed, file URLs are decoded and ~ is expanded. The result
// is absolute when the working directory is known.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if len(p) >= 2 && (p[0] == '"' || p[0] == '\'') && p[len(p)-1] == p[0] {
		p = p[1 : len(p)-1]
	}
	if strings.HasPrefix(p, "file://") {
		if u, err := url.Parse(p); err == nil {
			p = u.Path
			if u.Host != "" && u.Host != "localhost" {
				p = "//" + u.Host + p
			}
		}
		// file:///C:/x on Windows
		if len(p) >= 3 && p[0] == '/' && p[2] == ':' {
			p = p[1:]
		}
	}
	if e, err := homedir.Expand(p); err == nil {
		p = e
	}
	if a, err := filepath.Abs(p); err == nil {
		p = a
	}
	return p
}

// ResolveExisting returns path if it exists, otherwise the first of path
// with one of exts appended that does. Path is returned unchanged when
// nothing matches so that the error names what was asked for.
func ResolveExisting(path string, exts ...string) string {
	if _, err := os.Stat(path); err == nil {
		return path
	}
	for _, ext := range exts {
		if _, err := os.Stat(path + ext); err == nil {
			return path + ext
		}
	}
	return path
}
