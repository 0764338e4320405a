package image

import (
	"errors"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/manash/promptloop/internal/security"
)

const DefaultMediaPrefix = "/media"

var ErrOutsideMediaRoot = errors.New("path is outside the media root")

// Resolver maps stored image paths to URLs under a media prefix and back.
type Resolver struct {
	root   string
	prefix string
}

// NewResolver serves files under root at prefix, which may be a path such
// as "/media" or an absolute URL such as "https://cdn.example.com/media".
func NewResolver(root, prefix string) *Resolver {
	if prefix == "" {
		prefix = DefaultMediaPrefix
	}
	return &Resolver{root: filepath.Clean(root), prefix: strings.TrimRight(prefix, "/")}
}

// URL returns the servable reference for path, or "" when path is empty or
// not under the media root.
func (r *Resolver) URL(path string) string {
	if path == "" {
		return ""
	}
	rel, err := filepath.Rel(r.root, filepath.Clean(path))
	if err != nil {
		return ""
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || security.ValidateRelativePath(rel) != nil {
		return ""
	}

	parts := strings.Split(rel, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return r.prefix + "/" + strings.Join(parts, "/")
}

// Path is the inverse of URL.
func (r *Resolver) Path(mediaURL string) (string, error) {
	rest, ok := strings.CutPrefix(mediaURL, r.prefix+"/")
	if !ok {
		return "", ErrOutsideMediaRoot
	}
	rel, err := url.PathUnescape(rest)
	if err != nil {
		return "", err
	}
	if err := security.ValidateRelativePath(rel); err != nil {
		return "", ErrOutsideMediaRoot
	}
	return filepath.Join(r.root, filepath.FromSlash(rel)), nil
}
