// Package image stores rendered artifacts on disk and turns their paths into
// servable media URLs.
package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/manash/promptloop/internal/security"
)

const (
	DefaultMaxDownloadBytes = 32 << 20
	maxSlugLen              = 40
)

var ErrNoImageData = errors.New("no image data available")

// Image is what a provider hands back: inline bytes or a URL to fetch.
type Image struct {
	Data          []byte
	URL           string
	RevisedPrompt string
}

// URLValidator vets provider URLs before they are downloaded.
type URLValidator interface {
	Validate(rawURL string) error
}

// Name identifies the artifact of one iteration.
type Name struct {
	SessionID string
	Index     int
	Prompt    string
	Ext       string
}

// Filename is "<index>-<prompt slug>.<ext>", e.g. "002-a-red-fox.png".
func (n Name) Filename() string {
	slug := security.Slugify(security.Truncate(n.Prompt, maxSlugLen))
	if slug == "" {
		slug = "image"
	}
	ext := n.Ext
	if ext == "" {
		ext = "png"
	}
	return security.SanitizeFilename(fmt.Sprintf("%03d-%s.%s", n.Index, slug, ext))
}

type Saver struct {
	baseDir    string
	httpClient *http.Client
	urls       URLValidator
	maxBytes   int64
}

type SaverOption func(*Saver)

func WithHTTPClient(c *http.Client) SaverOption {
	return func(s *Saver) { s.httpClient = c }
}

// WithURLValidator checks every download URL; without it any URL is fetched.
func WithURLValidator(v URLValidator) SaverOption {
	return func(s *Saver) { s.urls = v }
}

func WithMaxDownloadBytes(n int64) SaverOption {
	return func(s *Saver) { s.maxBytes = n }
}

func NewSaver(baseDir string, opts ...SaverOption) *Saver {
	s := &Saver{
		baseDir: baseDir,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		maxBytes: DefaultMaxDownloadBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Saver) BaseDir() string {
	return s.baseDir
}

// Save writes img under <baseDir>/<session>/ and returns the file path.
func (s *Saver) Save(ctx context.Context, img *Image, name Name) (string, error) {
	if err := security.ValidateID(name.SessionID); err != nil {
		return "", fmt.Errorf("invalid session id %q: %w", name.SessionID, err)
	}

	var data []byte
	var err error
	switch {
	case len(img.Data) > 0:
		data = img.Data
	case img.URL != "":
		data, err = s.download(ctx, img.URL)
		if err != nil {
			return "", fmt.Errorf("failed to download image: %w", err)
		}
	default:
		return "", ErrNoImageData
	}

	rel := filepath.Join(name.SessionID, name.Filename())
	if err := security.ValidateRelativePath(filepath.ToSlash(rel)); err != nil {
		return "", err
	}
	path := filepath.Join(s.baseDir, rel)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return path, nil
}

func (s *Saver) download(ctx context.Context, url string) ([]byte, error) {
	if s.urls != nil {
		if err := s.urls.Validate(url); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", s.maxBytes)
	}
	return data, nil
}
