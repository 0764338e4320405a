// Package display renders sessions for terminals: text summaries for any
// writer and inline image previews for terminals that speak the kitty
// graphics protocol.
package display

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/manash/promptloop/internal/security"
)

const (
	defaultTimeout  = 60 * time.Second
	maxPreviewBytes = 50 << 20
)

// Displayer previews stored iteration images.
type Displayer struct {
	out        io.Writer
	httpClient *http.Client
	validator  *security.URLValidator
	columns    int
}

type Option func(*Displayer)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Displayer) { d.httpClient = c }
}

// WithURLValidator checks remote references before download. Nil disables
// the check.
func WithURLValidator(v *security.URLValidator) Option {
	return func(d *Displayer) { d.validator = v }
}

func WithColumns(n int) Option {
	return func(d *Displayer) { d.columns = n }
}

func New(out io.Writer, opts ...Option) *Displayer {
	d := &Displayer{
		out:        out,
		httpClient: &http.Client{Timeout: defaultTimeout},
		validator:  security.NewURLValidator(false),
		columns:    60,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Show previews the image behind ref, a local path or an http(s) URL.
func (d *Displayer) Show(ctx context.Context, ref string) error {
	data, err := d.load(ctx, ref)
	if err != nil {
		return err
	}

	if err := NewKittyEncoder(d.out, d.columns).Encode(data); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	fmt.Fprintln(d.out)
	return nil
}

func (d *Displayer) load(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("iteration has no image")
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return d.download(ctx, ref)
	}

	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return data, nil
}

func (d *Displayer) download(ctx context.Context, url string) ([]byte, error) {
	if d.validator != nil {
		if err := d.validator.Validate(url); err != nil {
			return nil, fmt.Errorf("refusing to download %s: %w", url, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPreviewBytes))
}

// IsTerminalSupported reports whether the current terminal renders kitty
// graphics.
func IsTerminalSupported() bool {
	return terminalSupported(os.Getenv)
}

func terminalSupported(getenv func(string) string) bool {
	switch strings.ToLower(getenv("TERM_PROGRAM")) {
	case "kitty", "ghostty", "iterm.app", "wezterm":
		return true
	}
	if getenv("KITTY_WINDOW_ID") != "" || getenv("ITERM_SESSION_ID") != "" {
		return true
	}
	term := strings.ToLower(getenv("TERM"))
	return strings.Contains(term, "kitty") || strings.Contains(term, "ghostty")
}
