package display

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/manash/promptloop/internal/security"
)

func TestDisplayer_Show_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000-fox.png")
	if err := os.WriteFile(path, []byte("png bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := New(&buf).Show(context.Background(), path); err != nil {
		t.Fatalf("Show() error = %v", err)
	}
	if !strings.HasPrefix(buf.String(), "\x1b_G") {
		t.Error("output should contain Kitty escape sequence")
	}
}

func TestDisplayer_Show_URL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("downloaded image data"))
	}))
	defer server.Close()

	var buf bytes.Buffer
	d := New(&buf, WithHTTPClient(server.Client()), WithURLValidator(nil))
	if err := d.Show(context.Background(), server.URL+"/a.png"); err != nil {
		t.Fatalf("Show() error = %v", err)
	}
	if !strings.Contains(buf.String(), "\x1b_G") {
		t.Error("output should contain Kitty escape sequence")
	}
}

func TestDisplayer_Show_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	tests := []struct {
		name string
		d    *Displayer
		ref  string
	}{
		{"empty reference", New(&bytes.Buffer{}), ""},
		{"missing file", New(&bytes.Buffer{}), filepath.Join(t.TempDir(), "missing.png")},
		{"plain http rejected", New(&bytes.Buffer{}), server.URL + "/a.png"},
		{"untrusted host", New(&bytes.Buffer{}, WithURLValidator(security.NewURLValidator(true))), "https://evil.example.com/a.png"},
		{"bad status", New(&bytes.Buffer{}, WithURLValidator(nil)), server.URL + "/a.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.d.Show(context.Background(), tt.ref); err == nil {
				t.Error("Show() error = nil, want error")
			}
		})
	}
}

func TestTerminalSupported(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want bool
	}{
		{"kitty program", map[string]string{"TERM_PROGRAM": "kitty"}, true},
		{"iterm", map[string]string{"TERM_PROGRAM": "iTerm.app"}, true},
		{"kitty window", map[string]string{"KITTY_WINDOW_ID": "1"}, true},
		{"ghostty term", map[string]string{"TERM": "xterm-ghostty"}, true},
		{"plain xterm", map[string]string{"TERM": "xterm-256color"}, false},
		{"nothing", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := terminalSupported(func(k string) string { return tt.env[k] })
			if got != tt.want {
				t.Errorf("terminalSupported() = %v, want %v", got, tt.want)
			}
		})
	}
}
