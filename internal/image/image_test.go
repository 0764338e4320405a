package image

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type rejectAll struct{}

func (rejectAll) Validate(string) error { return errors.New("untrusted") }

func TestNewSaver(t *testing.T) {
	s := NewSaver("/tmp/images")
	if s.httpClient == nil {
		t.Fatal("NewSaver() httpClient is nil")
	}
	if s.BaseDir() != "/tmp/images" {
		t.Errorf("BaseDir() = %q, want /tmp/images", s.BaseDir())
	}
	if s.maxBytes != DefaultMaxDownloadBytes {
		t.Errorf("maxBytes = %d, want %d", s.maxBytes, DefaultMaxDownloadBytes)
	}
}

func TestName_Filename(t *testing.T) {
	tests := []struct {
		name string
		in   Name
		want string
	}{
		{"basic", Name{Index: 2, Prompt: "A red fox!", Ext: "png"}, "002-a-red-fox.png"},
		{"default extension", Name{Index: 0, Prompt: "fox"}, "000-fox.png"},
		{"empty prompt", Name{Index: 1, Prompt: "!!!", Ext: "jpg"}, "001-image.jpg"},
		{"long prompt cut", Name{Index: 0, Prompt: strings.Repeat("word ", 40), Ext: "png"}, "000-word-word-word-word-word-word-word-wo.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.Filename(); got != tt.want {
				t.Errorf("Filename() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSaver_Save_WithData(t *testing.T) {
	dir := t.TempDir()
	s := NewSaver(dir)

	path, err := s.Save(context.Background(), &Image{Data: []byte("fake image data")},
		Name{SessionID: "s-1", Index: 0, Prompt: "a fox", Ext: "png"})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	want := filepath.Join(dir, "s-1", "000-a-fox.png")
	if path != want {
		t.Errorf("Save() path = %q, want %q", path, want)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved file: %v", err)
	}
	if string(data) != "fake image data" {
		t.Errorf("saved data mismatch: got %s", string(data))
	}
}

func TestSaver_Save_WithURL(t *testing.T) {
	expected := []byte("downloaded image content")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(expected)
	}))
	defer server.Close()

	s := NewSaver(t.TempDir())
	path, err := s.Save(context.Background(), &Image{URL: server.URL}, Name{SessionID: "s-1", Index: 1, Prompt: "x y"})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved file: %v", err)
	}
	if string(data) != string(expected) {
		t.Errorf("saved data mismatch")
	}
}

func TestSaver_Save_DataPreferredOverURL(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	s := NewSaver(t.TempDir())
	if _, err := s.Save(context.Background(), &Image{Data: []byte("inline"), URL: server.URL}, Name{SessionID: "s", Prompt: "p"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if called {
		t.Error("Save() downloaded although inline data was present")
	}
}

func TestSaver_Save_Errors(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	huge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	}))
	defer huge.Close()

	tests := []struct {
		name  string
		saver *Saver
		img   *Image
		id    string
	}{
		{"no data", NewSaver(t.TempDir()), &Image{}, "s-1"},
		{"download status", NewSaver(t.TempDir()), &Image{URL: failing.URL}, "s-1"},
		{"invalid url", NewSaver(t.TempDir()), &Image{URL: "://bad"}, "s-1"},
		{"url rejected", NewSaver(t.TempDir(), WithURLValidator(rejectAll{})), &Image{URL: huge.URL}, "s-1"},
		{"too large", NewSaver(t.TempDir(), WithMaxDownloadBytes(16)), &Image{URL: huge.URL}, "s-1"},
		{"traversal session id", NewSaver(t.TempDir()), &Image{Data: []byte("x")}, "../etc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.saver.Save(context.Background(), tt.img, Name{SessionID: tt.id, Prompt: "p"})
			if err == nil {
				t.Fatal("Save() error = nil, want error")
			}
		})
	}
}

func TestSaver_Save_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSaver(t.TempDir())
	if _, err := s.Save(ctx, &Image{URL: server.URL}, Name{SessionID: "s", Prompt: "p"}); err == nil {
		t.Fatal("Save() error = nil, want context error")
	}
}

func TestResolver_URL(t *testing.T) {
	root := filepath.Join(t.TempDir(), "images")
	r := NewResolver(root, "")

	tests := []struct {
		name string
		path string
		want string
	}{
		{"stored image", filepath.Join(root, "s-1", "000-a-fox.png"), "/media/s-1/000-a-fox.png"},
		{"escaped", filepath.Join(root, "s-1", "a b.png"), "/media/s-1/a%20b.png"},
		{"empty", "", ""},
		{"outside root", filepath.Join(root, "..", "secret.png"), ""},
		{"root itself", root, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.URL(tt.path); got != tt.want {
				t.Errorf("URL(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestResolver_AbsolutePrefixAndPath(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root, "https://cdn.example.com/media/")

	path := filepath.Join(root, "s-1", "001-x.png")
	u := r.URL(path)
	if u != "https://cdn.example.com/media/s-1/001-x.png" {
		t.Fatalf("URL() = %q", u)
	}

	back, err := r.Path(u)
	if err != nil {
		t.Fatalf("Path() error = %v", err)
	}
	if back != path {
		t.Errorf("Path() = %q, want %q", back, path)
	}

	if _, err := r.Path("https://cdn.example.com/media/../x"); !errors.Is(err, ErrOutsideMediaRoot) {
		t.Errorf("Path(traversal) error = %v, want ErrOutsideMediaRoot", err)
	}
	if _, err := r.Path("/elsewhere/x.png"); !errors.Is(err, ErrOutsideMediaRoot) {
		t.Errorf("Path(other prefix) error = %v, want ErrOutsideMediaRoot", err)
	}
}
