package cost

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBuildPriceKey(t *testing.T) {
	if got := buildPriceKey("1024x1024", "low"); got != "low-1024-1024" {
		t.Errorf("buildPriceKey() = %v, want low-1024-1024", got)
	}
	if got := buildPriceKey("1024x768", ""); got != "1024-768" {
		t.Errorf("buildPriceKey() without quality = %v, want 1024-768", got)
	}
}

func TestParsePricingKey(t *testing.T) {
	tests := []struct {
		key         string
		wantQuality string
		wantSize    string
	}{
		{"low-1024-1024", "low", "1024x1024"},
		{"medium-1536-1024", "medium", "1536x1024"},
		{"hd-1792-1024", "hd", "1792x1024"},
		{"1024-768", "", "1024x768"},
		{"*", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			quality, size := ParsePricingKey(tt.key)
			if quality != tt.wantQuality || size != tt.wantSize {
				t.Errorf("ParsePricingKey() = (%q, %q), want (%q, %q)", quality, size, tt.wantQuality, tt.wantSize)
			}
		})
	}
}

func TestLoadOverrides_Missing(t *testing.T) {
	o, err := LoadOverrides(filepath.Join(t.TempDir(), "pricing.yaml"))
	if err != nil {
		t.Fatalf("LoadOverrides() error = %v", err)
	}
	if o != nil {
		t.Errorf("LoadOverrides() = %+v, want nil", o)
	}
	if _, ok := o.Lookup("gpt-image-1", "1024x1024", "low"); ok {
		t.Error("nil overrides should not match")
	}
}

func TestSetPrice_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pricing.yaml")
	at := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

	if err := SetPrice(path, "gpt-image-1", "1024x1024", "high", 0.2, at); err != nil {
		t.Fatalf("SetPrice() error = %v", err)
	}
	if err := SetPrice(path, "grok-2-image", "1024x768", "", 0.05, at); err != nil {
		t.Fatalf("SetPrice() error = %v", err)
	}

	o, err := LoadOverrides(path)
	if err != nil {
		t.Fatalf("LoadOverrides() error = %v", err)
	}
	if o.Source != "manual" || !o.UpdatedAt.Equal(at) {
		t.Errorf("metadata = %q %v", o.Source, o.UpdatedAt)
	}
	if p, ok := o.Lookup("gpt-image-1", "1024x1024", "high"); !ok || p != 0.2 {
		t.Errorf("Lookup(gpt-image-1) = %v, %v", p, ok)
	}
	if p, ok := o.Lookup("grok-2-image", "1024x768", "any"); !ok || p != 0.05 {
		t.Errorf("size-only key should match any quality: %v, %v", p, ok)
	}
}

func TestSetPrice_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	if err := SetPrice(path, "", "1024x1024", "", 1, time.Now()); err == nil {
		t.Error("SetPrice() with empty model should fail")
	}
	if err := SetPrice(path, "m", "1024x1024", "", -1, time.Now()); err == nil {
		t.Error("SetPrice() with negative price should fail")
	}
}

func TestLoadOverrides_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	if err := os.WriteFile(path, []byte("image: [not, a, map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOverrides(path); err == nil {
		t.Error("LoadOverrides() with malformed YAML should fail")
	}
}
