package models

import (
	"errors"
	"slices"
	"testing"
)

func testCaps() ProviderCapabilities {
	return ProviderCapabilities{
		ProviderName:       "test",
		SupportedSizes:     []string{"1024x1024"},
		DefaultSize:        "1024x1024",
		SupportedQualities: []string{"standard", "hd"},
		SupportedStyles:    []string{"vivid", "natural"},
		DefaultParams:      map[string]any{"model": "m-1", "quality": "standard"},
		FileExtension:      "png",
	}
}

func TestValidateParams(t *testing.T) {
	tests := []struct {
		name      string
		params    Params
		wantErr   bool
		wantField string
	}{
		{"supported size", Params{"size": "1024x1024"}, false, ""},
		{"no size uses default", Params{}, false, ""},
		{"nil params", nil, false, ""},
		{"unsupported size", Params{"size": "2048x2048"}, true, ParamSize},
		{"malformed size", Params{"size": "big"}, true, ParamSize},
		{"malformed size with unit", Params{"size": "1024px"}, true, ParamSize},
		{"zero width", Params{"size": "0x1024"}, true, ParamSize},
		{"non-string size", Params{"size": 1024}, true, ParamSize},
		{"supported quality", Params{"quality": "hd"}, false, ""},
		{"unsupported quality", Params{"quality": "ultra"}, true, ParamQuality},
		{"supported style", Params{"style": "vivid"}, false, ""},
		{"unsupported style", Params{"style": "noir"}, true, ParamStyle},
		{"unknown keys pass through", Params{"seed": 42}, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateParams(testCaps(), tt.params)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateParams() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			var vErr *Error
			if !errors.As(err, &vErr) {
				t.Fatalf("ValidateParams() error type = %T, want *Error", err)
			}
			if vErr.Code != CodeValidation {
				t.Errorf("Code = %v, want %v", vErr.Code, CodeValidation)
			}
			if vErr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", vErr.Field, tt.wantField)
			}
		})
	}
}

func TestValidateParams_MergesDefaults(t *testing.T) {
	got, err := ValidateParams(testCaps(), Params{"size": "1024x1024", "quality": "hd"})
	if err != nil {
		t.Fatalf("ValidateParams() error = %v", err)
	}
	if got.Model() != "m-1" {
		t.Errorf("Model() = %q, want default m-1", got.Model())
	}
	if got.Quality() != "hd" {
		t.Errorf("Quality() = %q, want caller value hd", got.Quality())
	}
	if got.Size() != "1024x1024" {
		t.Errorf("Size() = %q, want 1024x1024", got.Size())
	}
}

func TestValidateParams_DoesNotMutateInputs(t *testing.T) {
	caps := testCaps()
	params := Params{"quality": "hd"}

	if _, err := ValidateParams(caps, params); err != nil {
		t.Fatalf("ValidateParams() error = %v", err)
	}
	if caps.DefaultParams["quality"] != "standard" {
		t.Error("ValidateParams() mutated DefaultParams")
	}
	if _, ok := params["size"]; ok {
		t.Error("ValidateParams() mutated caller params")
	}
}

func TestValidateParams_NoQualityAxis(t *testing.T) {
	caps := testCaps()
	caps.SupportedQualities = nil
	caps.DefaultParams = nil

	if _, err := ValidateParams(caps, Params{"quality": "hd"}); !IsValidation(err) {
		t.Errorf("ValidateParams() error = %v, want validation error", err)
	}
}

func TestNewRegistry_Invariants(t *testing.T) {
	tests := []struct {
		name    string
		caps    ProviderCapabilities
		wantErr bool
	}{
		{"valid", testCaps(), false},
		{"default size not supported", ProviderCapabilities{ProviderName: "x", SupportedSizes: []string{"512x512"}, DefaultSize: "1024x1024"}, true},
		{"empty sizes", ProviderCapabilities{ProviderName: "x", DefaultSize: "1024x1024"}, true},
		{"malformed supported size", ProviderCapabilities{ProviderName: "x", SupportedSizes: []string{"auto"}, DefaultSize: "auto"}, true},
		{"missing name", ProviderCapabilities{SupportedSizes: []string{"1x1"}, DefaultSize: "1x1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.caps)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewRegistry() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewRegistry_Duplicate(t *testing.T) {
	if _, err := NewRegistry(testCaps(), testCaps()); err == nil {
		t.Error("NewRegistry() with duplicate provider error = nil")
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r := DefaultRegistry()

	caps, err := r.Lookup(ProviderOpenAI)
	if err != nil {
		t.Fatalf("Lookup(openai) error = %v", err)
	}
	if caps.ProviderName != ProviderOpenAI {
		t.Errorf("ProviderName = %q, want openai", caps.ProviderName)
	}

	_, err = r.Lookup("midjourney")
	if !IsNotFound(err) {
		t.Errorf("Lookup(midjourney) error = %v, want not found", err)
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	want := []string{ProviderGrok, ProviderNanoBanana, ProviderOpenAI}
	if got := r.List(); !slices.Equal(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}

	for _, name := range r.List() {
		caps, _ := r.Lookup(name)
		if _, err := ValidateParams(caps, nil); err != nil {
			t.Errorf("ValidateParams(%s, nil) error = %v", name, err)
		}
		if caps.FileExtension == "" {
			t.Errorf("%s has no file extension", name)
		}
	}
}

func TestError_Format(t *testing.T) {
	err := NewValidationError("size", "bad %s", "value")
	if got := err.Error(); got != "[validation_error] size: bad value" {
		t.Errorf("Error() = %q", got)
	}

	wrapped := NewProviderError(true, errors.New("rate limited"))
	if !IsTransient(wrapped) {
		t.Error("IsTransient() = false, want true")
	}
	if CodeOf(wrapped) != CodeProvider {
		t.Errorf("CodeOf() = %v, want %v", CodeOf(wrapped), CodeProvider)
	}
	if IsTransient(errors.New("plain")) {
		t.Error("IsTransient(plain) = true, want false")
	}
}
