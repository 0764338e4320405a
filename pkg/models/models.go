package models

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"sort"
)

const (
	ProviderOpenAI     = "openai"
	ProviderGrok       = "grok"
	ProviderNanoBanana = "nano_banana"
)

const (
	ParamSize    = "size"
	ParamQuality = "quality"
	ParamStyle   = "style"
	ParamModel   = "model"
)

var sizePattern = regexp.MustCompile(`^[1-9][0-9]*x[1-9][0-9]*$`)

// Params are caller-supplied, provider-specific generation parameters.
type Params map[string]any

// ValidatedParams are Params that passed ValidateParams against a provider's
// capabilities, with the provider defaults merged underneath.
type ValidatedParams map[string]any

func (p ValidatedParams) Text(key string) string {
	s, _ := p[key].(string)
	return s
}

func (p ValidatedParams) Size() string    { return p.Text(ParamSize) }
func (p ValidatedParams) Quality() string { return p.Text(ParamQuality) }
func (p ValidatedParams) Style() string   { return p.Text(ParamStyle) }
func (p ValidatedParams) Model() string   { return p.Text(ParamModel) }

// ProviderCapabilities describes what an image provider supports. A nil
// SupportedQualities or SupportedStyles means the provider has no such axis.
type ProviderCapabilities struct {
	ProviderName       string         `json:"provider_name"`
	SupportedSizes     []string       `json:"supported_sizes"`
	DefaultSize        string         `json:"default_size"`
	SupportedQualities []string       `json:"supported_qualities,omitempty"`
	SupportedStyles    []string       `json:"supported_styles,omitempty"`
	DefaultParams      map[string]any `json:"default_params,omitempty"`
	FileExtension      string         `json:"file_extension"`
}

func (c ProviderCapabilities) validate() error {
	if c.ProviderName == "" {
		return fmt.Errorf("provider name is required")
	}
	if len(c.SupportedSizes) == 0 {
		return fmt.Errorf("provider %s: supported sizes cannot be empty", c.ProviderName)
	}
	for _, size := range c.SupportedSizes {
		if !sizePattern.MatchString(size) {
			return fmt.Errorf("provider %s: malformed size %q", c.ProviderName, size)
		}
	}
	if !slices.Contains(c.SupportedSizes, c.DefaultSize) {
		return fmt.Errorf("provider %s: default size %q not in %v", c.ProviderName, c.DefaultSize, c.SupportedSizes)
	}
	return nil
}

// ValidateParams merges the provider's DefaultParams with params (caller
// keys win) and checks size, quality and style against the supported sets.
// When no size is given the provider's DefaultSize is used.
func ValidateParams(c ProviderCapabilities, params Params) (ValidatedParams, error) {
	merged := make(ValidatedParams, len(c.DefaultParams)+len(params)+1)
	maps.Copy(merged, c.DefaultParams)
	maps.Copy(merged, params)

	if _, ok := merged[ParamSize]; !ok {
		merged[ParamSize] = c.DefaultSize
	}

	size, err := stringParam(merged, ParamSize)
	if err != nil {
		return nil, err
	}
	if !sizePattern.MatchString(size) {
		return nil, NewValidationError(ParamSize, "malformed size %q: want <width>x<height>", size)
	}
	if !slices.Contains(c.SupportedSizes, size) {
		return nil, NewValidationError(ParamSize, "%q not supported by %s: %v", size, c.ProviderName, c.SupportedSizes)
	}

	if err := checkAxis(merged, ParamQuality, c.SupportedQualities, c.ProviderName); err != nil {
		return nil, err
	}
	if err := checkAxis(merged, ParamStyle, c.SupportedStyles, c.ProviderName); err != nil {
		return nil, err
	}

	return merged, nil
}

func checkAxis(p ValidatedParams, key string, supported []string, provider string) error {
	if _, ok := p[key]; !ok {
		return nil
	}
	value, err := stringParam(p, key)
	if err != nil {
		return err
	}
	if supported == nil {
		return NewValidationError(key, "%s does not support %s", provider, key)
	}
	if !slices.Contains(supported, value) {
		return NewValidationError(key, "%q not supported by %s: %v", value, provider, supported)
	}
	return nil
}

func stringParam(p ValidatedParams, key string) (string, error) {
	s, ok := p[key].(string)
	if !ok {
		return "", NewValidationError(key, "must be a string, got %T", p[key])
	}
	return s, nil
}

// Registry is a read-only lookup table of provider capabilities. It is
// populated once by NewRegistry and never mutated afterwards, so it is safe
// for concurrent use.
type Registry struct {
	providers map[string]ProviderCapabilities
}

func NewRegistry(caps ...ProviderCapabilities) (*Registry, error) {
	r := &Registry{providers: make(map[string]ProviderCapabilities, len(caps))}
	for _, c := range caps {
		if err := c.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.providers[c.ProviderName]; dup {
			return nil, fmt.Errorf("provider %s registered twice", c.ProviderName)
		}
		r.providers[c.ProviderName] = c
	}
	return r, nil
}

// Lookup returns the capabilities of the named provider.
func (r *Registry) Lookup(name string) (ProviderCapabilities, error) {
	c, ok := r.providers[name]
	if !ok {
		return ProviderCapabilities{}, NewNotFoundError("provider %q not found", name)
	}
	return c, nil
}

func (r *Registry) List() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// JudgeResult is the structured verdict of the judge for one image.
type JudgeResult struct {
	Score int    `json:"score"`
	Notes string `json:"notes"`
}

func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		ProviderCapabilities{
			ProviderName:       ProviderOpenAI,
			SupportedSizes:     []string{"1024x1024", "1536x1024", "1024x1536"},
			DefaultSize:        "1024x1024",
			SupportedQualities: []string{"low", "medium", "high"},
			DefaultParams: map[string]any{
				ParamModel:   "gpt-image-1",
				ParamQuality: "medium",
			},
			FileExtension: "png",
		},
		ProviderCapabilities{
			ProviderName:   ProviderGrok,
			SupportedSizes: []string{"1024x768"},
			DefaultSize:    "1024x768",
			DefaultParams: map[string]any{
				ParamModel: "grok-2-image",
			},
			FileExtension: "jpg",
		},
		ProviderCapabilities{
			ProviderName:   ProviderNanoBanana,
			SupportedSizes: []string{"1024x1024", "1344x768", "768x1344", "1248x832", "832x1248"},
			DefaultSize:    "1024x1024",
			DefaultParams: map[string]any{
				ParamModel: "gemini-2.5-flash-image",
			},
			FileExtension: "png",
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}
