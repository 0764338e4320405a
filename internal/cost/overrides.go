package cost

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Overrides are locally maintained prices that take precedence over the
// built-in table, stored as YAML:
//
//	updated_at: 2026-01-02T15:04:05Z
//	source: manual
//	image:
//	  gpt-image-1:
//	    high-1024-1024: 0.2
type Overrides struct {
	UpdatedAt time.Time                     `yaml:"updated_at"`
	Source    string                        `yaml:"source"`
	Image     map[string]map[string]float64 `yaml:"image"`
}

// LoadOverrides reads the override file at path. A missing file yields
// (nil, nil).
func LoadOverrides(path string) (*Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pricing overrides: %w", err)
	}

	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to parse pricing overrides: %w", err)
	}
	return &o, nil
}

func SaveOverrides(path string, o *Overrides) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create pricing directory: %w", err)
	}

	data, err := yaml.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal pricing overrides: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write pricing overrides: %w", err)
	}
	return nil
}

// SetPrice records one override price in the file at path.
func SetPrice(path, model, size, quality string, price float64, at time.Time) error {
	if model == "" {
		return fmt.Errorf("model is required")
	}
	if price < 0 {
		return fmt.Errorf("price cannot be negative: %v", price)
	}

	o, err := LoadOverrides(path)
	if err != nil {
		return err
	}
	if o == nil {
		o = &Overrides{}
	}
	if o.Image == nil {
		o.Image = make(map[string]map[string]float64)
	}
	if o.Image[model] == nil {
		o.Image[model] = make(map[string]float64)
	}

	o.Image[model][buildPriceKey(size, quality)] = price
	o.UpdatedAt = at
	o.Source = "manual"

	return SaveOverrides(path, o)
}

// Lookup returns the override for one image, if any. A size-only key
// ("1024-1024") matches every quality, and "*" matches every size.
func (o *Overrides) Lookup(model, size, quality string) (float64, bool) {
	if o == nil {
		return 0, false
	}
	prices, ok := o.Image[model]
	if !ok {
		return 0, false
	}
	for _, key := range []string{buildPriceKey(size, quality), buildPriceKey(size, ""), "*"} {
		if price, ok := prices[key]; ok {
			return price, true
		}
	}
	return 0, false
}

// buildPriceKey builds "quality-width-height", or "width-height" when there
// is no quality axis.
func buildPriceKey(size, quality string) string {
	normalized := strings.ReplaceAll(size, "x", "-")
	if quality == "" {
		return normalized
	}
	return quality + "-" + normalized
}

// ParsePricingKey is the inverse of the key format used by Overrides.
func ParsePricingKey(key string) (quality, size string) {
	parts := strings.FieldsFunc(key, func(r rune) bool { return r == '-' })
	switch len(parts) {
	case 3:
		return parts[0], parts[1] + "x" + parts[2]
	case 2:
		return "", parts[0] + "x" + parts[1]
	}
	return "", ""
}
