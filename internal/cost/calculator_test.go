package cost

import (
	"math"
	"testing"

	"github.com/manash/promptloop/pkg/models"
)

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCalculator_Calculate_GPTImage1(t *testing.T) {
	calc := NewCalculator(nil)

	tests := []struct {
		name     string
		size     string
		quality  string
		count    int
		expected float64
	}{
		{"1024x1024 low", "1024x1024", "low", 1, 0.011},
		{"1024x1024 medium", "1024x1024", "medium", 1, 0.042},
		{"1024x1024 high", "1024x1024", "high", 1, 0.167},
		{"1536x1024 medium", "1536x1024", "medium", 1, 0.063},
		{"1024x1536 high", "1024x1536", "high", 1, 0.250},
		{"unlisted falls back", "2048x2048", "ultra", 1, 0.042},
		{"multiple images", "1024x1024", "low", 3, 0.033},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := models.ValidatedParams{"model": "gpt-image-1", "size": tt.size, "quality": tt.quality}
			result := calc.Calculate(models.ProviderOpenAI, params, tt.count)
			if !floatEquals(result.Total, tt.expected) {
				t.Errorf("expected total %.4f, got %.4f", tt.expected, result.Total)
			}
			if result.Currency != CurrencyUSD {
				t.Errorf("expected currency %s, got %s", CurrencyUSD, result.Currency)
			}
			if result.Model != "gpt-image-1" || result.Provider != models.ProviderOpenAI {
				t.Errorf("unexpected estimate %+v", result)
			}
		})
	}
}

func TestCalculator_Calculate_OtherProviders(t *testing.T) {
	calc := NewCalculator(nil)

	tests := []struct {
		name     string
		provider string
		params   models.ValidatedParams
		expected float64
	}{
		{"dall-e-3 hd", models.ProviderOpenAI, models.ValidatedParams{"model": "dall-e-3", "size": "1792x1024", "quality": "hd"}, 0.120},
		{"grok flat", models.ProviderGrok, models.ValidatedParams{"model": "grok-2-image", "size": "1024x768"}, 0.070},
		{"nano banana flat", models.ProviderNanoBanana, models.ValidatedParams{"model": "gemini-2.5-flash-image", "size": "1344x768"}, 0.039},
		{"unknown model", models.ProviderOpenAI, models.ValidatedParams{"model": "mystery"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := calc.Calculate(tt.provider, tt.params, 1)
			if !floatEquals(result.PerImage, tt.expected) {
				t.Errorf("expected %.4f, got %.4f", tt.expected, result.PerImage)
			}
		})
	}
}

func TestCalculator_Calculate_Overrides(t *testing.T) {
	overrides := &Overrides{Image: map[string]map[string]float64{
		"gpt-image-1":  {"high-1024-1024": 0.5},
		"grok-2-image": {"*": 0.01},
	}}
	calc := NewCalculator(overrides)

	got := calc.Calculate(models.ProviderOpenAI, models.ValidatedParams{"model": "gpt-image-1", "size": "1024x1024", "quality": "high"}, 1)
	if !floatEquals(got.Total, 0.5) {
		t.Errorf("override not applied: %v", got.Total)
	}
	got = calc.Calculate(models.ProviderOpenAI, models.ValidatedParams{"model": "gpt-image-1", "size": "1024x1024", "quality": "low"}, 1)
	if !floatEquals(got.Total, 0.011) {
		t.Errorf("table price expected for non-overridden key: %v", got.Total)
	}
	got = calc.Calculate(models.ProviderGrok, models.ValidatedParams{"model": "grok-2-image", "size": "1024x768"}, 2)
	if !floatEquals(got.Total, 0.02) {
		t.Errorf("wildcard override not applied: %v", got.Total)
	}
}
