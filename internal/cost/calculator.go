// Package cost estimates what each generated image costs and keeps the
// per-session cost ledger.
package cost

import (
	"github.com/manash/promptloop/pkg/models"
)

const (
	CurrencyUSD = "USD"
)

// Estimate is the price of one generate call.
type Estimate struct {
	Provider string
	Model    string
	PerImage float64
	Total    float64
	Currency string
}

type Calculator struct {
	overrides *Overrides
}

// NewCalculator prices from the built-in table, preferring overrides when
// given.
func NewCalculator(overrides *Overrides) *Calculator {
	return &Calculator{overrides: overrides}
}

func (c *Calculator) Calculate(provider string, params models.ValidatedParams, count int) Estimate {
	model := params.Model()
	perImage := c.perImage(model, params.Size(), params.Quality())
	return Estimate{
		Provider: provider,
		Model:    model,
		PerImage: perImage,
		Total:    perImage * float64(count),
		Currency: CurrencyUSD,
	}
}

func (c *Calculator) perImage(model, size, quality string) float64 {
	if price, ok := c.overrides.Lookup(model, size, quality); ok {
		return price
	}
	if price, ok := GetPrice(model, size, quality); ok {
		return price
	}
	return 0
}
