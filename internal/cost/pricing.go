package cost

// Image generation list prices in USD per image.
// Sources: https://openai.com/api/pricing/, https://docs.x.ai/docs/models,
// https://ai.google.dev/gemini-api/docs/pricing

type PricingKey struct {
	Model   string
	Size    string
	Quality string
}

var imagePricing = map[PricingKey]float64{
	// gpt-image-1
	{Model: "gpt-image-1", Size: "1024x1024", Quality: "low"}:    0.011,
	{Model: "gpt-image-1", Size: "1024x1024", Quality: "medium"}: 0.042,
	{Model: "gpt-image-1", Size: "1024x1024", Quality: "high"}:   0.167,

	{Model: "gpt-image-1", Size: "1536x1024", Quality: "low"}:    0.016,
	{Model: "gpt-image-1", Size: "1536x1024", Quality: "medium"}: 0.063,
	{Model: "gpt-image-1", Size: "1536x1024", Quality: "high"}:   0.250,

	{Model: "gpt-image-1", Size: "1024x1536", Quality: "low"}:    0.016,
	{Model: "gpt-image-1", Size: "1024x1536", Quality: "medium"}: 0.063,
	{Model: "gpt-image-1", Size: "1024x1536", Quality: "high"}:   0.250,

	// dall-e-3
	{Model: "dall-e-3", Size: "1024x1024", Quality: "standard"}: 0.040,
	{Model: "dall-e-3", Size: "1024x1024", Quality: "hd"}:       0.080,
	{Model: "dall-e-3", Size: "1024x1792", Quality: "standard"}: 0.080,
	{Model: "dall-e-3", Size: "1024x1792", Quality: "hd"}:       0.120,
	{Model: "dall-e-3", Size: "1792x1024", Quality: "standard"}: 0.080,
	{Model: "dall-e-3", Size: "1792x1024", Quality: "hd"}:       0.120,
}

// flatPricing covers models billed per image regardless of size.
var flatPricing = map[string]float64{
	"grok-2-image":           0.070,
	"gemini-2.5-flash-image": 0.039,
}

// modelDefaults is used when a size/quality combination is not listed.
var modelDefaults = map[string]float64{
	"gpt-image-1": 0.042,
	"dall-e-3":    0.040,
}

// GetPrice looks up the list price of one image.
func GetPrice(model, size, quality string) (float64, bool) {
	if price, ok := imagePricing[PricingKey{Model: model, Size: size, Quality: quality}]; ok {
		return price, true
	}
	if price, ok := flatPricing[model]; ok {
		return price, true
	}
	price, ok := modelDefaults[model]
	return price, ok
}
