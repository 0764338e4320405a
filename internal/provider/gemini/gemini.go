// Package gemini generates images through the Gemini generateContent API,
// which backs the nano_banana provider.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manash/promptloop/internal/image"
	"github.com/manash/promptloop/internal/provider"
	"github.com/manash/promptloop/pkg/models"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-2.5-flash-image"
	defaultTimeout = 120 * time.Second
)

// aspectRatios maps the registry sizes to the ratios the API accepts.
var aspectRatios = map[string]string{
	"1024x1024": "1:1",
	"1344x768":  "16:9",
	"768x1344":  "9:16",
	"1248x832":  "3:2",
	"832x1248":  "2:3",
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"responseModalities"`
	ImageConfig        *imageConfig `json:"imageConfig,omitempty"`
}

type imageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type generateResponse struct {
	Candidates     []candidate     `json:"candidates"`
	PromptFeedback *promptFeedback `json:"promptFeedback,omitempty"`
	Error          *apiError       `json:"error,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Provider implements provider.Backend for nano_banana.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func New(cfg provider.Config, logger *zap.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, provider.ErrAPIKeyRequired
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}

	return &Provider{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(zap.String("component", "gemini"), zap.String("provider", models.ProviderNanoBanana)),
	}, nil
}

func (p *Provider) Name() string {
	return models.ProviderNanoBanana
}

func (p *Provider) Generate(ctx context.Context, prompt string, params models.ValidatedParams) (*image.Image, error) {
	model := params.Model()
	if model == "" {
		model = DefaultModel
	}

	req := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"IMAGE"},
		},
	}
	if ratio, ok := aspectRatios[params.Size()]; ok {
		req.GenerationConfig.ImageConfig = &imageConfig{AspectRatio: ratio}
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, models.NewProviderError(false, fmt.Errorf("failed to marshal request: %w", err))
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, models.NewProviderError(false, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	p.logger.Debug("api request", zap.String("url", url), zap.String("model", model))

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, models.NewProviderError(true, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewProviderError(true, fmt.Errorf("failed to read response: %w", err))
	}

	p.logger.Debug("api response", zap.Int("status", resp.StatusCode), zap.Int("bytes", len(body)))

	var genResp generateResponse
	jsonErr := json.Unmarshal(body, &genResp)

	if resp.StatusCode != http.StatusOK {
		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if jsonErr == nil && genResp.Error != nil {
			msg += ": " + genResp.Error.Message
		}
		return nil, models.NewProviderError(transient, fmt.Errorf("%w: %s", provider.ErrGenerationFailed, msg))
	}
	if jsonErr != nil {
		return nil, models.NewProviderError(false, fmt.Errorf("failed to parse response: %w", jsonErr))
	}

	return extractImage(genResp)
}

func extractImage(resp generateResponse) (*image.Image, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, models.NewProviderError(false, fmt.Errorf("%w: prompt blocked: %s", provider.ErrGenerationFailed, resp.PromptFeedback.BlockReason))
	}
	for _, c := range resp.Candidates {
		for _, pt := range c.Content.Parts {
			if pt.InlineData != nil && pt.InlineData.Data != "" {
				data, err := base64.StdEncoding.DecodeString(pt.InlineData.Data)
				if err != nil {
					return nil, models.NewProviderError(false, fmt.Errorf("failed to decode image: %w", err))
				}
				return &image.Image{Data: data}, nil
			}
		}
	}
	return nil, models.NewProviderError(false, fmt.Errorf("%w: response carries no image", provider.ErrGenerationFailed))
}
