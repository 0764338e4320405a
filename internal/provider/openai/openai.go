// Package openai talks to OpenAI-compatible HTTP APIs: image generation for
// the generate collaborator, vision chat completions for the judge, and text
// chat completions for the model-backed revision strategy. The grok provider
// reuses the same client with the x.ai base URL.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
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
	DefaultBaseURL = "https://api.openai.com/v1"
	GrokBaseURL    = "https://api.x.ai/v1"
	defaultTimeout = 120 * time.Second
)

type apiRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	Style          string `json:"style,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type apiResponse struct {
	Created int64       `json:"created"`
	Data    []imageData `json:"data"`
	Error   *apiError   `json:"error,omitempty"`
}

type imageData struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type errorEnvelope struct {
	Error *apiError `json:"error"`
}

// errorFunc builds the domain error for the calling collaborator, e.g.
// models.NewProviderError or models.NewJudgeError.
type errorFunc func(transient bool, cause error) *models.Error

// Client is one OpenAI-compatible endpoint. It implements provider.Backend.
type Client struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func New(name string, cfg provider.Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, provider.ErrAPIKeyRequired
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
		if name == models.ProviderGrok {
			baseURL = GrokBaseURL
		}
	}

	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}

	return &Client{
		name:    name,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With(zap.String("component", "openai"), zap.String("provider", name)),
	}, nil
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) Generate(ctx context.Context, prompt string, params models.ValidatedParams) (*image.Image, error) {
	body, err := c.post(ctx, "/images/generations", buildAPIRequest(prompt, params), models.NewProviderError)
	if err != nil {
		return nil, err
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, models.NewProviderError(false, fmt.Errorf("failed to parse response: %w", err))
	}
	if apiResp.Error != nil {
		return nil, models.NewProviderError(false, fmt.Errorf("%w: %s", provider.ErrGenerationFailed, apiResp.Error.Message))
	}
	return buildImage(apiResp)
}

func buildAPIRequest(prompt string, params models.ValidatedParams) *apiRequest {
	req := &apiRequest{
		Model:  params.Model(),
		Prompt: prompt,
		N:      1,
	}

	switch req.Model {
	case "gpt-image-1":
		req.Size = params.Size()
		req.Quality = params.Quality()
	case "dall-e-3":
		req.Size = params.Size()
		req.Quality = params.Quality()
		req.Style = params.Style()
		req.ResponseFormat = "url"
	default:
		// x.ai does not accept size or quality.
		req.ResponseFormat = "b64_json"
	}
	return req
}

func buildImage(apiResp apiResponse) (*image.Image, error) {
	if len(apiResp.Data) == 0 {
		return nil, models.NewProviderError(false, fmt.Errorf("%w: empty response", provider.ErrGenerationFailed))
	}
	data := apiResp.Data[0]
	img := &image.Image{URL: data.URL, RevisedPrompt: data.RevisedPrompt}
	if data.B64JSON != "" {
		decoded, err := base64.StdEncoding.DecodeString(data.B64JSON)
		if err != nil {
			return nil, models.NewProviderError(false, fmt.Errorf("failed to decode image: %w", err))
		}
		img.Data = decoded
	}
	if len(img.Data) == 0 && img.URL == "" {
		return nil, models.NewProviderError(false, fmt.Errorf("%w: response carries no image", provider.ErrGenerationFailed))
	}
	return img, nil
}

// post sends payload as JSON and returns the body of a 200 response. Every
// failure is classified through wrap: network errors, timeouts, 408, 429 and
// 5xx are transient, everything else is permanent.
func (c *Client) post(ctx context.Context, path string, payload any, wrap errorFunc) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, wrap(false, fmt.Errorf("failed to marshal request: %w", err))
	}

	url := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, wrap(false, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logRequest(http.MethodPost, url, jsonData)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrap(true, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrap(true, fmt.Errorf("failed to read response: %w", err))
	}

	c.logResponse(resp.StatusCode, time.Since(start), body)

	if resp.StatusCode != http.StatusOK {
		return nil, wrap(isTransientStatus(resp.StatusCode), statusError(resp.StatusCode, body))
	}
	return body, nil
}

func isTransientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// StatusError is a non-200 answer from the API.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

func statusError(code int, body []byte) error {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		return &StatusError{StatusCode: code, Message: env.Error.Message}
	}
	return &StatusError{StatusCode: code}
}

// IsStatus reports whether err carries an API answer with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

func (c *Client) logRequest(method, url string, body []byte) {
	if ce := c.logger.Check(zap.DebugLevel, "api request"); ce != nil {
		ce.Write(
			zap.String("method", method),
			zap.String("url", url),
			zap.ByteString("body", truncateBase64InJSON(body)),
		)
	}
}

func (c *Client) logResponse(statusCode int, elapsed time.Duration, body []byte) {
	if ce := c.logger.Check(zap.DebugLevel, "api response"); ce != nil {
		ce.Write(
			zap.Int("status", statusCode),
			zap.Duration("elapsed", elapsed),
			zap.ByteString("body", truncateBase64InJSON(body)),
		)
	}
}

const maxLoggedBase64 = 100

func truncateBase64InJSON(body []byte) []byte {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return body
	}

	truncateBase64Fields(data)

	result, err := json.Marshal(data)
	if err != nil {
		return body
	}
	return result
}

// truncateBase64Fields shortens inline image payloads: b64_json fields and
// data: URLs.
func truncateBase64Fields(value any) {
	switch v := value.(type) {
	case map[string]any:
		for key, item := range v {
			s, ok := item.(string)
			if !ok {
				truncateBase64Fields(item)
				continue
			}
			if (key == "b64_json" || strings.HasPrefix(s, "data:")) && len(s) > maxLoggedBase64 {
				v[key] = s[:maxLoggedBase64] + "... [truncated]"
			}
		}
	case []any:
		for _, item := range v {
			truncateBase64Fields(item)
		}
	}
}
