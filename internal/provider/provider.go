// Package provider defines the collaborator contracts the optimisation
// engine calls (image generation and judging) and routes generation
// requests to the configured provider backends.
package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/manash/promptloop/internal/image"
	"github.com/manash/promptloop/pkg/models"
)

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrAPIKeyRequired   = errors.New("API key is required")
	ErrGenerationFailed = errors.New("image generation failed")
	ErrJudgeFailed      = errors.New("judging failed")
)

// GenerateRequest is one generate_image call. SessionID and Index only name
// the stored artifact.
type GenerateRequest struct {
	SessionID string
	Index     int
	Provider  string
	Prompt    string
	Params    models.ValidatedParams
}

// ImageGenerator renders a prompt and returns an opaque reference to the
// stored artifact. Failures are *models.Error with Code provider_error.
type ImageGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Judge scores a rendered artifact against the goal. Failures are
// *models.Error with Code judge_error.
type Judge interface {
	Judge(ctx context.Context, imageRef, goal string) (models.JudgeResult, error)
}

// Backend is a single provider integration.
type Backend interface {
	Name() string
	Generate(ctx context.Context, prompt string, params models.ValidatedParams) (*image.Image, error)
}

type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Factory routes generation to registered backends and stores the result.
type Factory struct {
	registry *models.Registry
	saver    *image.Saver
	backends map[string]Backend
	logger   *zap.Logger
}

func NewFactory(registry *models.Registry, saver *image.Saver, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		registry: registry,
		saver:    saver,
		backends: make(map[string]Backend),
		logger:   logger.With(zap.String("component", "provider")),
	}
}

func (f *Factory) Register(b Backend) {
	f.backends[b.Name()] = b
}

func (f *Factory) Get(name string) (Backend, error) {
	b, ok := f.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return b, nil
}

// Supports reports whether name has a registered backend.
func (f *Factory) Supports(name string) bool {
	_, ok := f.backends[name]
	return ok
}

func (f *Factory) ListProviders() []string {
	names := make([]string, 0, len(f.backends))
	for name := range f.backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (f *Factory) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	b, err := f.Get(req.Provider)
	if err != nil {
		return "", models.NewProviderError(false, err)
	}

	img, err := b.Generate(ctx, req.Prompt, req.Params)
	if err != nil {
		if models.CodeOf(err) == "" {
			err = models.NewProviderError(false, err)
		}
		return "", err
	}

	ext := "png"
	if caps, err := f.registry.Lookup(req.Provider); err == nil && caps.FileExtension != "" {
		ext = caps.FileExtension
	}
	path, err := f.saver.Save(ctx, img, image.Name{
		SessionID: req.SessionID,
		Index:     req.Index,
		Prompt:    req.Prompt,
		Ext:       ext,
	})
	if err != nil {
		return "", models.NewProviderError(false, fmt.Errorf("failed to store image: %w", err))
	}

	f.logger.Debug("image stored",
		zap.String("session_id", req.SessionID),
		zap.Int("iteration", req.Index),
		zap.String("provider", req.Provider),
		zap.String("path", path))
	return path, nil
}
