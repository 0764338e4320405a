package provider

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/manash/promptloop/internal/metrics"
	"github.com/manash/promptloop/pkg/models"
)

type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries" json:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" json:"backoff_factor"`

	// RequestsPerSecond limits calls per Retrier; zero disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffFactor:     2.0,
		RequestsPerSecond: 1,
		Burst:             2,
	}
}

// Retrier retries transient *models.Error failures with exponential backoff
// and paces all calls through a shared rate limiter. Permanent failures are
// returned on the first attempt.
type Retrier struct {
	config  RetryConfig
	limiter *rate.Limiter
	metrics *metrics.Collector
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewRetrier(config RetryConfig, m *metrics.Collector, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}
	return &Retrier{
		config:  config,
		limiter: limiter,
		metrics: m,
		logger:  logger.With(zap.String("component", "retry")),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Retrier) delay(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt-1))
	if d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}
	return time.Duration(d)
}

// Retry runs fn until it succeeds, fails permanently, ctx ends or the retry
// budget is spent. The last error is returned unchanged so callers still
// see its code.
func Retry[T any](ctx context.Context, r *Retrier, collaborator, providerName string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			d := r.delay(attempt)
			r.metrics.RetryAttempted(collaborator, providerName)
			r.logger.Debug("retrying",
				zap.String("collaborator", collaborator),
				zap.String("provider", providerName),
				zap.Int("attempt", attempt),
				zap.Duration("delay", d))
			if err := r.sleep(ctx, d); err != nil {
				return zero, err
			}
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !models.IsTransient(err) || ctx.Err() != nil {
			return zero, err
		}
		r.logger.Warn("transient failure, will retry",
			zap.String("collaborator", collaborator),
			zap.String("provider", providerName),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	r.logger.Error("retries exhausted",
		zap.String("collaborator", collaborator),
		zap.String("provider", providerName),
		zap.Int("max_retries", r.config.MaxRetries),
		zap.Error(lastErr))
	return zero, fmt.Errorf("after %d retries: %w", r.config.MaxRetries, lastErr)
}

// RetryingGenerator is the generate_image collaborator the engine sees.
type RetryingGenerator struct {
	next    ImageGenerator
	retrier *Retrier
}

func NewRetryingGenerator(next ImageGenerator, r *Retrier) *RetryingGenerator {
	return &RetryingGenerator{next: next, retrier: r}
}

func (g *RetryingGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	return Retry(ctx, g.retrier, metrics.CollaboratorGenerate, req.Provider, func(ctx context.Context) (string, error) {
		return g.next.Generate(ctx, req)
	})
}

// RetryingJudge is the judge_image collaborator the engine sees.
type RetryingJudge struct {
	next    Judge
	retrier *Retrier
	name    string
}

func NewRetryingJudge(next Judge, name string, r *Retrier) *RetryingJudge {
	return &RetryingJudge{next: next, retrier: r, name: name}
}

func (j *RetryingJudge) Judge(ctx context.Context, imageRef, goal string) (models.JudgeResult, error) {
	return Retry(ctx, j.retrier, metrics.CollaboratorJudge, j.name, func(ctx context.Context) (models.JudgeResult, error) {
		return j.next.Judge(ctx, imageRef, goal)
	})
}
