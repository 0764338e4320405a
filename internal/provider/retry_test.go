package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/manash/promptloop/internal/metrics"
	"github.com/manash/promptloop/pkg/models"
)

func testRetrier(maxRetries int) (*Retrier, *[]time.Duration) {
	cfg := RetryConfig{
		MaxRetries:    maxRetries,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      250 * time.Millisecond,
		BackoffFactor: 2,
	}
	r := NewRetrier(cfg, nil, zap.NewNop())
	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return r, &slept
}

type funcGenerator func(ctx context.Context, req GenerateRequest) (string, error)

func (f funcGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	return f(ctx, req)
}

type funcJudge func(ctx context.Context, imageRef, goal string) (models.JudgeResult, error)

func (f funcJudge) Judge(ctx context.Context, imageRef, goal string) (models.JudgeResult, error) {
	return f(ctx, imageRef, goal)
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	r, slept := testRetrier(3)
	calls := 0

	got, err := Retry(context.Background(), r, "generate", "openai", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", models.NewProviderError(true, errors.New("rate limited"))
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)
}

func TestRetry_PermanentNotRetried(t *testing.T) {
	r, slept := testRetrier(3)
	calls := 0
	permanent := models.NewProviderError(false, errors.New("content policy"))

	_, err := Retry(context.Background(), r, "generate", "openai", func(context.Context) (string, error) {
		calls++
		return "", permanent
	})

	assert.Same(t, permanent, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestRetry_ExhaustedKeepsCode(t *testing.T) {
	r, slept := testRetrier(3)
	calls := 0

	_, err := Retry(context.Background(), r, "judge", "openai", func(context.Context) (int, error) {
		calls++
		return 0, models.NewJudgeError(true, errors.New("timeout"))
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, models.CodeJudge, models.CodeOf(err))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}, *slept)
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	r, _ := testRetrier(3)
	r.sleep = sleepCtx
	r.config.InitialDelay = time.Hour
	r.config.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, r, "generate", "openai", func(context.Context) (string, error) {
		calls++
		cancel()
		return "", models.NewProviderError(true, errors.New("503"))
	})

	assert.Equal(t, 1, calls)
	assert.Error(t, err)
}

func TestRetry_CountsRetries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector("test", reg, nil)
	r, _ := testRetrier(2)
	r.metrics = m

	_, _ = Retry(context.Background(), r, metrics.CollaboratorGenerate, "grok", func(context.Context) (string, error) {
		return "", models.NewProviderError(true, errors.New("503"))
	})

	count, err := testutil.GatherAndCount(reg, "test_collaborator_retries_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewRetrier_RateLimit(t *testing.T) {
	r := NewRetrier(RetryConfig{RequestsPerSecond: 5, Burst: 0}, nil, nil)
	assert.Equal(t, 1, r.limiter.Burst())

	unlimited := NewRetrier(RetryConfig{}, nil, nil)
	assert.NoError(t, unlimited.limiter.Wait(context.Background()))
}

func TestRetryingWrappers(t *testing.T) {
	r, _ := testRetrier(1)
	attempts := 0

	gen := NewRetryingGenerator(funcGenerator(func(_ context.Context, req GenerateRequest) (string, error) {
		attempts++
		if attempts == 1 {
			return "", models.NewProviderError(true, errors.New("timeout"))
		}
		return "/images/" + req.SessionID, nil
	}), r)

	ref, err := gen.Generate(context.Background(), GenerateRequest{SessionID: "s-1", Provider: "openai"})
	require.NoError(t, err)
	assert.Equal(t, "/images/s-1", ref)

	judge := NewRetryingJudge(funcJudge(func(_ context.Context, imageRef, goal string) (models.JudgeResult, error) {
		return models.JudgeResult{Score: 77, Notes: goal}, nil
	}), "openai", r)

	res, err := judge.Judge(context.Background(), ref, "a fox")
	require.NoError(t, err)
	assert.Equal(t, models.JudgeResult{Score: 77, Notes: "a fox"}, res)
}
