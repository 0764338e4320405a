package cost

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/manash/promptloop/internal/metrics"
	"github.com/manash/promptloop/internal/session"
	"github.com/manash/promptloop/pkg/models"
)

// Ledger prices each generated image and appends it to the store's cost log.
type Ledger struct {
	store   *session.Store
	calc    *Calculator
	metrics *metrics.Collector
	logger  *zap.Logger
}

func NewLedger(store *session.Store, calc *Calculator, m *metrics.Collector, logger *zap.Logger) *Ledger {
	if calc == nil {
		calc = NewCalculator(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:   store,
		calc:    calc,
		metrics: m,
		logger:  logger.With(zap.String("component", "cost")),
	}
}

// Record logs the cost of the image generated for one iteration.
func (l *Ledger) Record(ctx context.Context, sessionID string, index int, provider string, params models.ValidatedParams, at time.Time) (Estimate, error) {
	est := l.calc.Calculate(provider, params, 1)
	entry := &session.CostEntry{
		SessionID:      sessionID,
		IterationIndex: index,
		Provider:       provider,
		Model:          est.Model,
		Cost:           est.Total,
		ImageCount:     1,
		Timestamp:      at,
	}
	if err := l.store.LogCost(ctx, entry); err != nil {
		return est, fmt.Errorf("failed to log cost: %w", err)
	}
	l.metrics.CostRecorded(provider, est.Model, est.Total)
	l.logger.Debug("cost recorded",
		zap.String("session_id", sessionID),
		zap.Int("iteration", index),
		zap.String("model", est.Model),
		zap.Float64("usd", est.Total))
	return est, nil
}
