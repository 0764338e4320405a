package cost

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/promptloop/internal/metrics"
	"github.com/manash/promptloop/internal/session"
	"github.com/manash/promptloop/pkg/models"
)

func TestLedger_Record(t *testing.T) {
	store, err := session.NewStoreWithPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, store.CreateSession(ctx, &session.Session{
		ID:            "s-1",
		UserGoal:      "a fox",
		ImageProvider: models.ProviderOpenAI,
		ImageParams:   models.Params{},
		MaxIterations: 3,
		Status:        session.StatusDraft,
		CreatedAt:     at,
		UpdatedAt:     at,
	}))

	reg := prometheus.NewRegistry()
	ledger := NewLedger(store, nil, metrics.NewCollector("test", reg, nil), nil)
	params := models.ValidatedParams{"model": "gpt-image-1", "size": "1024x1024", "quality": "high"}

	for i := range 2 {
		est, err := ledger.Record(ctx, "s-1", i, models.ProviderOpenAI, params, at)
		require.NoError(t, err)
		assert.InDelta(t, 0.167, est.Total, 1e-9)
	}

	summary, err := store.GetSessionCost(ctx, "s-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.334, summary.TotalCost, 1e-9)
	assert.Equal(t, 2, summary.ImageCount)
	assert.Equal(t, 2, summary.EntryCount)

	byProvider, err := store.GetCostByProvider(ctx)
	require.NoError(t, err)
	require.Len(t, byProvider, 1)
	assert.Equal(t, models.ProviderOpenAI, byProvider[0].Provider)

	count, err := testutil.GatherAndCount(reg, "test_generation_cost_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
