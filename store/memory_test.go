package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"

	"github.com/modelmux/modelmux"
)

func TestMemoryStoreEndpoints(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.GetEndpoint(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	endpoint := &modelmux.Endpoint{ID: "ep-1", Name: "primary", Active: true}
	assert.NoError(t, store.PutEndpoint(ctx, endpoint))

	loaded, err := store.GetEndpoint(ctx, "ep-1")
	assert.NoError(t, err)
	assert.Equal(t, "primary", loaded.Name)

	// Mutating the loaded copy must not leak back into the store.
	loaded.Name = "mutated"
	again, err := store.GetEndpoint(ctx, "ep-1")
	assert.NoError(t, err)
	assert.Equal(t, "primary", again.Name)
}

func TestMemoryStoreSetEndpointHealth(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	pool := &modelmux.Pool{
		ID: "pool-1",
		Members: []modelmux.PoolMember{
			{Endpoint: &modelmux.Endpoint{ID: "ep-1", Active: true}, Weight: 50, Healthy: true},
			{Endpoint: &modelmux.Endpoint{ID: "ep-2", Active: true}, Weight: 50, Healthy: true},
		},
		Active: true,
	}
	assert.NoError(t, store.PutPool(ctx, pool))

	checkedAt := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	assert.NoError(t, store.SetEndpointHealth(ctx, "pool-1", "ep-2", false, checkedAt))

	loaded, err := store.GetPool(ctx, "pool-1")
	assert.NoError(t, err)
	assert.True(t, loaded.Members[0].Healthy)
	assert.False(t, loaded.Members[1].Healthy)
	assert.Equal(t, checkedAt, loaded.Members[1].LastCheckedAt)

	assert.ErrorIs(t, store.SetEndpointHealth(ctx, "missing", "ep-1", true, checkedAt), ErrNotFound)
}

func TestMemoryStoreQuotaIncrementsAreAtomic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	quota := &modelmux.Quota{ID: "q-1", EndpointID: "ep-1", Period: modelmux.QuotaDaily, Active: true}
	assert.NoError(t, store.PutQuota(ctx, quota))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.IncrementQuotaUsage(ctx, "q-1", 1, 100, 0.01))
		}()
	}
	wg.Wait()

	loaded, err := store.GetQuota(ctx, "q-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(50), loaded.UsedCalls)
	assert.Equal(t, int64(5000), loaded.UsedTokens)
	assert.InDelta(t, 0.5, loaded.UsedCost, 1e-9)
}

func TestMemoryStoreActiveQuotas(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	assert.NoError(t, store.PutQuota(ctx, &modelmux.Quota{
		ID: "q-endpoint", EndpointID: "ep-1", Period: modelmux.QuotaDaily, Active: true,
	}))
	assert.NoError(t, store.PutQuota(ctx, &modelmux.Quota{
		ID: "q-caller", EndpointID: "ep-1", Caller: "tenant-a", Period: modelmux.QuotaDaily, Active: true,
	}))
	assert.NoError(t, store.PutQuota(ctx, &modelmux.Quota{
		ID: "q-other-caller", EndpointID: "ep-1", Caller: "tenant-b", Period: modelmux.QuotaDaily, Active: true,
	}))
	assert.NoError(t, store.PutQuota(ctx, &modelmux.Quota{
		ID: "q-inactive", EndpointID: "ep-1", Period: modelmux.QuotaDaily, Active: false,
	}))

	quotas, err := store.ActiveQuotas(ctx, "ep-1", "tenant-a")
	assert.NoError(t, err)
	assert.Len(t, quotas, 2)
	assert.Equal(t, "q-caller", quotas[0].ID)
	assert.Equal(t, "q-endpoint", quotas[1].ID)
}

func TestMemoryStoreQuotaReset(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	quota := &modelmux.Quota{
		ID: "q-1", EndpointID: "ep-1", Period: modelmux.QuotaDaily,
		MaxCalls: 10, Active: true,
		ResetAt: time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC),
	}
	assert.NoError(t, store.PutQuota(ctx, quota))
	assert.NoError(t, store.IncrementQuotaUsage(ctx, "q-1", 10, 1000, 0.5))

	now := time.Date(2026, 8, 28, 1, 0, 0, 0, time.UTC)
	due, err := store.DueQuotas(ctx, now)
	assert.NoError(t, err)
	assert.Len(t, due, 1)

	nextReset := quota.Period.NextReset(now)
	assert.NoError(t, store.ResetQuota(ctx, "q-1", now, nextReset))

	loaded, err := store.GetQuota(ctx, "q-1")
	assert.NoError(t, err)
	assert.Zero(t, loaded.UsedCalls)
	assert.Zero(t, loaded.UsedTokens)
	assert.Zero(t, loaded.UsedCost)
	assert.Equal(t, now, loaded.LastResetAt)
	assert.Equal(t, nextReset, loaded.ResetAt)

	due, err = store.DueQuotas(ctx, now)
	assert.NoError(t, err)
	assert.Empty(t, due)
}

func TestMemoryStoreLifetimeQuotasNeverDue(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	assert.NoError(t, store.PutQuota(ctx, &modelmux.Quota{
		ID: "q-life", EndpointID: "ep-1", Period: modelmux.QuotaLifetime, Active: true,
	}))

	due, err := store.DueQuotas(ctx, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.NoError(t, err)
	assert.Empty(t, due)
}

func TestMemoryStoreCallRecords(t *testing.T) {
	mockClock := clock.NewMock()
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	mockClock.Set(base)
	store := newMemoryStoreWithClock(mockClock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.NoError(t, store.AppendCallRecord(ctx, &modelmux.CallRecord{
			ID:         "rec",
			EndpointID: "ep-1",
			Status:     modelmux.CallSuccess,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	records, err := store.CallRecordsSince(ctx, "ep-1", base.Add(time.Minute))
	assert.NoError(t, err)
	assert.Len(t, records, 2)

	pruned, err := store.PruneCallRecords(ctx, base.Add(time.Minute))
	assert.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	records, err = store.CallRecordsSince(ctx, "ep-1", base)
	assert.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestMemoryStorePerformanceSnapshots(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	date := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	snapshot := &modelmux.PerformanceSnapshot{
		EndpointID:      "ep-1",
		Date:            date,
		TotalCalls:      100,
		SuccessfulCalls: 96,
		FailedCalls:     4,
		SuccessRate:     0.96,
	}
	assert.NoError(t, store.UpsertPerformanceSnapshot(ctx, snapshot))

	loaded, err := store.GetPerformanceSnapshot(ctx, "ep-1", date.Add(6*time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, int64(100), loaded.TotalCalls)

	_, err = store.GetPerformanceSnapshot(ctx, "ep-1", date.AddDate(0, 0, 1))
	assert.ErrorIs(t, err, ErrNotFound)
}
