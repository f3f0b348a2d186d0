package quota

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/store"
)

func newTestGate(t *testing.T) (*Gate, *store.MemoryStore, *clock.Mock) {
	t.Helper()
	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))
	memStore := store.NewMemoryStore()
	return NewGateWithClock(memStore, mockClock, zap.NewNop().Sugar()), memStore, mockClock
}

func TestGateCheck(t *testing.T) {
	endpoint := &modelmux.Endpoint{ID: "ep-1", Active: true}

	t.Run("allows when no quotas exist", func(t *testing.T) {
		gate, _, _ := newTestGate(t)
		assert.NoError(t, gate.Check(context.Background(), endpoint, "tenant-a"))
	})

	t.Run("allows below the ceiling", func(t *testing.T) {
		gate, memStore, _ := newTestGate(t)
		ctx := context.Background()

		assert.NoError(t, memStore.PutQuota(ctx, &modelmux.Quota{
			ID: "q-1", EndpointID: "ep-1", Period: modelmux.QuotaDaily,
			MaxCalls: 5, Active: true,
		}))
		assert.NoError(t, memStore.IncrementQuotaUsage(ctx, "q-1", 4, 0, 0))

		assert.NoError(t, gate.Check(ctx, endpoint, "tenant-a"))
	})

	t.Run("denies at the ceiling", func(t *testing.T) {
		gate, memStore, _ := newTestGate(t)
		ctx := context.Background()

		assert.NoError(t, memStore.PutQuota(ctx, &modelmux.Quota{
			ID: "q-1", EndpointID: "ep-1", Period: modelmux.QuotaDaily,
			MaxCalls: 5, Active: true,
		}))
		assert.NoError(t, memStore.IncrementQuotaUsage(ctx, "q-1", 5, 0, 0))

		err := gate.Check(ctx, endpoint, "tenant-a")
		assert.ErrorIs(t, err, ErrExceeded)

		var denial *DenialError
		assert.ErrorAs(t, err, &denial)
		assert.Equal(t, "q-1", denial.QuotaID)
		assert.Equal(t, "calls", denial.Dimension)
	})

	t.Run("zero ceiling is unlimited", func(t *testing.T) {
		gate, memStore, _ := newTestGate(t)
		ctx := context.Background()

		assert.NoError(t, memStore.PutQuota(ctx, &modelmux.Quota{
			ID: "q-1", EndpointID: "ep-1", Period: modelmux.QuotaDaily,
			Active: true,
		}))
		assert.NoError(t, memStore.IncrementQuotaUsage(ctx, "q-1", 1_000_000, 1_000_000, 1_000_000))

		assert.NoError(t, gate.Check(ctx, endpoint, "tenant-a"))
	})

	t.Run("caller-scoped quota ignores other callers", func(t *testing.T) {
		gate, memStore, _ := newTestGate(t)
		ctx := context.Background()

		assert.NoError(t, memStore.PutQuota(ctx, &modelmux.Quota{
			ID: "q-b", EndpointID: "ep-1", Caller: "tenant-b", Period: modelmux.QuotaDaily,
			MaxCalls: 1, Active: true,
		}))
		assert.NoError(t, memStore.IncrementQuotaUsage(ctx, "q-b", 1, 0, 0))

		assert.NoError(t, gate.Check(ctx, endpoint, "tenant-a"))
		assert.ErrorIs(t, gate.Check(ctx, endpoint, "tenant-b"), ErrExceeded)
	})
}

func TestGateCommit(t *testing.T) {
	gate, memStore, _ := newTestGate(t)
	ctx := context.Background()
	endpoint := &modelmux.Endpoint{ID: "ep-1", Active: true}

	assert.NoError(t, memStore.PutQuota(ctx, &modelmux.Quota{
		ID: "q-endpoint", EndpointID: "ep-1", Period: modelmux.QuotaDaily,
		MaxCost: 10, Active: true,
	}))
	assert.NoError(t, memStore.PutQuota(ctx, &modelmux.Quota{
		ID: "q-caller", EndpointID: "ep-1", Caller: "tenant-a", Period: modelmux.QuotaMonthly,
		MaxTokens: 100_000, Active: true,
	}))

	assert.NoError(t, gate.Commit(ctx, endpoint, "tenant-a", 1500, 0.02))

	endpointQuota, err := memStore.GetQuota(ctx, "q-endpoint")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), endpointQuota.UsedCalls)
	assert.Equal(t, int64(1500), endpointQuota.UsedTokens)
	assert.InDelta(t, 0.02, endpointQuota.UsedCost, 1e-9)

	callerQuota, err := memStore.GetQuota(ctx, "q-caller")
	assert.NoError(t, err)
	assert.Equal(t, int64(1500), callerQuota.UsedTokens)
}

func TestGateReset(t *testing.T) {
	t.Run("daily quota schedules next day", func(t *testing.T) {
		gate, memStore, mockClock := newTestGate(t)
		ctx := context.Background()

		assert.NoError(t, memStore.PutQuota(ctx, &modelmux.Quota{
			ID: "q-1", EndpointID: "ep-1", Period: modelmux.QuotaDaily,
			MaxCalls: 5, Active: true,
		}))
		assert.NoError(t, memStore.IncrementQuotaUsage(ctx, "q-1", 5, 500, 0.1))

		assert.NoError(t, gate.Reset(ctx, "q-1"))

		quota, err := memStore.GetQuota(ctx, "q-1")
		assert.NoError(t, err)
		assert.Zero(t, quota.UsedCalls)
		assert.Zero(t, quota.UsedTokens)
		assert.Zero(t, quota.UsedCost)
		assert.Equal(t, mockClock.Now().AddDate(0, 0, 1), quota.ResetAt)
	})

	t.Run("lifetime quota gets no next reset", func(t *testing.T) {
		gate, memStore, _ := newTestGate(t)
		ctx := context.Background()

		assert.NoError(t, memStore.PutQuota(ctx, &modelmux.Quota{
			ID: "q-life", EndpointID: "ep-1", Period: modelmux.QuotaLifetime,
			MaxCalls: 5, Active: true,
		}))
		assert.NoError(t, gate.Reset(ctx, "q-life"))

		quota, err := memStore.GetQuota(ctx, "q-life")
		assert.NoError(t, err)
		assert.True(t, quota.ResetAt.IsZero())
	})
}

func TestGateResetDue(t *testing.T) {
	gate, memStore, mockClock := newTestGate(t)
	ctx := context.Background()

	assert.NoError(t, memStore.PutQuota(ctx, &modelmux.Quota{
		ID: "q-due", EndpointID: "ep-1", Period: modelmux.QuotaDaily,
		MaxCalls: 5, Active: true,
		ResetAt: mockClock.Now().Add(-time.Hour),
	}))
	assert.NoError(t, memStore.PutQuota(ctx, &modelmux.Quota{
		ID: "q-later", EndpointID: "ep-1", Period: modelmux.QuotaDaily,
		MaxCalls: 5, Active: true,
		ResetAt: mockClock.Now().Add(time.Hour),
	}))
	assert.NoError(t, memStore.IncrementQuotaUsage(ctx, "q-due", 5, 0, 0))

	reset, err := gate.ResetDue(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, reset)

	quota, err := memStore.GetQuota(ctx, "q-due")
	assert.NoError(t, err)
	assert.Zero(t, quota.UsedCalls)
	assert.Equal(t, mockClock.Now().AddDate(0, 0, 1), quota.ResetAt)
}
