package balancer

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/store"
)

func newTestSelector(t *testing.T) (*Selector, *store.MemoryStore, *clock.Mock) {
	t.Helper()
	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))
	memStore := store.NewMemoryStore()
	selector := newSelector(memStore, mockClock, rand.New(rand.NewSource(1)), zap.NewNop().Sugar())
	return selector, memStore, mockClock
}

func makeMembers(ids ...string) []modelmux.PoolMember {
	members := make([]modelmux.PoolMember, 0, len(ids))
	for _, id := range ids {
		members = append(members, modelmux.PoolMember{
			Endpoint: &modelmux.Endpoint{ID: id, Active: true},
			Weight:   50,
			Healthy:  true,
		})
	}
	return members
}

func TestSelectorRoundRobin(t *testing.T) {
	selector, _, _ := newTestSelector(t)
	pool := &modelmux.Pool{ID: "pool-1", Strategy: modelmux.StrategyRoundRobin}
	members := makeMembers("a", "b", "c")

	var picked []string
	for i := 0; i < 6; i++ {
		member, err := selector.Pick(context.Background(), pool, members)
		assert.NoError(t, err)
		picked = append(picked, member.Endpoint.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picked)
}

func TestSelectorRoundRobinCountersArePerPool(t *testing.T) {
	selector, _, _ := newTestSelector(t)
	members := makeMembers("a", "b")

	first, err := selector.Pick(context.Background(), &modelmux.Pool{ID: "pool-1", Strategy: modelmux.StrategyRoundRobin}, members)
	assert.NoError(t, err)
	assert.Equal(t, "a", first.Endpoint.ID)

	// A different pool starts its own rotation.
	other, err := selector.Pick(context.Background(), &modelmux.Pool{ID: "pool-2", Strategy: modelmux.StrategyRoundRobin}, members)
	assert.NoError(t, err)
	assert.Equal(t, "a", other.Endpoint.ID)
}

func TestSelectorRoundRobinAdvancesThroughSingleMemberSets(t *testing.T) {
	selector, _, _ := newTestSelector(t)
	pool := &modelmux.Pool{ID: "pool-1", Strategy: modelmux.StrategyRoundRobin}
	members := makeMembers("a", "b", "c")

	member, err := selector.Pick(context.Background(), pool, members)
	assert.NoError(t, err)
	assert.Equal(t, "a", member.Endpoint.ID)

	// The eligible set temporarily shrinks to one; the cursor still moves.
	member, err = selector.Pick(context.Background(), pool, members[1:2])
	assert.NoError(t, err)
	assert.Equal(t, "b", member.Endpoint.ID)

	// With the full set back, the rotation resumes in phase.
	member, err = selector.Pick(context.Background(), pool, members)
	assert.NoError(t, err)
	assert.Equal(t, "c", member.Endpoint.ID)
}

func TestSelectorWeightedDistribution(t *testing.T) {
	selector, _, _ := newTestSelector(t)
	pool := &modelmux.Pool{ID: "pool-1", Strategy: modelmux.StrategyWeighted}
	members := []modelmux.PoolMember{
		{Endpoint: &modelmux.Endpoint{ID: "heavy", Active: true}, Weight: 80, Healthy: true},
		{Endpoint: &modelmux.Endpoint{ID: "light", Active: true}, Weight: 20, Healthy: true},
	}

	counts := map[string]int{}
	const trials = 10000
	for i := 0; i < trials; i++ {
		member, err := selector.Pick(context.Background(), pool, members)
		assert.NoError(t, err)
		counts[member.Endpoint.ID]++
	}

	assert.InDelta(t, 0.80, float64(counts["heavy"])/trials, 0.03)
	assert.InDelta(t, 0.20, float64(counts["light"])/trials, 0.03)
}

func TestSelectorRandomCoversAllMembers(t *testing.T) {
	selector, _, _ := newTestSelector(t)
	pool := &modelmux.Pool{ID: "pool-1", Strategy: modelmux.StrategyRandom}
	members := makeMembers("a", "b", "c")

	counts := map[string]int{}
	for i := 0; i < 300; i++ {
		member, err := selector.Pick(context.Background(), pool, members)
		assert.NoError(t, err)
		counts[member.Endpoint.ID]++
	}
	assert.Len(t, counts, 3)
}

func TestSelectorLeastConnections(t *testing.T) {
	selector, memStore, mockClock := newTestSelector(t)
	ctx := context.Background()
	pool := &modelmux.Pool{ID: "pool-1", Strategy: modelmux.StrategyLeastConnections}
	members := makeMembers("busy", "quiet")

	for i := 0; i < 5; i++ {
		assert.NoError(t, memStore.AppendCallRecord(ctx, &modelmux.CallRecord{
			EndpointID: "busy",
			Status:     modelmux.CallSuccess,
			CreatedAt:  mockClock.Now().Add(-time.Minute),
		}))
	}
	// Old records fall outside the five-minute window.
	for i := 0; i < 10; i++ {
		assert.NoError(t, memStore.AppendCallRecord(ctx, &modelmux.CallRecord{
			EndpointID: "quiet",
			Status:     modelmux.CallSuccess,
			CreatedAt:  mockClock.Now().Add(-time.Hour),
		}))
	}

	member, err := selector.Pick(ctx, pool, members)
	assert.NoError(t, err)
	assert.Equal(t, "quiet", member.Endpoint.ID)
}

func TestSelectorLeastConnectionsTieBreaksByOrder(t *testing.T) {
	selector, _, _ := newTestSelector(t)
	pool := &modelmux.Pool{ID: "pool-1", Strategy: modelmux.StrategyLeastConnections}
	members := makeMembers("first", "second")

	member, err := selector.Pick(context.Background(), pool, members)
	assert.NoError(t, err)
	assert.Equal(t, "first", member.Endpoint.ID)
}

func TestSelectorResponseTime(t *testing.T) {
	selector, memStore, mockClock := newTestSelector(t)
	ctx := context.Background()
	pool := &modelmux.Pool{ID: "pool-1", Strategy: modelmux.StrategyResponseTime}
	members := makeMembers("slow", "fast", "untried")

	assert.NoError(t, memStore.AppendCallRecord(ctx, &modelmux.CallRecord{
		EndpointID: "slow",
		Status:     modelmux.CallSuccess,
		Latency:    4 * time.Second,
		CreatedAt:  mockClock.Now().Add(-10 * time.Minute),
	}))
	assert.NoError(t, memStore.AppendCallRecord(ctx, &modelmux.CallRecord{
		EndpointID: "fast",
		Status:     modelmux.CallSuccess,
		Latency:    time.Second,
		CreatedAt:  mockClock.Now().Add(-10 * time.Minute),
	}))
	// Failures do not count toward the average.
	assert.NoError(t, memStore.AppendCallRecord(ctx, &modelmux.CallRecord{
		EndpointID: "fast",
		Status:     modelmux.CallFailed,
		Latency:    30 * time.Second,
		CreatedAt:  mockClock.Now().Add(-10 * time.Minute),
	}))

	member, err := selector.Pick(ctx, pool, members)
	assert.NoError(t, err)
	assert.Equal(t, "fast", member.Endpoint.ID)
}

func TestSelectorResponseTimeNoSuccessesFallsBackToFirst(t *testing.T) {
	selector, _, _ := newTestSelector(t)
	pool := &modelmux.Pool{ID: "pool-1", Strategy: modelmux.StrategyResponseTime}
	members := makeMembers("a", "b")

	member, err := selector.Pick(context.Background(), pool, members)
	assert.NoError(t, err)
	assert.Equal(t, "a", member.Endpoint.ID)
}

func TestSelectorCostOptimized(t *testing.T) {
	selector, _, _ := newTestSelector(t)
	pool := &modelmux.Pool{ID: "pool-1", Strategy: modelmux.StrategyCostOptimized}
	members := []modelmux.PoolMember{
		{Endpoint: &modelmux.Endpoint{ID: "pricey", Active: true, InputPricePer1K: 0.01, OutputPricePer1K: 0.03}, Weight: 50, Healthy: true},
		{Endpoint: &modelmux.Endpoint{ID: "cheap", Active: true, InputPricePer1K: 0.001, OutputPricePer1K: 0.002}, Weight: 50, Healthy: true},
	}

	member, err := selector.Pick(context.Background(), pool, members)
	assert.NoError(t, err)
	assert.Equal(t, "cheap", member.Endpoint.ID)
}

func TestSelectorUnknownStrategyUsesFirstMember(t *testing.T) {
	selector, _, _ := newTestSelector(t)
	pool := &modelmux.Pool{ID: "pool-1", Strategy: modelmux.Strategy("bogus")}
	members := makeMembers("a", "b")

	member, err := selector.Pick(context.Background(), pool, members)
	assert.NoError(t, err)
	assert.Equal(t, "a", member.Endpoint.ID)
}

func TestSelectorEmptyMembers(t *testing.T) {
	selector, _, _ := newTestSelector(t)
	pool := &modelmux.Pool{ID: "pool-1", Strategy: modelmux.StrategyRoundRobin}

	_, err := selector.Pick(context.Background(), pool, nil)
	assert.ErrorIs(t, err, ErrNoHealthyEndpoints)
}
