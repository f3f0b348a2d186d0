package balancer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/cost"
	"github.com/modelmux/modelmux/store"
)

const (
	// least_connections counts in-flight-ish load as records in the
	// trailing five minutes.
	leastConnectionsWindow = 5 * time.Minute

	// response_time averages successful latencies over the trailing hour.
	responseTimeWindow = time.Hour
)

// Selector picks one pool member per dispatch attempt according to the
// pool's strategy. Round-robin counters are kept per pool and survive
// across dispatches.
type Selector struct {
	store  store.Store
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu       sync.Mutex
	rrCursor map[string]int
	rand     *rand.Rand
}

func NewSelector(s store.Store, logger *zap.SugaredLogger) *Selector {
	return newSelector(s, clock.New(), rand.New(rand.NewSource(time.Now().UnixNano())), logger)
}

func newSelector(s store.Store, clk clock.Clock, rng *rand.Rand, logger *zap.SugaredLogger) *Selector {
	return &Selector{
		store:    s,
		clock:    clk,
		logger:   logger,
		rrCursor: make(map[string]int),
		rand:     rng,
	}
}

// Pick chooses one member among the eligible ones. The caller filters
// eligibility; Pick only orders. Ties always resolve to the earliest
// member in pool order.
func (s *Selector) Pick(ctx context.Context, pool *modelmux.Pool, members []modelmux.PoolMember) (*modelmux.PoolMember, error) {
	if len(members) == 0 {
		return nil, ErrNoHealthyEndpoints
	}

	switch pool.Strategy {
	case modelmux.StrategyRoundRobin:
		return s.pickRoundRobin(pool.ID, members), nil
	case modelmux.StrategyWeighted:
		return s.pickWeighted(members), nil
	case modelmux.StrategyRandom:
		return s.pickRandom(members), nil
	case modelmux.StrategyLeastConnections:
		return s.pickLeastConnections(ctx, members)
	case modelmux.StrategyResponseTime:
		return s.pickResponseTime(ctx, members)
	case modelmux.StrategyCostOptimized:
		return s.pickCostOptimized(members), nil
	default:
		s.logger.Warnw("unknown strategy, using first member",
			"pool_id", pool.ID, "strategy", pool.Strategy)
		return &members[0], nil
	}
}

func (s *Selector) pickRoundRobin(poolID string, members []modelmux.PoolMember) *modelmux.PoolMember {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.rrCursor[poolID] % len(members)
	s.rrCursor[poolID]++
	return &members[index]
}

// pickWeighted draws a point in [1, total weight] and walks the
// cumulative weights until the draw is covered.
func (s *Selector) pickWeighted(members []modelmux.PoolMember) *modelmux.PoolMember {
	total := 0
	for _, m := range members {
		total += m.Weight
	}
	if total <= 0 {
		return &members[0]
	}

	s.mu.Lock()
	draw := s.rand.Intn(total) + 1
	s.mu.Unlock()

	cumulative := 0
	for i := range members {
		cumulative += members[i].Weight
		if draw <= cumulative {
			return &members[i]
		}
	}
	return &members[len(members)-1]
}

func (s *Selector) pickRandom(members []modelmux.PoolMember) *modelmux.PoolMember {
	s.mu.Lock()
	index := s.rand.Intn(len(members))
	s.mu.Unlock()
	return &members[index]
}

func (s *Selector) pickLeastConnections(ctx context.Context, members []modelmux.PoolMember) (*modelmux.PoolMember, error) {
	since := s.clock.Now().Add(-leastConnectionsWindow)

	best := 0
	bestCount := -1
	for i := range members {
		records, err := s.store.CallRecordsSince(ctx, members[i].Endpoint.ID, since)
		if err != nil {
			return nil, err
		}
		if bestCount < 0 || len(records) < bestCount {
			best = i
			bestCount = len(records)
		}
	}
	return &members[best], nil
}

// pickResponseTime prefers the lowest average successful latency in the
// trailing window. Members with no recent successes sort after every
// member that has one.
func (s *Selector) pickResponseTime(ctx context.Context, members []modelmux.PoolMember) (*modelmux.PoolMember, error) {
	since := s.clock.Now().Add(-responseTimeWindow)

	best := -1
	var bestAverage time.Duration
	for i := range members {
		records, err := s.store.CallRecordsSince(ctx, members[i].Endpoint.ID, since)
		if err != nil {
			return nil, err
		}

		var total time.Duration
		successes := 0
		for _, record := range records {
			if record.Status == modelmux.CallSuccess {
				total += record.Latency
				successes++
			}
		}
		if successes == 0 {
			continue
		}

		average := total / time.Duration(successes)
		if best < 0 || average < bestAverage {
			best = i
			bestAverage = average
		}
	}

	if best < 0 {
		return &members[0], nil
	}
	return &members[best], nil
}

func (s *Selector) pickCostOptimized(members []modelmux.PoolMember) *modelmux.PoolMember {
	best := 0
	bestPrice := cost.PerCallPrice(members[0].Endpoint)
	for i := 1; i < len(members); i++ {
		if price := cost.PerCallPrice(members[i].Endpoint); price < bestPrice {
			best = i
			bestPrice = price
		}
	}
	return &members[best]
}
