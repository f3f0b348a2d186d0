package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/modelmux/modelmux"
)

// MemoryStore is the in-process Store used for tests and single-node
// deployments. All mutation happens under one mutex, so relative
// increments are atomic by construction.
type MemoryStore struct {
	mu        sync.RWMutex
	endpoints map[string]*modelmux.Endpoint
	pools     map[string]*modelmux.Pool
	quotas    map[string]*modelmux.Quota

	// endpoint id -> records ordered by CreatedAt ascending
	records map[string][]*modelmux.CallRecord

	// endpoint id -> date (UTC midnight, unix) -> snapshot
	snapshots map[string]map[int64]*modelmux.PerformanceSnapshot

	// Clock interface for time-related operations. Must use this to
	// avoid flakiness in tests.
	clock clock.Clock
}

func NewMemoryStore() *MemoryStore {
	return newMemoryStoreWithClock(clock.New())
}

func newMemoryStoreWithClock(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		endpoints: make(map[string]*modelmux.Endpoint),
		pools:     make(map[string]*modelmux.Pool),
		quotas:    make(map[string]*modelmux.Quota),
		records:   make(map[string][]*modelmux.CallRecord),
		snapshots: make(map[string]map[int64]*modelmux.PerformanceSnapshot),
		clock:     clk,
	}
}

func (s *MemoryStore) GetEndpoint(ctx context.Context, endpointID string) (*modelmux.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	endpoint, ok := s.endpoints[endpointID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *endpoint
	return &copied, nil
}

func (s *MemoryStore) ListEndpoints(ctx context.Context) ([]*modelmux.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	endpoints := make([]*modelmux.Endpoint, 0, len(s.endpoints))
	for _, endpoint := range s.endpoints {
		copied := *endpoint
		endpoints = append(endpoints, &copied)
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].ID < endpoints[j].ID })
	return endpoints, nil
}

func (s *MemoryStore) PutEndpoint(ctx context.Context, endpoint *modelmux.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *endpoint
	s.endpoints[endpoint.ID] = &copied
	return nil
}

func (s *MemoryStore) GetPool(ctx context.Context, poolID string) (*modelmux.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pool, ok := s.pools[poolID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPool(pool), nil
}

func (s *MemoryStore) ListPools(ctx context.Context) ([]*modelmux.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]*modelmux.Pool, 0, len(s.pools))
	for _, pool := range s.pools {
		pools = append(pools, copyPool(pool))
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })
	return pools, nil
}

func (s *MemoryStore) PutPool(ctx context.Context, pool *modelmux.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pools[pool.ID] = copyPool(pool)
	return nil
}

func (s *MemoryStore) SetEndpointHealth(ctx context.Context, poolID string, endpointID string, healthy bool, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if poolID != "" {
		if _, ok := s.pools[poolID]; !ok {
			return ErrNotFound
		}
	}

	for id, pool := range s.pools {
		if poolID != "" && id != poolID {
			continue
		}
		for i := range pool.Members {
			if pool.Members[i].Endpoint != nil && pool.Members[i].Endpoint.ID == endpointID {
				pool.Members[i].Healthy = healthy
				pool.Members[i].LastCheckedAt = checkedAt
			}
		}
	}
	return nil
}

func (s *MemoryStore) GetQuota(ctx context.Context, quotaID string) (*modelmux.Quota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	quota, ok := s.quotas[quotaID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *quota
	return &copied, nil
}

func (s *MemoryStore) PutQuota(ctx context.Context, quota *modelmux.Quota) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *quota
	s.quotas[quota.ID] = &copied
	return nil
}

// ActiveQuotas returns active quota rows scoped to the endpoint and either
// the given caller or no caller (endpoint-wide ceilings apply to everyone).
func (s *MemoryStore) ActiveQuotas(ctx context.Context, endpointID string, caller string) ([]*modelmux.Quota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var quotas []*modelmux.Quota
	for _, quota := range s.quotas {
		if !quota.Active || quota.EndpointID != endpointID {
			continue
		}
		if quota.Caller != "" && quota.Caller != caller {
			continue
		}
		copied := *quota
		quotas = append(quotas, &copied)
	}
	sort.Slice(quotas, func(i, j int) bool { return quotas[i].ID < quotas[j].ID })
	return quotas, nil
}

func (s *MemoryStore) IncrementQuotaUsage(ctx context.Context, quotaID string, calls int64, tokens int64, cost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	quota, ok := s.quotas[quotaID]
	if !ok {
		return ErrNotFound
	}
	quota.UsedCalls += calls
	quota.UsedTokens += tokens
	quota.UsedCost += cost
	return nil
}

func (s *MemoryStore) ResetQuota(ctx context.Context, quotaID string, resetAt time.Time, nextReset time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	quota, ok := s.quotas[quotaID]
	if !ok {
		return ErrNotFound
	}
	quota.UsedCalls = 0
	quota.UsedTokens = 0
	quota.UsedCost = 0
	quota.LastResetAt = resetAt
	quota.ResetAt = nextReset
	return nil
}

func (s *MemoryStore) DueQuotas(ctx context.Context, now time.Time) ([]*modelmux.Quota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*modelmux.Quota
	for _, quota := range s.quotas {
		if !quota.Active || quota.Period == modelmux.QuotaLifetime {
			continue
		}
		if !quota.ResetAt.IsZero() && !quota.ResetAt.After(now) {
			copied := *quota
			due = append(due, &copied)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

func (s *MemoryStore) AppendCallRecord(ctx context.Context, record *modelmux.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *record
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = s.clock.Now()
	}
	s.records[record.EndpointID] = append(s.records[record.EndpointID], &copied)
	return nil
}

func (s *MemoryStore) CallRecordsSince(ctx context.Context, endpointID string, since time.Time) ([]*modelmux.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*modelmux.CallRecord
	for _, record := range s.records[endpointID] {
		if !record.CreatedAt.Before(since) {
			copied := *record
			matched = append(matched, &copied)
		}
	}
	return matched, nil
}

func (s *MemoryStore) PruneCallRecords(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int64
	for endpointID, records := range s.records {
		kept := records[:0]
		for _, record := range records {
			if record.CreatedAt.Before(before) {
				pruned++
			} else {
				kept = append(kept, record)
			}
		}
		s.records[endpointID] = kept
	}
	return pruned, nil
}

func (s *MemoryStore) UpsertPerformanceSnapshot(ctx context.Context, snapshot *modelmux.PerformanceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	days, ok := s.snapshots[snapshot.EndpointID]
	if !ok {
		days = make(map[int64]*modelmux.PerformanceSnapshot)
		s.snapshots[snapshot.EndpointID] = days
	}
	copied := *snapshot
	days[dayKey(snapshot.Date)] = &copied
	return nil
}

func (s *MemoryStore) GetPerformanceSnapshot(ctx context.Context, endpointID string, date time.Time) (*modelmux.PerformanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	days, ok := s.snapshots[endpointID]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot, ok := days[dayKey(date)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *snapshot
	return &copied, nil
}

func dayKey(date time.Time) int64 {
	year, month, day := date.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Unix()
}

func copyPool(pool *modelmux.Pool) *modelmux.Pool {
	copied := *pool
	copied.Members = make([]modelmux.PoolMember, len(pool.Members))
	copy(copied.Members, pool.Members)
	for i := range copied.Members {
		if copied.Members[i].Endpoint != nil {
			endpoint := *copied.Members[i].Endpoint
			copied.Members[i].Endpoint = &endpoint
		}
	}
	return &copied
}
