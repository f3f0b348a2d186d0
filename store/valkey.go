package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/valkey-io/valkey-go"

	"github.com/modelmux/modelmux"
)

// Valkey key layout. Quota usage counters live in their own hash so they
// can be advanced with HINCRBY/HINCRBYFLOAT: the increments are atomic on
// the server, which is what keeps concurrent commits from losing updates.
const (
	endpointsKey   = "modelmux:endpoints"
	poolsKey       = "modelmux:pools"
	quotasKey      = "modelmux:quotas"
	healthKeyFmt   = "modelmux:health:%s"
	usageKeyFmt    = "modelmux:quota_usage:%s"
	quotaIndexFmt  = "modelmux:quota_index:%s"
	recordsKeyFmt  = "modelmux:records:%s"
	perfKeyFmt     = "modelmux:perf:%s"
)

type healthEntry struct {
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
}

// ValkeyStore is the shared-state Store for multi-node deployments.
type ValkeyStore struct {
	client valkey.Client
}

func NewValkeyStore(client valkey.Client) *ValkeyStore {
	return &ValkeyStore{client: client}
}

func (s *ValkeyStore) GetEndpoint(ctx context.Context, endpointID string) (*modelmux.Endpoint, error) {
	resp := s.client.Do(ctx, s.client.B().Hget().Key(endpointsKey).Field(endpointID).Build())
	data, err := resp.AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load endpoint %s: %w", endpointID, err)
	}

	var endpoint modelmux.Endpoint
	if err := json.Unmarshal(data, &endpoint); err != nil {
		return nil, fmt.Errorf("failed to decode endpoint %s: %w", endpointID, err)
	}
	return &endpoint, nil
}

func (s *ValkeyStore) ListEndpoints(ctx context.Context) ([]*modelmux.Endpoint, error) {
	resp := s.client.Do(ctx, s.client.B().Hgetall().Key(endpointsKey).Build())
	entries, err := resp.AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}

	endpoints := make([]*modelmux.Endpoint, 0, len(entries))
	for id, data := range entries {
		var endpoint modelmux.Endpoint
		if err := json.Unmarshal([]byte(data), &endpoint); err != nil {
			return nil, fmt.Errorf("failed to decode endpoint %s: %w", id, err)
		}
		endpoints = append(endpoints, &endpoint)
	}
	return endpoints, nil
}

func (s *ValkeyStore) PutEndpoint(ctx context.Context, endpoint *modelmux.Endpoint) error {
	data, err := json.Marshal(endpoint)
	if err != nil {
		return fmt.Errorf("failed to encode endpoint %s: %w", endpoint.ID, err)
	}
	return s.client.Do(ctx, s.client.B().Hset().Key(endpointsKey).
		FieldValue().FieldValue(endpoint.ID, string(data)).Build()).Error()
}

// GetPool loads the pool definition and overlays the live health flags
// written by SetEndpointHealth.
func (s *ValkeyStore) GetPool(ctx context.Context, poolID string) (*modelmux.Pool, error) {
	resp := s.client.Do(ctx, s.client.B().Hget().Key(poolsKey).Field(poolID).Build())
	data, err := resp.AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load pool %s: %w", poolID, err)
	}

	var pool modelmux.Pool
	if err := json.Unmarshal(data, &pool); err != nil {
		return nil, fmt.Errorf("failed to decode pool %s: %w", poolID, err)
	}

	healthResp := s.client.Do(ctx, s.client.B().Hgetall().Key(fmt.Sprintf(healthKeyFmt, poolID)).Build())
	health, err := healthResp.AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to load health flags for pool %s: %w", poolID, err)
	}

	for i := range pool.Members {
		if pool.Members[i].Endpoint == nil {
			continue
		}
		raw, ok := health[pool.Members[i].Endpoint.ID]
		if !ok {
			continue
		}
		var entry healthEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		pool.Members[i].Healthy = entry.Healthy
		pool.Members[i].LastCheckedAt = entry.CheckedAt
	}

	return &pool, nil
}

func (s *ValkeyStore) ListPools(ctx context.Context) ([]*modelmux.Pool, error) {
	resp := s.client.Do(ctx, s.client.B().Hgetall().Key(poolsKey).Build())
	entries, err := resp.AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}

	pools := make([]*modelmux.Pool, 0, len(entries))
	for id := range entries {
		pool, err := s.GetPool(ctx, id)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

func (s *ValkeyStore) PutPool(ctx context.Context, pool *modelmux.Pool) error {
	data, err := json.Marshal(pool)
	if err != nil {
		return fmt.Errorf("failed to encode pool %s: %w", pool.ID, err)
	}
	return s.client.Do(ctx, s.client.B().Hset().Key(poolsKey).
		FieldValue().FieldValue(pool.ID, string(data)).Build()).Error()
}

func (s *ValkeyStore) SetEndpointHealth(ctx context.Context, poolID string, endpointID string, healthy bool, checkedAt time.Time) error {
	entry, err := json.Marshal(healthEntry{Healthy: healthy, CheckedAt: checkedAt})
	if err != nil {
		return fmt.Errorf("failed to encode health entry: %w", err)
	}

	poolIDs := []string{poolID}
	if poolID == "" {
		resp := s.client.Do(ctx, s.client.B().Hkeys().Key(poolsKey).Build())
		poolIDs, err = resp.AsStrSlice()
		if err != nil {
			return fmt.Errorf("failed to list pools: %w", err)
		}
	}

	for _, id := range poolIDs {
		err := s.client.Do(ctx, s.client.B().Hset().Key(fmt.Sprintf(healthKeyFmt, id)).
			FieldValue().FieldValue(endpointID, string(entry)).Build()).Error()
		if err != nil {
			return fmt.Errorf("failed to set health for endpoint %s in pool %s: %w", endpointID, id, err)
		}
	}
	return nil
}

func (s *ValkeyStore) GetQuota(ctx context.Context, quotaID string) (*modelmux.Quota, error) {
	resp := s.client.Do(ctx, s.client.B().Hget().Key(quotasKey).Field(quotaID).Build())
	data, err := resp.AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load quota %s: %w", quotaID, err)
	}

	var quota modelmux.Quota
	if err := json.Unmarshal(data, &quota); err != nil {
		return nil, fmt.Errorf("failed to decode quota %s: %w", quotaID, err)
	}
	if err := s.loadUsage(ctx, &quota); err != nil {
		return nil, err
	}
	return &quota, nil
}

// PutQuota stores the quota definition. Usage counters are not written
// here; they only ever move through IncrementQuotaUsage and ResetQuota.
func (s *ValkeyStore) PutQuota(ctx context.Context, quota *modelmux.Quota) error {
	stored := *quota
	stored.UsedCalls = 0
	stored.UsedTokens = 0
	stored.UsedCost = 0

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode quota %s: %w", quota.ID, err)
	}

	err = s.client.Do(ctx, s.client.B().Hset().Key(quotasKey).
		FieldValue().FieldValue(quota.ID, string(data)).Build()).Error()
	if err != nil {
		return err
	}
	return s.client.Do(ctx, s.client.B().Sadd().
		Key(fmt.Sprintf(quotaIndexFmt, quota.EndpointID)).Member(quota.ID).Build()).Error()
}

func (s *ValkeyStore) ActiveQuotas(ctx context.Context, endpointID string, caller string) ([]*modelmux.Quota, error) {
	resp := s.client.Do(ctx, s.client.B().Smembers().Key(fmt.Sprintf(quotaIndexFmt, endpointID)).Build())
	quotaIDs, err := resp.AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to load quota index for endpoint %s: %w", endpointID, err)
	}

	var quotas []*modelmux.Quota
	for _, quotaID := range quotaIDs {
		quota, err := s.GetQuota(ctx, quotaID)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		if !quota.Active {
			continue
		}
		if quota.Caller != "" && quota.Caller != caller {
			continue
		}
		quotas = append(quotas, quota)
	}
	return quotas, nil
}

func (s *ValkeyStore) IncrementQuotaUsage(ctx context.Context, quotaID string, calls int64, tokens int64, cost float64) error {
	usageKey := fmt.Sprintf(usageKeyFmt, quotaID)

	if err := s.client.Do(ctx, s.client.B().Hincrby().Key(usageKey).Field("calls").Increment(calls).Build()).Error(); err != nil {
		return fmt.Errorf("failed to increment call usage for quota %s: %w", quotaID, err)
	}
	if err := s.client.Do(ctx, s.client.B().Hincrby().Key(usageKey).Field("tokens").Increment(tokens).Build()).Error(); err != nil {
		return fmt.Errorf("failed to increment token usage for quota %s: %w", quotaID, err)
	}
	if err := s.client.Do(ctx, s.client.B().Hincrbyfloat().Key(usageKey).Field("cost").Increment(cost).Build()).Error(); err != nil {
		return fmt.Errorf("failed to increment cost usage for quota %s: %w", quotaID, err)
	}
	return nil
}

func (s *ValkeyStore) ResetQuota(ctx context.Context, quotaID string, resetAt time.Time, nextReset time.Time) error {
	quota, err := s.GetQuota(ctx, quotaID)
	if err != nil {
		return err
	}
	quota.UsedCalls = 0
	quota.UsedTokens = 0
	quota.UsedCost = 0
	quota.LastResetAt = resetAt
	quota.ResetAt = nextReset

	data, err := json.Marshal(quota)
	if err != nil {
		return fmt.Errorf("failed to encode quota %s: %w", quotaID, err)
	}

	// Lua script so the definition update and the counter wipe land
	// atomically; a concurrent commit either fully precedes or fully
	// follows the reset.
	script := `
		redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
		redis.call('DEL', KEYS[2])
		return 1
	`
	return s.client.Do(ctx, s.client.B().Eval().Script(script).Numkeys(2).
		Key(quotasKey, fmt.Sprintf(usageKeyFmt, quotaID)).
		Arg(quotaID, string(data)).Build()).Error()
}

func (s *ValkeyStore) DueQuotas(ctx context.Context, now time.Time) ([]*modelmux.Quota, error) {
	resp := s.client.Do(ctx, s.client.B().Hgetall().Key(quotasKey).Build())
	entries, err := resp.AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to list quotas: %w", err)
	}

	var due []*modelmux.Quota
	for id, data := range entries {
		var quota modelmux.Quota
		if err := json.Unmarshal([]byte(data), &quota); err != nil {
			return nil, fmt.Errorf("failed to decode quota %s: %w", id, err)
		}
		if !quota.Active || quota.Period == modelmux.QuotaLifetime {
			continue
		}
		if !quota.ResetAt.IsZero() && !quota.ResetAt.After(now) {
			if err := s.loadUsage(ctx, &quota); err != nil {
				return nil, err
			}
			due = append(due, &quota)
		}
	}
	return due, nil
}

func (s *ValkeyStore) AppendCallRecord(ctx context.Context, record *modelmux.CallRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode call record: %w", err)
	}
	return s.client.Do(ctx, s.client.B().Zadd().Key(fmt.Sprintf(recordsKeyFmt, record.EndpointID)).
		ScoreMember().ScoreMember(float64(record.CreatedAt.UnixNano()), string(data)).Build()).Error()
}

func (s *ValkeyStore) CallRecordsSince(ctx context.Context, endpointID string, since time.Time) ([]*modelmux.CallRecord, error) {
	resp := s.client.Do(ctx, s.client.B().Zrangebyscore().Key(fmt.Sprintf(recordsKeyFmt, endpointID)).
		Min(strconv.FormatInt(since.UnixNano(), 10)).Max("+inf").Build())
	members, err := resp.AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to query call records for endpoint %s: %w", endpointID, err)
	}

	records := make([]*modelmux.CallRecord, 0, len(members))
	for _, member := range members {
		var record modelmux.CallRecord
		if err := json.Unmarshal([]byte(member), &record); err != nil {
			return nil, fmt.Errorf("failed to decode call record: %w", err)
		}
		records = append(records, &record)
	}
	return records, nil
}

func (s *ValkeyStore) PruneCallRecords(ctx context.Context, before time.Time) (int64, error) {
	endpoints, err := s.ListEndpoints(ctx)
	if err != nil {
		return 0, err
	}

	var pruned int64
	max := strconv.FormatInt(before.UnixNano()-1, 10)
	for _, endpoint := range endpoints {
		resp := s.client.Do(ctx, s.client.B().Zremrangebyscore().
			Key(fmt.Sprintf(recordsKeyFmt, endpoint.ID)).Min("-inf").Max(max).Build())
		removed, err := resp.AsInt64()
		if err != nil {
			return pruned, fmt.Errorf("failed to prune call records for endpoint %s: %w", endpoint.ID, err)
		}
		pruned += removed
	}
	return pruned, nil
}

func (s *ValkeyStore) UpsertPerformanceSnapshot(ctx context.Context, snapshot *modelmux.PerformanceSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode performance snapshot: %w", err)
	}
	return s.client.Do(ctx, s.client.B().Hset().Key(fmt.Sprintf(perfKeyFmt, snapshot.EndpointID)).
		FieldValue().FieldValue(dayField(snapshot.Date), string(data)).Build()).Error()
}

func (s *ValkeyStore) GetPerformanceSnapshot(ctx context.Context, endpointID string, date time.Time) (*modelmux.PerformanceSnapshot, error) {
	resp := s.client.Do(ctx, s.client.B().Hget().Key(fmt.Sprintf(perfKeyFmt, endpointID)).Field(dayField(date)).Build())
	data, err := resp.AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load performance snapshot: %w", err)
	}

	var snapshot modelmux.PerformanceSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode performance snapshot: %w", err)
	}
	return &snapshot, nil
}

func (s *ValkeyStore) loadUsage(ctx context.Context, quota *modelmux.Quota) error {
	resp := s.client.Do(ctx, s.client.B().Hgetall().Key(fmt.Sprintf(usageKeyFmt, quota.ID)).Build())
	usage, err := resp.AsStrMap()
	if err != nil {
		return fmt.Errorf("failed to load usage for quota %s: %w", quota.ID, err)
	}

	if raw, ok := usage["calls"]; ok {
		quota.UsedCalls, _ = strconv.ParseInt(raw, 10, 64)
	}
	if raw, ok := usage["tokens"]; ok {
		quota.UsedTokens, _ = strconv.ParseInt(raw, 10, 64)
	}
	if raw, ok := usage["cost"]; ok {
		quota.UsedCost, _ = strconv.ParseFloat(raw, 64)
	}
	return nil
}

func dayField(date time.Time) string {
	return date.UTC().Format("2006-01-02")
}
