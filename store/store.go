// Package store defines the persistence contract the engine depends on,
// with in-memory and Valkey-backed implementations. The engine never
// touches storage except through this interface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/modelmux/modelmux"
)

// ErrNotFound is returned when a pool, endpoint, or quota does not exist.
var ErrNotFound = errors.New("store: not found")

type Store interface {
	// Endpoint configuration.
	GetEndpoint(ctx context.Context, endpointID string) (*modelmux.Endpoint, error)
	ListEndpoints(ctx context.Context) ([]*modelmux.Endpoint, error)
	PutEndpoint(ctx context.Context, endpoint *modelmux.Endpoint) error

	// Pool configuration and per-member health flags. An empty poolID in
	// SetEndpointHealth updates the member in every pool that contains it.
	GetPool(ctx context.Context, poolID string) (*modelmux.Pool, error)
	ListPools(ctx context.Context) ([]*modelmux.Pool, error)
	PutPool(ctx context.Context, pool *modelmux.Pool) error
	SetEndpointHealth(ctx context.Context, poolID string, endpointID string, healthy bool, checkedAt time.Time) error

	// Quota rows and usage counters. IncrementQuotaUsage must apply
	// atomic relative increments, never read-modify-write, so concurrent
	// commits for the same quota do not lose updates.
	GetQuota(ctx context.Context, quotaID string) (*modelmux.Quota, error)
	PutQuota(ctx context.Context, quota *modelmux.Quota) error
	ActiveQuotas(ctx context.Context, endpointID string, caller string) ([]*modelmux.Quota, error)
	IncrementQuotaUsage(ctx context.Context, quotaID string, calls int64, tokens int64, cost float64) error
	ResetQuota(ctx context.Context, quotaID string, resetAt time.Time, nextReset time.Time) error
	DueQuotas(ctx context.Context, now time.Time) ([]*modelmux.Quota, error)

	// Append-only call log.
	AppendCallRecord(ctx context.Context, record *modelmux.CallRecord) error
	CallRecordsSince(ctx context.Context, endpointID string, since time.Time) ([]*modelmux.CallRecord, error)
	PruneCallRecords(ctx context.Context, before time.Time) (int64, error)

	// Derived daily rollups.
	UpsertPerformanceSnapshot(ctx context.Context, snapshot *modelmux.PerformanceSnapshot) error
	GetPerformanceSnapshot(ctx context.Context, endpointID string, date time.Time) (*modelmux.PerformanceSnapshot, error)
}
