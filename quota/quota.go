// Package quota enforces usage ceilings before a call is dispatched and
// commits consumed usage after it completes.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/store"
)

// ErrExceeded is returned by Check when any applicable quota has reached
// a ceiling. It is terminal: the dispatcher must not retry past it.
var ErrExceeded = errors.New("quota exceeded")

// DenialError carries which quota and dimension denied the call.
// It unwraps to ErrExceeded.
type DenialError struct {
	QuotaID   string
	Dimension string
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("quota %s exceeded on %s", e.QuotaID, e.Dimension)
}

func (e *DenialError) Unwrap() error {
	return ErrExceeded
}

// Gate answers whether a caller may invoke an endpoint right now, and
// records usage once an invocation has consumed tokens.
type Gate struct {
	store  store.Store
	clock  clock.Clock
	logger *zap.SugaredLogger
}

func NewGate(s store.Store, logger *zap.SugaredLogger) *Gate {
	return NewGateWithClock(s, clock.New(), logger)
}

func NewGateWithClock(s store.Store, clk clock.Clock, logger *zap.SugaredLogger) *Gate {
	return &Gate{store: s, clock: clk, logger: logger}
}

// Check evaluates every active quota scoped to the endpoint and caller.
// A ceiling of 0 is unlimited; usage exactly at a positive ceiling denies.
// The first exceeded quota wins; its denial is returned as a DenialError.
func (g *Gate) Check(ctx context.Context, endpoint *modelmux.Endpoint, caller string) error {
	quotas, err := g.store.ActiveQuotas(ctx, endpoint.ID, caller)
	if err != nil {
		return fmt.Errorf("failed to load quotas for endpoint %s: %w", endpoint.ID, err)
	}

	for _, quota := range quotas {
		if !quota.Exceeded() {
			continue
		}
		denial := &DenialError{QuotaID: quota.ID, Dimension: exceededDimension(quota)}
		g.logger.Infow("quota denied call",
			"quota_id", quota.ID,
			"endpoint_id", endpoint.ID,
			"caller", caller,
			"dimension", denial.Dimension)
		return denial
	}
	return nil
}

// Commit adds one call plus the consumed tokens and cost to every quota
// that applied to the dispatch. Increments are relative so concurrent
// commits never clobber each other.
func (g *Gate) Commit(ctx context.Context, endpoint *modelmux.Endpoint, caller string, tokens int64, cost float64) error {
	quotas, err := g.store.ActiveQuotas(ctx, endpoint.ID, caller)
	if err != nil {
		return fmt.Errorf("failed to load quotas for endpoint %s: %w", endpoint.ID, err)
	}

	for _, quota := range quotas {
		if err := g.store.IncrementQuotaUsage(ctx, quota.ID, 1, tokens, cost); err != nil {
			return fmt.Errorf("failed to commit usage to quota %s: %w", quota.ID, err)
		}
	}
	return nil
}

// Reset zeroes a quota's counters and schedules its next reset from now.
// Lifetime quotas may still be reset manually; they simply get no next
// reset time.
func (g *Gate) Reset(ctx context.Context, quotaID string) error {
	quota, err := g.store.GetQuota(ctx, quotaID)
	if err != nil {
		return err
	}

	now := g.clock.Now()
	if err := g.store.ResetQuota(ctx, quotaID, now, quota.Period.NextReset(now)); err != nil {
		return err
	}
	g.logger.Infow("quota reset", "quota_id", quotaID, "period", quota.Period)
	return nil
}

// ResetDue resets every quota whose reset time has arrived. Returns the
// number of quotas reset.
func (g *Gate) ResetDue(ctx context.Context) (int, error) {
	now := g.clock.Now()
	due, err := g.store.DueQuotas(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list due quotas: %w", err)
	}

	for _, quota := range due {
		if err := g.store.ResetQuota(ctx, quota.ID, now, quota.Period.NextReset(now)); err != nil {
			return 0, fmt.Errorf("failed to reset quota %s: %w", quota.ID, err)
		}
		g.logger.Infow("quota reset", "quota_id", quota.ID, "period", quota.Period)
	}
	return len(due), nil
}

func exceededDimension(q *modelmux.Quota) string {
	switch {
	case q.MaxCalls > 0 && q.UsedCalls >= q.MaxCalls:
		return "calls"
	case q.MaxTokens > 0 && q.UsedTokens >= q.MaxTokens:
		return "tokens"
	default:
		return "cost"
	}
}
