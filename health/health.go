// Package health grades endpoints from their recent call outcomes and
// rolls daily performance snapshots.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/store"
)

const defaultWindow = time.Hour

// Thresholds are the grade boundaries. An endpoint is healthy when it
// clears both the success-rate floor and the latency ceiling of a band.
type Thresholds struct {
	HealthySuccessRate  float64       `yaml:"healthy_success_rate"`
	DegradedSuccessRate float64       `yaml:"degraded_success_rate"`
	HealthyLatency      time.Duration `yaml:"healthy_latency"`
	DegradedLatency     time.Duration `yaml:"degraded_latency"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		HealthySuccessRate:  0.95,
		DegradedSuccessRate: 0.80,
		HealthyLatency:      5 * time.Second,
		DegradedLatency:     10 * time.Second,
	}
}

// Stats summarizes the window a grade was derived from.
type Stats struct {
	TotalCalls      int
	SuccessfulCalls int
	SuccessRate     float64
	AverageLatency  time.Duration
}

// Classify grades a window of call records. An empty window is unknown,
// which is distinct from unhealthy: the endpoint has simply not been
// exercised recently.
func Classify(records []*modelmux.CallRecord, thresholds Thresholds) (modelmux.HealthGrade, Stats) {
	if len(records) == 0 {
		return modelmux.GradeUnknown, Stats{}
	}

	var stats Stats
	var totalLatency time.Duration
	for _, record := range records {
		stats.TotalCalls++
		totalLatency += record.Latency
		if record.Status == modelmux.CallSuccess {
			stats.SuccessfulCalls++
		}
	}
	stats.SuccessRate = float64(stats.SuccessfulCalls) / float64(stats.TotalCalls)
	stats.AverageLatency = totalLatency / time.Duration(stats.TotalCalls)

	switch {
	case stats.SuccessRate >= thresholds.HealthySuccessRate && stats.AverageLatency < thresholds.HealthyLatency:
		return modelmux.GradeHealthy, stats
	case stats.SuccessRate >= thresholds.DegradedSuccessRate && stats.AverageLatency < thresholds.DegradedLatency:
		return modelmux.GradeDegraded, stats
	default:
		return modelmux.GradeUnhealthy, stats
	}
}

// Checker periodically re-grades endpoints and writes the resulting
// health flags back to pool membership.
type Checker struct {
	store      store.Store
	thresholds Thresholds
	window     time.Duration
	clock      clock.Clock
	logger     *zap.SugaredLogger
}

func NewChecker(s store.Store, thresholds Thresholds, logger *zap.SugaredLogger) *Checker {
	return NewCheckerWithClock(s, thresholds, clock.New(), logger)
}

func NewCheckerWithClock(s store.Store, thresholds Thresholds, clk clock.Clock, logger *zap.SugaredLogger) *Checker {
	return &Checker{
		store:      s,
		thresholds: thresholds,
		window:     defaultWindow,
		clock:      clk,
		logger:     logger,
	}
}

// Grade classifies one endpoint from its trailing window of records.
func (c *Checker) Grade(ctx context.Context, endpointID string) (modelmux.HealthGrade, Stats, error) {
	records, err := c.store.CallRecordsSince(ctx, endpointID, c.clock.Now().Add(-c.window))
	if err != nil {
		return modelmux.GradeUnknown, Stats{}, fmt.Errorf("failed to load call records for endpoint %s: %w", endpointID, err)
	}
	grade, stats := Classify(records, c.thresholds)
	return grade, stats, nil
}

// CheckPool re-grades every member of a pool and updates its health
// flag. Unknown grades leave the flag untouched so a freshly added or
// idle endpoint keeps its configured state.
func (c *Checker) CheckPool(ctx context.Context, pool *modelmux.Pool) error {
	now := c.clock.Now()
	for _, member := range pool.Members {
		if member.Endpoint == nil {
			continue
		}

		grade, stats, err := c.Grade(ctx, member.Endpoint.ID)
		if err != nil {
			return err
		}
		if grade == modelmux.GradeUnknown {
			continue
		}

		healthy := grade != modelmux.GradeUnhealthy
		if err := c.store.SetEndpointHealth(ctx, pool.ID, member.Endpoint.ID, healthy, now); err != nil {
			return fmt.Errorf("failed to update health for endpoint %s: %w", member.Endpoint.ID, err)
		}
		if healthy != member.Healthy {
			c.logger.Infow("endpoint health changed",
				"pool_id", pool.ID,
				"endpoint_id", member.Endpoint.ID,
				"grade", grade,
				"success_rate", stats.SuccessRate,
				"average_latency", stats.AverageLatency)
		}
	}
	return nil
}

// CheckAll re-grades every active pool.
func (c *Checker) CheckAll(ctx context.Context) error {
	pools, err := c.store.ListPools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pools: %w", err)
	}
	for _, pool := range pools {
		if !pool.Active {
			continue
		}
		if err := c.CheckPool(ctx, pool); err != nil {
			return err
		}
	}
	return nil
}

// Rollup aggregates one endpoint's records for the UTC day containing
// date into a performance snapshot.
func (c *Checker) Rollup(ctx context.Context, endpointID string, date time.Time) (*modelmux.PerformanceSnapshot, error) {
	dayStart := time.Date(date.UTC().Year(), date.UTC().Month(), date.UTC().Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	records, err := c.store.CallRecordsSince(ctx, endpointID, dayStart)
	if err != nil {
		return nil, fmt.Errorf("failed to load call records for endpoint %s: %w", endpointID, err)
	}

	snapshot := &modelmux.PerformanceSnapshot{EndpointID: endpointID, Date: dayStart}
	var totalLatency time.Duration
	for _, record := range records {
		if !record.CreatedAt.Before(dayEnd) {
			continue
		}
		snapshot.TotalCalls++
		snapshot.TotalInputTokens += int64(record.InputTokens)
		snapshot.TotalOutputTokens += int64(record.OutputTokens)
		snapshot.TotalTokens += int64(record.TotalTokens)
		snapshot.TotalCost += record.Cost
		totalLatency += record.Latency
		if record.Status == modelmux.CallSuccess {
			snapshot.SuccessfulCalls++
		} else {
			snapshot.FailedCalls++
		}
	}

	if snapshot.TotalCalls > 0 {
		snapshot.AverageLatency = totalLatency / time.Duration(snapshot.TotalCalls)
		snapshot.SuccessRate = float64(snapshot.SuccessfulCalls) / float64(snapshot.TotalCalls)
		snapshot.AverageCostPerCall = snapshot.TotalCost / float64(snapshot.TotalCalls)
	}

	if err := c.store.UpsertPerformanceSnapshot(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("failed to store performance snapshot for endpoint %s: %w", endpointID, err)
	}
	return snapshot, nil
}

// RollupAll rolls every known endpoint for the given day.
func (c *Checker) RollupAll(ctx context.Context, date time.Time) error {
	endpoints, err := c.store.ListEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("failed to list endpoints: %w", err)
	}
	for _, endpoint := range endpoints {
		if _, err := c.Rollup(ctx, endpoint.ID, date); err != nil {
			return err
		}
	}
	return nil
}
