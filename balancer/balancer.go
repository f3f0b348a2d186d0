// Package balancer routes model invocations across endpoint pools with
// health-aware selection and automatic failover.
package balancer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/metrics"
	"github.com/modelmux/modelmux/quota"
	"github.com/modelmux/modelmux/rate"
	"github.com/modelmux/modelmux/store"
)

// Dispatcher is the entry point for all invocations: direct to one
// endpoint, routed through a pool, fanned out for comparison, or
// repeated for benchmarking.
type Dispatcher struct {
	store    store.Store
	selector *Selector
	executor *Executor
	metrics  *metrics.Collector
	clock    clock.Clock
	logger   *zap.SugaredLogger
}

func NewDispatcher(s store.Store, selector *Selector, executor *Executor, collector *metrics.Collector, logger *zap.SugaredLogger) *Dispatcher {
	return newDispatcherWithClock(s, selector, executor, collector, clock.New(), logger)
}

func newDispatcherWithClock(s store.Store, selector *Selector, executor *Executor, collector *metrics.Collector, clk clock.Clock, logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		store:    s,
		selector: selector,
		executor: executor,
		metrics:  collector,
		clock:    clk,
		logger:   logger,
	}
}

// Dispatch invokes one named endpoint directly, without pool routing.
func (d *Dispatcher) Dispatch(ctx context.Context, endpointID string, req Request) (*modelmux.CallRecord, error) {
	endpoint, err := d.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if !endpoint.Active {
		return nil, &DispatchError{EndpointID: endpointID, Attempts: 0, Err: ErrNoHealthyEndpoints}
	}

	req = d.stamp(req)
	record, err := d.executor.Execute(ctx, endpoint, req)
	if err != nil {
		return record, &DispatchError{EndpointID: endpointID, Attempts: 1, Err: err}
	}
	return record, nil
}

// DispatchViaPool routes through a pool. Failed endpoints are marked
// unhealthy and excluded from the re-filtered candidate set before the
// next attempt. A quota denial is terminal: trying another endpoint
// would just route around the ceiling.
func (d *Dispatcher) DispatchViaPool(ctx context.Context, poolID string, req Request) (*modelmux.CallRecord, error) {
	pool, err := d.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if !pool.Active {
		return nil, &DispatchError{PoolID: poolID, Err: ErrPoolInactive}
	}

	// The first attempt is free; MaxRetries bounds the retries after it.
	req = d.stamp(req)
	maxAttempts := pool.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastRecord *modelmux.CallRecord
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		members := pool.EligibleMembers()
		if len(members) == 0 {
			return lastRecord, &DispatchError{PoolID: poolID, Attempts: attempt - 1, Err: ErrNoHealthyEndpoints}
		}

		member, err := d.selector.Pick(ctx, pool, members)
		if err != nil {
			return lastRecord, &DispatchError{PoolID: poolID, Attempts: attempt - 1, Err: err}
		}
		endpoint := member.Endpoint

		record, err := d.executor.Execute(ctx, endpoint, req)
		if err == nil {
			return record, nil
		}
		lastRecord = record

		if errors.Is(err, quota.ErrExceeded) {
			return record, &DispatchError{PoolID: poolID, EndpointID: endpoint.ID, Attempts: attempt, Err: err}
		}

		if !pool.EnableFallback {
			return record, &DispatchError{PoolID: poolID, EndpointID: endpoint.ID, Attempts: attempt, Err: ErrFallbackDisabled}
		}
		if attempt == maxAttempts {
			break
		}

		// Only the retry path marks health; a terminal failure changes
		// nothing about the endpoint the next dispatch should see. A local
		// rate-limit denial says nothing about backend health either.
		if !errors.Is(err, rate.ErrLimited) {
			d.logger.Warnw("endpoint failed, marking unhealthy",
				"pool_id", poolID,
				"endpoint_id", endpoint.ID,
				"attempt", attempt,
				"error", err)
			if markErr := d.store.SetEndpointHealth(ctx, poolID, endpoint.ID, false, d.clock.Now()); markErr != nil {
				d.logger.Warnw("failed to mark endpoint unhealthy",
					"endpoint_id", endpoint.ID, "error", markErr)
			}
		}

		d.metrics.ObserveRetry(poolID)
		if err := d.wait(ctx, pool.RetryDelay); err != nil {
			return record, &DispatchError{PoolID: poolID, EndpointID: endpoint.ID, Attempts: attempt, Err: err}
		}

		pool, err = d.store.GetPool(ctx, poolID)
		if err != nil {
			return record, &DispatchError{PoolID: poolID, Attempts: attempt, Err: err}
		}
	}

	return lastRecord, &DispatchError{PoolID: poolID, Attempts: maxAttempts, Err: ErrMaxRetriesExceeded}
}

// ComparisonResult is one endpoint's outcome in a fan-out comparison.
type ComparisonResult struct {
	EndpointID string               `json:"endpoint_id"`
	Record     *modelmux.CallRecord `json:"record,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// Compare sends the same request to every listed endpoint concurrently.
// Individual failures land in their slot; the comparison itself only
// fails if no endpoint could be attempted.
func (d *Dispatcher) Compare(ctx context.Context, endpointIDs []string, req Request) ([]ComparisonResult, error) {
	if len(endpointIDs) == 0 {
		return nil, errors.New("no endpoints to compare")
	}
	d.metrics.ObserveComparison()

	req = d.stamp(req)
	results := make([]ComparisonResult, len(endpointIDs))
	var wg sync.WaitGroup
	for i, endpointID := range endpointIDs {
		wg.Add(1)
		go func(slot int, id string) {
			defer wg.Done()
			record, err := d.Dispatch(ctx, id, req)
			results[slot] = ComparisonResult{EndpointID: id, Record: record}
			if err != nil {
				results[slot].Error = err.Error()
			}
		}(i, endpointID)
	}
	wg.Wait()
	return results, nil
}

// BenchmarkReport aggregates a sequential run of test prompts against
// one endpoint.
type BenchmarkReport struct {
	EndpointID      string               `json:"endpoint_id"`
	TotalCases      int                  `json:"total_cases"`
	SuccessfulCases int                  `json:"successful_cases"`
	AverageLatency  time.Duration        `json:"average_latency"`
	TotalTokens     int64                `json:"total_tokens"`
	TotalCost       float64              `json:"total_cost"`
	Records         []*modelmux.CallRecord `json:"records"`
}

// Benchmark runs each prompt against the endpoint in order and reports
// aggregate latency, tokens, and cost. Failed cases count toward the
// total but contribute no tokens or cost.
func (d *Dispatcher) Benchmark(ctx context.Context, endpointID string, prompts []string, base Request) (*BenchmarkReport, error) {
	if len(prompts) == 0 {
		return nil, errors.New("no benchmark prompts")
	}

	report := &BenchmarkReport{EndpointID: endpointID, TotalCases: len(prompts)}
	var totalLatency time.Duration
	for _, prompt := range prompts {
		req := base
		req.Prompt = prompt
		req.RequestID = ""

		record, err := d.Dispatch(ctx, endpointID, d.stamp(req))
		if record != nil {
			report.Records = append(report.Records, record)
			totalLatency += record.Latency
		}
		if err != nil {
			continue
		}
		report.SuccessfulCases++
		report.TotalTokens += int64(record.TotalTokens)
		report.TotalCost += record.Cost
	}

	if len(report.Records) > 0 {
		report.AverageLatency = totalLatency / time.Duration(len(report.Records))
	}
	return report, nil
}

func (d *Dispatcher) stamp(req Request) Request {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	return req
}

// wait sleeps for the retry delay unless the context ends first.
func (d *Dispatcher) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := d.clock.Timer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
