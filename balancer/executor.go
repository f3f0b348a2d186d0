package balancer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/cost"
	"github.com/modelmux/modelmux/metrics"
	"github.com/modelmux/modelmux/provider"
	"github.com/modelmux/modelmux/quota"
	"github.com/modelmux/modelmux/rate"
	"github.com/modelmux/modelmux/store"
)

// Request is one model invocation as submitted by a caller. RequestID
// groups the call records of all attempts made on its behalf.
type Request struct {
	Prompt    string
	Params    cost.Params
	Caller    string
	RequestID string
	SessionID string

	// Per-attempt deadline. Zero means no attempt-level timeout; the
	// surrounding context still bounds the whole dispatch.
	Timeout time.Duration
}

// Executor performs a single attempt against a single endpoint and
// always leaves a call record behind, whatever the outcome.
type Executor struct {
	registry *provider.Registry
	store    store.Store
	gate     *quota.Gate
	limiter  rate.Limiter
	metrics  *metrics.Collector
	tracer   trace.Tracer
	clock    clock.Clock
	logger   *zap.SugaredLogger
}

// NewExecutor builds an executor. A nil limiter disables local rate
// limiting.
func NewExecutor(registry *provider.Registry, s store.Store, gate *quota.Gate, limiter rate.Limiter, collector *metrics.Collector, logger *zap.SugaredLogger) *Executor {
	return newExecutorWithClock(registry, s, gate, limiter, collector, clock.New(), logger)
}

func newExecutorWithClock(registry *provider.Registry, s store.Store, gate *quota.Gate, limiter rate.Limiter, collector *metrics.Collector, clk clock.Clock, logger *zap.SugaredLogger) *Executor {
	return &Executor{
		registry: registry,
		store:    s,
		gate:     gate,
		limiter:  limiter,
		metrics:  collector,
		tracer:   otel.Tracer("modelmux/balancer"),
		clock:    clk,
		logger:   logger,
	}
}

// Execute runs one attempt. The returned record is non-nil whenever the
// attempt got far enough to be accountable, including quota denials.
func (e *Executor) Execute(ctx context.Context, endpoint *modelmux.Endpoint, req Request) (*modelmux.CallRecord, error) {
	normalized := cost.Normalize(endpoint, req.Params)

	record := &modelmux.CallRecord{
		ID:         uuid.NewString(),
		RequestID:  req.RequestID,
		SessionID:  req.SessionID,
		EndpointID: endpoint.ID,
		Caller:     req.Caller,
		InputText:  req.Prompt,
		Parameters: normalized.Map(),
		CreatedAt:  e.clock.Now(),
	}

	ctx, span := e.tracer.Start(ctx, "modelmux.invoke",
		trace.WithAttributes(
			attribute.String("endpoint.id", endpoint.ID),
			attribute.String("endpoint.kind", string(endpoint.Kind)),
			attribute.String("request.id", req.RequestID),
		))
	defer span.End()

	if err := e.gate.Check(ctx, endpoint, req.Caller); err != nil {
		if !errors.Is(err, quota.ErrExceeded) {
			return nil, err
		}
		record.Status = modelmux.CallQuotaExceeded
		record.ErrorMessage = err.Error()
		e.finish(ctx, record)
		return record, err
	}

	if e.limiter != nil {
		allowed, wait, limitErr := e.limiter.Allow(ctx, endpoint)
		if limitErr != nil {
			// The limiter being down should not take the endpoint down.
			e.logger.Warnw("rate limiter unavailable, allowing call",
				"endpoint_id", endpoint.ID, "error", limitErr)
		} else if !allowed {
			limited := fmt.Errorf("%w: retry in %s", rate.ErrLimited, wait)
			record.Status = modelmux.CallRateLimited
			record.ErrorMessage = limited.Error()
			e.finish(ctx, record)
			return record, limited
		}
	}

	adapter, err := e.registry.For(endpoint)
	if err != nil {
		record.Status = modelmux.CallFailed
		record.ErrorMessage = err.Error()
		e.finish(ctx, record)
		return record, err
	}

	attemptCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := e.clock.Now()
	result, err := adapter.Invoke(attemptCtx, req.Prompt, normalized)
	record.Latency = e.clock.Since(start)

	if err != nil {
		switch {
		case provider.IsTimeout(err):
			record.Status = modelmux.CallTimeout
		case provider.IsRateLimited(err):
			record.Status = modelmux.CallRateLimited
		default:
			record.Status = modelmux.CallFailed
		}
		record.ErrorMessage = err.Error()
		e.finish(ctx, record)
		return record, err
	}

	record.Status = modelmux.CallSuccess
	record.OutputText = result.OutputText
	record.InputTokens = result.InputTokens
	record.OutputTokens = result.OutputTokens
	if record.InputTokens == 0 {
		record.InputTokens = provider.ApproximateTokens(req.Prompt)
	}
	record.TotalTokens = record.InputTokens + record.OutputTokens
	record.Cost = cost.Compute(endpoint, record.InputTokens, record.OutputTokens)

	if err := e.gate.Commit(ctx, endpoint, req.Caller, int64(record.TotalTokens), record.Cost); err != nil {
		e.logger.Warnw("failed to commit quota usage",
			"endpoint_id", endpoint.ID, "error", err)
	}

	e.finish(ctx, record)
	return record, nil
}

// finish persists the record and feeds metrics. Persistence failures
// are logged, not propagated: the call outcome already happened.
func (e *Executor) finish(ctx context.Context, record *modelmux.CallRecord) {
	if err := e.store.AppendCallRecord(ctx, record); err != nil {
		e.logger.Warnw("failed to append call record",
			"endpoint_id", record.EndpointID, "error", err)
	}
	e.metrics.ObserveCall(record)
}
