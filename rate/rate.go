// Package rate enforces per-endpoint request-per-minute ceilings ahead
// of the backend call.
package rate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux"
)

// ErrLimited is the sentinel wrapped into limiter denials.
var ErrLimited = errors.New("rate limit exceeded")

// Limiter answers whether an endpoint may take one more request right
// now. A zero RateLimitRPM always allows.
type Limiter interface {
	Allow(ctx context.Context, endpoint *modelmux.Endpoint) (bool, time.Duration, error)
}

// ValkeyLimiter counts requests in fixed one-minute windows shared
// across nodes. The count and expiry are set in one Lua script so two
// nodes cannot both claim the last slot.
type ValkeyLimiter struct {
	client valkey.Client
	logger *zap.SugaredLogger
}

func NewValkeyLimiter(client valkey.Client, logger *zap.SugaredLogger) *ValkeyLimiter {
	return &ValkeyLimiter{client: client, logger: logger}
}

func (l *ValkeyLimiter) Allow(ctx context.Context, endpoint *modelmux.Endpoint) (bool, time.Duration, error) {
	if endpoint.RateLimitRPM <= 0 {
		return true, 0, nil
	}

	key := fmt.Sprintf("modelmux:rpm:%s", endpoint.ID)
	script := `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], 60000)
end
if count > tonumber(ARGV[1]) then
	local ttl = redis.call('PTTL', KEYS[1])
	return {0, ttl}
end
return {1, 0}
`

	resp := l.client.Do(ctx, l.client.B().Eval().Script(script).Numkeys(1).Key(key).Arg(
		fmt.Sprintf("%d", endpoint.RateLimitRPM),
	).Build())

	result, err := resp.AsIntSlice()
	if err != nil {
		return false, 0, err
	}
	if result[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(result[1]) * time.Millisecond, nil
}

// MemoryLimiter is the single-node counterpart.
type MemoryLimiter struct {
	clock clock.Clock

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start time.Time
	count int32
}

func NewMemoryLimiter() *MemoryLimiter {
	return NewMemoryLimiterWithClock(clock.New())
}

func NewMemoryLimiterWithClock(clk clock.Clock) *MemoryLimiter {
	return &MemoryLimiter{clock: clk, windows: make(map[string]*window)}
}

func (l *MemoryLimiter) Allow(ctx context.Context, endpoint *modelmux.Endpoint) (bool, time.Duration, error) {
	if endpoint.RateLimitRPM <= 0 {
		return true, 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	w := l.windows[endpoint.ID]
	if w == nil || now.Sub(w.start) >= time.Minute {
		w = &window{start: now}
		l.windows[endpoint.ID] = w
	}

	if w.count >= endpoint.RateLimitRPM {
		return false, w.start.Add(time.Minute).Sub(now), nil
	}
	w.count++
	return true, 0, nil
}
