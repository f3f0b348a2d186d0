package modelmux

import (
	"time"
)

// ProviderKind identifies the protocol family an endpoint speaks.
type ProviderKind string

const (
	ProviderOpenAICompatible ProviderKind = "openai_compatible"
	ProviderAnthropic        ProviderKind = "anthropic"
	ProviderGenericREST      ProviderKind = "generic_rest"
	ProviderCustom           ProviderKind = "custom"
)

// Strategy selects how a pool picks one endpoint among its healthy members.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyWeighted         Strategy = "weighted"
	StrategyRandom           Strategy = "random"
	StrategyLeastConnections Strategy = "least_connections"
	StrategyResponseTime     Strategy = "response_time"
	StrategyCostOptimized    Strategy = "cost_optimized"
)

// Endpoint is one concrete, callable model backend configuration.
// Immutable during a single dispatch decision; mutated only through
// configuration updates in the store.
type Endpoint struct {
	ID       string       `yaml:"id" json:"id"`
	Name     string       `yaml:"name" json:"name"`
	Kind     ProviderKind `yaml:"kind" json:"kind"`

	// Base URL of the backend. E.g., "https://api.openai.com/v1"
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Credential sent as a bearer token (or SDK API key).
	APIKey string `yaml:"api_key" json:"-"`

	// API version for versioned openai-compatible backends (Azure style).
	APIVersion string `yaml:"api_version,omitempty" json:"api_version,omitempty"`

	// Model identifier passed to the backend. E.g., "gpt-4o-mini"
	Model string `yaml:"model" json:"model"`

	MaxTokens     int32   `yaml:"max_tokens" json:"max_tokens"`
	ContextWindow int32   `yaml:"context_window" json:"context_window"`
	Temperature   float32 `yaml:"temperature" json:"temperature"`
	TopP          float32 `yaml:"top_p" json:"top_p"`

	// Prices per 1K tokens in USD.
	InputPricePer1K  float64 `yaml:"input_price_per_1k" json:"input_price_per_1k"`
	OutputPricePer1K float64 `yaml:"output_price_per_1k" json:"output_price_per_1k"`

	RateLimitRPM int32 `yaml:"rate_limit_rpm" json:"rate_limit_rpm"`
	RateLimitTPM int32 `yaml:"rate_limit_tpm" json:"rate_limit_tpm"`

	// Daily request ceiling. 0 means unlimited.
	DailyQuota int32 `yaml:"daily_quota" json:"daily_quota"`

	Active   bool  `yaml:"active" json:"active"`
	Priority int32 `yaml:"priority" json:"priority"`

	// Opaque settings forwarded verbatim by the custom adapter.
	AdditionalConfig map[string]any `yaml:"additional_config,omitempty" json:"additional_config,omitempty"`
}

// PoolMember binds an endpoint to a pool with a weight and a health flag.
// Weight is an integer in [0, 100]; weight 0 removes the member from routing.
type PoolMember struct {
	Endpoint      *Endpoint `yaml:"endpoint" json:"endpoint"`
	Weight        int       `yaml:"weight" json:"weight"`
	Healthy       bool      `yaml:"healthy" json:"healthy"`
	LastCheckedAt time.Time `yaml:"last_checked_at" json:"last_checked_at"`
}

// Pool is a named, weighted, health-tracked group of endpoints routed
// under one strategy.
type Pool struct {
	ID       string       `yaml:"id" json:"id"`
	Name     string       `yaml:"name" json:"name"`
	Strategy Strategy     `yaml:"strategy" json:"strategy"`
	Members  []PoolMember `yaml:"members" json:"members"`

	EnableFallback bool          `yaml:"enable_fallback" json:"enable_fallback"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay" json:"retry_delay"`

	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
	Active              bool          `yaml:"active" json:"active"`
}

// EligibleMembers returns the members a dispatch may select from:
// active endpoints that are currently healthy with weight > 0.
// Pool order is preserved so tie-breaks are deterministic.
func (p *Pool) EligibleMembers() []PoolMember {
	eligible := make([]PoolMember, 0, len(p.Members))
	for _, m := range p.Members {
		if m.Healthy && m.Weight > 0 && m.Endpoint != nil && m.Endpoint.Active {
			eligible = append(eligible, m)
		}
	}
	return eligible
}

// QuotaPeriod is the reset cadence of a quota.
type QuotaPeriod string

const (
	QuotaDaily    QuotaPeriod = "daily"
	QuotaWeekly   QuotaPeriod = "weekly"
	QuotaMonthly  QuotaPeriod = "monthly"
	QuotaLifetime QuotaPeriod = "lifetime"
)

// NextReset returns when a quota of this period, reset at the given time,
// is due again. Lifetime quotas never reset and report the zero time.
func (p QuotaPeriod) NextReset(from time.Time) time.Time {
	switch p {
	case QuotaDaily:
		return from.AddDate(0, 0, 1)
	case QuotaWeekly:
		return from.AddDate(0, 0, 7)
	case QuotaMonthly:
		return from.AddDate(0, 0, 30)
	}
	return time.Time{}
}

// Quota is a usage ceiling scoped to an endpoint and, optionally, a caller.
// A ceiling of 0 means unlimited for that dimension. Usage counters are
// monotonically non-decreasing between resets.
type Quota struct {
	ID         string      `yaml:"id" json:"id"`
	EndpointID string      `yaml:"endpoint_id" json:"endpoint_id"`
	Caller     string      `yaml:"caller,omitempty" json:"caller,omitempty"`
	Period     QuotaPeriod `yaml:"period" json:"period"`

	MaxCalls  int64   `yaml:"max_calls" json:"max_calls"`
	MaxTokens int64   `yaml:"max_tokens" json:"max_tokens"`
	MaxCost   float64 `yaml:"max_cost" json:"max_cost"`

	UsedCalls  int64   `yaml:"used_calls" json:"used_calls"`
	UsedTokens int64   `yaml:"used_tokens" json:"used_tokens"`
	UsedCost   float64 `yaml:"used_cost" json:"used_cost"`

	ResetAt     time.Time `yaml:"reset_at" json:"reset_at"`
	LastResetAt time.Time `yaml:"last_reset_at" json:"last_reset_at"`
	Active      bool      `yaml:"active" json:"active"`
}

// Exceeded reports whether any limited dimension has reached its ceiling.
func (q *Quota) Exceeded() bool {
	if q.MaxCalls > 0 && q.UsedCalls >= q.MaxCalls {
		return true
	}
	if q.MaxTokens > 0 && q.UsedTokens >= q.MaxTokens {
		return true
	}
	if q.MaxCost > 0 && q.UsedCost >= q.MaxCost {
		return true
	}
	return false
}

// CallStatus is the outcome class of one dispatch attempt.
type CallStatus string

const (
	CallSuccess       CallStatus = "success"
	CallFailed        CallStatus = "failed"
	CallTimeout       CallStatus = "timeout"
	CallRateLimited   CallStatus = "rate_limited"
	CallQuotaExceeded CallStatus = "quota_exceeded"
)

// CallRecord is an immutable, append-only log entry for one dispatch
// attempt. A retried request produces one record per attempt.
type CallRecord struct {
	ID         string `json:"id"`
	RequestID  string `json:"request_id"`
	SessionID  string `json:"session_id,omitempty"`
	EndpointID string `json:"endpoint_id"`
	Caller     string `json:"caller,omitempty"`

	InputText  string            `json:"input_text"`
	Parameters map[string]any    `json:"parameters,omitempty"`
	OutputText string            `json:"output_text,omitempty"`

	Status       CallStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`

	InputTokens  int32         `json:"input_tokens"`
	OutputTokens int32         `json:"output_tokens"`
	TotalTokens  int32         `json:"total_tokens"`
	Latency      time.Duration `json:"latency"`
	Cost         float64       `json:"cost"`

	CreatedAt time.Time `json:"created_at"`
}

// HealthGrade is a point-in-time classification of an endpoint derived
// from recent call outcomes.
type HealthGrade string

const (
	GradeHealthy   HealthGrade = "healthy"
	GradeDegraded  HealthGrade = "degraded"
	GradeUnhealthy HealthGrade = "unhealthy"

	// GradeUnknown means no recent records exist. Callers should treat
	// unknown as not-yet-eligible, not as a failure.
	GradeUnknown HealthGrade = "unknown"
)

// PerformanceSnapshot is a daily rollup per endpoint. It is a derived,
// recomputable cache and never a source of truth.
type PerformanceSnapshot struct {
	EndpointID string    `json:"endpoint_id"`
	Date       time.Time `json:"date"`

	TotalCalls      int64 `json:"total_calls"`
	SuccessfulCalls int64 `json:"successful_calls"`
	FailedCalls     int64 `json:"failed_calls"`

	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
	TotalTokens       int64 `json:"total_tokens"`

	AverageLatency time.Duration `json:"average_latency"`
	SuccessRate    float64       `json:"success_rate"`

	TotalCost          float64 `json:"total_cost"`
	AverageCostPerCall float64 `json:"average_cost_per_call"`
}
