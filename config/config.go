// Package config loads the service configuration from a YAML file or a
// remote URL, with environment variables taking precedence.
package config

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/health"
	"github.com/modelmux/modelmux/store"
	"github.com/modelmux/modelmux/utils/env"
)

// PoolMemberSpec references an endpoint by ID so pools and endpoints can
// be declared separately in the config file.
type PoolMemberSpec struct {
	EndpointID string `yaml:"endpoint_id"`
	Weight     int    `yaml:"weight"`
}

// PoolSpec is the YAML shape of a pool. Durations are strings like "2s"
// so the file stays human-editable.
type PoolSpec struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Strategy modelmux.Strategy `yaml:"strategy"`
	Members  []PoolMemberSpec  `yaml:"members"`

	EnableFallback      bool   `yaml:"enable_fallback"`
	MaxRetries          int    `yaml:"max_retries"`
	RetryDelay          string `yaml:"retry_delay"`
	HealthCheckInterval string `yaml:"health_check_interval"`
	Active              bool   `yaml:"active"`
}

// ThresholdsSpec mirrors health.Thresholds with string durations.
type ThresholdsSpec struct {
	HealthySuccessRate  float64 `yaml:"healthy_success_rate"`
	DegradedSuccessRate float64 `yaml:"degraded_success_rate"`
	HealthyLatency      string  `yaml:"healthy_latency"`
	DegradedLatency     string  `yaml:"degraded_latency"`
}

// Config represents the full application configuration.
type Config struct {
	// Valkey (open-source version of Redis) endpoint for shared state.
	// Empty means the in-memory store. E.g., localhost:6379
	ValkeyEndpoint string `yaml:"valkey_endpoint"`

	// Secret used to verify caller JWTs in the Authorization header.
	AuthSecret string

	// Port to listen for incoming requests.
	Port int `yaml:"port"`

	// Interval between health re-grades of all pools. E.g., 5m
	HealthCheckInterval string `yaml:"health_check_interval"`

	// Interval between sweeps for quotas due to reset. E.g., 1m
	QuotaSweepInterval string `yaml:"quota_sweep_interval"`

	// Interval between daily performance rollups. E.g., 24h
	RollupInterval string `yaml:"rollup_interval"`

	// Call records older than this many days are pruned.
	RetentionDays int `yaml:"retention_days"`

	Health ThresholdsSpec `yaml:"health"`

	Endpoints []*modelmux.Endpoint `yaml:"endpoints"`
	Pools     []PoolSpec           `yaml:"pools"`
	Quotas    []*modelmux.Quota    `yaml:"quotas"`
}

// LoadConfig loads the configuration from the specified path.
func LoadConfig(path string, logger *zap.SugaredLogger) (*Config, error) {
	config := Config{
		Port:                8080,
		HealthCheckInterval: "5m",
		QuotaSweepInterval:  "1m",
		RollupInterval:      "24h",
		RetentionDays:       30,
	}

	// Checks if config is specified via environment variable.
	configSource := env.OptionalStringVariable("CONFIG_SOURCE", path)
	configToken := env.OptionalStringVariable("CONFIG_TOKEN", "")
	configData, err := func(configSource string, configToken string) ([]byte, error) {
		if strings.HasPrefix(configSource, "http://") || strings.HasPrefix(configSource, "https://") {
			logger.Infow("Fetching remote config", "url", configSource)
			return fetchRemoteConfig(configSource, configToken)
		}
		logger.Infow("Loading local config", "path", configSource)
		return os.ReadFile(configSource)
	}(configSource, configToken)

	if err != nil {
		return nil, fmt.Errorf("failed to get config data: %v", err)
	}

	if err := yaml.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}

	// Environment variables precede the values from the YAML file.
	config.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", config.ValkeyEndpoint)
	config.AuthSecret = env.OptionalStringVariable("MODELMUX_AUTH_SECRET", config.AuthSecret)
	config.Port = env.OptionalIntVariable("PORT", config.Port)
	config.HealthCheckInterval = env.OptionalStringVariable("HEALTH_CHECK_INTERVAL", config.HealthCheckInterval)
	config.QuotaSweepInterval = env.OptionalStringVariable("QUOTA_SWEEP_INTERVAL", config.QuotaSweepInterval)
	config.RollupInterval = env.OptionalStringVariable("ROLLUP_INTERVAL", config.RollupInterval)
	config.RetentionDays = env.OptionalIntVariable("RETENTION_DAYS", config.RetentionDays)

	return &config, nil
}

// Thresholds resolves the health grading thresholds, falling back to
// the defaults for any field left unset.
func (c *Config) Thresholds() (health.Thresholds, error) {
	thresholds := health.DefaultThresholds()
	if c.Health.HealthySuccessRate > 0 {
		thresholds.HealthySuccessRate = c.Health.HealthySuccessRate
	}
	if c.Health.DegradedSuccessRate > 0 {
		thresholds.DegradedSuccessRate = c.Health.DegradedSuccessRate
	}
	if c.Health.HealthyLatency != "" {
		parsed, err := time.ParseDuration(c.Health.HealthyLatency)
		if err != nil {
			return thresholds, fmt.Errorf("invalid healthy_latency: %v", err)
		}
		thresholds.HealthyLatency = parsed
	}
	if c.Health.DegradedLatency != "" {
		parsed, err := time.ParseDuration(c.Health.DegradedLatency)
		if err != nil {
			return thresholds, fmt.Errorf("invalid degraded_latency: %v", err)
		}
		thresholds.DegradedLatency = parsed
	}
	return thresholds, nil
}

// BuildPools resolves pool specs against the declared endpoints.
// Members start healthy; the health checker takes over from there.
func (c *Config) BuildPools() ([]*modelmux.Pool, error) {
	endpoints := make(map[string]*modelmux.Endpoint, len(c.Endpoints))
	for _, endpoint := range c.Endpoints {
		endpoints[endpoint.ID] = endpoint
	}

	pools := make([]*modelmux.Pool, 0, len(c.Pools))
	for _, spec := range c.Pools {
		pool := &modelmux.Pool{
			ID:             spec.ID,
			Name:           spec.Name,
			Strategy:       spec.Strategy,
			EnableFallback: spec.EnableFallback,
			MaxRetries:     spec.MaxRetries,
			Active:         spec.Active,
		}

		if spec.RetryDelay != "" {
			parsed, err := time.ParseDuration(spec.RetryDelay)
			if err != nil {
				return nil, fmt.Errorf("pool %s: invalid retry_delay: %v", spec.ID, err)
			}
			pool.RetryDelay = parsed
		}
		if spec.HealthCheckInterval != "" {
			parsed, err := time.ParseDuration(spec.HealthCheckInterval)
			if err != nil {
				return nil, fmt.Errorf("pool %s: invalid health_check_interval: %v", spec.ID, err)
			}
			pool.HealthCheckInterval = parsed
		}

		for _, member := range spec.Members {
			endpoint, ok := endpoints[member.EndpointID]
			if !ok {
				return nil, fmt.Errorf("pool %s references unknown endpoint %s", spec.ID, member.EndpointID)
			}
			pool.Members = append(pool.Members, modelmux.PoolMember{
				Endpoint: endpoint,
				Weight:   member.Weight,
				Healthy:  true,
			})
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

// Seed writes the configured endpoints, pools, and quotas into the
// store. Quotas get their first reset time scheduled if unset.
func (c *Config) Seed(ctx context.Context, s store.Store, now time.Time) error {
	for _, endpoint := range c.Endpoints {
		if err := s.PutEndpoint(ctx, endpoint); err != nil {
			return fmt.Errorf("failed to seed endpoint %s: %v", endpoint.ID, err)
		}
	}

	pools, err := c.BuildPools()
	if err != nil {
		return err
	}
	for _, pool := range pools {
		if err := s.PutPool(ctx, pool); err != nil {
			return fmt.Errorf("failed to seed pool %s: %v", pool.ID, err)
		}
	}

	for _, quota := range c.Quotas {
		if quota.ResetAt.IsZero() {
			quota.ResetAt = quota.Period.NextReset(now)
		}
		if err := s.PutQuota(ctx, quota); err != nil {
			return fmt.Errorf("failed to seed quota %s: %v", quota.ID, err)
		}
	}
	return nil
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch config: HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
