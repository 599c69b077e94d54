package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/titanplay/backend/internal/kv"
)

const (
	bucketKeyPrefix  = "titan:rl:b:"
	timeoutKeyPrefix = "titan:rl:to:"
)

// Mode is the partitioning mode of an admission.
type Mode string

const (
	ModeIP      Mode = "ip"
	ModeAccount Mode = "account"
)

// AdmitRequest describes one request to admit or deny.
type AdmitRequest struct {
	// Path is matched against the endpoint pattern map.
	Path string
	// IP partitions anonymous callers.
	IP string
	// UserID, when set, partitions by account instead of IP.
	UserID string
}

// Result is the structured admission outcome. The engine never writes the
// response itself — callers render Headers() onto whatever transport they
// serve.
type Result struct {
	Allowed bool
	Policy  string
	Mode    Mode
	// Rules holds maxHits:period:timeout per configured rule.
	Rules []string
	// State holds hits:period for the tightest rule, with the remaining
	// timeout seconds appended on a denial.
	State string
	// RetryAfter is the seconds until the partition leaves timeout;
	// zero when allowed.
	RetryAfter int
}

// Headers renders the advisory header contract.
func (r *Result) Headers() http.Header {
	h := http.Header{}
	if r.Policy == "" {
		return h
	}
	part := "Ip"
	if r.Mode == ModeAccount {
		part = "Account"
	}
	h.Set("X-Rate-Limit-Policy", r.Policy)
	h.Set("X-Rate-Limit-Rules", string(r.Mode))
	h.Set("X-Rate-Limit-"+part, strings.Join(r.Rules, ","))
	if r.State != "" {
		h.Set("X-Rate-Limit-"+part+"-State", r.State)
	}
	if !r.Allowed {
		h.Set("Retry-After", fmt.Sprintf("%d", r.RetryAfter))
	}
	return h
}

// snapshot pairs a config with its version for admin visibility.
type snapshot struct {
	version int64
	config  *Config
}

// Engine runs admissions against the shared store. Safe for concurrent use;
// admissions read whichever config snapshot was current when they started.
type Engine struct {
	kv      kv.Store
	current atomic.Pointer[snapshot]
	metrics *Metrics
}

// NewEngine creates an engine with the given initial config.
func NewEngine(store kv.Store, cfg *Config, metrics *Metrics) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{kv: store, metrics: metrics}
	e.current.Store(&snapshot{version: 1, config: cfg.Clone()})
	return e, nil
}

// Config returns the current snapshot and its version.
func (e *Engine) Config() (*Config, int64) {
	s := e.current.Load()
	return s.config, s.version
}

// SetConfig validates and atomically publishes a new snapshot. In-flight
// admissions complete against the snapshot they read.
func (e *Engine) SetConfig(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	old := e.current.Load()
	e.current.Store(&snapshot{version: old.version + 1, config: cfg.Clone()})
	slog.Info("rate limit config published", "version", old.version+1, "enabled", cfg.Enabled)
	return nil
}

// Update applies mutate to a copy of the current config and publishes it.
func (e *Engine) Update(mutate func(*Config) error) error {
	cfg, _ := e.Config()
	next := cfg.Clone()
	if err := mutate(next); err != nil {
		return err
	}
	return e.SetConfig(next)
}

// PartitionKey returns account:<uid> for authenticated callers, ip:<ip>
// otherwise.
func PartitionKey(req AdmitRequest) (string, Mode) {
	if req.UserID != "" {
		return "account:" + req.UserID, ModeAccount
	}
	return "ip:" + req.IP, ModeIP
}

func bucketKey(partition, policy string, periodSeconds int) string {
	return fmt.Sprintf("%s%s:%s:%d", bucketKeyPrefix, partition, policy, periodSeconds)
}

func timeoutKey(partition, policy string) string {
	return fmt.Sprintf("%s%s:%s", timeoutKeyPrefix, partition, policy)
}

// Admit runs the admission algorithm for one request.
func (e *Engine) Admit(ctx context.Context, req AdmitRequest) (*Result, error) {
	cfg, _ := e.Config()
	if !cfg.Enabled {
		return &Result{Allowed: true}, nil
	}

	policy := cfg.resolvePolicy(req.Path)
	partition, mode := PartitionKey(req)

	res := &Result{
		Allowed: true,
		Policy:  policy.Name,
		Mode:    mode,
		Rules:   make([]string, len(policy.Rules)),
	}
	for i, rule := range policy.Rules {
		res.Rules[i] = rule.String()
	}

	// An active timeout denies before any counter is touched.
	remaining, err := e.kv.TTL(ctx, timeoutKey(partition, policy.Name))
	if err == nil {
		res.Allowed = false
		res.RetryAfter = ceilSeconds(remaining)
		res.State = fmt.Sprintf("0:0:%d", res.RetryAfter)
		e.metrics.observe(policy.Name, false)
		return res, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}

	for _, rule := range policy.Rules {
		period := time.Duration(rule.PeriodSeconds) * time.Second
		count, err := e.kv.IncrWithExpiry(ctx, bucketKey(partition, policy.Name, rule.PeriodSeconds), period)
		if err != nil {
			return nil, err
		}
		res.State = fmt.Sprintf("%d:%d", count, rule.PeriodSeconds)

		if count > int64(rule.MaxHits) {
			timeout := time.Duration(rule.TimeoutSeconds) * time.Second
			if err := e.kv.SetWithTTL(ctx, timeoutKey(partition, policy.Name), []byte(time.Now().Add(timeout).Format(time.RFC3339)), timeout); err != nil {
				return nil, err
			}
			res.Allowed = false
			res.RetryAfter = rule.TimeoutSeconds
			res.State = fmt.Sprintf("%d:%d:%d", count, rule.PeriodSeconds, rule.TimeoutSeconds)
			e.metrics.observe(policy.Name, false)
			e.metrics.timeoutSet(policy.Name)
			slog.Info("rate limit timeout set",
				"partition", partition, "policy", policy.Name, "timeout_seconds", rule.TimeoutSeconds)
			return res, nil
		}
	}

	e.metrics.observe(policy.Name, true)
	return res, nil
}

// Reset clears the bucket and timeout state for one partition, or for all
// partitions when partition is empty. Admin use only.
func (e *Engine) Reset(ctx context.Context, partition string) (int, error) {
	patterns := []string{bucketKeyPrefix + "*", timeoutKeyPrefix + "*"}
	if partition != "" {
		patterns = []string{bucketKeyPrefix + partition + ":*", timeoutKeyPrefix + partition + ":*"}
	}
	total := 0
	for _, pattern := range patterns {
		keys, err := e.kv.Keys(ctx, pattern)
		if err != nil {
			return total, err
		}
		if len(keys) == 0 {
			continue
		}
		n, err := e.kv.Del(ctx, keys...)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Snapshot is the admin metrics view. Enumeration runs on its own KV calls
// and never blocks admissions.
type Snapshot struct {
	Version        int64    `json:"version"`
	Enabled        bool     `json:"enabled"`
	DefaultPolicy  string   `json:"defaultPolicy"`
	Policies       []string `json:"policies"`
	ActiveBuckets  int      `json:"activeBuckets"`
	ActiveTimeouts int      `json:"activeTimeouts"`
}

// MetricsSnapshot enumerates live buckets and timeouts for the admin view.
func (e *Engine) MetricsSnapshot(ctx context.Context) (*Snapshot, error) {
	cfg, version := e.Config()
	buckets, err := e.kv.Keys(ctx, bucketKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	timeouts, err := e.kv.Keys(ctx, timeoutKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Version:        version,
		Enabled:        cfg.Enabled,
		DefaultPolicy:  cfg.DefaultPolicy,
		Policies:       cfg.PolicyNames(),
		ActiveBuckets:  len(buckets),
		ActiveTimeouts: len(timeouts),
	}, nil
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
