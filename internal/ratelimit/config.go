// Package ratelimit implements the distributed fixed-window rate limiter.
// Counters and timeout markers live in the shared key-value store so every
// node enforces the same budgets; policy configuration is an immutable
// snapshot swapped atomically on admin updates.
package ratelimit

import (
	"fmt"
	"sort"
	"strings"
)

// Rule is one fixed window: at most MaxHits inside PeriodSeconds, with a
// TimeoutSeconds penalty once crossed.
type Rule struct {
	MaxHits        int `json:"maxHits" yaml:"max_hits"`
	PeriodSeconds  int `json:"periodSeconds" yaml:"period_seconds"`
	TimeoutSeconds int `json:"timeoutSeconds" yaml:"timeout_seconds"`
}

// String renders the header form maxHits:period:timeout.
func (r Rule) String() string {
	return fmt.Sprintf("%d:%d:%d", r.MaxHits, r.PeriodSeconds, r.TimeoutSeconds)
}

// Policy is a named ordered rule list. Every rule must admit for the
// request to pass.
type Policy struct {
	Name  string `json:"name" yaml:"name"`
	Rules []Rule `json:"rules" yaml:"rules"`
}

// Config is the complete limiter configuration. Instances are immutable
// once published — mutations copy, then swap.
type Config struct {
	Enabled       bool              `json:"enabled" yaml:"enabled"`
	DefaultPolicy string            `json:"defaultPolicy" yaml:"default_policy"`
	Policies      map[string]Policy `json:"policies" yaml:"policies"`
	// Endpoints maps a path pattern (exact, or prefix ending in '*') to a
	// policy name.
	Endpoints map[string]string `json:"endpoints" yaml:"endpoints"`
}

// Validate checks rule values and referential integrity.
func (c *Config) Validate() error {
	if c.DefaultPolicy == "" {
		return fmt.Errorf("default policy name is empty")
	}
	if _, ok := c.Policies[c.DefaultPolicy]; !ok {
		return fmt.Errorf("default policy %q does not resolve", c.DefaultPolicy)
	}
	for name, p := range c.Policies {
		if len(p.Rules) == 0 {
			return fmt.Errorf("policy %q has no rules", name)
		}
		for i, r := range p.Rules {
			if r.MaxHits <= 0 || r.PeriodSeconds <= 0 || r.TimeoutSeconds <= 0 {
				return fmt.Errorf("policy %q rule %d: values must be positive", name, i)
			}
		}
	}
	for pattern, policy := range c.Endpoints {
		if pattern == "" {
			return fmt.Errorf("empty endpoint pattern")
		}
		if _, ok := c.Policies[policy]; !ok {
			return fmt.Errorf("endpoint %q maps to unknown policy %q", pattern, policy)
		}
	}
	return nil
}

// Clone deep-copies the config so admin mutations never touch a published
// snapshot.
func (c *Config) Clone() *Config {
	out := &Config{
		Enabled:       c.Enabled,
		DefaultPolicy: c.DefaultPolicy,
		Policies:      make(map[string]Policy, len(c.Policies)),
		Endpoints:     make(map[string]string, len(c.Endpoints)),
	}
	for name, p := range c.Policies {
		rules := make([]Rule, len(p.Rules))
		copy(rules, p.Rules)
		out.Policies[name] = Policy{Name: p.Name, Rules: rules}
	}
	for pattern, policy := range c.Endpoints {
		out.Endpoints[pattern] = policy
	}
	return out
}

// resolvePolicy finds the policy for a request path: exact match first,
// then the longest matching '*'-suffixed prefix, then the default.
func (c *Config) resolvePolicy(path string) Policy {
	if name, ok := c.Endpoints[path]; ok {
		return c.Policies[name]
	}

	bestLen := -1
	var bestName string
	for pattern, name := range c.Endpoints {
		if !strings.HasSuffix(pattern, "*") {
			continue
		}
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.HasPrefix(path, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			bestName = name
		}
	}
	if bestLen >= 0 {
		return c.Policies[bestName]
	}
	return c.Policies[c.DefaultPolicy]
}

// PolicyNames returns the configured policy names sorted for stable admin
// output.
func (c *Config) PolicyNames() []string {
	names := make([]string, 0, len(c.Policies))
	for name := range c.Policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultConfig is the shipped configuration: a general default policy and
// a tighter one for the login endpoint.
func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		DefaultPolicy: "Default",
		Policies: map[string]Policy{
			"Default": {
				Name: "Default",
				Rules: []Rule{
					{MaxHits: 120, PeriodSeconds: 60, TimeoutSeconds: 60},
				},
			},
			"Auth": {
				Name: "Auth",
				Rules: []Rule{
					{MaxHits: 10, PeriodSeconds: 60, TimeoutSeconds: 600},
				},
			},
		},
		Endpoints: map[string]string{
			"/api/auth/*": "Auth",
		},
	}
}
