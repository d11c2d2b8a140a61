package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Policy holds per-service approval overrides, loaded from policy.yaml and
// reloadable at runtime via the watcher.
type Policy struct {
	// Tiers maps "service.action" (or bare "service") to a tier name:
	// read_only, safe_writes, owner_full.
	Tiers map[string]string `yaml:"tiers"`
}

// PolicyPath returns the path to policy.yaml within the home directory.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

// LoadPolicy reads policy.yaml. A missing file yields an empty policy.
func LoadPolicy(homeDir string) (Policy, error) {
	var p Policy
	data, err := os.ReadFile(PolicyPath(homeDir))
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("read policy.yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse policy.yaml: %w", err)
	}
	return p, nil
}

// TierFor looks up the configured tier for a service/action pair, most
// specific key first. Empty string means no override.
func (p Policy) TierFor(service, action string) string {
	if p.Tiers == nil {
		return ""
	}
	if tier, ok := p.Tiers[service+"."+action]; ok {
		return tier
	}
	return p.Tiers[service]
}

// LivePolicy is a policy that can be swapped at runtime when the watcher
// reports a file change. Readers never block writers.
type LivePolicy struct {
	v atomic.Value // Policy
}

// NewLivePolicy wraps an initial policy.
func NewLivePolicy(p Policy) *LivePolicy {
	lp := &LivePolicy{}
	lp.v.Store(p)
	return lp
}

// Swap replaces the active policy.
func (lp *LivePolicy) Swap(p Policy) {
	lp.v.Store(p)
}

// TierFor delegates to the active policy.
func (lp *LivePolicy) TierFor(service, action string) string {
	return lp.v.Load().(Policy).TierFor(service, action)
}
