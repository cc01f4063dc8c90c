package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"postpilot/internal/model"
	"postpilot/internal/ratelimit"
	"postpilot/internal/schedule"
)

// PlatformPolicy is the posting policy for one platform: rate caps, minimum
// spacing, and how far back the dedup engine looks.
type PlatformPolicy struct {
	HourlyLimit        int `yaml:"hourly_limit"`
	DailyLimit         int `yaml:"daily_limit"`
	MinIntervalSeconds int `yaml:"min_interval_seconds"`
	DedupLookbackHours int `yaml:"dedup_lookback_hours"`
	MinGapHours        int `yaml:"min_gap_hours"`
}

// Policies maps platforms to their posting policies.
type Policies map[model.Platform]PlatformPolicy

// DefaultPolicies returns the built-in per-platform policies. dev.to keeps a
// 30-day dedup window because of its strict repost policy; the others use a
// day.
func DefaultPolicies() Policies {
	return Policies{
		model.PlatformDevto: {
			HourlyLimit:        1,
			DailyLimit:         3,
			MinIntervalSeconds: 3600,
			DedupLookbackHours: 720,
			MinGapHours:        4,
		},
		model.PlatformMastodon: {
			HourlyLimit:        5,
			DailyLimit:         20,
			MinIntervalSeconds: 300,
			DedupLookbackHours: 24,
			MinGapHours:        2,
		},
		model.PlatformReddit: {
			HourlyLimit:        5,
			DailyLimit:         10,
			MinIntervalSeconds: 600,
			DedupLookbackHours: 24,
			MinGapHours:        2,
		},
	}
}

// LoadPolicies reads a YAML policy file and merges it over the defaults.
// An empty path returns the defaults unchanged. Unknown platform keys fail.
func LoadPolicies(path string) (Policies, error) {
	policies := DefaultPolicies()
	if path == "" {
		return policies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policies file: %w", err)
	}

	var raw map[string]PlatformPolicy
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse policies file: %w", err)
	}

	for name, policy := range raw {
		platform, err := model.ParsePlatform(name)
		if err != nil {
			return nil, fmt.Errorf("policies file: %w", err)
		}
		policies[platform] = policy
	}
	return policies, nil
}

// RateLimits converts the policies into rate limiter configuration.
func (p Policies) RateLimits() map[model.Platform]ratelimit.Limits {
	limits := make(map[model.Platform]ratelimit.Limits, len(p))
	for platform, policy := range p {
		limits[platform] = ratelimit.Limits{
			PostsPerHour: policy.HourlyLimit,
			PostsPerDay:  policy.DailyLimit,
			MinInterval:  time.Duration(policy.MinIntervalSeconds) * time.Second,
		}
	}
	return limits
}

// SchedulePolicies converts the policies into optimizer configuration.
func (p Policies) SchedulePolicies() map[model.Platform]schedule.Policy {
	policies := make(map[model.Platform]schedule.Policy, len(p))
	for platform, policy := range p {
		policies[platform] = schedule.Policy{
			MinInterval: time.Duration(policy.MinGapHours) * time.Hour,
			Lookback:    24 * time.Hour,
		}
	}
	return policies
}

// DedupLookbacks returns the per-platform dedup windows.
func (p Policies) DedupLookbacks() map[model.Platform]time.Duration {
	lookbacks := make(map[model.Platform]time.Duration, len(p))
	for platform, policy := range p {
		lookbacks[platform] = time.Duration(policy.DedupLookbackHours) * time.Hour
	}
	return lookbacks
}
