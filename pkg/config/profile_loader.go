package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TuningProfile is a named operating profile: a partial Tuning overlay for
// one deployment tier (development, staging, production, ...). Fields the
// profile leaves at zero keep their current values.
type TuningProfile struct {
	Name   string `yaml:"name"`
	Code   string `yaml:"code"`
	Tuning `yaml:",inline"`
}

// LoadProfile loads a tuning profile YAML by code. It searches the profiles
// directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*TuningProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile TuningProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*TuningProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TuningProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile TuningProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_prod.yaml -> prod
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// ApplyProfile overlays a profile's non-zero tuning values onto the config.
// Environment overrides were applied at Load time, so the effective
// precedence is profile over environment over defaults.
func (c *Config) ApplyProfile(p *TuningProfile) {
	if p == nil {
		return
	}
	c.Profile = p.Code
	overlayInt(&c.Tuning.Retry.MaxAttempts, p.Retry.MaxAttempts)
	overlayInt(&c.Tuning.Retry.BaseDelayMs, p.Retry.BaseDelayMs)
	overlayInt(&c.Tuning.Session.ArchiveAfterDays, p.Session.ArchiveAfterDays)
	overlayInt(&c.Tuning.Rollout.WindowHours, p.Rollout.WindowHours)
	overlayInt(&c.Tuning.Rollout.PruneOlderThanDays, p.Rollout.PruneOlderThanDays)
	overlayInt(&c.Tuning.Export.BatchSize, p.Export.BatchSize)
	overlayInt(&c.Tuning.Export.MaxRetries, p.Export.MaxRetries)
	for class, bucket := range p.RateLimits {
		current := c.Tuning.RateLimits[class]
		overlayInt(&current.Requests, bucket.Requests)
		overlayInt(&current.WindowSeconds, bucket.WindowSeconds)
		if c.Tuning.RateLimits == nil {
			c.Tuning.RateLimits = make(map[string]BucketTuning)
		}
		c.Tuning.RateLimits[class] = current
	}
}

func overlayInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
