package idle

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrInvalidConfig wraps every validation failure of Config.
var ErrInvalidConfig = errors.New("invalid idle policy config")

// DefaultWhitelist protects interactive and desktop processes.
var DefaultWhitelist = []string{
	"python", "code", "terminal", "qt", "obsidian", "spotify", "discord", "safari",
	"webkit", "mdworker", "helper", "plugin-container", "finder", "dock", "systemuiserver",
	"notificationcenter", "windowmanager", "loginwindow", "cloud", "raycast", "noteful",
	"bitwarden", "core", "service", "extension", "widget", "agent", "render", "appstore",
}

// Config is the idle policy. It is validated once and not changed for the
// rest of a session.
type Config struct {
	OwnerThreshold      int      `mapstructure:"owner_threshold" json:"owner_threshold"`
	Whitelist           []string `mapstructure:"whitelist" json:"whitelist"`
	CPUThresholdPercent float64  `mapstructure:"cpu_threshold_percent" json:"cpu_threshold_percent"`
	MemoryThresholdMB   float64  `mapstructure:"memory_threshold_mb" json:"memory_threshold_mb"`
	MinAgeSeconds       float64  `mapstructure:"min_age_seconds" json:"min_age_seconds"`
}

// DefaultOwnerThreshold is the first uid assigned to regular users on this platform.
func DefaultOwnerThreshold() int {
	if runtime.GOOS == "darwin" {
		return 500
	}
	return 1000
}

func DefaultConfig() Config {
	wl := make([]string, len(DefaultWhitelist))
	copy(wl, DefaultWhitelist)
	return Config{
		OwnerThreshold:      DefaultOwnerThreshold(),
		Whitelist:           wl,
		CPUThresholdPercent: 1.0,
		MemoryThresholdMB:   20,
		MinAgeSeconds:       60,
	}
}

// Validate checks c and returns a copy with lowercased, trimmed patterns.
func (c Config) Validate() (Config, error) {
	if c.OwnerThreshold < 0 {
		return c, fmt.Errorf("%w: owner_threshold %d is negative", ErrInvalidConfig, c.OwnerThreshold)
	}
	if c.CPUThresholdPercent < 0 {
		return c, fmt.Errorf("%w: cpu_threshold_percent %v is negative", ErrInvalidConfig, c.CPUThresholdPercent)
	}
	if c.MemoryThresholdMB < 0 {
		return c, fmt.Errorf("%w: memory_threshold_mb %v is negative", ErrInvalidConfig, c.MemoryThresholdMB)
	}
	if c.MinAgeSeconds < 0 {
		return c, fmt.Errorf("%w: min_age_seconds %v is negative", ErrInvalidConfig, c.MinAgeSeconds)
	}
	out := c
	out.Whitelist = make([]string, 0, len(c.Whitelist))
	seen := make(map[string]struct{}, len(c.Whitelist))
	for i, p := range c.Whitelist {
		p = strings.ToLower(strings.TrimSpace(p))
		// an empty substring matches every name and would protect everything silently
		if p == "" {
			return c, fmt.Errorf("%w: whitelist entry %d is empty", ErrInvalidConfig, i)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out.Whitelist = append(out.Whitelist, p)
	}
	return out, nil
}
