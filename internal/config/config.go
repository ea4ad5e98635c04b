// Package config holds the client's configuration knobs as an explicit
// record threaded through constructors, rather than a process-wide
// singleton.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds the full set of knobs the core subsystems need. There is
// deliberately no package-level instance: callers construct one (via Load
// or Default) and pass it to whatever needs it.
type Config struct {
	// ViewportPrediction enables head-motion-based prediction (§4.3.2). When
	// false, the latest rotation sample is used directly.
	ViewportPrediction bool `json:"viewportPrediction"`
	// Popularity enables the offline popularity plan (§4.3.4): it replaces
	// the viewport-derived plan for every segment when ViewportPrediction is
	// false, and serves as the over-budget fallback when Transitions is true.
	Popularity bool `json:"popularity"`
	// Transitions allows a mid-plan transition to popularity once the
	// greedy upgrade loop would otherwise exceed budget. Only meaningful
	// when Popularity is also true.
	Transitions bool `json:"transitions"`
	// Demo switches the decode pipeline's merge step to the quality
	// visualisation paint mode (§4.5 step 4).
	Demo bool `json:"demo"`
	// BandwidthAdaptation toggles quality adaptation under a bandwidth
	// budget entirely; when false the plan always stays at the lowest
	// quality (used by evaluation harnesses that isolate other variables).
	BandwidthAdaptation bool `json:"bandwidthAdaptation"`

	// SafetyFactorLive is the live-playback viewport safety factor k
	// (§4.3.1), default 1.5.
	SafetyFactorLive float64 `json:"safetyFactorLive"`
	// SafetyFactorPopularity is the offline popularity-computation safety
	// factor k, default 2.0. Unused by the core (the popularity table is
	// precomputed) but recorded so a fixture generator can reproduce the
	// original's popularity numbers.
	SafetyFactorPopularity float64 `json:"safetyFactorPopularity"`

	// BandwidthEstimateSeedBps is the bandwidth estimate (bytes/sec) used
	// for the very first segment, before any download timing is available.
	// Kept configurable rather than hard-coded. Default 2 000 000.
	BandwidthEstimateSeedBps float64 `json:"bandwidthEstimateSeedBps"`

	// UserAgent is sent on every HTTP request the transport collaborator
	// issues.
	UserAgent string `json:"userAgent"`
	// RequestTimeout bounds a single HTTP attempt.
	RequestTimeout time.Duration `json:"requestTimeout"`
	// MaxRetries is the number of attempts (including the first) per
	// segment fetch before FetchFailed is surfaced.
	MaxRetries int `json:"maxRetries"`
	// RetryDelay is the pause between failed attempts.
	RetryDelay time.Duration `json:"retryDelay"`

	// FrameQueueCapacity bounds the decode pipeline's composite frame
	// queue (§4.5).
	FrameQueueCapacity int `json:"frameQueueCapacity"`

	// LogLevel selects the logger's minimum level ("debug"|"info"|"warn"|"error").
	LogLevel string `json:"logLevel"`
}

// Default returns a reasonable default configuration: prediction,
// popularity and transitions all enabled, demo mode off.
func Default() Config {
	return Config{
		ViewportPrediction:       true,
		Popularity:               true,
		Transitions:              true,
		Demo:                     false,
		BandwidthAdaptation:      true,
		SafetyFactorLive:         1.5,
		SafetyFactorPopularity:   2.0,
		BandwidthEstimateSeedBps: 2000000,
		UserAgent:                "360transitions-client",
		RequestTimeout:           10 * time.Second,
		MaxRetries:               2,
		RetryDelay:               200 * time.Millisecond,
		FrameQueueCapacity:       10,
		LogLevel:                 "info",
	}
}

// Load reads and parses a JSON configuration file, overlaying it onto the
// defaults so a config file only needs to set the fields it cares about.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config JSON: %w", err)
	}

	return cfg, nil
}
