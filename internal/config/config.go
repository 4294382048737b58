// Package config loads and validates the perch YAML configuration file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Target kinds accepted for seed targets and via the API.
const (
	TargetKindUser    = "user"
	TargetKindHashtag = "hashtag"
)

// MinPollInterval is the smallest accepted per-target poll cadence.
const MinPollInterval = 60

// SeedTarget is a target written to the store on first startup, when the
// targets table is still empty.
type SeedTarget struct {
	Type                string `yaml:"type" json:"type"`
	Value               string `yaml:"value" json:"value"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds" json:"poll_interval_seconds"`
}

// Config holds all settings read from the configuration file at startup.
// None of these are hot-updatable.
type Config struct {
	StoragePath string `yaml:"storage_path" json:"storage_path"`
	LogPath     string `yaml:"log_path" json:"log_path"`

	NitterInstances []string `yaml:"nitter_instances" json:"nitter_instances"`
	UserAgent       string   `yaml:"user_agent" json:"user_agent"`

	MaxRequestsPerInstancePerMinute int `yaml:"max_requests_per_instance_per_minute" json:"max_requests_per_instance_per_minute"`
	BackoffBaseSeconds              int `yaml:"backoff_base_seconds" json:"backoff_base_seconds"`

	EnableSSE              bool `yaml:"enable_sse" json:"enable_sse"`
	KeepOnlyLastNPerTarget int  `yaml:"keep_only_last_n_per_target" json:"keep_only_last_n_per_target"`

	Targets []SeedTarget `yaml:"targets" json:"targets"`

	ListenAddress     string   `yaml:"listen_address" json:"listen_address"`
	FetchTimeout      Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
	StatusLinkPattern string   `yaml:"status_link_pattern" json:"status_link_pattern"`
	SSEQueueSize      int      `yaml:"sse_queue_size" json:"sse_queue_size"`
	PruneSchedule     string   `yaml:"prune_schedule" json:"prune_schedule"`
	SkipUnchanged     bool     `yaml:"skip_unchanged" json:"skip_unchanged"`
}

// Default returns a Config populated with default values. Keys absent from the
// file keep these values.
func Default() *Config {
	return &Config{
		StoragePath:                     "perch.db",
		UserAgent:                       "perch/1.0",
		MaxRequestsPerInstancePerMinute: 30,
		BackoffBaseSeconds:              2,
		EnableSSE:                       true,
		ListenAddress:                   "127.0.0.1:5173",
		FetchTimeout:                    Duration(20 * time.Second),
		StatusLinkPattern:               `/status/(\d+)`,
		SSEQueueSize:                    64,
	}
}

// Load reads, decodes and validates the configuration file at path.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if err := cfg.normalizeAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalizeAndValidate() error {
	var errs []string

	instances := make([]string, 0, len(c.NitterInstances))
	for _, raw := range c.NitterInstances {
		u := strings.TrimRight(strings.TrimSpace(raw), "/")
		if u == "" {
			continue
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			errs = append(errs, fmt.Sprintf("nitter_instances: %q must be an http(s) URL", raw))
			continue
		}
		instances = append(instances, u)
	}
	c.NitterInstances = instances
	if len(c.NitterInstances) == 0 {
		errs = append(errs, "nitter_instances: at least one instance is required")
	}

	if c.MaxRequestsPerInstancePerMinute < 1 {
		errs = append(errs, "max_requests_per_instance_per_minute must be >= 1")
	}
	if c.BackoffBaseSeconds < 1 {
		c.BackoffBaseSeconds = 1
	}
	if c.KeepOnlyLastNPerTarget < 0 {
		errs = append(errs, "keep_only_last_n_per_target must be >= 0")
	}
	if c.FetchTimeout.Std() <= 0 {
		errs = append(errs, "fetch_timeout must be positive")
	}
	if c.SSEQueueSize < 1 {
		errs = append(errs, "sse_queue_size must be >= 1")
	}

	if re, err := regexp.Compile(c.StatusLinkPattern); err != nil {
		errs = append(errs, fmt.Sprintf("status_link_pattern: %v", err))
	} else if re.NumSubexp() < 1 {
		errs = append(errs, "status_link_pattern must contain a capture group for the post id")
	}

	if c.PruneSchedule != "" {
		if _, err := cron.ParseStandard(c.PruneSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("prune_schedule: %v", err))
		}
	}

	for i := range c.Targets {
		t := &c.Targets[i]
		t.Value = strings.TrimSpace(t.Value)
		if t.Type != TargetKindUser && t.Type != TargetKindHashtag {
			errs = append(errs, fmt.Sprintf("targets[%d]: type must be %q or %q", i, TargetKindUser, TargetKindHashtag))
		}
		if t.Value == "" {
			errs = append(errs, fmt.Sprintf("targets[%d]: value must not be empty", i))
		}
		if t.PollIntervalSeconds < MinPollInterval {
			errs = append(errs, fmt.Sprintf("targets[%d]: poll_interval_seconds must be >= %d", i, MinPollInterval))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
