// Package config loads the YAML configuration file the run/reproduce
// commands are driven by. Grounded on the teacher's internal/cli.Config
// struct-plus-loadConfig shape (yaml.v3 struct tags, flat os.ReadFile then
// yaml.Unmarshal), generalized from the teacher's worker/wal/snapshot/
// metrics sections to this system's pool/timeouts/paths/metrics sections.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete on-disk configuration for one run.
type Config struct {
	Pool struct {
		MaxWorkers int  `yaml:"max_workers"`
		Randomize  bool `yaml:"randomize"`
	} `yaml:"pool"`

	Timeouts struct {
		Task        time.Duration `yaml:"task"`
		HangWarn    time.Duration `yaml:"hang_warn"`
		HangKill    time.Duration `yaml:"hang_kill"`
		Poll        time.Duration `yaml:"poll"`
		ServerStart time.Duration `yaml:"server_start"`
	} `yaml:"timeouts"`

	Paths struct {
		VarDir       string `yaml:"vardir"`
		DriverScript string `yaml:"driver_script"`
	} `yaml:"paths"`

	ForceMode bool `yaml:"force"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Logging struct {
		Debug bool `yaml:"debug"`
	} `yaml:"logging"`
}

// Default returns the configuration used when no file is supplied or the
// file omits a section; fields are chosen to match the source's own
// defaults (2s poll, a 2 hang-warn/10 hang-kill minute pair).
func Default() Config {
	var cfg Config
	cfg.Pool.MaxWorkers = 4
	cfg.Timeouts.Task = 3600 * time.Second
	cfg.Timeouts.HangWarn = 2 * time.Minute
	cfg.Timeouts.HangKill = 10 * time.Minute
	cfg.Timeouts.Poll = 2 * time.Second
	cfg.Timeouts.ServerStart = 90 * time.Second
	cfg.Paths.VarDir = "var"
	cfg.Metrics.Port = 9090
	return cfg
}

// Load reads path, unmarshals it into Default()'s result (so unset sections
// keep their defaults), and returns it. A missing path is not an error —
// the caller runs with defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// timeoutOrderingGrace matches the source's check_timeouts: no-output must
// exceed test by at least this much, and test must exceed server-start by at
// least twice this much.
const timeoutOrderingGrace = 10 * time.Second

// ValidateTimeoutOrdering enforces no-output ≥ test+10s ≥ server-start+20s.
// Grounded on original_source/lib/options.py's check_timeouts, which exits
// the process before any test runs rather than let an inconsistent timeout
// triple produce confusing hangs later. The caller is expected to invoke
// this only once the relevant values have actually been set (by flag or by
// config), since the scheduling core's own generous defaults are not meant
// to participate in this check.
func (c Config) ValidateTimeoutOrdering() error {
	noOutput, test, serverStart := c.Timeouts.HangKill, c.Timeouts.Task, c.Timeouts.ServerStart
	if noOutput-test < timeoutOrderingGrace || test-serverStart < 2*timeoutOrderingGrace {
		return fmt.Errorf("config: timeouts set incorrectly: no-output-timeout (%s) must be at least %s longer than test-timeout (%s), and test-timeout must be at least %s longer than server-start-timeout (%s)",
			noOutput, timeoutOrderingGrace, test, 2*timeoutOrderingGrace, serverStart)
	}
	return nil
}
