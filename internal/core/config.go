// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/kianostad/spread/internal/monitoring/logging"
	"github.com/kianostad/spread/internal/monitoring/metrics"
	"github.com/kianostad/spread/internal/storage/mass"
)

// Config describes the settings of a Node.
type Config struct {
	// Name identifies the node in logs and metrics.
	Name string
	// Workers bounds the number of calls served concurrently. Defaults to
	// GOMAXPROCS; overridden by SPREAD_WORKERS.
	Workers int
	// WatchdogInterval is how often outstanding deferred reads are checked.
	// Zero disables the watchdog. Overridden by SPREAD_WATCHDOG_INTERVAL.
	WatchdogInterval time.Duration
	// StaleAfter is the age past which a deferred read is reported.
	// Defaults to one minute; overridden by SPREAD_STALE_AFTER.
	StaleAfter time.Duration
	// Evaluator expands mass update templates. Defaults to mass.StaticEvaluator.
	Evaluator mass.Evaluator
	// Logger defaults to a discarding logger.
	Logger *logging.Logger
	// Metrics is created by the node when nil.
	Metrics *metrics.Metrics
}

func resolveConfig(c *Config) *Config {
	cfg := &Config{}
	if c != nil {
		*cfg = *c
	}
	if env := os.Getenv("SPREAD_WORKERS"); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			cfg.Workers = val
		}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if env := os.Getenv("SPREAD_WATCHDOG_INTERVAL"); env != "" {
		if val, err := time.ParseDuration(env); err == nil {
			cfg.WatchdogInterval = val
		}
	}
	if cfg.WatchdogInterval < 0 {
		cfg.WatchdogInterval = 0
	}
	if env := os.Getenv("SPREAD_STALE_AFTER"); env != "" {
		if val, err := time.ParseDuration(env); err == nil {
			cfg.StaleAfter = val
		}
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = mass.StaticEvaluator
	}
	cfg.Logger = logging.OrNoop(cfg.Logger)
	return cfg
}
