package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnv lets deployments override the operational knobs with plain
// environment variables on top of the YAML file.
func (c *Config) applyEnv() error {
	floats := map[string]*float64{
		"REPOST_LOOKBACK_HOURS":      &c.Decay.LookbackHours,
		"REPOST_MIN_GROWTH_PER_HOUR": &c.Decay.MinGrowthPerHour,
		"REPOST_COOLDOWN_HOURS":      &c.Decay.CooldownHours,
	}
	for name, dst := range floats {
		raw, ok := lookupEnv(name)
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = v
	}

	if raw, ok := lookupEnv("REPOST_MAX_IMPRESSIONS"); ok {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("REPOST_MAX_IMPRESSIONS: %w", err)
		}
		c.Decay.MaxImpressionsCap = v
	}

	durations := map[string]*time.Duration{
		"WORKER_TICK_INTERVAL":     &c.Worker.TickInterval,
		"WORKER_TICK_FLOOR":        &c.Worker.TickFloor,
		"LEASE_SWEEP_INTERVAL":     &c.Worker.LeaseSweepInterval,
		"STATS_POLL_INTERVAL":      &c.Worker.StatsPollInterval,
		"DECAY_SCHEDULER_INTERVAL": &c.Worker.DecayInterval,
		"VARIANT_JOB_INTERVAL":     &c.Worker.VariantInterval,
	}
	for name, dst := range durations {
		raw, ok := lookupEnv(name)
		if !ok {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = v
	}

	if raw, ok := lookupEnv("ENABLE_BACKGROUND_JOBS"); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("ENABLE_BACKGROUND_JOBS: %w", err)
		}
		c.Worker.BackgroundJobsEnabled = v
	}

	if raw, ok := lookupEnv("TASK_SIGNING_KEY"); ok {
		if c.Signing.Keys == nil {
			c.Signing.Keys = make(map[string]string)
		}
		if c.Signing.ActiveKeyID == "" {
			c.Signing.ActiveKeyID = "env"
		}
		c.Signing.Keys[c.Signing.ActiveKeyID] = raw
	}

	return nil
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}
