// Flotilla is a distributed job executor for data-center fleets.
// Copyright (C) 2025 The Flotilla Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads executor configuration from the environment.
// Invalid configuration is fatal at startup; the daemon never runs with
// partial settings.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Config holds runtime configuration for the executor daemon.
type Config struct {
	CoordinatorURL string        // COORDINATOR_URL
	ServiceToken   string        // SERVICE_TOKEN (do not log value)
	APIKey         string        // COORDINATOR_API_KEY (do not log value)
	CredentialKey  string        // CREDENTIAL_KEY (do not log value)
	SigningSecret  string        // SIGNING_SECRET; empty means fetch from coordinator
	WorkerID       string        // WORKER_ID
	PollInterval   time.Duration // POLL_INTERVAL
	ClaimBatch     int           // CLAIM_BATCH
	Concurrency    int           // WORKER_CONCURRENCY
	StaleRunning   time.Duration // STALE_RUNNING_TIMEOUT
	MetricsAddr    string        // METRICS_ADDR; empty disables the listener
	LogLevel       string        // LOG_LEVEL: debug|info|warn|error
}

// Default returns sane defaults for everything but the required secrets.
func Default() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "executor"
	}
	return Config{
		WorkerID:     fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		PollInterval: 5 * time.Second,
		ClaimBatch:   10,
		Concurrency:  4,
		StaleRunning: 10 * time.Minute,
		MetricsAddr:  ":9105",
		LogLevel:     "info",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return i, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// LoadFromEnv builds the Config from environment variables on top of
// the defaults.
func LoadFromEnv() (Config, error) {
	cfg := Default()

	cfg.CoordinatorURL = getenv("COORDINATOR_URL", cfg.CoordinatorURL)
	cfg.ServiceToken = getenv("SERVICE_TOKEN", cfg.ServiceToken)
	cfg.APIKey = getenv("COORDINATOR_API_KEY", cfg.APIKey)
	cfg.CredentialKey = getenv("CREDENTIAL_KEY", cfg.CredentialKey)
	cfg.SigningSecret = getenv("SIGNING_SECRET", cfg.SigningSecret)
	cfg.WorkerID = getenv("WORKER_ID", cfg.WorkerID)
	cfg.MetricsAddr = getenv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)

	var err error
	if cfg.PollInterval, err = getenvDuration("POLL_INTERVAL", cfg.PollInterval); err != nil {
		return cfg, err
	}
	if cfg.StaleRunning, err = getenvDuration("STALE_RUNNING_TIMEOUT", cfg.StaleRunning); err != nil {
		return cfg, err
	}
	if cfg.ClaimBatch, err = getenvInt("CLAIM_BATCH", cfg.ClaimBatch); err != nil {
		return cfg, err
	}
	if cfg.Concurrency, err = getenvInt("WORKER_CONCURRENCY", cfg.Concurrency); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the configuration is runnable.
func (c *Config) Validate() error {
	if c.CoordinatorURL == "" {
		return fmt.Errorf("COORDINATOR_URL is required")
	}
	u, err := url.Parse(c.CoordinatorURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("COORDINATOR_URL must be http(s), got %q", c.CoordinatorURL)
	}
	if c.ServiceToken == "" {
		return fmt.Errorf("SERVICE_TOKEN is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("COORDINATOR_API_KEY is required")
	}
	if c.CredentialKey == "" {
		return fmt.Errorf("CREDENTIAL_KEY is required")
	}
	if c.WorkerID == "" {
		return fmt.Errorf("WORKER_ID cannot be empty")
	}
	if c.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("POLL_INTERVAL must be at least 100ms")
	}
	if c.ClaimBatch < 1 || c.ClaimBatch > 100 {
		return fmt.Errorf("CLAIM_BATCH must be between 1 and 100")
	}
	if c.Concurrency < 1 || c.Concurrency > 64 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 64")
	}
	if c.StaleRunning < time.Minute {
		return fmt.Errorf("STALE_RUNNING_TIMEOUT must be at least 1 minute")
	}
	return nil
}
