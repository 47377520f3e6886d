// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the weavegraph daemon's on-disk and environment
// configuration.
package config

import (
	"os"
	"strconv"
	"time"

	weaveerrors "github.com/weavegraph/weavegraph/pkg/errors"
)

// Config is the top-level daemon configuration, loadable from a YAML file
// and overridable by environment variables. There are no per-setting CLI
// flags.
type Config struct {
	Version int `yaml:"version"`

	// DataDir holds workflows.json, runs.json, the webhook registry and
	// payload ring, and per-run archives.
	DataDir string `yaml:"data_dir"`

	// Addr is the address the HTTP API listens on.
	Addr string `yaml:"addr"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	LLM       LLMConfig       `yaml:"llm"`
	Auth      AuthConfig      `yaml:"auth"`
}

// AuthConfig controls the API's bearer-token guard and the webhook
// ingress's inbound rate limit.
type AuthConfig struct {
	// JWTSecret signs/verifies API bearer tokens. Empty disables the
	// guard entirely — fine for local/single-tenant use.
	JWTSecret string `yaml:"jwt_secret"`

	// WebhookRatePerSecond caps sustained inbound webhook deliveries per
	// path; WebhookBurst is the bucket size. A zero value is replaced by
	// the default (20 and 40) in applyDefaults, so limiting cannot be
	// switched off through Config.
	WebhookRatePerSecond float64 `yaml:"webhook_rate_per_second"`
	WebhookBurst         int     `yaml:"webhook_burst"`
}

// SchedulerConfig controls graph execution limits.
type SchedulerConfig struct {
	// MaxSteps caps the number of node executions in a single run,
	// guarding against cycles in a malformed graph.
	MaxSteps int `yaml:"max_steps"`
}

// WebhookConfig controls the test-run rendezvous and payload history.
type WebhookConfig struct {
	// WaitTimeout is how long a test run blocks at a webhook_trigger
	// node waiting for a matching inbound POST.
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	// PayloadRingSize is loaded and defaulted but not read by the store,
	// which keeps the last store.PayloadRingSize (100) payloads per path
	// whatever this value is.
	PayloadRingSize int `yaml:"payload_ring_size"`
}

// SandboxConfig controls the code node's execution environment.
type SandboxConfig struct {
	// Runtime selects the isolation backend: "docker", "podman", or
	// "process" (direct subprocess execution, no container).
	Runtime string `yaml:"runtime"`

	// Image is the container image used to run submitted code, when
	// Runtime is "docker" or "podman".
	Image string `yaml:"image"`

	// DefaultTimeout bounds a single code node invocation when the node
	// does not specify its own timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// LLMConfig holds default provider settings for llm nodes that don't embed
// their own model_config.
type LLMConfig struct {
	DefaultProvider string `yaml:"default_provider"`
	DefaultModel    string `yaml:"default_model"`
	BaseURL         string `yaml:"base_url"`
}

// Default returns a Config populated with the daemon's built-in defaults.
func Default() *Config {
	return &Config{
		Version: 1,
		DataDir: "data",
		Addr:    "127.0.0.1:8085",
		Scheduler: SchedulerConfig{
			MaxSteps: 100,
		},
		Webhook: WebhookConfig{
			WaitTimeout:     300 * time.Second,
			PayloadRingSize: 100,
		},
		Sandbox: SandboxConfig{
			Runtime:        "process",
			Image:          "weavegraph-executor:latest",
			DefaultTimeout: 30 * time.Second,
		},
		LLM: LLMConfig{
			DefaultProvider: "anthropic",
			DefaultModel:    "claude-3-5-sonnet-20241022",
		},
		Auth: AuthConfig{
			WebhookRatePerSecond: 20,
			WebhookBurst:         40,
		},
	}
}

// validSandboxRuntimes enumerates SandboxConfig.Runtime's accepted values.
var validSandboxRuntimes = map[string]bool{"docker": true, "podman": true, "process": true}

// Validate reports a *weaveerrors.ConfigError for any setting that applyEnv
// and applyDefaults still leave in an unusable state. It runs after
// defaults are applied, so it only ever rejects an explicit override, never
// a value the daemon would have picked itself.
func (c *Config) Validate() error {
	if !validSandboxRuntimes[c.Sandbox.Runtime] {
		return &weaveerrors.ConfigError{
			Key:    "sandbox.runtime",
			Reason: "must be one of docker, podman, process, got " + c.Sandbox.Runtime,
		}
	}
	if c.Scheduler.MaxSteps < 1 {
		return &weaveerrors.ConfigError{
			Key:    "scheduler.max_steps",
			Reason: "must be at least 1",
		}
	}
	if c.Auth.WebhookRatePerSecond < 0 {
		return &weaveerrors.ConfigError{
			Key:    "auth.webhook_rate_per_second",
			Reason: "must not be negative",
		}
	}
	return nil
}

// applyDefaults fills in zero-valued fields with Default()'s values, so a
// partial YAML file only needs to set what it overrides.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Version == 0 {
		c.Version = d.Version
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.Scheduler.MaxSteps == 0 {
		c.Scheduler.MaxSteps = d.Scheduler.MaxSteps
	}
	if c.Webhook.WaitTimeout == 0 {
		c.Webhook.WaitTimeout = d.Webhook.WaitTimeout
	}
	if c.Webhook.PayloadRingSize == 0 {
		c.Webhook.PayloadRingSize = d.Webhook.PayloadRingSize
	}
	if c.Sandbox.Runtime == "" {
		c.Sandbox.Runtime = d.Sandbox.Runtime
	}
	if c.Sandbox.Image == "" {
		c.Sandbox.Image = d.Sandbox.Image
	}
	if c.Sandbox.DefaultTimeout == 0 {
		c.Sandbox.DefaultTimeout = d.Sandbox.DefaultTimeout
	}
	if c.LLM.DefaultProvider == "" {
		c.LLM.DefaultProvider = d.LLM.DefaultProvider
	}
	if c.LLM.DefaultModel == "" {
		c.LLM.DefaultModel = d.LLM.DefaultModel
	}
	if c.Auth.WebhookRatePerSecond == 0 {
		c.Auth.WebhookRatePerSecond = d.Auth.WebhookRatePerSecond
	}
	if c.Auth.WebhookBurst == 0 {
		c.Auth.WebhookBurst = d.Auth.WebhookBurst
	}
}

// applyEnv overrides config fields from process environment variables,
// taking precedence over the YAML file.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("WEAVEGRAPH_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("WEAVEGRAPH_SANDBOX_RUNTIME"); v != "" {
		c.Sandbox.Runtime = v
	}
	if v := os.Getenv("WEAVEGRAPH_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("WEAVEGRAPH_CODE_MODEL"); v != "" {
		c.LLM.DefaultModel = v
	}
	if v := os.Getenv("WEAVEGRAPH_WEBHOOK_WAIT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Webhook.WaitTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("WEAVEGRAPH_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

// Load reads the config file at path (or the default settings path, if path
// is empty), applies environment overrides, and fills any remaining gaps
// with built-in defaults.
func Load(path string) (*Config, error) {
	sf, err := NewSettingsFile(path)
	if err != nil {
		return nil, err
	}

	var cfg *Config
	err = sf.WithLock(func() error {
		var loadErr error
		cfg, loadErr = sf.Load()
		return loadErr
	})
	if err != nil {
		return nil, err
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
