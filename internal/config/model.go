package config

import (
	"fmt"
	"net/url"
	"time"
)

// ModelConfig describes one model endpoint.
type ModelConfig struct {
	// ID names the model (provider-qualified, e.g. "openai/gpt-4o").
	ID string `yaml:"id"`

	// APIBase is the endpoint root. Must be http or https when set.
	APIBase string `yaml:"api_base"`

	// APIKey authenticates requests. Optional for local endpoints.
	APIKey string `yaml:"api_key"`

	// Temperature is the sampling temperature. Range [0, 2].
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps completion length. 0 means provider default.
	MaxTokens int `yaml:"max_tokens"`

	// Timeout bounds one Generate call.
	Timeout time.Duration `yaml:"timeout"`

	// RequestsPerSecond paces calls to the endpoint. 0 disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// DefaultModelConfig returns a conservative endpoint configuration.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Temperature: 0.7,
		Timeout:     2 * time.Minute,
	}
}

// Validate checks the config bounds.
func (c ModelConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("model config: id is required")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("model config %s: temperature %g out of range [0, 2]", c.ID, c.Temperature)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("model config %s: timeout must be positive", c.ID)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("model config %s: requests_per_second is negative", c.ID)
	}
	if c.APIBase != "" {
		u, err := url.Parse(c.APIBase)
		if err != nil {
			return fmt.Errorf("model config %s: invalid api_base: %w", c.ID, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("model config %s: api_base scheme %q must be http or https", c.ID, u.Scheme)
		}
	}
	return nil
}

// IsLocal reports whether the endpoint resolves to the local host.
func (c ModelConfig) IsLocal() bool {
	if c.APIBase == "" {
		return false
	}
	u, err := url.Parse(c.APIBase)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1":
		return true
	}
	return false
}

// WithTemperature returns a copy with the temperature replaced.
func (c ModelConfig) WithTemperature(t float64) ModelConfig {
	c.Temperature = t
	return c
}

// WithTimeout returns a copy with the per-call timeout replaced.
func (c ModelConfig) WithTimeout(d time.Duration) ModelConfig {
	c.Timeout = d
	return c
}
