package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides are the environment variables consulted at load time.
// OPENAI_API_KEY wins over PLOTRIX_API_KEY when both are set.
type envOverrides struct {
	OpenAIKey  string `env:"OPENAI_API_KEY"`
	PlotrixKey string `env:"PLOTRIX_API_KEY"`
}

// applyEnv replaces the active provider's API key with the first
// non-empty override. environ is used instead of the process
// environment when non-nil.
func applyEnv(cfg *Config, environ map[string]string) error {
	var o envOverrides
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	key := o.OpenAIKey
	if key == "" {
		key = o.PlotrixKey
	}
	if key == "" {
		return nil
	}

	name, p := cfg.Provider()
	p.APIKey = key
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	cfg.Providers[name] = p
	cfg.ActiveProvider = name
	return nil
}

// EnvAPIKeyPresent reports whether an API-key override is set in the
// process environment.
func EnvAPIKeyPresent() bool {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return false
	}
	return o.OpenAIKey != "" || o.PlotrixKey != ""
}
