// Package config loads the caravan server configuration from TOML with
// environment overrides.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	LLM      LLMConfig      `toml:"llm"`
	Storage  StorageConfig  `toml:"storage"`
	Run      RunConfig      `toml:"run"`
	Context  ContextConfig  `toml:"context"`
	Guard    GuardConfig    `toml:"guard"`
	Tools    ToolsConfig    `toml:"tools"`
	Observer ObserverConfig `toml:"observer"`
	Sources  []SourceConfig `toml:"sources"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	BaseURL  string `toml:"base_url"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
}

type StorageConfig struct {
	Driver string `toml:"driver"` // memory, sqlite, or postgres
	Path   string `toml:"path"`   // sqlite database file
	URL    string `toml:"url"`    // postgres connection string
}

type RunConfig struct {
	SystemPrompt         string `toml:"system_prompt"`
	MaxContinuations     int    `toml:"max_continuations"`
	ExecutionStrategy    string `toml:"execution_strategy"`
	ToolTimeoutSeconds   int    `toml:"tool_timeout_seconds"`
	TTLMinutes           int    `toml:"ttl_minutes"`
	IdleTimeoutSeconds   int    `toml:"idle_timeout_seconds"`
	SweepIntervalSeconds int    `toml:"sweep_interval_seconds"`
}

type ContextConfig struct {
	Enabled             bool    `toml:"enabled"`
	MaxInputTokens      int     `toml:"max_input_tokens"`
	PreserveLastN       int     `toml:"preserve_last_n"`
	SummaryTriggerRatio float64 `toml:"summary_trigger_ratio"`
}

type GuardConfig struct {
	MaxInputRunes         int      `toml:"max_input_runes"` // 0 disables the length guard
	BlockedKeywords       []string `toml:"blocked_keywords"`
	DisableInjectionGuard bool     `toml:"disable_injection_guard"`
}

type ToolsConfig struct {
	EnableWebFetch bool   `toml:"enable_web_fetch"`
	DocumentDir    string `toml:"document_dir"` // empty disables the document tool
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// SourceConfig declares one OpenAPI tool source.
type SourceConfig struct {
	ID               string     `toml:"id"`
	SpecURL          string     `toml:"spec_url"`
	SpecPath         string     `toml:"spec_path"` // local file alternative to spec_url
	BaseURL          string     `toml:"base_url"`
	Strategy         string     `toml:"strategy"` // allInOne (default) or byTag
	MaxToolsPerGroup int        `toml:"max_tools_per_group"`
	IncludeGeneric   bool       `toml:"include_generic"`
	TimeoutSeconds   int        `toml:"timeout_seconds"`
	Auth             AuthConfig `toml:"auth"`
}

type AuthConfig struct {
	Kind  string `toml:"kind"` // none, api_key, bearer, basic, oauth2
	Name  string `toml:"name"`
	In    string `toml:"in"`
	Value string `toml:"value"`
	User  string `toml:"user"`
	Pass  string `toml:"pass"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server:  ServerConfig{Addr: ":8080"},
		LLM:     LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Storage: StorageConfig{Driver: "sqlite", Path: "caravan.db"},
		Run: RunConfig{
			TTLMinutes:           60,
			SweepIntervalSeconds: 60,
		},
		Context: ContextConfig{
			Enabled:             true,
			MaxInputTokens:      8192,
			PreserveLastN:       6,
			SummaryTriggerRatio: 0.85,
		},
		Guard: GuardConfig{MaxInputRunes: 32768},
		Tools: ToolsConfig{EnableWebFetch: true},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "caravan.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CARAVAN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CARAVAN_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CARAVAN_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("CARAVAN_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CARAVAN_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("CARAVAN_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CARAVAN_STORAGE_URL"); v != "" {
		cfg.Storage.URL = v
	}
	if os.Getenv("CARAVAN_OBSERVER_ENABLED") == "true" || os.Getenv("CARAVAN_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
