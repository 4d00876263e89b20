// Package config loads espalier settings from a YAML or JSON file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/retry"
	"github.com/aretw0/espalier/pkg/service"
	"github.com/aretw0/espalier/pkg/throttle"
	"gopkg.in/yaml.v3"
)

// Environment variables holding credentials. Keys are never read from files.
const (
	EnvOpenAIKey = "ESPALIER_OPENAI_API_KEY"
	EnvSearchKey = "ESPALIER_SEARCH_API_KEY"
	EnvLogLevel  = "ESPALIER_LOG_LEVEL"
	// EnvStoreKey seals snapshots at rest.
	EnvStoreKey = "ESPALIER_STORE_KEY"
	// EnvStoreFallbackKeys lists comma-separated retired keys still accepted for reading.
	EnvStoreFallbackKeys = "ESPALIER_STORE_FALLBACK_KEYS"
)

// Service names used by the content pipeline.
const (
	ServiceText   = "text"
	ServiceSearch = "search"
	ServiceSpeech = "speech"
)

// Config is the complete application configuration.
type Config struct {
	Services  map[string]ServiceConfig `yaml:"services" json:"services"`
	Gates     map[string]GateConfig    `yaml:"gates" json:"gates"`
	Pipeline  PipelineConfig           `yaml:"pipeline" json:"pipeline"`
	Store     StoreConfig              `yaml:"store" json:"store"`
	Log       LogConfig                `yaml:"log" json:"log"`
	Providers ProvidersConfig          `yaml:"providers" json:"providers"`
	Server    ServerConfig             `yaml:"server" json:"server"`
}

// ServiceConfig holds the budget and retry policy of one external service.
type ServiceConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent" json:"max_concurrent"`
	MaxPerWindow  int           `yaml:"max_per_window" json:"max_per_window"`
	Window        time.Duration `yaml:"window" json:"window"`
	Mode          string        `yaml:"mode" json:"mode"`
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	NonIdempotent bool          `yaml:"non_idempotent" json:"non_idempotent"`
}

// GateConfig overrides the retry cap and cap policy of a gated stage.
type GateConfig struct {
	RetryCap *int   `yaml:"retry_cap" json:"retry_cap"`
	OnCap    string `yaml:"on_cap" json:"on_cap"`
}

// PipelineConfig holds the content pipeline thresholds.
type PipelineConfig struct {
	ScriptMinWords     int     `yaml:"script_min_words" json:"script_min_words"`
	ScriptMaxWords     int     `yaml:"script_max_words" json:"script_max_words"`
	ImagesMinTotal     int     `yaml:"images_min_total" json:"images_min_total"`
	ImagesPerSection   int     `yaml:"images_per_section" json:"images_per_section"`
	ResearchMinSources int     `yaml:"research_min_sources" json:"research_min_sources"`
	MaxQueries         int     `yaml:"max_queries" json:"max_queries"`
	ResultsPerQuery    int     `yaml:"results_per_query" json:"results_per_query"`
	JudgePassScore     float64 `yaml:"judge_pass_score" json:"judge_pass_score"`
	SpeechChunkChars   int     `yaml:"speech_chunk_chars" json:"speech_chunk_chars"`
	OutputDir          string  `yaml:"output_dir" json:"output_dir"`
}

// StoreConfig selects the snapshot store.
type StoreConfig struct {
	Kind        string        `yaml:"kind" json:"kind"`
	Path        string        `yaml:"path" json:"path"`
	RedisAddr   string        `yaml:"redis_addr" json:"redis_addr"`
	RedisPrefix string        `yaml:"redis_prefix" json:"redis_prefix"`
	TTL         time.Duration `yaml:"ttl" json:"ttl"`

	// Base64 AES-256 keys. Snapshots are sealed when EncryptionKey is set.
	EncryptionKey string   `yaml:"-" json:"-"`
	FallbackKeys  []string `yaml:"-" json:"-"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// ProvidersConfig points at the external APIs.
type ProvidersConfig struct {
	OpenAIBaseURL string `yaml:"openai_base_url" json:"openai_base_url"`
	TextModel     string `yaml:"text_model" json:"text_model"`
	JudgeModel    string `yaml:"judge_model" json:"judge_model"`
	SpeechModel   string `yaml:"speech_model" json:"speech_model"`
	Voice         string `yaml:"voice" json:"voice"`
	SearchBaseURL string `yaml:"search_base_url" json:"search_base_url"`

	OpenAIKey string `yaml:"-" json:"-"`
	SearchKey string `yaml:"-" json:"-"`
}

// ServerConfig configures `espalier serve`.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Store kinds.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

var voices = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}

func defaultService(name string) ServiceConfig {
	base := ServiceConfig{
		Window:      time.Minute,
		Mode:        "sliding",
		MaxAttempts: 3,
		BaseDelay:   4 * time.Second,
		MaxDelay:    10 * time.Second,
		Timeout:     60 * time.Second,
	}
	switch name {
	case ServiceSearch:
		base.MaxConcurrent, base.MaxPerWindow = 5, 100
		base.Timeout = 30 * time.Second
	default:
		base.MaxConcurrent, base.MaxPerWindow = 10, 500
	}
	return base
}

func intPtr(n int) *int { return &n }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Services: map[string]ServiceConfig{
			ServiceText:   defaultService(ServiceText),
			ServiceSearch: defaultService(ServiceSearch),
			ServiceSpeech: defaultService(ServiceSpeech),
		},
		Gates: map[string]GateConfig{
			"synthesize_script": {RetryCap: intPtr(3), OnCap: "force_accept"},
			"collect_images":    {RetryCap: intPtr(2), OnCap: "force_accept"},
		},
		Pipeline: PipelineConfig{
			ScriptMinWords:     200,
			ScriptMaxWords:     500,
			ImagesMinTotal:     10,
			ImagesPerSection:   5,
			ResearchMinSources: 3,
			MaxQueries:         5,
			ResultsPerQuery:    5,
			JudgePassScore:     7,
			SpeechChunkChars:   4000,
			OutputDir:          "output",
		},
		Store: StoreConfig{
			Kind:        StoreFile,
			Path:        ".espalier/runs",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "espalier:",
		},
		Log: LogConfig{Level: "info", Format: string(logging.FormatText)},
		Providers: ProvidersConfig{
			OpenAIBaseURL: "https://api.openai.com/v1",
			TextModel:     "gpt-4o-mini",
			JudgeModel:    "gpt-4o-mini",
			SpeechModel:   "tts-1-hd",
			Voice:         "alloy",
			SearchBaseURL: "https://api.tavily.com",
		},
		Server: ServerConfig{Addr: ":8080"},
	}
}

// Load reads path over the defaults and then applies the environment. An
// empty path yields the defaults. JSON files are read by the YAML decoder.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		cfg.fillServices()
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// fillServices completes partially configured services from their defaults.
func (c *Config) fillServices() {
	for name, s := range c.Services {
		def := defaultService(name)
		if s.MaxConcurrent == 0 {
			s.MaxConcurrent = def.MaxConcurrent
		}
		if s.MaxPerWindow == 0 {
			s.MaxPerWindow = def.MaxPerWindow
		}
		if s.Window == 0 {
			s.Window = def.Window
		}
		if s.Mode == "" {
			s.Mode = def.Mode
		}
		if s.MaxAttempts == 0 {
			s.MaxAttempts = def.MaxAttempts
		}
		if s.BaseDelay == 0 {
			s.BaseDelay = def.BaseDelay
		}
		if s.MaxDelay == 0 {
			s.MaxDelay = def.MaxDelay
		}
		if s.Timeout == 0 {
			s.Timeout = def.Timeout
		}
		c.Services[name] = s
	}
}

// ApplyEnv reads credentials and overrides from getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvOpenAIKey); v != "" {
		c.Providers.OpenAIKey = v
	}
	if v := getenv(EnvSearchKey); v != "" {
		c.Providers.SearchKey = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := getenv(EnvStoreKey); v != "" {
		c.Store.EncryptionKey = v
	}
	if v := getenv(EnvStoreFallbackKeys); v != "" {
		c.Store.FallbackKeys = nil
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.Store.FallbackKeys = append(c.Store.FallbackKeys, k)
			}
		}
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	for _, name := range []string{ServiceText, ServiceSearch, ServiceSpeech} {
		if _, ok := c.Services[name]; !ok {
			add("services.%s is missing", name)
		}
	}
	for name := range c.Services {
		if _, err := c.Service(name); err != nil {
			add("services.%s: %w", name, err)
		}
	}
	for stage, g := range c.Gates {
		if g.RetryCap != nil && *g.RetryCap < 0 {
			add("gates.%s.retry_cap must not be negative", stage)
		}
		if _, ok := domain.ParseCapPolicy(g.OnCap); !ok {
			add("gates.%s.on_cap %q is not one of force_accept, fail", stage, g.OnCap)
		}
	}

	p := c.Pipeline
	if p.ScriptMinWords < 1 {
		add("pipeline.script_min_words must be positive")
	}
	if p.ScriptMaxWords <= p.ScriptMinWords {
		add("pipeline.script_max_words (%d) must be greater than script_min_words (%d)", p.ScriptMaxWords, p.ScriptMinWords)
	}
	if p.ImagesMinTotal < 0 || p.ResearchMinSources < 0 {
		add("pipeline minimums must not be negative")
	}
	if p.MaxQueries < 1 || p.ResultsPerQuery < 1 || p.ImagesPerSection < 1 {
		add("pipeline max_queries, results_per_query and images_per_section must be positive")
	}
	if p.SpeechChunkChars < 100 || p.SpeechChunkChars > 4096 {
		add("pipeline.speech_chunk_chars must be between 100 and 4096")
	}

	switch c.Store.Kind {
	case StoreMemory:
	case StoreFile:
		if c.Store.Path == "" {
			add("store.path is required for the file store")
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			add("store.redis_addr is required for the redis store")
		}
	default:
		add("store.kind %q is not one of memory, file, redis", c.Store.Kind)
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %w", err)
	}
	if f := strings.ToLower(c.Log.Format); f != string(logging.FormatText) && f != string(logging.FormatJSON) {
		add("log.format %q is not one of text, json", c.Log.Format)
	}
	if !slices.Contains(voices, strings.ToLower(c.Providers.Voice)) {
		add("providers.voice %q is not one of %v", c.Providers.Voice, voices)
	}

	return errors.Join(errs...)
}

// RequireKeys reports missing credentials. Dry runs skip it.
func (c *Config) RequireKeys() error {
	var errs []error
	if c.Providers.OpenAIKey == "" {
		errs = append(errs, fmt.Errorf("%s is not set", EnvOpenAIKey))
	}
	if c.Providers.SearchKey == "" {
		errs = append(errs, fmt.Errorf("%s is not set", EnvSearchKey))
	}
	return errors.Join(errs...)
}

// Service converts the named service section into a service.Config.
func (c *Config) Service(name string) (service.Config, error) {
	s, ok := c.Services[name]
	if !ok {
		s = defaultService(name)
	}
	mode, err := parseMode(s.Mode)
	if err != nil {
		return service.Config{}, err
	}
	cfg := service.Config{
		Throttle: throttle.Config{
			MaxConcurrent: s.MaxConcurrent,
			MaxPerWindow:  s.MaxPerWindow,
			Window:        s.Window,
			Mode:          mode,
		},
		Retry: retry.Config{
			MaxAttempts: s.MaxAttempts,
			BaseDelay:   s.BaseDelay,
			MaxDelay:    s.MaxDelay,
		},
		Timeout:       s.Timeout,
		NonIdempotent: s.NonIdempotent,
	}
	if err := cfg.Throttle.Validate(); err != nil {
		return service.Config{}, err
	}
	if err := cfg.Retry.Validate(); err != nil {
		return service.Config{}, err
	}
	return cfg, nil
}

// Gate returns the retry cap and policy of a stage, falling back to def.
func (c *Config) Gate(stage string, def int) (int, domain.CapPolicy) {
	g, ok := c.Gates[stage]
	if !ok {
		return def, domain.CapForceAccept
	}
	retryCap := def
	if g.RetryCap != nil {
		retryCap = *g.RetryCap
	}
	policy, _ := domain.ParseCapPolicy(g.OnCap)
	return retryCap, policy
}

func parseMode(s string) (throttle.Mode, error) {
	switch strings.ToLower(s) {
	case "", "sliding":
		return throttle.ModeSliding, nil
	case "paced":
		return throttle.ModePaced, nil
	}
	return throttle.ModeSliding, fmt.Errorf("mode %q is not one of sliding, paced", s)
}
