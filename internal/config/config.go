// Package config handles neurobot configuration loading, defaults, and
// validation, plus the shared slog level setup used by every component.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/neurobot/config.yaml, /config/config.yaml,
// /etc/neurobot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "neurobot", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/neurobot/config.yaml")
	return paths
}

// searchPathsFunc is a variable indirection over DefaultSearchPaths so tests
// can substitute a hermetic search list without touching the real filesystem.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all neurobot configuration.
type Config struct {
	Bot            BotConfig            `yaml:"bot"`
	LLM            LLMConfig            `yaml:"llm"`
	APIs           APIsConfig           `yaml:"apis"`
	Commands       CommandsConfig       `yaml:"commands"`
	Neural         NeuralConfig         `yaml:"neural"`
	Announcements  AnnouncementsConfig  `yaml:"announcements"`
	Channels       []ChannelConfig      `yaml:"channels"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	LogLevel       string               `yaml:"log_level"`
}

// ChannelConfig names one chat channel to join and monitor. ID is the
// broadcaster id the push provider subscribes by; channels without one
// are still joined and polled but excluded from push subscriptions.
type ChannelConfig struct {
	Name string `yaml:"name"`
	ID   string `yaml:"id"`
}

// BotConfig carries identity used for mention detection and prompt wrapping.
type BotConfig struct {
	Name        string `yaml:"name"`
	Personality string `yaml:"personality"`
}

// InferenceParams overrides generation parameters for one (context, class) combination.
type InferenceParams struct {
	MaxTokens      int      `yaml:"max_tokens"`
	Temperature    float64  `yaml:"temperature"`
	RepeatPenalty  float64  `yaml:"repeat_penalty"`
	StopTokens     []string `yaml:"stop_tokens"`
}

// InferenceConfig groups per-context/class generation overrides.
type InferenceConfig struct {
	Ask     InferenceParams `yaml:"ask"`
	Mention InferenceParams `yaml:"mention"`
	GenLong InferenceParams `yaml:"gen_long"`
	Joke    InferenceParams `yaml:"joke"`
}

// LLMConfig defines the local/cloud generator backends.
type LLMConfig struct {
	Provider               string           `yaml:"provider"` // local, cloud, auto
	ModelEndpoint          string           `yaml:"model_endpoint"`
	ModelName              string           `yaml:"model_name"`
	Language               string           `yaml:"language"`
	DebugStreaming         bool             `yaml:"debug_streaming"`
	Inference              InferenceConfig  `yaml:"inference"`
	UsePersonalityOnMention bool            `yaml:"use_personality_on_mention"`
	UsePersonalityOnAsk    bool             `yaml:"use_personality_on_ask"`
}

// APIsConfig defines credentials and timeouts for external collaborators.
type APIsConfig struct {
	CloudKey string `yaml:"cloud_key"`
	Timeout  int    `yaml:"timeout"` // seconds, REST collaborator timeout
}

// CooldownsConfig defines per-user cooldowns, in seconds.
type CooldownsConfig struct {
	Ask     int `yaml:"ask"`
	Joke    int `yaml:"joke"`
	Mention int `yaml:"mention"`
}

// CacheConfig tunes the response cache.
type CacheConfig struct {
	JokeTTL     int `yaml:"joke_ttl"`
	JokeMaxSize int `yaml:"joke_max_size"`
}

// CommandsConfig groups chat-command tuning.
type CommandsConfig struct {
	Prefix    string          `yaml:"prefix"`
	Cooldowns CooldownsConfig `yaml:"cooldowns"`
	Cache     CacheConfig     `yaml:"cache"`
}

// NeuralConfig tunes the dispatcher's bandit and circuit breakers.
type NeuralConfig struct {
	UCBExplorationFactor float64 `yaml:"ucb_exploration_factor"`
	MinTrialsPerBackend  int     `yaml:"min_trials_per_backend"`
	EMAAlpha             float64 `yaml:"ema_alpha"`

	LocalFailureThreshold int `yaml:"local_failure_threshold"`
	LocalRecoveryTime     int `yaml:"local_recovery_time"` // seconds

	CloudFailureThreshold int `yaml:"cloud_failure_threshold"`
	CloudRecoveryTime     int `yaml:"cloud_recovery_time"` // seconds

	TimeoutConnect   float64 `yaml:"timeout_connect"`
	TimeoutInference float64 `yaml:"timeout_inference"`
	TimeoutWrite     float64 `yaml:"timeout_write"`
	TimeoutPool      float64 `yaml:"timeout_pool"`
}

// AnnounceTemplate is one announcement's enable flag and message template.
type AnnounceTemplate struct {
	Enabled bool   `yaml:"enabled"`
	Message string `yaml:"message"`
}

// MonitoringConfig tunes the stream-status supervisor.
type MonitoringConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Method          string `yaml:"method"` // auto, push, poll
	PollingInterval int    `yaml:"polling_interval"` // seconds
	EventSubURL     string `yaml:"eventsub_url"`
}

// AnnouncementsConfig groups stream online/offline announcements.
type AnnouncementsConfig struct {
	StreamOnline  AnnounceTemplate `yaml:"stream_online"`
	StreamOffline AnnounceTemplate `yaml:"stream_offline"`
	Monitoring    MonitoringConfig `yaml:"monitoring"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Configured reports whether a cloud backend credential is present.
func (c APIsConfig) Configured() bool {
	return c.CloudKey != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${CLOUD_API_KEY}). This is a
	// convenience for container deployments; the recommended approach
	// is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Bot.Name == "" {
		c.Bot.Name = "neurobot"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "auto"
	}
	if c.LLM.ModelEndpoint == "" {
		c.LLM.ModelEndpoint = "http://localhost:11434"
	}
	if c.LLM.ModelName == "" {
		c.LLM.ModelName = "qwen2.5:7b"
	}
	if c.LLM.Language == "" {
		c.LLM.Language = "en"
	}

	applyInferenceDefaults(&c.LLM.Inference.Ask, 200, 0.3, 1.1)
	applyInferenceDefaults(&c.LLM.Inference.Mention, 200, 0.7, 1.1)
	applyInferenceDefaults(&c.LLM.Inference.GenLong, 100, 0.4, 1.2)
	applyInferenceDefaults(&c.LLM.Inference.Joke, 150, 0.7, 1.1)

	if c.APIs.Timeout == 0 {
		c.APIs.Timeout = 8
	}

	if c.Commands.Prefix == "" {
		c.Commands.Prefix = "!"
	}
	if c.Commands.Cooldowns.Ask == 0 {
		c.Commands.Cooldowns.Ask = 15
	}
	if c.Commands.Cooldowns.Joke == 0 {
		c.Commands.Cooldowns.Joke = 15
	}
	if c.Commands.Cooldowns.Mention == 0 {
		c.Commands.Cooldowns.Mention = 15
	}
	if c.Commands.Cache.JokeTTL == 0 {
		c.Commands.Cache.JokeTTL = 300
	}
	if c.Commands.Cache.JokeMaxSize == 0 {
		c.Commands.Cache.JokeMaxSize = 100
	}

	if c.Neural.UCBExplorationFactor == 0 {
		c.Neural.UCBExplorationFactor = 1.4
	}
	if c.Neural.MinTrialsPerBackend == 0 {
		c.Neural.MinTrialsPerBackend = 3
	}
	if c.Neural.EMAAlpha == 0 {
		c.Neural.EMAAlpha = 0.1
	}
	if c.Neural.LocalFailureThreshold == 0 {
		c.Neural.LocalFailureThreshold = 3
	}
	if c.Neural.LocalRecoveryTime == 0 {
		c.Neural.LocalRecoveryTime = 60
	}
	if c.Neural.CloudFailureThreshold == 0 {
		c.Neural.CloudFailureThreshold = 5
	}
	if c.Neural.CloudRecoveryTime == 0 {
		c.Neural.CloudRecoveryTime = 600
	}
	if c.Neural.TimeoutConnect == 0 {
		c.Neural.TimeoutConnect = 5.0
	}
	if c.Neural.TimeoutInference == 0 {
		c.Neural.TimeoutInference = 30.0
	}
	if c.Neural.TimeoutWrite == 0 {
		c.Neural.TimeoutWrite = 10.0
	}
	if c.Neural.TimeoutPool == 0 {
		c.Neural.TimeoutPool = 5.0
	}

	if c.Announcements.StreamOnline.Message == "" {
		c.Announcements.StreamOnline.Message = "\U0001F534 @{channel} is now live! \U0001F3AE {title}"
	}
	if c.Announcements.StreamOffline.Message == "" {
		c.Announcements.StreamOffline.Message = "\U0001F4A4 @{channel} is now offline. See you soon!"
	}
	if c.Announcements.Monitoring.Method == "" {
		c.Announcements.Monitoring.Method = "auto"
	}
	if c.Announcements.Monitoring.PollingInterval == 0 {
		c.Announcements.Monitoring.PollingInterval = 60
	}
	if c.Announcements.Monitoring.EventSubURL == "" {
		c.Announcements.Monitoring.EventSubURL = "wss://eventsub.wss.twitch.tv/ws"
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
}

// applyInferenceDefaults fills zero-value inference params in place.
func applyInferenceDefaults(p *InferenceParams, maxTokens int, temperature, repeatPenalty float64) {
	if p.MaxTokens == 0 {
		p.MaxTokens = maxTokens
	}
	if p.Temperature == 0 {
		p.Temperature = temperature
	}
	if p.RepeatPenalty == 0 {
		p.RepeatPenalty = repeatPenalty
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "local", "cloud", "auto":
	default:
		return fmt.Errorf("llm.provider %q must be one of local, cloud, auto", c.LLM.Provider)
	}

	switch c.Announcements.Monitoring.Method {
	case "auto", "push", "poll":
	default:
		return fmt.Errorf("announcements.monitoring.method %q must be one of auto, push, poll", c.Announcements.Monitoring.Method)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port %d out of range (1-65535)", c.Metrics.Port)
	}

	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}

	return nil
}

// Default returns a default configuration suitable for local development
// against an Ollama-compatible local endpoint. All defaults are already applied.
func Default() *Config {
	cfg := &Config{
		Channels: []ChannelConfig{},
	}
	cfg.applyDefaults()
	return cfg
}
