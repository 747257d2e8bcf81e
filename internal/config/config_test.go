package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("bot:\n  name: testbot\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("bot:\n  name: testbot\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("apis:\n  cloud_key: ${NEUROBOT_TEST_KEY}\n"), 0600)
	os.Setenv("NEUROBOT_TEST_KEY", "secret123")
	defer os.Unsetenv("NEUROBOT_TEST_KEY")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.APIs.CloudKey != "secret123" {
		t.Errorf("cloud_key = %q, want %q", cfg.APIs.CloudKey, "secret123")
	}
	if !cfg.APIs.Configured() {
		t.Error("expected APIs.Configured() true with a cloud key set")
	}
}

func TestLoad_InlineSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("apis:\n  cloud_key: sk-test-key\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.APIs.CloudKey != "sk-test-key" {
		t.Errorf("cloud_key = %q, want %q", cfg.APIs.CloudKey, "sk-test-key")
	}
}

func TestLoad_Channels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("channels:\n  - name: alpha\n    id: \"42\"\n  - name: beta\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.Channels) != 2 {
		t.Fatalf("channels = %d, want 2", len(cfg.Channels))
	}
	if cfg.Channels[0].Name != "alpha" || cfg.Channels[0].ID != "42" {
		t.Errorf("channel[0] = %+v", cfg.Channels[0])
	}
	if cfg.Channels[1].ID != "" {
		t.Errorf("channel[1].ID = %q, want empty", cfg.Channels[1].ID)
	}
}

func TestApplyDefaults_BotName(t *testing.T) {
	cfg := Default()
	if cfg.Bot.Name != "neurobot" {
		t.Errorf("expected default bot name 'neurobot', got %q", cfg.Bot.Name)
	}
}

func TestApplyDefaults_LLMProvider(t *testing.T) {
	cfg := Default()
	if cfg.LLM.Provider != "auto" {
		t.Errorf("expected default llm.provider 'auto', got %q", cfg.LLM.Provider)
	}
	if cfg.LLM.ModelEndpoint == "" {
		t.Error("expected a non-empty default model endpoint")
	}
}

func TestApplyDefaults_InferenceParams(t *testing.T) {
	cfg := Default()
	if cfg.LLM.Inference.Ask.MaxTokens != 200 {
		t.Errorf("expected ask.max_tokens default 200, got %d", cfg.LLM.Inference.Ask.MaxTokens)
	}
	if cfg.LLM.Inference.GenLong.MaxTokens != 100 {
		t.Errorf("expected gen_long.max_tokens default 100, got %d", cfg.LLM.Inference.GenLong.MaxTokens)
	}
	if cfg.LLM.Inference.GenLong.Temperature != 0.4 {
		t.Errorf("expected gen_long.temperature default 0.4, got %v", cfg.LLM.Inference.GenLong.Temperature)
	}
}

func TestApplyDefaults_NeuralTuning(t *testing.T) {
	cfg := Default()
	if cfg.Neural.UCBExplorationFactor != 1.4 {
		t.Errorf("expected ucb_exploration_factor default 1.4, got %v", cfg.Neural.UCBExplorationFactor)
	}
	if cfg.Neural.MinTrialsPerBackend != 3 {
		t.Errorf("expected min_trials_per_backend default 3, got %d", cfg.Neural.MinTrialsPerBackend)
	}
	if cfg.Neural.CloudRecoveryTime != 600 {
		t.Errorf("expected cloud_recovery_time default 600, got %d", cfg.Neural.CloudRecoveryTime)
	}
}

func TestApplyDefaults_Cooldowns(t *testing.T) {
	cfg := Default()
	if cfg.Commands.Cooldowns.Ask != 15 {
		t.Errorf("expected ask cooldown default 15, got %d", cfg.Commands.Cooldowns.Ask)
	}
	if cfg.Commands.Cache.JokeTTL != 300 {
		t.Errorf("expected joke cache TTL default 300, got %d", cfg.Commands.Cache.JokeTTL)
	}
}

func TestApplyDefaults_MonitoringMethod(t *testing.T) {
	cfg := Default()
	if cfg.Announcements.Monitoring.Method != "auto" {
		t.Errorf("expected monitoring method default 'auto', got %q", cfg.Announcements.Monitoring.Method)
	}
	if cfg.Announcements.Monitoring.PollingInterval != 60 {
		t.Errorf("expected polling interval default 60, got %d", cfg.Announcements.Monitoring.PollingInterval)
	}
}

func TestValidate_InvalidProvider(t *testing.T) {
	cfg := Default()
	cfg.LLM.Provider = "quantum"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for invalid llm.provider")
	}
}

func TestValidate_InvalidMonitoringMethod(t *testing.T) {
	cfg := Default()
	cfg.Announcements.Monitoring.Method = "telepathic"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for invalid monitoring method")
	}
}

func TestValidate_MetricsPortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for out-of-range metrics port")
	}
}

func TestValidate_MetricsDisabledSkipsPortCheck(t *testing.T) {
	cfg := Default()
	cfg.Metrics.Enabled = false
	cfg.Metrics.Port = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled metrics should skip port validation, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "shout"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for invalid log_level")
	}
}

func TestValidate_DefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate cleanly, got: %v", err)
	}
}
