package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestDefaultSearchPaths(t *testing.T) {
	paths := DefaultSearchPaths()
	if paths[0] != "config.yaml" || paths[len(paths)-1] != "/etc/fluxmind/config.yaml" {
		t.Errorf("search paths = %v", paths)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "data_dir: /var/lib/fluxmind\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Listen.Port != 8080 || cfg.Listen.Addr() != ":8080" {
		t.Errorf("listen = %+v", cfg.Listen)
	}
	if cfg.Models.Provider != ProviderOllama || cfg.Models.MaxSteps != 10 || cfg.Models.MaxTokens != 4096 {
		t.Errorf("models = %+v", cfg.Models)
	}
	if cfg.Database.Driver != DriverSQLite3 || cfg.Database.Path != "/var/lib/fluxmind/fluxmind.db" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("log_format = %q", cfg.LogFormat)
	}
	if cfg.MQTT.Configured() {
		t.Error("mqtt should be off without a broker")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("FLUXMIND_TEST_KEY", "secret123")
	path := writeConfig(t, "models:\n  provider: openai\nopenai:\n  api_key: ${FLUXMIND_TEST_KEY}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.OpenAI.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.OpenAI.APIKey, "secret123")
	}
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, `
listen:
  address: 127.0.0.1
  port: 9090
models:
  default: "@cf/meta/llama-3.1-8b-instruct"
  provider: openai
  ollama_url: http://gpu:11434
  max_steps: 5
  available:
    - name: llama3.2
      provider: ollama
openai:
  base_url: https://api.cloudflare.com/client/v4/accounts/acct/ai/v1
  api_key: cf-token
database:
  driver: sqlite
tools:
  require_confirmation: [cancelStudySession]
mqtt:
  broker: mqtt://broker:1883
log_level: debug
log_format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Addr() != "127.0.0.1:9090" {
		t.Errorf("addr = %q", cfg.Listen.Addr())
	}
	if cfg.Models.MaxSteps != 5 || cfg.Models.Available[0].Provider != ProviderOllama {
		t.Errorf("models = %+v", cfg.Models)
	}
	if cfg.Database.Driver != DriverSQLite {
		t.Errorf("driver = %q", cfg.Database.Driver)
	}
	if len(cfg.Tools.RequireConfirmation) != 1 || cfg.Tools.RequireConfirmation[0] != "cancelStudySession" {
		t.Errorf("require_confirmation = %v", cfg.Tools.RequireConfirmation)
	}
	if !cfg.MQTT.Configured() || cfg.MQTT.DeviceName != "fluxmind" || cfg.MQTT.PublishIntervalSec != 60 {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Listen.Port = 70000 }, "listen.port"},
		{"unknown provider", func(c *Config) { c.Models.Provider = "bard" }, "models.provider"},
		{"openai without endpoint", func(c *Config) { c.Models.Provider = ProviderOpenAI }, "openai provider selected"},
		{"available openai without endpoint", func(c *Config) {
			c.Models.Available = []ModelConfig{{Name: "gpt-4o-mini", Provider: ProviderOpenAI}}
		}, "openai provider selected"},
		{"nameless model", func(c *Config) { c.Models.Available = []ModelConfig{{Provider: ProviderOllama}} }, "without a name"},
		{"bad driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"zero steps", func(c *Config) { c.Models.MaxSteps = -1 }, "max_steps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_InvalidFails(t *testing.T) {
	if _, err := Load(writeConfig(t, "database:\n  driver: oracle\n")); err == nil {
		t.Fatal("Load should reject an unknown driver")
	}
	if _, err := Load(writeConfig(t, "listen: [1, 2\n")); err == nil {
		t.Fatal("Load should reject malformed YAML")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"TRACE":   LevelTrace,
		" debug ": slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	_, err := ParseLogLevel("verbose")
	if err == nil || !strings.Contains(err.Error(), `unknown log level "verbose"`) {
		t.Errorf("ParseLogLevel(verbose) error = %v, want unknown log level", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "trace", "json")
	if err != nil {
		t.Fatal(err)
	}
	logger.Log(t.Context(), LevelTrace, "wire payload")
	if !strings.Contains(buf.String(), `"level":"TRACE"`) {
		t.Errorf("trace level not renamed: %s", buf.String())
	}

	if _, err := NewLogger(&buf, "info", "xml"); err == nil {
		t.Error("NewLogger should reject an unknown format")
	}
}
