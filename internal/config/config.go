// Package config handles FluxMind configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/fluxmind/config.yaml, /etc/fluxmind/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "fluxmind", "config.yaml"))
	}

	paths = append(paths, "/etc/fluxmind/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Providers FluxMind can route inference to.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Database drivers. They match the names the drivers register with
// database/sql.
const (
	DriverSQLite3 = "sqlite3"
	DriverSQLite  = "sqlite"
)

// Config holds all FluxMind configuration.
type Config struct {
	Listen    ListenConfig   `yaml:"listen"`
	Models    ModelsConfig   `yaml:"models"`
	OpenAI    OpenAIConfig   `yaml:"openai"`
	Database  DatabaseConfig `yaml:"database"`
	Tools     ToolsConfig    `yaml:"tools"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	DataDir   string         `yaml:"data_dir"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the API server binds to.
func (l ListenConfig) Addr() string {
	return l.Address + ":" + strconv.Itoa(l.Port)
}

// ModelsConfig defines model routing and inference limits.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Provider  string        `yaml:"provider"` // provider for models not listed in Available
	OllamaURL string        `yaml:"ollama_url"`
	MaxSteps  int           `yaml:"max_steps"`  // inference calls per turn
	MaxTokens int           `yaml:"max_tokens"` // tokens per completion
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig pins a model to a provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, openai
}

// OpenAIConfig defines an OpenAI-compatible endpoint. Cloudflare Workers
// AI works with base_url set to its /ai/v1 path.
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Configured reports whether an OpenAI-compatible endpoint is usable.
func (o OpenAIConfig) Configured() bool {
	return o.APIKey != "" || o.BaseURL != ""
}

// DatabaseConfig selects the SQLite driver and file.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite3 (cgo) or sqlite (pure Go)
	Path   string `yaml:"path"`   // default: <data_dir>/fluxmind.db
}

// ToolsConfig controls tool behaviour.
type ToolsConfig struct {
	// RequireConfirmation lists tools whose calls wait for the user to
	// approve them before they run.
	RequireConfirmation []string `yaml:"require_confirmation"`
}

// MQTTConfig defines the optional broker connection used to announce
// fired study sessions.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. mqtt://localhost:1883 or mqtts://...
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	PublishIntervalSec int    `yaml:"publish_interval"`
}

// Configured reports whether a broker is set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references, filling defaults, and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration: a local Ollama model and a
// database under ./data.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Models.Default == "" {
		c.Models.Default = "llama3.2"
	}
	if c.Models.Provider == "" {
		c.Models.Provider = ProviderOllama
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = c.Models.Provider
		}
	}
	if c.Models.MaxSteps == 0 {
		c.Models.MaxSteps = 10
	}
	if c.Models.MaxTokens == 0 {
		c.Models.MaxTokens = 4096
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite3
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "fluxmind.db")
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "fluxmind"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

// Validate reports every configuration problem it finds.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if !validProvider(c.Models.Provider) {
		errs = append(errs, fmt.Errorf("models.provider %q unknown (valid: ollama, openai)", c.Models.Provider))
	}
	for _, m := range c.Models.Available {
		if m.Name == "" {
			errs = append(errs, errors.New("models.available entry without a name"))
		}
		if !validProvider(m.Provider) {
			errs = append(errs, fmt.Errorf("models.available %q: provider %q unknown", m.Name, m.Provider))
		}
	}
	if c.usesProvider(ProviderOpenAI) && !c.OpenAI.Configured() {
		errs = append(errs, errors.New("openai provider selected but openai.api_key and openai.base_url are empty"))
	}
	if c.Models.MaxSteps < 1 {
		errs = append(errs, fmt.Errorf("models.max_steps must be positive, got %d", c.Models.MaxSteps))
	}
	if c.Models.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("models.max_tokens must be positive, got %d", c.Models.MaxTokens))
	}
	if c.Database.Driver != DriverSQLite3 && c.Database.Driver != DriverSQLite {
		errs = append(errs, fmt.Errorf("database.driver %q unknown (valid: sqlite3, sqlite)", c.Database.Driver))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q unknown (valid: text, json)", c.LogFormat))
	}
	if c.MQTT.Configured() && c.MQTT.PublishIntervalSec < 1 {
		errs = append(errs, fmt.Errorf("mqtt.publish_interval must be positive, got %d", c.MQTT.PublishIntervalSec))
	}

	return errors.Join(errs...)
}

func validProvider(p string) bool {
	return p == ProviderOllama || p == ProviderOpenAI
}

func (c *Config) usesProvider(p string) bool {
	if c.Models.Provider == p {
		return true
	}
	return slices.ContainsFunc(c.Models.Available, func(m ModelConfig) bool { return m.Provider == p })
}
