// Package config handles reimburse configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/reimburse-agent/internal/email"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit -config flag is given: ./config.yaml,
// ~/.config/reimburse/config.yaml, /etc/reimburse/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "reimburse", "config.yaml"))
	}

	paths = append(paths, "/etc/reimburse/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise the first existing path from DefaultSearchPaths wins.
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

// Config holds all reimburse configuration.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	RulesDir  string `yaml:"rules_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Workers bounds how many receipts are processed concurrently.
	Workers int `yaml:"workers"`

	Models     ModelsConfig     `yaml:"models"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Agent      AgentConfig      `yaml:"agent"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Store      StoreConfig      `yaml:"store"`
	SMTP       email.SMTPConfig `yaml:"smtp"`
	Geocoding  GeocodingConfig  `yaml:"geocoding"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
}

// ModelsConfig names the models used for each role and how they are
// routed to providers.
type ModelsConfig struct {
	// Default is the model driving the agent loop.
	Default string `yaml:"default"`
	// Vision is the vision-language model used for classification and
	// field extraction.
	Vision string `yaml:"vision"`
	// Compare is the vision-language model used to compare a receipt
	// against a suspected duplicate.
	Compare   string        `yaml:"compare"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to its provider ("ollama" or "openai").
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
}

// OpenAIConfig defines an OpenAI-compatible endpoint (OpenAI, vLLM,
// Together, ...).
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Configured reports whether an OpenAI-compatible endpoint is set.
func (c OpenAIConfig) Configured() bool {
	return c.BaseURL != "" || c.APIKey != ""
}

// AgentConfig controls the decision loop and model decoding.
type AgentConfig struct {
	MaxIterations int     `yaml:"max_iterations"`
	Temperature   float64 `yaml:"temperature"`
	Seed          int64   `yaml:"seed"`
	MaxTokens     int     `yaml:"max_tokens"`
	// CallTimeout bounds each model request and tool invocation.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// EmbeddingsConfig controls embedding-based duplicate detection.
type EmbeddingsConfig struct {
	Enabled             bool    `yaml:"enabled"`
	Model               string  `yaml:"model"`
	BaseURL             string  `yaml:"base_url"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	// DuplicatePolicy decides how the embedding signal and the
	// image-comparison verdict combine: "verdict", "embedding" or "both".
	DuplicatePolicy string `yaml:"duplicate_policy"`
}

// StoreConfig selects the SQLite driver and file.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite3 (cgo) or sqlite (pure Go)
	Path   string `yaml:"path"`
}

// GeocodingConfig defines the geocoding backend and the office location
// used by the travel proximity check.
type GeocodingConfig struct {
	APIKey        string  `yaml:"api_key"`
	BaseURL       string  `yaml:"base_url"`
	OfficeAddress string  `yaml:"office_address"`
	OfficeLat     float64 `yaml:"office_lat"`
	OfficeLng     float64 `yaml:"office_lng"`
	RadiusKm      float64 `yaml:"radius_km"`
}

// Configured reports whether live geocoding is available.
func (c GeocodingConfig) Configured() bool {
	return c.APIKey != ""
}

// MQTTConfig defines the broker that receives stage checkpoints.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether stage checkpoints should be published.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file, expanding ${ENV}
// references, then applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	// Embeddings default to enabled; a bool zero value cannot express
	// "not set", so seed it before decoding.
	cfg := &Config{Embeddings: EmbeddingsConfig{Enabled: true}}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Embeddings: EmbeddingsConfig{Enabled: true},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}

	if c.Models.Default == "" {
		c.Models.Default = "qwen2.5:7b"
	}
	if c.Models.Vision == "" {
		c.Models.Vision = "vlm"
	}
	if c.Models.Compare == "" {
		c.Models.Compare = c.Models.Vision
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "ollama"
		}
	}

	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.Temperature == 0 {
		c.Agent.Temperature = 0.1
	}
	if c.Agent.Seed == 0 {
		c.Agent.Seed = 1024
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = 512
	}
	if c.Agent.CallTimeout <= 0 {
		c.Agent.CallTimeout = 2 * time.Minute
	}

	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "nomic-embed-text"
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.Models.OllamaURL
	}
	if c.Embeddings.SimilarityThreshold == 0 {
		c.Embeddings.SimilarityThreshold = 0.95
	}
	if c.Embeddings.DuplicatePolicy == "" {
		c.Embeddings.DuplicatePolicy = "verdict"
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite3"
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "reimburse.db")
	}

	c.SMTP.ApplyDefaults()

	if c.Geocoding.BaseURL == "" {
		c.Geocoding.BaseURL = "https://maps.googleapis.com"
	}
	if c.Geocoding.OfficeLat == 0 && c.Geocoding.OfficeLng == 0 {
		c.Geocoding.OfficeLat = 17.4508
		c.Geocoding.OfficeLng = 78.3798
	}
	if c.Geocoding.RadiusKm <= 0 {
		c.Geocoding.RadiusKm = 2.5
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "reimburse"
	}
}

// Validate checks the configuration for internal consistency and returns
// the first problem found.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q must be text or json", c.LogFormat)
	}
	for i, m := range c.Models.Available {
		if m.Name == "" {
			return fmt.Errorf("models.available[%d].name must not be empty", i)
		}
		if m.Provider != "ollama" && m.Provider != "openai" {
			return fmt.Errorf("models.available[%d] (%s): provider %q must be ollama or openai", i, m.Name, m.Provider)
		}
		if m.Provider == "openai" && !c.OpenAI.Configured() {
			return fmt.Errorf("models.available[%d] (%s): provider openai requires the openai section", i, m.Name)
		}
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		return fmt.Errorf("agent.temperature %.2f out of range (0-2)", c.Agent.Temperature)
	}
	if c.Embeddings.SimilarityThreshold <= 0 || c.Embeddings.SimilarityThreshold > 1 {
		return fmt.Errorf("embeddings.similarity_threshold %.3f out of range (0-1]", c.Embeddings.SimilarityThreshold)
	}
	switch c.Embeddings.DuplicatePolicy {
	case "verdict", "embedding", "both":
	default:
		return fmt.Errorf("embeddings.duplicate_policy %q must be verdict, embedding or both", c.Embeddings.DuplicatePolicy)
	}
	switch c.Store.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("store.driver %q must be sqlite3 or sqlite", c.Store.Driver)
	}
	if err := c.SMTP.Validate(); err != nil {
		return err
	}
	return nil
}

// ProviderFor returns the configured provider for a model name,
// defaulting to "ollama" for models not listed under models.available.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return "ollama"
}
