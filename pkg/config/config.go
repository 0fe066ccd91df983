// Package config handles Forest configuration via environment variables and
// an optional YAML file.
//
// Precedence is env > config file > default. All environment variables are
// prefixed FOREST_ except the provider-standard OPENAI_API_KEY.
//
// Environment Variables:
//   - FOREST_DB_PATH: database location (default: platform app-data
//     directory under com.ettio.forest.desktop/forest.db)
//   - FOREST_CONFIG: config file path (default: config.yaml next to the db)
//   - FOREST_EMBED_PROVIDER: openrouter | openai | local | mock | none
//   - FOREST_EMBED_MODEL: provider-specific model id
//   - FOREST_EMBED_URL: override provider base URL
//   - FOREST_EMBED_COMMAND: local provider subprocess command
//   - FOREST_OR_KEY: OpenRouter credential
//   - OPENAI_API_KEY: OpenAI credential
//   - FOREST_SEMANTIC_THRESHOLD: semantic acceptance threshold (0.5)
//   - FOREST_TAG_THRESHOLD: tag acceptance threshold (0.3)
//   - FOREST_PROJECT_EDGE_FLOOR: project fallback floor (0.3, clamped [0,1])
//   - FOREST_PROJECT_EDGE_LIMIT: project fallback cap (10, min 1)
//
// Example Usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//	fmt.Printf("db: %s provider: %s\n", cfg.DBPath, cfg.Embedding.Provider)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// appDirName is the platform application-data directory for Forest.
const appDirName = "com.ettio.forest.desktop"

// Config holds all Forest configuration.
type Config struct {
	// DBPath is the database location.
	DBPath string `yaml:"db_path"`

	// Embedding configures the semantic channel provider.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Linking configures the edge acceptance policy.
	Linking LinkingConfig `yaml:"linking"`
}

// EmbeddingConfig selects and parameterizes the embedding provider.
type EmbeddingConfig struct {
	// Provider is one of openrouter, openai, local, mock, none.
	Provider string `yaml:"provider"`
	// Model is the provider-specific model id.
	Model string `yaml:"model"`
	// APIURL overrides the provider base URL.
	APIURL string `yaml:"api_url"`
	// Command is the local provider's subprocess command.
	Command string `yaml:"command"`

	// Credentials come from the environment only, never the file.
	OpenRouterKey string `yaml:"-"`
	OpenAIKey     string `yaml:"-"`
}

// APIKey returns the credential matching the provider.
func (e EmbeddingConfig) APIKey() string {
	if e.Provider == "openai" {
		return e.OpenAIKey
	}
	return e.OpenRouterKey
}

// LinkingConfig holds the acceptance policy knobs.
type LinkingConfig struct {
	SemanticThreshold float64 `yaml:"semantic_threshold"`
	TagThreshold      float64 `yaml:"tag_threshold"`
	ProjectEdgeFloor  float64 `yaml:"project_edge_floor"`
	ProjectEdgeLimit  int     `yaml:"project_edge_limit"`
}

// Default returns the standard configuration.
func Default() *Config {
	return &Config{
		DBPath: DefaultDBPath(),
		Embedding: EmbeddingConfig{
			Provider: "openrouter",
		},
		Linking: LinkingConfig{
			SemanticThreshold: 0.5,
			TagThreshold:      0.3,
			ProjectEdgeFloor:  0.3,
			ProjectEdgeLimit:  10,
		},
	}
}

// DefaultDBPath returns the platform application-data database location.
func DefaultDBPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, appDirName, "forest.db")
}

// Load builds the effective configuration: defaults, overlaid by the YAML
// config file when present, overlaid by environment variables.
func Load() (*Config, error) {
	cfg := Default()

	path := os.Getenv("FOREST_CONFIG")
	if path == "" {
		path = filepath.Join(filepath.Dir(cfg.DBPath), "config.yaml")
	}
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.loadEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile overlays a YAML file onto the config. A missing file is not an
// error; a malformed one is.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// loadEnv overlays environment variables onto the config.
func (c *Config) loadEnv() {
	setString(&c.DBPath, "FOREST_DB_PATH")
	setString(&c.Embedding.Provider, "FOREST_EMBED_PROVIDER")
	setString(&c.Embedding.Model, "FOREST_EMBED_MODEL")
	setString(&c.Embedding.APIURL, "FOREST_EMBED_URL")
	setString(&c.Embedding.Command, "FOREST_EMBED_COMMAND")
	setString(&c.Embedding.OpenRouterKey, "FOREST_OR_KEY")
	setString(&c.Embedding.OpenAIKey, "OPENAI_API_KEY")
	setFloat(&c.Linking.SemanticThreshold, "FOREST_SEMANTIC_THRESHOLD")
	setFloat(&c.Linking.TagThreshold, "FOREST_TAG_THRESHOLD")
	setFloat(&c.Linking.ProjectEdgeFloor, "FOREST_PROJECT_EDGE_FLOOR")
	setInt(&c.Linking.ProjectEdgeLimit, "FOREST_PROJECT_EDGE_LIMIT")
}

// Validate checks threshold ranges. The project floor and limit clamp into
// their legal ranges instead of failing.
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "", "openrouter", "openai", "local", "mock", "none":
	default:
		return fmt.Errorf("unknown embed provider %q", c.Embedding.Provider)
	}

	if c.Linking.SemanticThreshold < 0 || c.Linking.SemanticThreshold > 1 {
		return fmt.Errorf("semantic threshold %v out of range [0,1]", c.Linking.SemanticThreshold)
	}
	if c.Linking.TagThreshold < 0 || c.Linking.TagThreshold > 1 {
		return fmt.Errorf("tag threshold %v out of range [0,1]", c.Linking.TagThreshold)
	}

	// The project floor clamps rather than errors
	if c.Linking.ProjectEdgeFloor < 0 {
		c.Linking.ProjectEdgeFloor = 0
	}
	if c.Linking.ProjectEdgeFloor > 1 {
		c.Linking.ProjectEdgeFloor = 1
	}
	if c.Linking.ProjectEdgeLimit < 1 {
		c.Linking.ProjectEdgeLimit = 1
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = parsed
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}
