// Package config loads the runtime configuration file of agentflow.
//
// The file is YAML. ${VAR} and ${VAR:-default} references are replaced by
// environment variables before decoding.
//
//	logging:
//	  level: info
//	  format: json
//	engine:
//	  timeout: 5m
//	  max_concurrency: 8
//	memory:
//	  backend: badger
//	  dir: ./data/memory
//	run_store:
//	  driver: sqlite # or postgres / redis / mongo with a URL dsn
//	  dsn: ./data/runs.db
//	model:
//	  provider: openai
//	  model: gpt-4o-mini
//	  api_key: ${OPENAI_API_KEY}
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the runtime configuration.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Engine   EngineConfig   `yaml:"engine"`
	Memory   MemoryConfig   `yaml:"memory"`
	RunStore RunStoreConfig `yaml:"run_store"`
	Model    ModelConfig    `yaml:"model"`

	Agents     []AgentConfig     `yaml:"agents"`
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`  // debug, info, warn, error
	Format    string `yaml:"format"` // json or text
	AddSource bool   `yaml:"add_source"`
}

type EngineConfig struct {
	Timeout        string `yaml:"timeout"` // Go duration, empty = none
	MaxConcurrency int    `yaml:"max_concurrency"`
	StrictLoops    bool   `yaml:"strict_loops"`
}

type MemoryConfig struct {
	Backend string `yaml:"backend"` // memory or badger
	Dir     string `yaml:"dir"`

	KRecent               int `yaml:"k_recent"`
	KSemantic             int `yaml:"k_semantic"`
	MaxWorkingMemoryBytes int `yaml:"max_working_memory_bytes"`

	// Semantic enables the in-process vector index fed by the model's
	// embeddings.
	Semantic bool   `yaml:"semantic"`
	Metric   string `yaml:"metric"` // cosine, dot or l2
}

type RunStoreConfig struct {
	Driver string `yaml:"driver"` // none, memory, sqlite, postgres, redis or mongo
	// DSN is a file path for sqlite and a postgres://, redis:// or
	// mongodb:// URL for the server drivers.
	DSN string `yaml:"dsn"`
	// Prefix namespaces the redis keys. For mongo it names the database.
	Prefix string `yaml:"prefix"`
}

type ModelConfig struct {
	Provider       string  `yaml:"provider"` // openai, anthropic, gemini or mock
	Model          string  `yaml:"model"`
	EmbeddingModel string  `yaml:"embedding_model"`
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
}

// AgentConfig declares an agent for agent steps and the agent command.
type AgentConfig struct {
	Name         string   `yaml:"name"`
	Instructions string   `yaml:"instructions"`
	Tools        []string `yaml:"tools"` // empty = all registered tools
	MaxSteps     int      `yaml:"max_steps"`
}

// MCPServerConfig launches an MCP server over stdio and registers its
// tools.
type MCPServerConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	// Prefix is prepended to the tool names (default: Name).
	Prefix string `yaml:"prefix"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Memory:   MemoryConfig{Backend: "memory", KRecent: 10, KSemantic: 5, Metric: "cosine"},
		RunStore: RunStoreConfig{Driver: "memory"},
		Model:    ModelConfig{Provider: "openai", Temperature: 0.7},
	}
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalWithOptions([]byte(ExpandEnv(string(data))), cfg, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default}. An unset variable without
// default becomes the empty string.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok && v != "" {
			return v
		}
		return m[2]
	})
}

// Validate checks enumerations and numbers.
func (c *Config) Validate() error {
	if _, err := c.Timeout(); err != nil {
		return err
	}
	if c.Engine.MaxConcurrency < 0 {
		return fmt.Errorf("engine.max_concurrency must not be negative")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format %q: want json or text", c.Logging.Format)
	}
	switch c.Memory.Backend {
	case "", "memory":
	case "badger":
		if c.Memory.Dir == "" {
			return fmt.Errorf("memory.dir is required for the badger backend")
		}
	default:
		return fmt.Errorf("memory.backend %q: want memory or badger", c.Memory.Backend)
	}
	switch c.Memory.Metric {
	case "", "cosine", "dot", "l2":
	default:
		return fmt.Errorf("memory.metric %q: want cosine, dot or l2", c.Memory.Metric)
	}
	switch c.RunStore.Driver {
	case "", "none", "memory":
	case "sqlite", "postgres", "redis", "mongo":
		if c.RunStore.DSN == "" {
			return fmt.Errorf("run_store.dsn is required for the %s driver", c.RunStore.Driver)
		}
	default:
		return fmt.Errorf("run_store.driver %q: want none, memory, sqlite, postgres, redis or mongo", c.RunStore.Driver)
	}
	switch c.Model.Provider {
	case "", "openai", "anthropic", "gemini", "mock":
	default:
		return fmt.Errorf("model.provider %q: want openai, anthropic, gemini or mock", c.Model.Provider)
	}
	seen := map[string]bool{}
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d].name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("agents[%d]: duplicate agent %q", i, a.Name)
		}
		seen[a.Name] = true
		if a.MaxSteps < 0 {
			return fmt.Errorf("agents[%d].max_steps must not be negative", i)
		}
	}
	for i, s := range c.MCPServers {
		if s.Name == "" || s.Command == "" {
			return fmt.Errorf("mcp_servers[%d]: name and command are required", i)
		}
	}
	return nil
}

// Timeout parses engine.timeout.
func (c *Config) Timeout() (time.Duration, error) {
	if c.Engine.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Engine.Timeout)
	if err != nil {
		return 0, fmt.Errorf("engine.timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("engine.timeout must not be negative")
	}
	return d, nil
}
