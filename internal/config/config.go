// Package config handles parley configuration loading.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
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

// Config holds all parley configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Model     ModelConfig     `yaml:"model"`
	Search    SearchConfig    `yaml:"search"`
	Documents DocumentsConfig `yaml:"documents"`
	Agent     AgentConfig     `yaml:"agent"`
	Console   ConsoleConfig   `yaml:"console"`

	// DataDir holds the checkpoint database. Empty keeps conversations
	// in memory only.
	DataDir string `yaml:"data_dir"`

	// Retention prunes threads not updated within this window at serve
	// startup and hourly after. Zero keeps everything.
	Retention time.Duration `yaml:"retention"`

	// KeyFile is an optional whitespace-separated key file
	// ("googleGemini <key>", "tavily <key>").
	KeyFile string `yaml:"key_file"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" (default) or "json"
}

// ListenConfig defines the HTTP API listener.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the API server binds.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// ModelConfig selects the language model provider.
type ModelConfig struct {
	Provider  string `yaml:"provider"` // "gemini" or "ollama"
	Name      string `yaml:"name"`
	OllamaURL string `yaml:"ollama_url"`
	GeminiURL string `yaml:"gemini_url"`
	APIKey    string `yaml:"api_key"`
}

// SearchConfig configures the web search capability.
type SearchConfig struct {
	Primary    string        `yaml:"primary"` // tavily, brave, searxng, duckduckgo
	MaxResults int           `yaml:"max_results"`
	Tavily     TavilyConfig  `yaml:"tavily"`
	Brave      BraveConfig   `yaml:"brave"`
	SearXNG    SearXNGConfig `yaml:"searxng"`
	DuckDuckGo DDGConfig     `yaml:"duckduckgo"`
}

// TavilyConfig configures the Tavily search API.
type TavilyConfig struct {
	APIKey string `yaml:"api_key"`
	Depth  string `yaml:"depth"`
}

// BraveConfig configures the Brave Search API.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// SearXNGConfig configures a SearXNG instance.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// DDGConfig enables the DuckDuckGo lite scraper, which needs no key.
type DDGConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DocumentsConfig locates the documents the agent can read.
type DocumentsConfig struct {
	ResumePath string `yaml:"resume_path"`

	// Workspace restricts read_file to paths under this directory.
	// Empty allows any path.
	Workspace string `yaml:"workspace"`
}

// AgentConfig tunes the orchestration loop.
type AgentConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	TurnTimeout   time.Duration `yaml:"turn_timeout"`
}

// ConsoleConfig tunes the interactive chat surface.
type ConsoleConfig struct {
	RenderMarkdown bool   `yaml:"render_markdown"`
	ThreadID       string `yaml:"thread_id"`
}

// Load reads and parses a config file, expanding ${VAR} references from
// the environment. Unset fields keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Listen: ListenConfig{Port: 8080},
		Model: ModelConfig{
			Provider:  "gemini",
			Name:      "gemini-2.0-flash",
			OllamaURL: "http://localhost:11434",
		},
		Search: SearchConfig{
			Primary:    "tavily",
			MaxResults: 3,
			Tavily:     TavilyConfig{Depth: "basic"},
		},
		Documents: DocumentsConfig{ResumePath: "Docs/resume.pdf"},
		Agent:     AgentConfig{MaxIterations: 10, TurnTimeout: 5 * time.Minute},
		Console:   ConsoleConfig{RenderMarkdown: true, ThreadID: "chat"},
		KeyFile:   "APIs.txt",
		LogFormat: "text",
	}
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv fills API keys left empty from the conventional environment
// variables.
func (c *Config) ApplyEnv() {
	if c.Model.APIKey == "" {
		c.Model.APIKey = os.Getenv("GOOGLE_API_KEY")
	}
	if c.Search.Tavily.APIKey == "" {
		c.Search.Tavily.APIKey = os.Getenv("TAVILY_API_KEY")
	}
	if c.Search.Brave.APIKey == "" {
		c.Search.Brave.APIKey = os.Getenv("BRAVE_API_KEY")
	}
}

// Validate checks values that would otherwise fail much later.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "gemini", "ollama":
	default:
		return fmt.Errorf("model.provider %q: must be gemini or ollama", c.Model.Provider)
	}
	if c.Model.Name == "" {
		return errors.New("model.name is required")
	}
	if c.Search.MaxResults <= 0 {
		return fmt.Errorf("search.max_results must be positive, got %d", c.Search.MaxResults)
	}
	if c.Retention < 0 {
		return fmt.Errorf("retention must not be negative, got %s", c.Retention)
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q: must be text or json", c.LogFormat)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// LoadDotEnv loads environment variables from path. Missing files are
// ignored; variables already set are not overwritten.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// keyFileVars maps key file labels to the environment variables they set.
var keyFileVars = map[string]string{
	"googleGemini": "GOOGLE_API_KEY",
	"tavily":       "TAVILY_API_KEY",
	"brave":        "BRAVE_API_KEY",
}

// LoadKeyFile reads a key file of "<label> <key>" lines and exports each
// recognized label to its environment variable. Unknown labels and short
// lines are skipped. A missing file is not an error.
func LoadKeyFile(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open key file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		env, ok := keyFileVars[fields[0]]
		if !ok {
			continue
		}
		if err := os.Setenv(env, fields[1]); err != nil {
			return fmt.Errorf("set %s: %w", env, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	return nil
}
