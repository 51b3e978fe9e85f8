package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"quorum/internal/domain"
	"quorum/internal/provider"
)

// ErrCorrupt is returned together with the defaults when a config file
// cannot be parsed.
var ErrCorrupt = errors.New("config file is corrupt")

// ProviderConfig holds the credentials and transport settings of one provider family.
// APIKey wins over APIKeyEnv when both are set.
type ProviderConfig struct {
	APIKey      string `yaml:"api_key,omitempty"`
	APIKeyEnv   string `yaml:"api_key_env"`
	BaseURL     string `yaml:"base_url,omitempty"`
	TimeoutSecs int    `yaml:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries"`
}

// Transport converts the file settings into adapter settings.
func (p ProviderConfig) Transport() provider.Config {
	return provider.Config{
		BaseURL:    p.BaseURL,
		Timeout:    time.Duration(p.TimeoutSecs) * time.Second,
		MaxRetries: p.MaxRetries,
	}
}

// ProvidersConfig groups the provider families.
type ProvidersConfig struct {
	OpenRouter ProviderConfig `yaml:"openrouter"`
	Google     ProviderConfig `yaml:"google"`
	Anthropic  ProviderConfig `yaml:"anthropic"`
}

// RetrievalConfig controls chunking and the default context mode.
type RetrievalConfig struct {
	Enabled   bool `yaml:"enabled"`
	ChunkSize int  `yaml:"chunk_size"`
	Overlap   int  `yaml:"overlap"`
	TopK      int  `yaml:"top_k"`
}

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// GeminiEmbedderConfig configures the Gemini embedder. The key comes from
// the google provider section.
type GeminiEmbedderConfig struct {
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
}

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type      string                `yaml:"type"`
	Dimension int                   `yaml:"dimension,omitempty"`
	OpenAI    *OpenAIEmbedderConfig `yaml:"openai,omitempty"`
	Gemini    *GeminiEmbedderConfig `yaml:"gemini,omitempty"`
}

// ChunkStoreConfig selects where embedded chunks are kept. A relative path
// is resolved against the data directory.
type ChunkStoreConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

// LoggingConfig sets the log level and file. An empty file logs to stderr.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// AppConfig is the root application configuration structure. The model list
// is guarded for use from the UI and the dispatcher at the same time.
type AppConfig struct {
	Providers        ProvidersConfig    `yaml:"providers"`
	Models           []domain.ModelSpec `yaml:"models"`
	Retrieval        RetrievalConfig    `yaml:"retrieval"`
	Embedder         EmbedderConfig     `yaml:"embedder"`
	ChunkStore       ChunkStoreConfig   `yaml:"chunk_store"`
	StructuredOutput bool               `yaml:"structured_output"`
	DataDir          string             `yaml:"data_dir"`
	Logging          LoggingConfig      `yaml:"logging"`

	mu sync.RWMutex
}

// Load reads a config from path. A missing file yields defaults; an
// unparsable one yields defaults and an error wrapping ErrCorrupt.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultConfig(), nil
		}
		return nil, err
	}
	// retrieval keys absent from the file keep their defaults
	cfg := &AppConfig{Retrieval: defaultConfig().Retrieval}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return defaultConfig(), fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	applyConfigDefaults(cfg)
	return cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/quorum/config.yaml.
// If neither exists, it writes defaults to ~/.config/quorum/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	cfg.mu.RLock()
	data, err := yaml.Marshal(cfg)
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// AddModel appends an enabled model. Names are unique.
func (c *AppConfig) AddModel(name string, kind domain.ProviderKind) error {
	if name == "" {
		return fmt.Errorf("%w: model name is empty", domain.ErrInvalidParameter)
	}
	switch kind {
	case domain.ProviderOpenRouter, domain.ProviderGoogle, domain.ProviderAnthropic:
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownProvider, kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.indexLocked(name) >= 0 {
		return fmt.Errorf("%w: %s", domain.ErrModelExists, name)
	}
	c.Models = append(c.Models, domain.ModelSpec{Name: name, Provider: kind, Enabled: true})
	return nil
}

// RemoveModel deletes the model named name.
func (c *AppConfig) RemoveModel(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnknownModel, name)
	}
	c.Models = append(c.Models[:i], c.Models[i+1:]...)
	return nil
}

// SetEnabled switches a model on or off.
func (c *AppConfig) SetEnabled(name string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnknownModel, name)
	}
	c.Models[i].Enabled = enabled
	return nil
}

// ListModels returns a copy of every configured model.
func (c *AppConfig) ListModels() []domain.ModelSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.ModelSpec, len(c.Models))
	copy(out, c.Models)
	return out
}

// EnabledModels returns the enabled models in configuration order.
func (c *AppConfig) EnabledModels() []domain.ModelSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []domain.ModelSpec
	for _, m := range c.Models {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// Provider returns the section of a provider family.
func (c *AppConfig) Provider(kind domain.ProviderKind) ProviderConfig {
	switch kind {
	case domain.ProviderOpenRouter:
		return c.Providers.OpenRouter
	case domain.ProviderGoogle:
		return c.Providers.Google
	case domain.ProviderAnthropic:
		return c.Providers.Anthropic
	}
	return ProviderConfig{}
}

// APIKey resolves the key of a provider family from the file or its
// environment variable. It returns "" when neither is set.
func (c *AppConfig) APIKey(kind domain.ProviderKind) string {
	p := c.Provider(kind)
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

// ResolvePath joins a relative path onto the data directory.
func (c *AppConfig) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

func (c *AppConfig) indexLocked(name string) int {
	for i, m := range c.Models {
		if m.Name == name {
			return i
		}
	}
	return -1
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "quorum", "config.yaml"), nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quorum"
	}
	return filepath.Join(home, ".local", "share", "quorum")
}

func defaultConfig() *AppConfig {
	cfg := &AppConfig{
		Models: []domain.ModelSpec{
			{Name: "anthropic/claude-3.5-sonnet", Provider: domain.ProviderOpenRouter, Enabled: true},
		},
		Retrieval: RetrievalConfig{Enabled: true, ChunkSize: 500, Overlap: 50, TopK: 5},
	}
	applyConfigDefaults(cfg)
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	defaultProvider(&cfg.Providers.OpenRouter, "OPENROUTER_API_KEY")
	defaultProvider(&cfg.Providers.Google, "GOOGLE_API_KEY")
	defaultProvider(&cfg.Providers.Anthropic, "ANTHROPIC_API_KEY")

	if cfg.Retrieval.ChunkSize <= 0 {
		cfg.Retrieval.ChunkSize = 500
	}
	// an explicit 0 in the file means no overlap
	if cfg.Retrieval.Overlap < 0 || cfg.Retrieval.Overlap >= cfg.Retrieval.ChunkSize {
		cfg.Retrieval.Overlap = min(50, cfg.Retrieval.ChunkSize/10)
	}
	if cfg.Retrieval.TopK <= 0 {
		cfg.Retrieval.TopK = 5
	}

	if cfg.Embedder.Type == "" {
		cfg.Embedder.Type = "hashing"
	}
	if cfg.Embedder.Type == "openai" {
		if cfg.Embedder.OpenAI == nil {
			cfg.Embedder.OpenAI = &OpenAIEmbedderConfig{}
		}
		if cfg.Embedder.OpenAI.BaseURL == "" {
			cfg.Embedder.OpenAI.BaseURL = "https://api.openai.com/v1"
		}
		if cfg.Embedder.OpenAI.APIKeyEnv == "" {
			cfg.Embedder.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
		}
		if cfg.Embedder.OpenAI.Model == "" {
			cfg.Embedder.OpenAI.Model = "text-embedding-3-small"
		}
		if cfg.Embedder.OpenAI.TimeoutSecs == 0 {
			cfg.Embedder.OpenAI.TimeoutSecs = 30
		}
	}
	if cfg.Embedder.Type == "gemini" && cfg.Embedder.Gemini == nil {
		cfg.Embedder.Gemini = &GeminiEmbedderConfig{}
	}

	if cfg.ChunkStore.Type == "" {
		cfg.ChunkStore.Type = "json"
	}
	if cfg.ChunkStore.Path == "" {
		if cfg.ChunkStore.Type == "badger" {
			cfg.ChunkStore.Path = "chunks.badger"
		} else {
			cfg.ChunkStore.Path = "chunks.json"
		}
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func defaultProvider(p *ProviderConfig, env string) {
	if p.APIKeyEnv == "" {
		p.APIKeyEnv = env
	}
	if p.TimeoutSecs <= 0 {
		p.TimeoutSecs = int(provider.DefaultTimeout / time.Second)
	}
}
