// Package config provides configuration loading for devchain.
//
// Configuration is read once at process start (defaults, then an optional
// YAML file, then DEVCHAIN_* environment variables) and is immutable
// afterwards. Components receive the sections they need through their
// constructors.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfiguration marks configuration that prevents the process from starting.
var ErrConfiguration = errors.New("configuration error")

// Provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderScripted  = "scripted"
	ProviderHash      = "hash"
	ProviderFastEmbed = "fastembed"
	ProviderChromem   = "chromem"
	ProviderQdrant    = "qdrant"
)

// Memory scopes.
const (
	ScopeTask   = "task"
	ScopeGlobal = "global"
)

// Config holds the complete devchain configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	LLM        LLMConfig        `koanf:"llm"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Memory     MemoryConfig     `koanf:"memory"`
	Chain      ChainConfig      `koanf:"chain"`
	Jobs       JobsConfig       `koanf:"jobs"`
	Events     EventsConfig     `koanf:"events"`
	Workspace  WorkspaceConfig  `koanf:"workspace"`
	Secrets    SecretsConfig    `koanf:"secrets"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LLMConfig configures the agent backend.
type LLMConfig struct {
	Provider    string   `koanf:"provider"`
	APIKey      Secret   `koanf:"api_key"`
	BaseURL     string   `koanf:"base_url"`
	Model       string   `koanf:"model"`
	Temperature float64  `koanf:"temperature"`
	MaxTokens   int      `koanf:"max_tokens"`
	CallTimeout Duration `koanf:"call_timeout"`
	// RateLimit is requests per minute shared by all jobs.
	RateLimit float64 `koanf:"rate_limit"`
	Burst     int     `koanf:"burst"`
}

// EmbeddingsConfig configures text embedding for memory.
type EmbeddingsConfig struct {
	Provider  string `koanf:"provider"`
	APIKey    Secret `koanf:"api_key"`
	BaseURL   string `koanf:"base_url"`
	Model     string `koanf:"model"`
	Dimension int    `koanf:"dimension"`
	// CacheDir holds downloaded local models (fastembed).
	CacheDir string `koanf:"cache_dir"`
}

// MemoryConfig selects and configures the memory store.
type MemoryConfig struct {
	Provider   string `koanf:"provider"`
	Scope      string `koanf:"scope"`
	TopK       int    `koanf:"top_k"`
	Collection string `koanf:"collection"`
	VectorSize int    `koanf:"vector_size"`

	// chromem: empty path keeps the store in process memory only.
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`

	QdrantHost   string `koanf:"qdrant_host"`
	QdrantPort   int    `koanf:"qdrant_port"`
	QdrantAPIKey Secret `koanf:"qdrant_api_key"`
	QdrantTLS    bool   `koanf:"qdrant_tls"`
}

// ChainConfig holds phase execution settings.
type ChainConfig struct {
	PhasesFile string `koanf:"phases_file"`
	// WatchPhases reloads PhasesFile on change. Running jobs keep the
	// definitions they started with.
	WatchPhases     bool     `koanf:"watch_phases"`
	PhaseTimeout    Duration `koanf:"phase_timeout"`
	MaxTurns        int      `koanf:"max_turns"`
	MaxHistory      int      `koanf:"max_history"`
	RetryAttempts   int      `koanf:"retry_attempts"`
	RetryBackoff    Duration `koanf:"retry_backoff"`
	RetryMaxBackoff Duration `koanf:"retry_max_backoff"`
}

// JobsConfig holds job manager settings.
type JobsConfig struct {
	MaxConcurrent int      `koanf:"max_concurrent"`
	Retention     Duration `koanf:"retention"`
	ReapInterval  Duration `koanf:"reap_interval"`
}

// EventsConfig configures job lifecycle event publishing.
// An empty NATSURL disables publishing.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// WorkspaceConfig configures git export of generated code.
type WorkspaceConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Root        string `koanf:"root"`
	AuthorName  string `koanf:"author_name"`
	AuthorEmail string `koanf:"author_email"`
}

// SecretsConfig configures redaction of generated artifacts.
type SecretsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// LoggingConfig holds the logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	ServiceName string  `koanf:"service_name"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		LLM: LLMConfig{
			Provider:    ProviderOpenAI,
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			MaxTokens:   4096,
			CallTimeout: Duration(2 * time.Minute),
			RateLimit:   60,
			Burst:       5,
		},
		Embeddings: EmbeddingsConfig{
			Provider:  ProviderOpenAI,
			BaseURL:   "https://api.openai.com/v1",
			Model:     "text-embedding-3-small",
			Dimension: 1536,
		},
		Memory: MemoryConfig{
			Provider:   ProviderChromem,
			Scope:      ScopeTask,
			TopK:       3,
			Collection: "devchain_memory",
			VectorSize: 1536,
			Compress:   true,
			QdrantHost: "localhost",
			QdrantPort: 6334,
		},
		Chain: ChainConfig{
			PhaseTimeout:    Duration(20 * time.Minute),
			MaxTurns:        10,
			MaxHistory:      40,
			RetryAttempts:   3,
			RetryBackoff:    Duration(500 * time.Millisecond),
			RetryMaxBackoff: Duration(10 * time.Second),
		},
		Jobs: JobsConfig{
			MaxConcurrent: 4,
			Retention:     Duration(24 * time.Hour),
			ReapInterval:  Duration(5 * time.Minute),
		},
		Events: EventsConfig{
			SubjectPrefix: "devchain.jobs",
		},
		Workspace: WorkspaceConfig{
			Root:        "./warehouse",
			AuthorName:  "devchain",
			AuthorEmail: "devchain@localhost",
		},
		Secrets: SecretsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "devchain",
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			SampleRate:  1.0,
		},
	}
}

// Validate checks the configuration. Every returned error wraps ErrConfiguration.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.http_port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		add("server.shutdown_timeout must be positive")
	}

	switch c.LLM.Provider {
	case ProviderOpenAI:
		if !c.LLM.APIKey.IsSet() {
			add("llm.api_key is required for provider %q", ProviderOpenAI)
		}
		if c.LLM.Model == "" {
			add("llm.model is required")
		}
	case ProviderScripted:
	default:
		add("llm.provider must be %q or %q, got %q", ProviderOpenAI, ProviderScripted, c.LLM.Provider)
	}
	if c.LLM.CallTimeout.Duration() <= 0 {
		add("llm.call_timeout must be positive")
	}
	if c.LLM.RateLimit <= 0 || c.LLM.Burst <= 0 {
		add("llm.rate_limit and llm.burst must be positive")
	}

	switch c.Embeddings.Provider {
	case ProviderOpenAI:
		if !c.Embeddings.APIKey.IsSet() && !c.LLM.APIKey.IsSet() {
			add("embeddings.api_key (or llm.api_key) is required for provider %q", ProviderOpenAI)
		}
	case ProviderHash, ProviderFastEmbed:
	default:
		add("embeddings.provider must be %q, %q or %q, got %q", ProviderOpenAI, ProviderHash, ProviderFastEmbed, c.Embeddings.Provider)
	}
	if c.Embeddings.Dimension <= 0 {
		add("embeddings.dimension must be positive")
	}

	switch c.Memory.Provider {
	case ProviderChromem:
	case ProviderQdrant:
		if c.Memory.QdrantHost == "" {
			add("memory.qdrant_host is required for provider %q", ProviderQdrant)
		}
		if c.Memory.QdrantPort < 1 || c.Memory.QdrantPort > 65535 {
			add("memory.qdrant_port must be between 1 and 65535, got %d", c.Memory.QdrantPort)
		}
	default:
		add("memory.provider must be %q or %q, got %q", ProviderChromem, ProviderQdrant, c.Memory.Provider)
	}
	if c.Memory.Scope != ScopeTask && c.Memory.Scope != ScopeGlobal {
		add("memory.scope must be %q or %q, got %q", ScopeTask, ScopeGlobal, c.Memory.Scope)
	}
	if c.Memory.TopK < 0 {
		add("memory.top_k cannot be negative")
	}
	if c.Memory.Collection == "" {
		add("memory.collection is required")
	}

	if c.Chain.MaxTurns < 1 {
		add("chain.max_turns must be at least 1")
	}
	if c.Chain.RetryAttempts < 1 {
		add("chain.retry_attempts must be at least 1")
	}
	if c.Chain.PhaseTimeout.Duration() <= 0 {
		add("chain.phase_timeout must be positive")
	}

	if c.Jobs.MaxConcurrent < 1 {
		add("jobs.max_concurrent must be at least 1")
	}
	if c.Jobs.ReapInterval.Duration() <= 0 {
		add("jobs.reap_interval must be positive")
	}

	if c.Workspace.Enabled && c.Workspace.Root == "" {
		add("workspace.root is required when workspace export is enabled")
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		add("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(errs...))
}
