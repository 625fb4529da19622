package hybridqa

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/hybridqa/llm"
	"github.com/brunobiangulo/hybridqa/neo4jstore"
)

// Config holds all configuration for the question answering engine.
type Config struct {
	// Backend selects the graph store: "sqlite" (default) or "neo4j".
	Backend string `json:"backend" yaml:"backend" validate:"oneof=sqlite neo4j"`

	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.hybridqa/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set: "home" (default) or "local".
	StorageDir string `json:"storage_dir" yaml:"storage_dir" validate:"omitempty,oneof=home local cwd"`

	// Neo4j is used when Backend is "neo4j".
	Neo4j neo4jstore.Config `json:"neo4j" yaml:"neo4j"`

	// LLM providers
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// Embedding dimensions (must match model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim" validate:"gt=0"`

	// Entity resolution
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold" validate:"gt=0,lte=1"`
	NeighborsK          int     `json:"neighbors_k" yaml:"neighbors_k" validate:"gte=1,lte=100"`

	// Query generation and execution
	MaxQueryRetries int `json:"max_query_retries" yaml:"max_query_retries" validate:"gte=0,lte=5"`
	MaxRows         int `json:"max_rows" yaml:"max_rows" validate:"gt=0"`

	// Synthesis
	HistoryTurns int `json:"history_turns" yaml:"history_turns" validate:"gte=0"`

	// Graph building
	BuildConcurrency int `json:"build_concurrency" yaml:"build_concurrency" validate:"gte=0"`

	// Per-call timeouts
	RouteTimeout      time.Duration `json:"route_timeout" yaml:"route_timeout" validate:"gte=0"`
	EmbedTimeout      time.Duration `json:"embed_timeout" yaml:"embed_timeout" validate:"gte=0"`
	GenerateTimeout   time.Duration `json:"generate_timeout" yaml:"generate_timeout" validate:"gte=0"`
	ExecuteTimeout    time.Duration `json:"execute_timeout" yaml:"execute_timeout" validate:"gte=0"`
	SynthesizeTimeout time.Duration `json:"synthesize_timeout" yaml:"synthesize_timeout" validate:"gte=0"`

	// Sessions idle for SessionIdleTTL are evicted; zero keeps them forever.
	SessionIdleTTL       time.Duration `json:"session_idle_ttl" yaml:"session_idle_ttl" validate:"gte=0"`
	SessionSweepInterval time.Duration `json:"session_sweep_interval" yaml:"session_sweep_interval" validate:"gte=0"`

	Log LogConfig `json:"log" yaml:"log"`

	// MetricsAddr, when set, is where the CLI serves /metrics.
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider   string `json:"provider" yaml:"provider" validate:"oneof=ollama lmstudio openrouter openai groq gemini xai custom"`
	Model      string `json:"model" yaml:"model" validate:"required"`
	BaseURL    string `json:"base_url" yaml:"base_url"`
	APIKey     string `json:"api_key" yaml:"api_key"`
	MaxRetries int    `json:"max_retries" yaml:"max_retries"`
}

func (c LLMConfig) provider() llm.Config {
	return llm.Config{
		Provider:   c.Provider,
		Model:      c.Model,
		BaseURL:    c.BaseURL,
		APIKey:     c.APIKey,
		MaxRetries: c.MaxRetries,
	}
}

// LogConfig selects the slog handler installed by the CLI.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"oneof=text json"`
}

// DefaultConfig returns a Config with the defaults used when no file or
// environment overrides are present.
func DefaultConfig() Config {
	return Config{
		Backend:    "sqlite",
		DBName:     "hybridqa",
		StorageDir: "home",
		Chat: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4.1-mini",
		},
		Embedding: LLMConfig{
			Provider: "openai",
			Model:    "text-embedding-3-small",
		},
		EmbeddingDim:         1536,
		SimilarityThreshold:  0.80,
		NeighborsK:           5,
		MaxQueryRetries:      1,
		MaxRows:              200,
		HistoryTurns:         6,
		BuildConcurrency:     4,
		RouteTimeout:         20 * time.Second,
		EmbedTimeout:         15 * time.Second,
		GenerateTimeout:      30 * time.Second,
		ExecuteTimeout:       10 * time.Second,
		SynthesizeTimeout:    30 * time.Second,
		SessionIdleTTL:       30 * time.Minute,
		SessionSweepInterval: time.Minute,
		Log:                  LogConfig{Level: "info", Format: "text"},
	}
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Backend == "neo4j" && c.Neo4j.URI == "" {
		return fmt.Errorf("%w: neo4j.uri is required for the neo4j backend", ErrInvalidConfig)
	}
	return nil
}

// LoadConfig builds a Config from defaults, the YAML file at path (when
// non-empty), a .env file in the working directory and HYBRIDQA_*
// environment variables, in increasing precedence.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides cfg from HYBRIDQA_* variables. A hosted provider left
// without a key takes it from its vendor variable, e.g. OPENAI_API_KEY.
func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"HYBRIDQA_BACKEND":            &cfg.Backend,
		"HYBRIDQA_DB_PATH":            &cfg.DBPath,
		"HYBRIDQA_NEO4J_URI":          &cfg.Neo4j.URI,
		"HYBRIDQA_NEO4J_USERNAME":     &cfg.Neo4j.Username,
		"HYBRIDQA_NEO4J_PASSWORD":     &cfg.Neo4j.Password,
		"HYBRIDQA_NEO4J_DATABASE":     &cfg.Neo4j.Database,
		"HYBRIDQA_CHAT_PROVIDER":      &cfg.Chat.Provider,
		"HYBRIDQA_CHAT_MODEL":         &cfg.Chat.Model,
		"HYBRIDQA_CHAT_BASE_URL":      &cfg.Chat.BaseURL,
		"HYBRIDQA_CHAT_API_KEY":       &cfg.Chat.APIKey,
		"HYBRIDQA_EMBEDDING_PROVIDER": &cfg.Embedding.Provider,
		"HYBRIDQA_EMBEDDING_MODEL":    &cfg.Embedding.Model,
		"HYBRIDQA_EMBEDDING_BASE_URL": &cfg.Embedding.BaseURL,
		"HYBRIDQA_EMBEDDING_API_KEY":  &cfg.Embedding.APIKey,
		"HYBRIDQA_LOG_LEVEL":          &cfg.Log.Level,
		"HYBRIDQA_LOG_FORMAT":         &cfg.Log.Format,
		"HYBRIDQA_METRICS_ADDR":       &cfg.MetricsAddr,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"HYBRIDQA_EMBEDDING_DIM":     &cfg.EmbeddingDim,
		"HYBRIDQA_NEIGHBORS_K":       &cfg.NeighborsK,
		"HYBRIDQA_MAX_QUERY_RETRIES": &cfg.MaxQueryRetries,
		"HYBRIDQA_MAX_ROWS":          &cfg.MaxRows,
		"HYBRIDQA_HISTORY_TURNS":     &cfg.HistoryTurns,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
			}
			*dst = n
		}
	}

	if v, ok := os.LookupEnv("HYBRIDQA_SIMILARITY_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: HYBRIDQA_SIMILARITY_THRESHOLD: %v", ErrInvalidConfig, err)
		}
		cfg.SimilarityThreshold = f
	}
	if v, ok := os.LookupEnv("HYBRIDQA_SESSION_IDLE_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: HYBRIDQA_SESSION_IDLE_TTL: %v", ErrInvalidConfig, err)
		}
		cfg.SessionIdleTTL = d
	}

	for _, c := range []*LLMConfig{&cfg.Chat, &cfg.Embedding} {
		if c.APIKey != "" {
			continue
		}
		if name, ok := vendorKeyEnv[c.Provider]; ok {
			c.APIKey = os.Getenv(name)
		}
	}
	return nil
}

var vendorKeyEnv = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"groq":       "GROQ_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"xai":        "XAI_API_KEY",
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "hybridqa"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".hybridqa")
		return filepath.Join(dir, name+".db")
	}
}
