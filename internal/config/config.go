package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ValidationError reports a configuration value that cannot be used.
// It is fatal: the server refuses to start rather than run with it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	LLM       LLMConfig
	Index     IndexConfig
	Chunking  ChunkingConfig
	Embedding EmbeddingConfig
	Retrieval RetrievalConfig
	Synthesis SynthesisConfig
	Answering AnsweringConfig
	Limits    LimitsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LLMConfig struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	EmbedModel string
}

type IndexConfig struct {
	Backend           string // "sqlite" or "pinecone"
	Dimension         int
	Metric            string // "cosine" or "dotproduct"
	UpsertBatchSize   int
	PineconeBaseURL   string
	PineconeAPIKey    string
	PineconeNamespace string
}

type ChunkingConfig struct {
	Size      int
	Overlap   int
	Lookahead int
}

type EmbeddingConfig struct {
	BatchSize  int
	MaxRetries int
}

type RetrievalConfig struct {
	TopK     int
	MinScore float64
}

type SynthesisConfig struct {
	MaxContextChars int
}

type AnsweringConfig struct {
	Concurrency    int
	RequestTimeout time.Duration
}

type LimitsConfig struct {
	MaxChunksPerDocument   int
	MaxDocumentBytes       int64
	MaxQuestionsPerRequest int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4400,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		LLM: LLMConfig{
			BaseURL:    "https://api.openai.com/v1",
			ChatModel:  "gpt-4o",
			EmbedModel: "text-embedding-3-small",
		},
		Index: IndexConfig{
			Backend:         "sqlite",
			Dimension:       1536,
			Metric:          "cosine",
			UpsertBatchSize: 100,
		},
		Chunking: ChunkingConfig{
			Size:      500,
			Overlap:   100,
			Lookahead: 80,
		},
		Embedding: EmbeddingConfig{
			BatchSize:  100,
			MaxRetries: 4,
		},
		Retrieval: RetrievalConfig{
			TopK:     10,
			MinScore: 0.3,
		},
		Synthesis: SynthesisConfig{
			MaxContextChars: 16000,
		},
		Answering: AnsweringConfig{
			Concurrency:    3,
			RequestTimeout: 2 * time.Minute,
		},
		Limits: LimitsConfig{
			MaxChunksPerDocument:   500,
			MaxDocumentBytes:       50 << 20,
			MaxQuestionsPerRequest: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".citeseek")
	}
	return ".citeseek"
}

// Load reads configuration from an optional .env file, then environment
// variables (CITESEEK_* overrides), then validates the result.
func Load() (Config, error) {
	// Missing .env is fine; env vars alone are a complete source.
	_ = godotenv.Load()

	cfg := defaults()
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = envInt("CITESEEK_PORT", cfg.Server.Port)
	cfg.Server.APIToken = envStr("CITESEEK_API_TOKEN", cfg.Server.APIToken)
	cfg.Storage.DataDir = envStr("CITESEEK_DATA_DIR", cfg.Storage.DataDir)
	cfg.Log.Level = envStr("CITESEEK_LOG_LEVEL", cfg.Log.Level)

	cfg.LLM.BaseURL = envStr("CITESEEK_LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.APIKey = envStr("CITESEEK_LLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.ChatModel = envStr("CITESEEK_CHAT_MODEL", cfg.LLM.ChatModel)
	cfg.LLM.EmbedModel = envStr("CITESEEK_EMBED_MODEL", cfg.LLM.EmbedModel)

	cfg.Index.Backend = envStr("CITESEEK_INDEX_BACKEND", cfg.Index.Backend)
	cfg.Index.Dimension = envInt("CITESEEK_INDEX_DIMENSION", cfg.Index.Dimension)
	cfg.Index.Metric = envStr("CITESEEK_INDEX_METRIC", cfg.Index.Metric)
	cfg.Index.UpsertBatchSize = envInt("CITESEEK_UPSERT_BATCH_SIZE", cfg.Index.UpsertBatchSize)
	cfg.Index.PineconeBaseURL = envStr("CITESEEK_PINECONE_BASE_URL", cfg.Index.PineconeBaseURL)
	cfg.Index.PineconeAPIKey = envStr("CITESEEK_PINECONE_API_KEY", cfg.Index.PineconeAPIKey)
	cfg.Index.PineconeNamespace = envStr("CITESEEK_PINECONE_NAMESPACE", cfg.Index.PineconeNamespace)

	cfg.Chunking.Size = envInt("CITESEEK_CHUNK_SIZE", cfg.Chunking.Size)
	cfg.Chunking.Overlap = envInt("CITESEEK_CHUNK_OVERLAP", cfg.Chunking.Overlap)
	cfg.Chunking.Lookahead = envInt("CITESEEK_CHUNK_LOOKAHEAD", cfg.Chunking.Lookahead)

	cfg.Embedding.BatchSize = envInt("CITESEEK_EMBED_BATCH_SIZE", cfg.Embedding.BatchSize)
	cfg.Embedding.MaxRetries = envInt("CITESEEK_EMBED_MAX_RETRIES", cfg.Embedding.MaxRetries)

	cfg.Retrieval.TopK = envInt("CITESEEK_TOP_K", cfg.Retrieval.TopK)
	cfg.Retrieval.MinScore = envFloat("CITESEEK_MIN_RETRIEVAL_SCORE", cfg.Retrieval.MinScore)

	cfg.Synthesis.MaxContextChars = envInt("CITESEEK_MAX_CONTEXT_CHARS", cfg.Synthesis.MaxContextChars)

	cfg.Answering.Concurrency = envInt("CITESEEK_ANSWER_CONCURRENCY", cfg.Answering.Concurrency)
	cfg.Answering.RequestTimeout = envDuration("CITESEEK_REQUEST_TIMEOUT", cfg.Answering.RequestTimeout)

	cfg.Limits.MaxChunksPerDocument = envInt("CITESEEK_MAX_CHUNKS_PER_DOCUMENT", cfg.Limits.MaxChunksPerDocument)
	cfg.Limits.MaxDocumentBytes = envInt64("CITESEEK_MAX_DOCUMENT_BYTES", cfg.Limits.MaxDocumentBytes)
	cfg.Limits.MaxQuestionsPerRequest = envInt("CITESEEK_MAX_QUESTIONS_PER_REQUEST", cfg.Limits.MaxQuestionsPerRequest)
}

// Validate checks every constraint that would otherwise surface mid-request.
func (c Config) Validate() error {
	if c.Chunking.Size <= 0 {
		return &ValidationError{Field: "chunk size", Reason: "must be positive"}
	}
	if c.Chunking.Overlap < 0 {
		return &ValidationError{Field: "chunk overlap", Reason: "must not be negative"}
	}
	if c.Chunking.Overlap >= c.Chunking.Size {
		return &ValidationError{
			Field:  "chunk overlap",
			Reason: fmt.Sprintf("must be smaller than chunk size (%d >= %d)", c.Chunking.Overlap, c.Chunking.Size),
		}
	}
	if c.Index.Dimension <= 0 {
		return &ValidationError{Field: "index dimension", Reason: "must be positive"}
	}
	switch c.Index.Metric {
	case "cosine", "dotproduct":
	default:
		return &ValidationError{Field: "index metric", Reason: fmt.Sprintf("unknown metric %q", c.Index.Metric)}
	}
	switch c.Index.Backend {
	case "sqlite":
	case "pinecone":
		if c.Index.PineconeBaseURL == "" {
			return &ValidationError{Field: "pinecone base url", Reason: "required for the pinecone backend"}
		}
	default:
		return &ValidationError{Field: "index backend", Reason: fmt.Sprintf("unknown backend %q", c.Index.Backend)}
	}
	if c.Index.UpsertBatchSize <= 0 {
		return &ValidationError{Field: "upsert batch size", Reason: "must be positive"}
	}
	if c.Embedding.BatchSize <= 0 {
		return &ValidationError{Field: "embedding batch size", Reason: "must be positive"}
	}
	if c.Retrieval.TopK <= 0 {
		return &ValidationError{Field: "top k", Reason: "must be positive"}
	}
	if c.Retrieval.MinScore < 0 || c.Retrieval.MinScore > 1 {
		return &ValidationError{Field: "minimum retrieval score", Reason: "must be in [0, 1]"}
	}
	if c.Synthesis.MaxContextChars <= 0 {
		return &ValidationError{Field: "max context chars", Reason: "must be positive"}
	}
	if c.Answering.Concurrency <= 0 {
		return &ValidationError{Field: "answer concurrency", Reason: "must be positive"}
	}
	if c.Limits.MaxChunksPerDocument <= 0 {
		return &ValidationError{Field: "max chunks per document", Reason: "must be positive"}
	}
	if c.Limits.MaxDocumentBytes <= 0 {
		return &ValidationError{Field: "max document bytes", Reason: "must be positive"}
	}
	if c.Limits.MaxQuestionsPerRequest <= 0 {
		return &ValidationError{Field: "max questions per request", Reason: "must be positive"}
	}
	return nil
}

func envStr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envInt64(key string, fallback int64) int64 {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func envFloat(key string, fallback float64) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}
