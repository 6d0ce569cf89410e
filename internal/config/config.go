package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration loaded from environment
// variables. It is immutable after Load() returns.
type Config struct {
	Port             int
	Environment      string
	AllowedOrigins   []string
	DatabaseURL      string
	DatabaseMaxConns int
	RedisURL         string

	GCPProject          string
	GCPLocation         string
	OrchestratorModel   string
	SpecialistModel     string
	EmbeddingLocation   string
	EmbeddingModel      string
	EmbeddingDimensions int
	GCSBucketName       string
	DocAIProcessorID    string
	DocAILocation       string

	GeminiAPIKey string
	HFToken      string

	CustomOrchestratorBaseURL string
	CustomOrchestratorAPIKey  string
	CustomOrchestratorModel   string

	MaxSessions int

	EnableRAGEval         bool
	RAGCacheTTLSeconds    int
	RAGCacheMaxEntries    int
	GuidelineCorpusDir    string
	RAGInputConcurrency   int
	RAGInputConcurrencyMax int

	DisableMedSigLIP   bool
	ModalMaxContainers int
	ModalMaxInputs     int
	ModalTargetInputs  int

	ChunkSizeTokens     int
	ChunkOverlapPercent int
}

// Load reads configuration from environment variables. DATABASE_URL and
// GOOGLE_CLOUD_PROJECT are required; everything else has a default suited to
// local development.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("config.Load: DATABASE_URL is required")
	}

	gcpProject := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if gcpProject == "" {
		return nil, fmt.Errorf("config.Load: GOOGLE_CLOUD_PROJECT is required")
	}

	gcpLocation := envStr("GOOGLE_CLOUD_LOCATION", "global")

	cfg := &Config{
		Port:             envInt("PORT", 8080),
		Environment:      envStr("ENVIRONMENT", "development"),
		AllowedOrigins:   envList("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		DatabaseURL:      dbURL,
		DatabaseMaxConns: envInt("DATABASE_MAX_CONNS", 25),
		RedisURL:         envStr("REDIS_URL", ""),

		GCPProject:          gcpProject,
		GCPLocation:         gcpLocation,
		OrchestratorModel:   envStr("VERTEX_AI_ORCHESTRATOR_MODEL", "gemini-2.5-flash"),
		SpecialistModel:     envStr("VERTEX_AI_SPECIALIST_MODEL", "gemini-2.5-pro"),
		EmbeddingLocation:   envStr("VERTEX_AI_EMBEDDING_LOCATION", envStr("GCP_REGION", "us-east4")),
		EmbeddingModel:      envStr("VERTEX_AI_EMBEDDING_MODEL", "text-embedding-004"),
		EmbeddingDimensions: envInt("EMBEDDING_DIMENSIONS", 768),
		GCSBucketName:       envStr("GCS_BUCKET_NAME", ""),
		DocAIProcessorID:    envStr("DOCUMENT_AI_PROCESSOR_ID", ""),
		DocAILocation:       envStr("DOCUMENT_AI_LOCATION", "us"),

		GeminiAPIKey: envStr("GEMINI_API_KEY", ""),
		HFToken:      envStr("HF_TOKEN", ""),

		CustomOrchestratorBaseURL: envStr("CUSTOM_ORCHESTRATOR_BASE_URL", ""),
		CustomOrchestratorAPIKey:  envStr("CUSTOM_ORCHESTRATOR_API_KEY", ""),
		CustomOrchestratorModel:   envStr("CUSTOM_ORCHESTRATOR_MODEL", ""),

		MaxSessions: envInt("MAX_SESSIONS", 500),

		EnableRAGEval:          envBool("ENABLE_RAG_EVAL", false),
		RAGCacheTTLSeconds:     envInt("RAG_CACHE_TTL_SECONDS", 900),
		RAGCacheMaxEntries:     envInt("RAG_CACHE_MAX_ENTRIES", 256),
		GuidelineCorpusDir:     envStr("GUIDELINE_CORPUS_DIR", "./guidelines"),
		RAGInputConcurrency:    envInt("RAG_INPUT_CONCURRENCY", 4),
		RAGInputConcurrencyMax: envInt("RAG_INPUT_CONCURRENCY_MAX", 8),

		DisableMedSigLIP:   envBool("DISABLE_MEDSIGLIP", false),
		ModalMaxContainers: envInt("MODAL_MAX_CONTAINERS", 4),
		ModalMaxInputs:     envInt("MODAL_MAX_INPUTS", 8),
		ModalTargetInputs:  envInt("MODAL_TARGET_INPUTS", 4),

		ChunkSizeTokens:     envInt("CHUNK_SIZE_TOKENS", 768),
		ChunkOverlapPercent: envInt("CHUNK_OVERLAP_PERCENT", 20),
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// envList splits a comma-separated environment variable, trimming whitespace
// around each entry and dropping empties.
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
