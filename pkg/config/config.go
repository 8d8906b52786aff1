package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Storage     StorageConfig     `json:"storage"`
	AI          AIConfig          `json:"ai"`
	Reranker    RerankerConfig    `json:"reranker"`
	Retrieval   RetrievalConfig   `json:"retrieval"`
	Capture     CaptureConfig     `json:"capture"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type StorageConfig struct {
	DataDir string `json:"data_dir" env:"RECALL_STORAGE_DATA_DIR"`
}

type AIConfig struct {
	APIBase        string `json:"api_base" env:"RECALL_AI_API_BASE"`
	APIKey         string `json:"api_key" env:"RECALL_AI_API_KEY"`
	ChatModel      string `json:"chat_model" env:"RECALL_AI_CHAT_MODEL"`
	EmbeddingModel string `json:"embedding_model" env:"RECALL_AI_EMBEDDING_MODEL"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"RECALL_AI_TIMEOUT_SECONDS"`
}

type RerankerConfig struct {
	Enabled        bool    `json:"enabled" env:"RECALL_RERANKER_ENABLED"`
	APIBase        string  `json:"api_base" env:"RECALL_RERANKER_API_BASE"`
	APIKey         string  `json:"api_key" env:"RECALL_RERANKER_API_KEY"`
	Model          string  `json:"model" env:"RECALL_RERANKER_MODEL"`
	Ratio          float64 `json:"ratio" env:"RECALL_RERANKER_RATIO"`
	MinScore       float64 `json:"min_score" env:"RECALL_RERANKER_MIN_SCORE"`
	TimeoutSeconds int     `json:"timeout_seconds" env:"RECALL_RERANKER_TIMEOUT_SECONDS"`
}

type RetrievalConfig struct {
	DefaultLimit    int     `json:"default_limit" env:"RECALL_RETRIEVAL_DEFAULT_LIMIT"`
	MaxLimit        int     `json:"max_limit" env:"RECALL_RETRIEVAL_MAX_LIMIT"`
	DefaultMaxChars int     `json:"default_max_chars" env:"RECALL_RETRIEVAL_DEFAULT_MAX_CHARS"`
	LayerLimit      int     `json:"layer_limit" env:"RECALL_RETRIEVAL_LAYER_LIMIT"`
	TagFanout       int     `json:"tag_fanout" env:"RECALL_RETRIEVAL_TAG_FANOUT"`
	CacheSeconds    int     `json:"cache_seconds" env:"RECALL_RETRIEVAL_CACHE_SECONDS"`
	VectorEnabled   bool    `json:"vector_enabled" env:"RECALL_RETRIEVAL_VECTOR_ENABLED"`
	VectorScan      int     `json:"vector_scan" env:"RECALL_RETRIEVAL_VECTOR_SCAN"`
	VectorTopK      int     `json:"vector_top_k" env:"RECALL_RETRIEVAL_VECTOR_TOP_K"`
	VectorMinScore  float64 `json:"vector_min_score" env:"RECALL_RETRIEVAL_VECTOR_MIN_SCORE"`
}

type CaptureConfig struct {
	SimilarityThreshold float64 `json:"similarity_threshold" env:"RECALL_CAPTURE_SIMILARITY_THRESHOLD"`
	CandidateScan       int     `json:"candidate_scan" env:"RECALL_CAPTURE_CANDIDATE_SCAN"`
}

type MaintenanceConfig struct {
	TagIntervalSeconds    int    `json:"tag_interval_seconds" env:"RECALL_MAINTENANCE_TAG_INTERVAL_SECONDS"`
	TagBatchSize          int    `json:"tag_batch_size" env:"RECALL_MAINTENANCE_TAG_BATCH_SIZE"`
	VectorIntervalSeconds int    `json:"vector_interval_seconds" env:"RECALL_MAINTENANCE_VECTOR_INTERVAL_SECONDS"`
	VectorBatchSize       int    `json:"vector_batch_size" env:"RECALL_MAINTENANCE_VECTOR_BATCH_SIZE"`
	KGIntervalSeconds     int    `json:"kg_interval_seconds" env:"RECALL_MAINTENANCE_KG_INTERVAL_SECONDS"`
	KGBatchSize           int    `json:"kg_batch_size" env:"RECALL_MAINTENANCE_KG_BATCH_SIZE"`
	KGIncludeMessages     bool   `json:"kg_include_messages" env:"RECALL_MAINTENANCE_KG_INCLUDE_MESSAGES"`
	RetentionCron         string `json:"retention_cron" env:"RECALL_MAINTENANCE_RETENTION_CRON"`
	RetentionHalfLifeDays int    `json:"retention_half_life_days" env:"RECALL_MAINTENANCE_RETENTION_HALF_LIFE_DAYS"`
	ArchiveThreshold      float64 `json:"archive_threshold" env:"RECALL_MAINTENANCE_ARCHIVE_THRESHOLD"`
	PurgeAfterDays        int    `json:"purge_after_days" env:"RECALL_MAINTENANCE_PURGE_AFTER_DAYS"`
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: "~/.recall",
		},
		AI: AIConfig{
			APIBase:        "https://api.openai.com/v1",
			ChatModel:      "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			TimeoutSeconds: 30,
		},
		Reranker: RerankerConfig{
			Enabled:        false,
			Ratio:          3,
			MinScore:       0.1,
			TimeoutSeconds: 5,
		},
		Retrieval: RetrievalConfig{
			DefaultLimit:    8,
			MaxLimit:        50,
			DefaultMaxChars: 2000,
			LayerLimit:      20,
			TagFanout:       5,
			CacheSeconds:    20,
			VectorEnabled:   true,
			VectorScan:      500,
			VectorTopK:      10,
			VectorMinScore:  0.35,
		},
		Capture: CaptureConfig{
			SimilarityThreshold: 0.45,
			CandidateScan:       50,
		},
		Maintenance: MaintenanceConfig{
			TagIntervalSeconds:    3,
			TagBatchSize:          32,
			VectorIntervalSeconds: 5,
			VectorBatchSize:       16,
			KGIntervalSeconds:     7,
			KGBatchSize:           3,
			KGIncludeMessages:     false,
			RetentionCron:         "0 3 * * *", // daily at 03:00
			RetentionHalfLifeDays: 14,
			ArchiveThreshold:      0.05,
			PurgeAfterDays:        30,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// DataDir returns the expanded installation data directory.
func (c *Config) DataDir() string {
	return expandHome(c.Storage.DataDir)
}

// DBPath returns the memory database file location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir(), "memory.db")
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
