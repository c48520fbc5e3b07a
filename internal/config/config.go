// Package config holds the process configuration. It is populated exactly
// once at startup; components receive the struct (or the fields they need)
// by injection and never read the environment themselves.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config is the full set of recognized options.
type Config struct {
	// Port the HTTP server listens on.
	Port string `yaml:"port"`

	// DatabaseURL is the session store connection string. Mandatory.
	DatabaseURL string `yaml:"database_url"`

	// AggregatorURL is the blob fetch endpoint. Mandatory for the
	// encrypted submission flow.
	AggregatorURL string `yaml:"aggregator_url"`
	// AggregatorToken is an optional bearer attached to blob fetches.
	AggregatorToken string `yaml:"aggregator_token"`

	// KeyPackageID identifies the sealing policy at the key service.
	// Mandatory for the encrypted flow.
	KeyPackageID string `yaml:"key_package_id"`
	// KeyServiceURL is the sealed-key recovery endpoint. Mandatory for
	// the encrypted flow.
	KeyServiceURL string `yaml:"key_service_url"`

	TranscriptionURL    string `yaml:"transcription_url"`
	TranscriptionAPIKey string `yaml:"transcription_api_key"`
	AnalysisURL         string `yaml:"analysis_url"`
	AnalysisAPIKey      string `yaml:"analysis_api_key"`

	// FingerprintAPIKey is optional; copyright matching disables
	// gracefully when unset.
	FingerprintURL    string `yaml:"fingerprint_url"`
	FingerprintAPIKey string `yaml:"fingerprint_api_key"`

	// QualityURL is the audio quality analysis endpoint.
	QualityURL string `yaml:"quality_url"`

	// EmbeddingURL / EmbeddingAPIKey are optional; transcript embeddings
	// disable gracefully when unset.
	EmbeddingURL    string `yaml:"embedding_url"`
	EmbeddingAPIKey string `yaml:"embedding_api_key"`

	// AuthToken enables bearer authentication when set. Unset means
	// auth is disabled (development mode).
	AuthToken string `yaml:"auth_token"`

	// MaxFileSizeGB bounds the declared content length of a submission.
	MaxFileSizeGB int `yaml:"max_file_size_gb"`

	// CORSOrigins is the list of allowed origins.
	CORSOrigins []string `yaml:"cors_origins"`

	// EnableLegacyUpload turns on the multipart (plaintext) upload path.
	EnableLegacyUpload bool `yaml:"enable_legacy_upload"`

	// TempDir is where per-run scratch files live.
	TempDir string `yaml:"temp_dir"`

	// MaxConcurrentPipelines bounds in-flight verification runs; overflow
	// is rejected at ingress as transient unavailability.
	MaxConcurrentPipelines int `yaml:"max_concurrent_pipelines"`

	// RedisURL is optional; when set, stage progress events are also
	// published to Redis for external consumers.
	RedisURL string `yaml:"redis_url"`
}

// Load reads the environment (plus an optional YAML overlay file named by
// VERIFIER_CONFIG_FILE) into a Config. Environment values always win over
// the overlay.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("VERIFIER_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("config overlay %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:                   "8080",
		MaxFileSizeGB:          13,
		TempDir:                os.TempDir(),
		MaxConcurrentPipelines: 16,
	}
}

func (c *Config) applyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return yaml.NewDecoder(f).Decode(c)
}

func (c *Config) applyEnv() {
	setStr(&c.Port, "PORT")
	setStr(&c.DatabaseURL, "DATABASE_URL")
	setStr(&c.AggregatorURL, "AGGREGATOR_URL")
	setStr(&c.AggregatorToken, "AGGREGATOR_TOKEN")
	setStr(&c.KeyPackageID, "KEY_PACKAGE_ID")
	setStr(&c.KeyServiceURL, "KEY_SERVICE_URL")
	setStr(&c.TranscriptionURL, "TRANSCRIPTION_URL")
	setStr(&c.TranscriptionAPIKey, "TRANSCRIPTION_API_KEY")
	setStr(&c.AnalysisURL, "ANALYSIS_URL")
	setStr(&c.AnalysisAPIKey, "ANALYSIS_API_KEY")
	setStr(&c.FingerprintURL, "FINGERPRINT_URL")
	setStr(&c.FingerprintAPIKey, "FINGERPRINT_API_KEY")
	setStr(&c.QualityURL, "QUALITY_URL")
	setStr(&c.EmbeddingURL, "EMBEDDING_URL")
	setStr(&c.EmbeddingAPIKey, "EMBEDDING_API_KEY")
	setStr(&c.AuthToken, "VERIFIER_AUTH_TOKEN")
	setStr(&c.TempDir, "TEMP_DIR")
	setStr(&c.RedisURL, "REDIS_URL")

	setInt(&c.MaxFileSizeGB, "MAX_FILE_SIZE_GB")
	setInt(&c.MaxConcurrentPipelines, "MAX_CONCURRENT_PIPELINES")
	setBool(&c.EnableLegacyUpload, "ENABLE_LEGACY_UPLOAD")

	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		c.CORSOrigins = origins
	}
}

// EncryptedFlowReady reports whether the configuration is complete enough
// to accept encrypted submissions.
func (c *Config) EncryptedFlowReady() bool {
	return c.AggregatorURL != "" && c.KeyPackageID != "" && c.KeyServiceURL != ""
}

// MaxFileSizeBytes returns the configured size limit in bytes.
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeGB) << 30
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
