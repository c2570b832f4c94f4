package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Provider names accepted by the PROVIDER environment variable.
const (
	ProviderAzure      = "azure"
	ProviderCompreFace = "compreface"
)

// Config is the immutable process-wide configuration, resolved once at startup.
type Config struct {
	Provider string

	AzureFaceEndpoint string
	AzureFaceKey      string

	CompreFaceDomain       string
	CompreFacePort         string
	CompreFaceAPIKey       string
	CompreFaceDetectAPIKey string

	OutputDir                string
	MaxConcurrentComparisons int

	DatabaseDSN string
	RedisAddr   string

	JWTSecret   string
	JWTAudience string

	Port string
}

// Load reads configuration from the environment and validates that the
// active provider's credentials are present.
func Load() (*Config, error) {
	cfg := &Config{
		Provider:                 strings.ToLower(getEnv("PROVIDER", ProviderAzure)),
		AzureFaceEndpoint:        strings.TrimRight(os.Getenv("AZURE_FACE_ENDPOINT"), "/"),
		AzureFaceKey:             os.Getenv("AZURE_FACE_KEY"),
		CompreFaceDomain:         getEnv("COMPRE_FACE_DOMAIN", "http://localhost"),
		CompreFacePort:           getEnv("COMPRE_FACE_PORT", "8000"),
		CompreFaceAPIKey:         os.Getenv("COMPRE_FACE_API_KEY"),
		CompreFaceDetectAPIKey:   os.Getenv("COMPRE_FACE_DETECT_API_KEY"),
		OutputDir:                getEnv("OUTPUT_DIR", "output_faces"),
		MaxConcurrentComparisons: getEnvInt("MAX_CONCURRENT_COMPARISONS", 4),
		DatabaseDSN:              getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=facekyc port=5432 sslmode=disable"),
		RedisAddr:                getEnv("REDIS_ADDR", "redis:6379"),
		JWTSecret:                getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience:              os.Getenv("JWT_AUDIENCE"),
		Port:                     getEnv("PORT", "8080"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Provider {
	case ProviderAzure:
		if c.AzureFaceEndpoint == "" || c.AzureFaceKey == "" {
			return fmt.Errorf("provider %q requires AZURE_FACE_ENDPOINT and AZURE_FACE_KEY", c.Provider)
		}
	case ProviderCompreFace:
		if c.CompreFaceAPIKey == "" || c.CompreFaceDetectAPIKey == "" {
			return fmt.Errorf("provider %q requires COMPRE_FACE_API_KEY and COMPRE_FACE_DETECT_API_KEY", c.Provider)
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.MaxConcurrentComparisons < 1 {
		return fmt.Errorf("MAX_CONCURRENT_COMPARISONS must be at least 1, got %d", c.MaxConcurrentComparisons)
	}
	return nil
}

// HasAzure reports whether Azure Face credentials are configured.
func (c *Config) HasAzure() bool {
	return c.AzureFaceEndpoint != "" && c.AzureFaceKey != ""
}

// HasCompreFace reports whether a CompreFace verification key is configured.
func (c *Config) HasCompreFace() bool {
	return c.CompreFaceAPIKey != ""
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
