package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverFile     = "file"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv string
	Port   string

	StoreDriver string
	DatabaseURL string
	DataDir     string

	// PersistSync forces every job checkpoint to be written before the
	// triggering call returns. Off by default: per-operation checkpoints are
	// asynchronous, terminal transitions always synchronous.
	PersistSync bool

	// PipelineRunnerURL is the endpoint the bulk-pipeline executor invokes
	// per operation. Empty enables the synthetic local runner.
	PipelineRunnerURL string
	// DataGenOutputDir is where the batch data generator writes row files.
	DataGenOutputDir string
	// OperationTimeout caps a single executor call. Zero means no limit.
	OperationTimeout time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		Port:              getEnv("PORT", "8080"),
		StoreDriver:       getEnv("STORE_DRIVER", StoreDriverFile),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DataDir:           getEnv("DATA_DIR", "./data/jobs"),
		PersistSync:       getEnvBool("PERSIST_SYNC", false),
		PipelineRunnerURL: os.Getenv("PIPELINE_RUNNER_URL"),
		DataGenOutputDir:  getEnv("DATAGEN_OUTPUT_DIR", "./data/generated"),
		OperationTimeout:  time.Second * time.Duration(getEnvInt("OPERATION_TIMEOUT_SECONDS", 300)),
		HTTPReadTimeout:   time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:  time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:   time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case StoreDriverFile:
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
