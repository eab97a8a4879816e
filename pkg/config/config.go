// Package config loads runtime configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds service configuration shared by the registry and collector
// processes. Fields irrelevant to a given process are simply unused.
type Config struct {
	// Port is the registry control-plane listen port.
	Port string
	// CollectorPort is the collector service listen port.
	CollectorPort string
	// CollectorURL is where the registry reaches the collector's
	// internal API (provider validation, unload fanout).
	CollectorURL string

	LogLevel    string
	DatabaseURL string
	CORSOrigins string

	// MasterSecretPath locates the master secret: a local file path,
	// an s3:// URI or a gs:// URI depending on SecretMode.
	MasterSecretPath string
	// SecretMode is one of auto, local, aws, gcp. auto infers the
	// backend from the path scheme.
	SecretMode string

	// ProviderRoot is the only directory provider artifacts may be
	// loaded from.
	ProviderRoot string
	// ManifestDir holds asset identity seed manifests applied at boot.
	ManifestDir string

	// RedisAddr enables the live last-bar cache when non-empty.
	RedisAddr string

	// InternalAuth gates the registry's /internal surface behind bearer
	// tokens minted from the master secret. The collector's internal
	// surface is always gated.
	InternalAuth bool

	// Environment labels telemetry resources (development, staging, prod).
	Environment string
	// OTLPEndpoint enables OpenTelemetry export when non-empty.
	OTLPEndpoint string
	// OTelInsecure exports OTLP over plaintext. Development only.
	OTelInsecure bool
	// OTelSampleRate is the trace sampling ratio in [0, 1].
	OTelSampleRate float64

	ReconcileInterval time.Duration
	BatchSize         int
}

// Load loads configuration from environment variables. A .env file in the
// working directory is applied first when present.
func Load() *Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	collectorPort := os.Getenv("COLLECTOR_PORT")
	if collectorPort == "" {
		collectorPort = "8090"
	}

	collectorURL := os.Getenv("COLLECTOR_URL")
	if collectorURL == "" {
		collectorURL = "http://localhost:" + collectorPort
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to local generic postgres
		dbURL = "postgres://quasar@localhost:5432/quasar?sslmode=disable"
	}

	secretPath := os.Getenv("MASTER_SECRET_PATH")
	if secretPath == "" {
		secretPath = "/run/secrets/quasar_master"
	}

	secretMode := os.Getenv("SECRET_MODE")
	if secretMode == "" {
		secretMode = "auto"
	}

	providerRoot := os.Getenv("PROVIDER_ROOT")
	if providerRoot == "" {
		providerRoot = "/app/dynamic_providers"
	}

	manifestDir := os.Getenv("MANIFEST_DIR")
	if manifestDir == "" {
		manifestDir = "./manifests"
	}

	environment := os.Getenv("ENVIRONMENT")
	if environment == "" {
		environment = "development"
	}

	return &Config{
		Port:              port,
		CollectorPort:     collectorPort,
		CollectorURL:      collectorURL,
		LogLevel:          logLevel,
		DatabaseURL:       dbURL,
		CORSOrigins:       os.Getenv("CORS_ORIGINS"),
		MasterSecretPath:  secretPath,
		SecretMode:        secretMode,
		ProviderRoot:      providerRoot,
		ManifestDir:       manifestDir,
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		InternalAuth:      getenvBool("INTERNAL_AUTH", false),
		Environment:       environment,
		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
		OTelInsecure:      getenvBool("OTEL_INSECURE", false),
		OTelSampleRate:    getenvFloat("OTEL_SAMPLE_RATE", 1.0),
		ReconcileInterval: getenvDuration("RECONCILE_INTERVAL", 30*time.Second),
		BatchSize:         getenvInt("BATCH_SIZE", 500),
	}
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		return def
	}
	return f
}
