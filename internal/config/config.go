// Package config loads dprod platform configuration from the environment.
// Workers and the local orchestrator share one Config; every knob has a
// default so a bare environment still yields a runnable dev setup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Mode selects how deployment URLs are composed.
const (
	ModeDev  = "dev"
	ModeProd = "prod"
)

// Config carries every environment-driven setting the pipeline consumes.
type Config struct {
	// Queue
	AWSRegion       string
	SQSQueueURL     string
	AWSEndpointURL  string // custom endpoint (localstack); empty for AWS
	AWSAccessKeyID  string
	AWSSecretAccess string

	// Persistence
	DatabaseURL string

	// Container runtime
	DockerSocket     string // empty → client negotiates from environment
	ContainerNetwork string

	// Worker pacing
	MaxConcurrentJobs int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration

	// Worker identity and URL composition
	WorkerID       string
	WorkerPublicIP string
	DeployMode     string
	BaseDomain     string

	// Optional services
	RedisURL   string
	HealthAddr string

	// Per-step deadlines
	BuildTimeout   time.Duration
	StartTimeout   time.Duration
	InspectTimeout time.Duration
	StatsTimeout   time.Duration

	// Telemetry cost model
	UnitPricePerGBHour float64
}

// Default returns the configuration used when no environment is set.
func Default() *Config {
	return &Config{
		AWSRegion:          "us-east-1",
		DeployMode:         ModeDev,
		BaseDomain:         "dprod.app",
		MaxConcurrentJobs:  3,
		PollInterval:       5 * time.Second,
		VisibilityTimeout:  900 * time.Second,
		HealthAddr:         ":8090",
		BuildTimeout:       15 * time.Minute,
		StartTimeout:       2 * time.Minute,
		InspectTimeout:     10 * time.Second,
		StatsTimeout:       5 * time.Second,
		UnitPricePerGBHour: 0.01,
	}
}

// Load reads .env (falling back to the parent directory, matching how the
// platform is launched from cmd/) and overlays environment variables on the
// defaults.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load("../.env")
	}

	cfg := Default()
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)
	cfg.SQSQueueURL = os.Getenv("SQS_QUEUE_URL")
	cfg.AWSEndpointURL = os.Getenv("AWS_ENDPOINT_URL")
	cfg.AWSAccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	cfg.AWSSecretAccess = os.Getenv("AWS_SECRET_ACCESS_KEY")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.DockerSocket = os.Getenv("DOCKER_SOCKET")
	cfg.ContainerNetwork = os.Getenv("CONTAINER_NETWORK")

	cfg.MaxConcurrentJobs = getEnvInt("MAX_CONCURRENT_JOBS", cfg.MaxConcurrentJobs)
	cfg.PollInterval = getEnvSeconds("POLL_INTERVAL", cfg.PollInterval)
	cfg.VisibilityTimeout = getEnvSeconds("MESSAGE_VISIBILITY_TIMEOUT", cfg.VisibilityTimeout)

	cfg.WorkerID = getEnv("WORKER_ID", defaultWorkerID())
	cfg.WorkerPublicIP = os.Getenv("WORKER_PUBLIC_IP")
	cfg.DeployMode = getEnv("DEPLOY_MODE", cfg.DeployMode)
	cfg.BaseDomain = getEnv("BASE_DOMAIN", cfg.BaseDomain)

	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.HealthAddr = getEnv("HEALTH_ADDR", cfg.HealthAddr)

	cfg.BuildTimeout = getEnvSeconds("BUILD_TIMEOUT", cfg.BuildTimeout)
	cfg.StartTimeout = getEnvSeconds("CONTAINER_START_TIMEOUT", cfg.StartTimeout)
	cfg.InspectTimeout = getEnvSeconds("INSPECT_TIMEOUT", cfg.InspectTimeout)
	cfg.StatsTimeout = getEnvSeconds("STATS_TIMEOUT", cfg.StatsTimeout)

	cfg.UnitPricePerGBHour = getEnvFloat("UNIT_PRICE_PER_GB_HOUR", cfg.UnitPricePerGBHour)

	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}
	return cfg
}

// IsProd reports whether deployment URLs use the subdomain scheme.
func (c *Config) IsProd() bool {
	return c.DeployMode == ModeProd
}

// URLHost returns the host part for dev-mode deployment URLs.
func (c *Config) URLHost() string {
	if c.WorkerPublicIP != "" {
		return c.WorkerPublicIP
	}
	return "localhost"
}

// DeployURL composes the public URL of a deployment. Dev mode exposes the
// dynamically published host port directly; prod mode fronts the container
// with a per-project subdomain.
func (c *Config) DeployURL(subdomain string, hostPort int) string {
	if c.IsProd() {
		return fmt.Sprintf("https://%s.%s", subdomain, c.BaseDomain)
	}
	return fmt.Sprintf("http://%s:%d", c.URLHost(), hostPort)
}

func defaultWorkerID() string {
	return fmt.Sprintf("worker-%s", uuid.NewString()[:8])
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvSeconds reads a duration expressed as whole seconds, the unit the
// worker environment has always used for pacing values.
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			return time.Duration(parsed) * time.Second
		}
	}
	return defaultValue
}
