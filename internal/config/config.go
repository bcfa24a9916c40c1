package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database (empty = in-memory store, dev mode)
	DatabaseURL string

	// Redis (empty = pipelines are launched in-process without a queue)
	RedisURL string

	// Storage
	StorageBackend string // "supabase" or "minio"

	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool

	// OpenAI (script synthesis)
	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string // empty = api.openai.com

	// Video generation
	VideoProvider string // "fal" or "veo"
	FalKey        string
	FalVideoModel string
	FalRembgModel string
	GeminiKey     string
	VeoModel      string

	// Assets
	GenresFile string
	MusicDir   string
	WorkDir    string

	// Concurrency
	MaxConcurrentPipelines int
	SceneConcurrency       int
	PreprocessWorkers      int

	// Scene jobs
	ScenePollInterval  time.Duration
	SceneMaxWait       time.Duration
	SceneSubmitRetries int
	ScenePolicy        string // "any" or "all"
	UseOriginalPhotos  bool

	// Run liveness
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	RunWatchInterval  time.Duration
	SweepInterval     time.Duration
	StaleAfter        time.Duration

	// Logging
	LogLevel  string
	LogFormat string // "console" or "json"
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:                getEnv("API_PORT", "8080"),
		WorkerEnabled:          getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:          getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:     getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		RedisURL:               getEnv("REDIS_URL", ""),
		StorageBackend:         getEnv("STORAGE_BACKEND", "supabase"),
		SupabaseURL:            getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:     getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket:  getEnv("SUPABASE_STORAGE_BUCKET", "friendflix"),
		MinIOEndpoint:          getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey:         getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:         getEnv("MINIO_SECRET_KEY", ""),
		MinIOBucket:            getEnv("MINIO_BUCKET", "friendflix"),
		MinIOUseSSL:            getEnvBool("MINIO_USE_SSL", false),
		OpenAIKey:              getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:            getEnv("OPENAI_MODEL", "gpt-4o"),
		OpenAIBaseURL:          getEnv("OPENAI_BASE_URL", ""),
		VideoProvider:          getEnv("VIDEO_PROVIDER", "fal"),
		FalKey:                 getEnv("FAL_KEY", ""),
		FalVideoModel:          getEnv("FAL_VIDEO_MODEL", "fal-ai/kling-video/v3/standard/text-to-video"),
		FalRembgModel:          getEnv("FAL_REMBG_MODEL", "fal-ai/imageutils/rembg"),
		GeminiKey:              getEnv("GEMINI_API_KEY", ""),
		VeoModel:               getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		GenresFile:             getEnv("GENRES_FILE", ""),
		MusicDir:               getEnv("MUSIC_DIR", "assets/music"),
		WorkDir:                getEnv("WORK_DIR", "/tmp/friendflix"),
		MaxConcurrentPipelines: getEnvInt("MAX_CONCURRENT_PIPELINES", 2),
		SceneConcurrency:       getEnvInt("SCENE_CONCURRENCY", 4),
		PreprocessWorkers:      getEnvInt("PREPROCESS_WORKERS", 4),
		ScenePollInterval:      getEnvDuration("SCENE_POLL_INTERVAL", 8*time.Second),
		SceneMaxWait:           getEnvDuration("SCENE_MAX_WAIT", 10*time.Minute),
		SceneSubmitRetries:     getEnvInt("SCENE_SUBMIT_RETRIES", 3),
		ScenePolicy:            getEnv("SCENE_POLICY", "any"),
		UseOriginalPhotos:      getEnvBool("USE_ORIGINAL_PHOTOS", false),
		HeartbeatInterval:      getEnvDuration("HEARTBEAT_INTERVAL", 15*time.Second),
		HeartbeatTTL:           getEnvDuration("HEARTBEAT_TTL", 45*time.Second),
		RunWatchInterval:       getEnvDuration("RUN_WATCH_INTERVAL", 10*time.Second),
		SweepInterval:          getEnvDuration("SWEEP_INTERVAL", time.Minute),
		StaleAfter:             getEnvDuration("STALE_AFTER", 30*time.Minute),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogFormat:              getEnv("LOG_FORMAT", "console"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and enum values.
func (c *Config) Validate() error {
	if c.OpenAIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}

	switch c.VideoProvider {
	case "fal":
		if c.FalKey == "" {
			return fmt.Errorf("FAL_KEY is required when VIDEO_PROVIDER=fal")
		}
	case "veo":
		if c.GeminiKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when VIDEO_PROVIDER=veo")
		}
	default:
		return fmt.Errorf("VIDEO_PROVIDER must be fal or veo, got %q", c.VideoProvider)
	}

	switch c.StorageBackend {
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
		}
	case "minio":
		if c.MinIOEndpoint == "" || c.MinIOAccessKey == "" || c.MinIOSecretKey == "" {
			return fmt.Errorf("MINIO_ENDPOINT, MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be supabase or minio, got %q", c.StorageBackend)
	}

	if c.ScenePolicy != "any" && c.ScenePolicy != "all" {
		return fmt.Errorf("SCENE_POLICY must be any or all, got %q", c.ScenePolicy)
	}

	if c.SceneMaxWait <= 0 || c.ScenePollInterval <= 0 {
		return fmt.Errorf("SCENE_MAX_WAIT and SCENE_POLL_INTERVAL must be positive")
	}

	if c.MaxConcurrentPipelines < 1 {
		return fmt.Errorf("MAX_CONCURRENT_PIPELINES must be at least 1")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
