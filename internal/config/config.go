package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Redis    RedisConfig    `yaml:"redis"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Worker   WorkerConfig   `yaml:"worker"`
	Batch    BatchConfig    `yaml:"batch"`
	Vision   VisionConfig   `yaml:"vision"`
	Vibe     VibeConfig     `yaml:"vibe"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port          int    `yaml:"port"`
	APIKey        string `yaml:"api_key"`
	MaxImageBytes int64  `yaml:"max_image_bytes"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL            string        `yaml:"url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	ProbeAttempts  int           `yaml:"probe_attempts"`
	// ReconnectInterval > 0 lets a degraded API re-probe the broker.
	// Zero keeps the service degraded until restart.
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

type MinIOConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Job store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type JobsConfig struct {
	Store     string        `yaml:"store"`
	Timeout   time.Duration `yaml:"timeout"`
	ResultTTL time.Duration `yaml:"result_ttl"`
	// QueueTTL fails jobs no worker claimed in time. It should not exceed
	// the task stream's one-hour MaxAge.
	QueueTTL time.Duration `yaml:"queue_ttl"`
}

type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
	// Embedded runs job consumers inside the API process.
	Embedded    bool `yaml:"embedded"`
	MetricsPort int  `yaml:"metrics_port"`
}

type BatchConfig struct {
	MaxItems  int `yaml:"max_items"`
	MaxErrors int `yaml:"max_errors"`
}

type ModelConfig struct {
	File       string `yaml:"file"`
	InputName  string `yaml:"input_name"`
	OutputName string `yaml:"output_name"`
}

type VisionConfig struct {
	ModelsDir          string      `yaml:"models_dir"`
	ONNXLibrary        string      `yaml:"onnx_library"`
	ForceSimulated     bool        `yaml:"force_simulated"`
	Detector           ModelConfig `yaml:"detector"`
	Embedder           ModelConfig `yaml:"embedder"`
	Scorer             ModelConfig `yaml:"scorer"`
	InputSize          int         `yaml:"input_size"`
	EmbedInputSize     int         `yaml:"embed_input_size"`
	EmbeddingDim       int         `yaml:"embedding_dim"`
	MaxDetections      int         `yaml:"max_detections"`
	DetectionThreshold float64     `yaml:"detection_threshold"`
	NMSThreshold       float64     `yaml:"nms_threshold"`
	MaxPixels          int         `yaml:"max_pixels"`
}

// Percentile policies.
const (
	PolicyNormal = "normal"
	PolicyTable  = "table"
)

type PercentileAnchor struct {
	Score      float64 `yaml:"score"`
	Percentile float64 `yaml:"percentile"`
}

type VibeConfig struct {
	Policy          string             `yaml:"policy"`
	Mean            float64            `yaml:"mean"`
	StdDev          float64            `yaml:"stddev"`
	Table           []PercentileAnchor `yaml:"table"`
	MaxTags         int                `yaml:"max_tags"`
	SpreadThreshold float64            `yaml:"spread_threshold"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
// A missing file is not an error: defaults and environment still apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config populated only with defaults.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	switch c.Jobs.Store {
	case StoreMemory, StorePostgres, StoreRedis:
	default:
		return fmt.Errorf("jobs.store: unknown backend %q", c.Jobs.Store)
	}
	switch c.Vibe.Policy {
	case PolicyNormal:
		if c.Vibe.StdDev <= 0 {
			return fmt.Errorf("vibe.stddev must be positive")
		}
	case PolicyTable:
		if len(c.Vibe.Table) < 2 {
			return fmt.Errorf("vibe.table needs at least two anchors")
		}
	default:
		return fmt.Errorf("vibe.policy: unknown policy %q", c.Vibe.Policy)
	}
	if c.Batch.MaxItems <= 0 {
		return fmt.Errorf("batch.max_items must be positive")
	}
	if c.Vision.EmbeddingDim <= 0 {
		return fmt.Errorf("vision.embedding_dim must be positive")
	}
	if c.Vision.DetectionThreshold <= 0 || c.Vision.DetectionThreshold >= 1 {
		return fmt.Errorf("vision.detection_threshold must be in (0,1)")
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxImageBytes == 0 {
		cfg.Server.MaxImageBytes = 10 * 1024 * 1024
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.NATS.ConnectTimeout == 0 {
		cfg.NATS.ConnectTimeout = 2 * time.Second
	}
	if cfg.NATS.PublishTimeout == 0 {
		cfg.NATS.PublishTimeout = 2 * time.Second
	}
	if cfg.NATS.ProbeAttempts == 0 {
		cfg.NATS.ProbeAttempts = 3
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = "aurum-scoring"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Jobs.Store == "" {
		cfg.Jobs.Store = StoreMemory
	}
	if cfg.Jobs.Timeout == 0 {
		cfg.Jobs.Timeout = 30 * time.Second
	}
	if cfg.Jobs.ResultTTL == 0 {
		cfg.Jobs.ResultTTL = 24 * time.Hour
	}
	if cfg.Jobs.QueueTTL == 0 {
		cfg.Jobs.QueueTTL = time.Hour
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.MetricsPort == 0 {
		cfg.Worker.MetricsPort = 8082
	}
	if cfg.Batch.MaxItems == 0 {
		cfg.Batch.MaxItems = 10
	}
	if cfg.Batch.MaxErrors == 0 {
		cfg.Batch.MaxErrors = 5
	}
	if cfg.Vision.ModelsDir == "" {
		cfg.Vision.ModelsDir = "models"
	}
	setModelDefaults(&cfg.Vision.Detector, "face_detector.onnx", "input", "output")
	setModelDefaults(&cfg.Vision.Embedder, "face_embedder.onnx", "input.1", "683")
	setModelDefaults(&cfg.Vision.Scorer, "attractiveness_scorer.onnx", "embedding", "score")
	if cfg.Vision.InputSize == 0 {
		cfg.Vision.InputSize = 224
	}
	if cfg.Vision.EmbedInputSize == 0 {
		cfg.Vision.EmbedInputSize = 112
	}
	if cfg.Vision.EmbeddingDim == 0 {
		cfg.Vision.EmbeddingDim = 512
	}
	if cfg.Vision.MaxDetections == 0 {
		cfg.Vision.MaxDetections = 100
	}
	if cfg.Vision.DetectionThreshold == 0 {
		cfg.Vision.DetectionThreshold = 0.5
	}
	if cfg.Vision.NMSThreshold == 0 {
		cfg.Vision.NMSThreshold = 0.4
	}
	if cfg.Vision.MaxPixels == 0 {
		cfg.Vision.MaxPixels = 40_000_000
	}
	if cfg.Vibe.Policy == "" {
		cfg.Vibe.Policy = PolicyNormal
	}
	if cfg.Vibe.Mean == 0 {
		cfg.Vibe.Mean = 50
	}
	if cfg.Vibe.StdDev == 0 {
		cfg.Vibe.StdDev = 15
	}
	if cfg.Vibe.MaxTags == 0 {
		cfg.Vibe.MaxTags = 3
	}
	if cfg.Vibe.SpreadThreshold == 0 {
		cfg.Vibe.SpreadThreshold = 0.5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func setModelDefaults(m *ModelConfig, file, input, output string) {
	if m.File == "" {
		m.File = file
	}
	if m.InputName == "" {
		m.InputName = input
	}
	if m.OutputName == "" {
		m.OutputName = output
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AURUM_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AURUM_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("AURUM_MAX_IMAGE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Server.MaxImageBytes = n
		}
	}
	if v := os.Getenv("AURUM_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("AURUM_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("AURUM_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("AURUM_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("AURUM_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("AURUM_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("AURUM_NATS_RECONNECT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.NATS.ReconnectInterval = d
		}
	}
	if v := os.Getenv("AURUM_MINIO_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinIO.Enabled = b
		}
	}
	if v := os.Getenv("AURUM_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("AURUM_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("AURUM_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("AURUM_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("AURUM_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("AURUM_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AURUM_JOB_STORE"); v != "" {
		cfg.Jobs.Store = v
	}
	if v := os.Getenv("AURUM_JOB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Jobs.Timeout = d
		}
	}
	if v := os.Getenv("AURUM_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("AURUM_BATCH_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.MaxItems = n
		}
	}
	if v := os.Getenv("AURUM_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
	if v := os.Getenv("AURUM_ONNX_LIBRARY"); v != "" {
		cfg.Vision.ONNXLibrary = v
	}
	if v := os.Getenv("AURUM_FORCE_SIMULATED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Vision.ForceSimulated = b
		}
	}
	if v := os.Getenv("AURUM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
