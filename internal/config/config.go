package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	DataDir   string          `yaml:"data_dir" env:"DATA_DIR"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Health    HealthConfig    `yaml:"health" envPrefix:"HEALTH_"`
	Capture   CaptureConfig   `yaml:"capture" envPrefix:"CAPTURE_"`
	Inference InferenceConfig `yaml:"inference" envPrefix:"INFERENCE_"`
	Detection DetectionConfig `yaml:"detection" envPrefix:"DETECTION_"`
	Streams   StreamsConfig   `yaml:"streams" envPrefix:"STREAMS_"`
	Ingest    IngestConfig    `yaml:"ingest" envPrefix:"INGEST_"`
	Models    ModelsConfig    `yaml:"models" envPrefix:"MODELS_"`
	Policy    PolicyConfig    `yaml:"policy" envPrefix:"POLICY_"`
	Alerts    AlertsConfig    `yaml:"alerts" envPrefix:"ALERTS_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Secrets   SecretsConfig   `yaml:"secrets" envPrefix:"SECRETS_"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
	Output string `yaml:"output" env:"OUTPUT"`
}

// ServerConfig contains HTTP API configuration
type ServerConfig struct {
	Enabled       bool   `yaml:"enabled" env:"ENABLED"`
	Host          string `yaml:"host" env:"HOST"`
	Port          int    `yaml:"port" env:"PORT"`
	UploadLimitMB int64  `yaml:"upload_limit_mb" env:"UPLOAD_LIMIT_MB"`
}

// HealthConfig contains health endpoint configuration
type HealthConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	Port    int  `yaml:"port" env:"PORT"`
}

// CaptureConfig selects and tunes the capture backend
type CaptureConfig struct {
	Backend       string        `yaml:"backend" env:"BACKEND"` // ffmpeg, opencv or synthetic
	FFmpegPath    string        `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`
	OpenTimeout   time.Duration `yaml:"open_timeout" env:"OPEN_TIMEOUT"`
	ReadTimeout   time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	RTSPTransport string        `yaml:"rtsp_transport" env:"RTSP_TRANSPORT"`
	ProbeRTSP     bool          `yaml:"probe_rtsp" env:"PROBE_RTSP"`
	PipeQuality   int           `yaml:"pipe_quality" env:"PIPE_QUALITY"` // ffmpeg -q:v for the MJPEG pipe
}

// InferenceConfig points at the model runtime
type InferenceConfig struct {
	ServiceURL string        `yaml:"service_url" env:"SERVICE_URL"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DetectionConfig contains detector tuning shared by streams and jobs
type DetectionConfig struct {
	BufferSize          int           `yaml:"buffer_size" env:"BUFFER_SIZE"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold" env:"CONFIDENCE_THRESHOLD"`
	Cooldown            time.Duration `yaml:"cooldown" env:"COOLDOWN"`
	JPEGQuality         int           `yaml:"jpeg_quality" env:"JPEG_QUALITY"`
	// SmoothingWindow enables majority-vote smoothing over the last N predictions; 0 disables
	SmoothingWindow int `yaml:"smoothing_window" env:"SMOOTHING_WINDOW"`
}

// StreamsConfig contains live stream worker settings
type StreamsConfig struct {
	DefaultFPS           int           `yaml:"default_fps" env:"DEFAULT_FPS"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors" env:"MAX_CONSECUTIVE_ERRORS"`
	RetryBackoff         time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	StopTimeout          time.Duration `yaml:"stop_timeout" env:"STOP_TIMEOUT"`
	MaxStreams           int           `yaml:"max_streams" env:"MAX_STREAMS"`
	Restore              bool          `yaml:"restore" env:"RESTORE"`
}

// IngestConfig contains batch job settings
type IngestConfig struct {
	MaxConcurrent     int      `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	UploadDir         string   `yaml:"upload_dir" env:"UPLOAD_DIR"`
	AllowedExtensions []string `yaml:"allowed_extensions" env:"ALLOWED_EXTENSIONS" envSeparator:","`
}

// ModelsConfig locates model artifacts
type ModelsConfig struct {
	Dir       string `yaml:"dir" env:"DIR"`
	Extension string `yaml:"extension" env:"EXTENSION"`
}

// PolicyConfig locates the severity/regulation catalog
type PolicyConfig struct {
	CatalogPath        string `yaml:"catalog_path" env:"CATALOG_PATH"`
	DefaultSeverity    int    `yaml:"default_severity" env:"DEFAULT_SEVERITY"`
	DefaultMinSeverity int    `yaml:"default_min_severity" env:"DEFAULT_MIN_SEVERITY"`
}

// AlertsConfig contains alert dispatch and sink configuration
type AlertsConfig struct {
	QueueSize      int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	HandlerTimeout time.Duration `yaml:"handler_timeout" env:"HANDLER_TIMEOUT"`
	Archive        string        `yaml:"archive" env:"ARCHIVE"` // disk, minio or none
	Kafka          KafkaConfig   `yaml:"kafka" envPrefix:"KAFKA_"`
	Minio          MinioConfig   `yaml:"minio" envPrefix:"MINIO_"`
}

// KafkaConfig configures the Kafka alert sink
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled" env:"ENABLED"`
	Brokers  []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	Topic    string   `yaml:"topic" env:"TOPIC"`
	ClientID string   `yaml:"client_id" env:"CLIENT_ID"`
}

// MinioConfig configures the object store used for alert snapshots
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	Region    string `yaml:"region" env:"REGION"`
	UseSSL    bool   `yaml:"use_ssl" env:"USE_SSL"`
}

// StorageConfig contains local file storage configuration
type StorageConfig struct {
	SnapshotsDir        string        `yaml:"snapshots_dir" env:"SNAPSHOTS_DIR"`
	RetentionDays       int           `yaml:"retention_days" env:"RETENTION_DAYS"`
	MaxDiskUsagePercent float64       `yaml:"max_disk_usage_percent" env:"MAX_DISK_USAGE_PERCENT"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
}

// SecretsConfig controls sealing of stream credentials at rest
type SecretsConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Secret   string `yaml:"secret" env:"SECRET"` // never logged
	SaltPath string `yaml:"salt_path" env:"SALT_PATH"`
}

// Load reads the configuration file, applies environment overrides and fills defaults.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

// LoadDotEnv loads .env files into the process environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

func getDefaultConfigPath() string {
	paths := []string{
		"./config/config.dev.yaml",
		"./config/config.yaml",
		"../config/config.yaml",
		"/etc/site-safety/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return paths[1]
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.UploadLimitMB == 0 {
		c.Server.UploadLimitMB = 512
	}
	if c.Health.Port == 0 {
		c.Health.Port = 8081
	}

	if c.Capture.Backend == "" {
		c.Capture.Backend = "ffmpeg"
	}
	if c.Capture.FFmpegPath == "" {
		c.Capture.FFmpegPath = "ffmpeg"
	}
	if c.Capture.OpenTimeout == 0 {
		c.Capture.OpenTimeout = 10 * time.Second
	}
	if c.Capture.ReadTimeout == 0 {
		c.Capture.ReadTimeout = 5 * time.Second
	}
	if c.Capture.RTSPTransport == "" {
		c.Capture.RTSPTransport = "tcp"
	}
	if c.Capture.PipeQuality == 0 {
		c.Capture.PipeQuality = 3
	}

	if c.Inference.ServiceURL == "" {
		c.Inference.ServiceURL = "http://localhost:8500"
	}
	if c.Inference.Timeout == 0 {
		c.Inference.Timeout = 10 * time.Second
	}

	if c.Detection.BufferSize == 0 {
		c.Detection.BufferSize = 32
	}
	if c.Detection.ConfidenceThreshold == 0 {
		c.Detection.ConfidenceThreshold = 0.7
	}
	if c.Detection.Cooldown == 0 {
		c.Detection.Cooldown = 30 * time.Second
	}
	if c.Detection.JPEGQuality == 0 {
		c.Detection.JPEGQuality = 85
	}

	if c.Streams.DefaultFPS == 0 {
		c.Streams.DefaultFPS = 5
	}
	if c.Streams.MaxConsecutiveErrors == 0 {
		c.Streams.MaxConsecutiveErrors = 30
	}
	if c.Streams.RetryBackoff == 0 {
		c.Streams.RetryBackoff = 100 * time.Millisecond
	}
	if c.Streams.StopTimeout == 0 {
		c.Streams.StopTimeout = 5 * time.Second
	}
	if c.Streams.MaxStreams == 0 {
		c.Streams.MaxStreams = 16
	}

	if c.Ingest.MaxConcurrent == 0 {
		c.Ingest.MaxConcurrent = 2
	}
	if c.Ingest.UploadDir == "" {
		c.Ingest.UploadDir = filepath.Join(c.DataDir, "uploads")
	}
	if len(c.Ingest.AllowedExtensions) == 0 {
		c.Ingest.AllowedExtensions = []string{".mp4", ".avi", ".mov", ".mkv", ".webm"}
	}

	if c.Models.Dir == "" {
		c.Models.Dir = "./models"
	}
	if c.Models.Extension == "" {
		c.Models.Extension = ".yaml"
	}

	if c.Policy.DefaultSeverity == 0 {
		c.Policy.DefaultSeverity = 3
	}
	if c.Policy.DefaultMinSeverity == 0 {
		c.Policy.DefaultMinSeverity = 1
	}

	if c.Alerts.QueueSize == 0 {
		c.Alerts.QueueSize = 256
	}
	if c.Alerts.HandlerTimeout == 0 {
		c.Alerts.HandlerTimeout = 5 * time.Second
	}
	if c.Alerts.Archive == "" {
		c.Alerts.Archive = "disk"
	}
	if c.Alerts.Kafka.Topic == "" {
		c.Alerts.Kafka.Topic = "safety-alerts"
	}
	if c.Alerts.Kafka.ClientID == "" {
		c.Alerts.Kafka.ClientID = "site-safety-monitor"
	}
	if c.Alerts.Minio.Bucket == "" {
		c.Alerts.Minio.Bucket = "alert-snapshots"
	}

	if c.Storage.SnapshotsDir == "" {
		c.Storage.SnapshotsDir = filepath.Join(c.DataDir, "snapshots")
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 7
	}
	if c.Storage.MaxDiskUsagePercent == 0 {
		c.Storage.MaxDiskUsagePercent = 80
	}
	if c.Storage.CleanupInterval == 0 {
		c.Storage.CleanupInterval = time.Hour
	}

	if c.Secrets.SaltPath == "" {
		c.Secrets.SaltPath = filepath.Join(c.DataDir, "secrets", "salt")
	}
}

// DatabasePath returns the sqlite database location
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "db", "safety.db")
}
