package config

import (
	"fmt"
	"strings"
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var errors []string

	if c.DataDir == "" {
		errors = append(errors, "data_dir is required")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error, fatal)", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errors = append(errors, fmt.Sprintf("server.port must be between 1 and 65535, got: %d", c.Server.Port))
	}
	if c.Health.Enabled && c.Health.Port == c.Server.Port && c.Server.Enabled {
		errors = append(errors, "health.port must differ from server.port")
	}

	switch c.Capture.Backend {
	case "ffmpeg", "opencv", "synthetic":
	default:
		errors = append(errors, fmt.Sprintf("invalid capture.backend: %s (must be: ffmpeg, opencv or synthetic)", c.Capture.Backend))
	}
	if c.Capture.RTSPTransport != "tcp" && c.Capture.RTSPTransport != "udp" {
		errors = append(errors, fmt.Sprintf("invalid capture.rtsp_transport: %s (must be: tcp or udp)", c.Capture.RTSPTransport))
	}
	if c.Capture.OpenTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("capture.open_timeout must be > 0, got: %v", c.Capture.OpenTimeout))
	}

	if c.Inference.ServiceURL == "" {
		errors = append(errors, "inference.service_url is required")
	}

	if c.Detection.ConfidenceThreshold < 0 || c.Detection.ConfidenceThreshold > 1 {
		errors = append(errors, fmt.Sprintf("detection.confidence_threshold must be between 0 and 1, got: %.2f", c.Detection.ConfidenceThreshold))
	}
	if c.Detection.BufferSize <= 0 {
		errors = append(errors, fmt.Sprintf("detection.buffer_size must be > 0, got: %d", c.Detection.BufferSize))
	}
	if c.Detection.Cooldown < 0 {
		errors = append(errors, fmt.Sprintf("detection.cooldown must be >= 0, got: %v", c.Detection.Cooldown))
	}
	if c.Detection.JPEGQuality < 1 || c.Detection.JPEGQuality > 100 {
		errors = append(errors, fmt.Sprintf("detection.jpeg_quality must be between 1 and 100, got: %d", c.Detection.JPEGQuality))
	}

	if c.Detection.SmoothingWindow < 0 {
		errors = append(errors, fmt.Sprintf("detection.smoothing_window must be >= 0, got: %d", c.Detection.SmoothingWindow))
	}

	if c.Streams.DefaultFPS <= 0 {
		errors = append(errors, fmt.Sprintf("streams.default_fps must be > 0, got: %d", c.Streams.DefaultFPS))
	}
	if c.Streams.MaxConsecutiveErrors <= 0 {
		errors = append(errors, fmt.Sprintf("streams.max_consecutive_errors must be > 0, got: %d", c.Streams.MaxConsecutiveErrors))
	}
	if c.Streams.StopTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("streams.stop_timeout must be > 0, got: %v", c.Streams.StopTimeout))
	}

	if c.Ingest.MaxConcurrent <= 0 {
		errors = append(errors, fmt.Sprintf("ingest.max_concurrent must be > 0, got: %d", c.Ingest.MaxConcurrent))
	}

	if c.Policy.DefaultSeverity < 1 || c.Policy.DefaultSeverity > 5 {
		errors = append(errors, fmt.Sprintf("policy.default_severity must be between 1 and 5, got: %d", c.Policy.DefaultSeverity))
	}
	if c.Policy.DefaultMinSeverity < 1 || c.Policy.DefaultMinSeverity > 5 {
		errors = append(errors, fmt.Sprintf("policy.default_min_severity must be between 1 and 5, got: %d", c.Policy.DefaultMinSeverity))
	}

	if c.Alerts.QueueSize <= 0 {
		errors = append(errors, fmt.Sprintf("alerts.queue_size must be > 0, got: %d", c.Alerts.QueueSize))
	}
	switch c.Alerts.Archive {
	case "disk", "minio", "none":
	default:
		errors = append(errors, fmt.Sprintf("invalid alerts.archive: %s (must be: disk, minio or none)", c.Alerts.Archive))
	}
	if c.Alerts.Archive == "minio" && c.Alerts.Minio.Endpoint == "" {
		errors = append(errors, "alerts.minio.endpoint is required when alerts.archive is minio")
	}
	if c.Alerts.Kafka.Enabled && len(c.Alerts.Kafka.Brokers) == 0 {
		errors = append(errors, "alerts.kafka.brokers is required when kafka is enabled")
	}

	if c.Storage.MaxDiskUsagePercent < 0 || c.Storage.MaxDiskUsagePercent > 100 {
		errors = append(errors, fmt.Sprintf("storage.max_disk_usage_percent must be between 0 and 100, got: %.2f", c.Storage.MaxDiskUsagePercent))
	}
	if c.Storage.RetentionDays < 0 {
		errors = append(errors, fmt.Sprintf("storage.retention_days must be >= 0, got: %d", c.Storage.RetentionDays))
	}

	if c.Secrets.Enabled && c.Secrets.Secret == "" {
		errors = append(errors, "secrets.secret is required when secrets are enabled")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}
