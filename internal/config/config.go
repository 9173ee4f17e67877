// Package config provides the configuration structure for the text-reader service.
package config

import (
	"errors"
	"fmt"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Defaults applied by Load for optional settings.
const (
	DefaultUploadPrefix = "files/uploaded/"
	DefaultOutputPrefix = "files/audio/"
	DefaultVoice        = "Takumi"
	DefaultEngine       = "neural"
	DefaultOutputFormat = "mp3"
	DefaultTokenTTL     = 900
)

// Static configuration errors. Missing required configuration is fatal at
// process start, never handled per-invocation.
var (
	ErrNATSURLEmpty           = errors.New("nats url is required")
	ErrFilesBucketEmpty       = errors.New("files bucket is required")
	ErrJobsBucketEmpty        = errors.New("jobs bucket is required")
	ErrObjectCreatedSubjEmpty = errors.New("object created subject is required")
	ErrTaskCompletedSubjEmpty = errors.New("task completed subject is required")
	ErrSynthesisURLEmpty      = errors.New("synthesis service url is required")
	ErrTokenSecretEmpty       = errors.New("gateway token secret is required")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                  string `toml:"url"`
	StreamName           string `toml:"stream_name"`
	ObjectCreatedSubject string `toml:"object_created_subject"`
	TaskCompletedSubject string `toml:"task_completed_subject"`
	SubmitConsumerName   string `toml:"submit_consumer_name"`
	ReconcileConsumer    string `toml:"reconcile_consumer_name"`
	FilesBucket          string `toml:"files_bucket"`
	JobsBucket           string `toml:"jobs_bucket"`
}

// SynthesisConfig holds the configuration for the external synthesis engine.
type SynthesisConfig struct {
	ServiceURL     string `toml:"service_url"`
	Voice          string `toml:"voice"`
	Engine         string `toml:"engine"`
	OutputFormat   string `toml:"output_format"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// PathsConfig holds the blob key prefixes and log directory.
type PathsConfig struct {
	UploadPrefix string `toml:"upload_prefix"`
	OutputPrefix string `toml:"output_prefix"`
	BaseLogsDir  string `toml:"base_logs_dir"`
}

// GatewayConfig holds the upload/download gateway settings.
type GatewayConfig struct {
	ListenAddr      string `toml:"listen_addr"`
	TokenSecret     string `toml:"token_secret"`
	TokenTTLSeconds int    `toml:"token_ttl_seconds"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Synthesis SynthesisConfig `toml:"synthesis"`
	Paths     PathsConfig     `toml:"paths"`
	Gateway   GatewayConfig   `toml:"gateway"`
}

// Load loads the configuration for the text-reader service and applies defaults.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults fills optional settings that were left empty.
func (c *Config) ApplyDefaults() {
	if c.Paths.UploadPrefix == "" {
		c.Paths.UploadPrefix = DefaultUploadPrefix
	}

	if c.Paths.OutputPrefix == "" {
		c.Paths.OutputPrefix = DefaultOutputPrefix
	}

	if c.Synthesis.Voice == "" {
		c.Synthesis.Voice = DefaultVoice
	}

	if c.Synthesis.Engine == "" {
		c.Synthesis.Engine = DefaultEngine
	}

	if c.Synthesis.OutputFormat == "" {
		c.Synthesis.OutputFormat = DefaultOutputFormat
	}

	if c.Gateway.TokenTTLSeconds <= 0 {
		c.Gateway.TokenTTLSeconds = DefaultTokenTTL
	}
}

// Validate reports the first missing required setting.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return ErrNATSURLEmpty
	}

	if c.NATS.FilesBucket == "" {
		return ErrFilesBucketEmpty
	}

	if c.NATS.JobsBucket == "" {
		return ErrJobsBucketEmpty
	}

	if c.NATS.ObjectCreatedSubject == "" {
		return ErrObjectCreatedSubjEmpty
	}

	if c.NATS.TaskCompletedSubject == "" {
		return ErrTaskCompletedSubjEmpty
	}

	if c.Synthesis.ServiceURL == "" {
		return ErrSynthesisURLEmpty
	}

	if c.Gateway.TokenSecret == "" {
		return ErrTokenSecretEmpty
	}

	return nil
}
