// Package config loads runtime configuration in three layers: compiled-in
// defaults, an optional YAML file, and CDP_-prefixed environment variables.
// A handful of externally-owned variable names (KAFKA_*, TWILIO_AUTH_TOKEN,
// SF_*, ...) are part of the deployment contract and are overlaid verbatim
// after the prefixed pass.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Database   DatabaseConfig   `koanf:"database"`
	Redis      RedisConfig      `koanf:"redis"`
	Kafka      KafkaConfig      `koanf:"kafka"`
	Processor  ProcessorConfig  `koanf:"processor"`
	Ingest     IngestConfig     `koanf:"ingest"`
	Consent    ConsentConfig    `koanf:"consent"`
	Erasure    ErasureConfig    `koanf:"erasure"`
	Salesforce SalesforceConfig `koanf:"salesforce"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxConns        int32         `koanf:"max_conns"`
	MinConns        int32         `koanf:"min_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
}

type RedisConfig struct {
	URL      string `koanf:"url"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type KafkaConfig struct {
	Brokers            []string      `koanf:"brokers"`
	SecurityProtocol   string        `koanf:"security_protocol"`
	SASLMechanism      string        `koanf:"sasl_mechanism"`
	SASLUsername       string        `koanf:"sasl_username"`
	SASLPassword       string        `koanf:"sasl_password"`
	ProducerMaxRetries int           `koanf:"producer_max_retries" validate:"min=1"`
	ProducerBackoff    time.Duration `koanf:"producer_backoff"`
}

type ProcessorConfig struct {
	GroupID        string        `koanf:"group_id"`
	MaxConcurrency int           `koanf:"max_concurrency" validate:"min=1,max=100"`
	BatchSize      int           `koanf:"batch_size" validate:"min=1,max=500"`
	PollTimeout    time.Duration `koanf:"poll_timeout"`
	DedupTTL       time.Duration `koanf:"dedup_ttl"`
}

type IngestConfig struct {
	Port               int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout        time.Duration `koanf:"read_timeout"`
	WriteTimeout       time.Duration `koanf:"write_timeout"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout"`
	MessagingAuthToken string        `koanf:"messaging_auth_token"`
	EmailWebhookSecret string        `koanf:"email_webhook_secret"`
	ClickstreamGroupID string        `koanf:"clickstream_group_id"`
	MobileGroupID      string        `koanf:"mobile_group_id"`
}

type ConsentConfig struct {
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

type ErasureConfig struct {
	StepTimeout     time.Duration `koanf:"step_timeout"`
	FlushTimeout    time.Duration `koanf:"flush_timeout"`
	TombstoneTopics []string      `koanf:"tombstone_topics" validate:"min=1"`
}

type SalesforceConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Username      string        `koanf:"username"`
	Password      string        `koanf:"password"`
	SecurityToken string        `koanf:"security_token"`
	Domain        string        `koanf:"domain"`
	PollInterval  time.Duration `koanf:"poll_interval"`
	DailyAPILimit int           `koanf:"daily_api_limit" validate:"min=1"`
}

type TelemetryConfig struct {
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	SampleRate   float64 `koanf:"sample_rate" validate:"min=0,max=1"`
	MetricsPort  int     `koanf:"metrics_port" validate:"min=1,max=65535"`
}

// Load reads configuration from defaults, the optional YAML file at path,
// CDP_-prefixed environment variables, and finally the stable externally
// owned variable names.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Database: DatabaseConfig{
			URL:             "postgres://localhost:5432/cdp?sslmode=disable",
			MaxConns:        25,
			MinConns:        5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: time.Minute,
		},
		Redis: RedisConfig{
			URL: "localhost:6379",
		},
		Kafka: KafkaConfig{
			Brokers:            []string{"localhost:9092"},
			SecurityProtocol:   "PLAINTEXT",
			SASLMechanism:      "PLAIN",
			ProducerMaxRetries: 5,
			ProducerBackoff:    500 * time.Millisecond,
		},
		Processor: ProcessorConfig{
			GroupID:        "cdp-stream-processor",
			MaxConcurrency: 10,
			BatchSize:      50,
			PollTimeout:    time.Second,
			// Claims must outlive the longest plausible redelivery window.
			DedupTTL: 24 * time.Hour,
		},
		Ingest: IngestConfig{
			Port:               8081,
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       30 * time.Second,
			ShutdownTimeout:    30 * time.Second,
			ClickstreamGroupID: "cdp-clickstream-cg",
			MobileGroupID:      "cdp-mobile-app-cg",
		},
		Consent: ConsentConfig{
			CacheTTL: 5 * time.Minute,
		},
		Erasure: ErasureConfig{
			StepTimeout:  30 * time.Second,
			FlushTimeout: 10 * time.Second,
			TombstoneTopics: []string{
				"cdp.processed.interactions",
				"cdp.bigquery.staging",
				"cdp.segment.changes",
			},
		},
		Salesforce: SalesforceConfig{
			Domain:        "login",
			PollInterval:  30 * time.Second,
			DailyAPILimit: 100000,
		},
		Telemetry: TelemetryConfig{
			SampleRate:  0.1,
			MetricsPort: 9090,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("CDP_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "CDP_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	if err := overlayStableEnv(k); err != nil {
		return nil, fmt.Errorf("loading stable environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// overlayStableEnv applies the externally-owned variable names. These
// predate the CDP_ prefix convention and are referenced by deployment
// manifests, so they keep their original spelling.
func overlayStableEnv(k *koanf.Koanf) error {
	strKeys := map[string]string{
		"KAFKA_SECURITY_PROTOCOL":     "kafka.security_protocol",
		"KAFKA_SASL_MECHANISM":        "kafka.sasl_mechanism",
		"KAFKA_SASL_USERNAME":         "kafka.sasl_username",
		"KAFKA_SASL_PASSWORD":         "kafka.sasl_password",
		"TWILIO_AUTH_TOKEN":           "ingest.messaging_auth_token",
		"EMAIL_WEBHOOK_SECRET":        "ingest.email_webhook_secret",
		"CLICKSTREAM_CONSUMER_GROUP":  "ingest.clickstream_group_id",
		"MOBILE_CONSUMER_GROUP":       "ingest.mobile_group_id",
		"STREAM_PROCESSOR_GROUP":      "processor.group_id",
		"SF_USERNAME":                 "salesforce.username",
		"SF_PASSWORD":                 "salesforce.password",
		"SF_SECURITY_TOKEN":           "salesforce.security_token",
		"SF_DOMAIN":                   "salesforce.domain",
	}
	for envName, key := range strKeys {
		if v, ok := os.LookupEnv(envName); ok {
			if err := k.Set(key, v); err != nil {
				return err
			}
		}
	}

	if v, ok := os.LookupEnv("KAFKA_BOOTSTRAP_SERVERS"); ok {
		brokers := strings.Split(v, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if err := k.Set("kafka.brokers", brokers); err != nil {
			return err
		}
	}

	if v, ok := os.LookupEnv("KAFKA_PRODUCER_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KAFKA_PRODUCER_MAX_RETRIES: %w", err)
		}
		if err := k.Set("kafka.producer_max_retries", n); err != nil {
			return err
		}
	}

	if v, ok := os.LookupEnv("KAFKA_PRODUCER_BACKOFF_S"); ok {
		seconds, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("KAFKA_PRODUCER_BACKOFF_S: %w", err)
		}
		if err := k.Set("kafka.producer_backoff", time.Duration(seconds*float64(time.Second)).String()); err != nil {
			return err
		}
	}

	if v, ok := os.LookupEnv("SF_CDC_POLL_INTERVAL_S"); ok {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SF_CDC_POLL_INTERVAL_S: %w", err)
		}
		if err := k.Set("salesforce.poll_interval", (time.Duration(seconds) * time.Second).String()); err != nil {
			return err
		}
	}

	if v, ok := os.LookupEnv("SF_DAILY_API_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SF_DAILY_API_LIMIT: %w", err)
		}
		if err := k.Set("salesforce.daily_api_limit", n); err != nil {
			return err
		}
	}

	if v, ok := os.LookupEnv("CDP_ENV"); ok {
		if err := k.Set("environment", v); err != nil {
			return err
		}
	}

	return nil
}
