package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment is a normalized deployment environment name.
type Environment string

const (
	EnvLocal       Environment = "local"
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

var envAliases = map[string]Environment{
	"local": EnvLocal, "dev": EnvDevelopment, "development": EnvDevelopment,
	"stage": EnvStaging, "staging": EnvStaging,
	"prod": EnvProduction, "production": EnvProduction,
}

func normalizeEnvironment(raw string) Environment {
	if env, ok := envAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return env
	}
	return EnvLocal
}

// Config is the process-wide configuration, loaded once at startup and
// passed by value/handle to subsystems. No component reads viper directly.
type Config struct {
	Environment   string `mapstructure:"environment"`
	Redis         RedisConfig
	Kafka         KafkaConfig
	Database      DatabaseConfig
	Observability ObservabilityConfig
	Outbox        OutboxConfig
	Feed          FeedConfig
	Jobs          JobsConfig
	Realtime      RealtimeConfig
	Notifications NotificationsConfig
	Resilience    ResilienceConfig
	Dedup         DedupConfig
}

type OutboxConfig struct {
	BatchSize             int           `mapstructure:"batch_size"`
	PollingInterval       time.Duration `mapstructure:"polling_interval"`
	MaxAttempts           int           `mapstructure:"max_attempts"`
	RetentionPeriod       time.Duration `mapstructure:"retention_period"`
	MaxPublishesPerSecond float64       `mapstructure:"max_publishes_per_second"`
}

type RedisConfig struct {
	Addresses       []string      `mapstructure:"addresses"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	PoolSize        int           `mapstructure:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	KeyNamespace    string        `mapstructure:"key_namespace"`
}

type KafkaConfig struct {
	Enabled     bool             `mapstructure:"enabled"`
	Brokers     []string         `mapstructure:"brokers"`
	Version     string           `mapstructure:"version"`
	SASLEnabled bool             `mapstructure:"sasl_enabled"`
	SASLUser    string           `mapstructure:"sasl_user"`
	SASLPass    string           `mapstructure:"sasl_pass"`
	Consumer    ConsumerConfig   `mapstructure:"consumer"`
	Producer    ProducerConfig   `mapstructure:"producer"`
	DeadLetter  DeadLetterConfig `mapstructure:"dead_letter"`
}

// DeadLetterConfig configures C6/C7's poison-message handling: a failed
// message is retried up to MaxRetries times, then republished to Topic
// with the x-original-topic/x-failure-reason/x-attempts headers.
type DeadLetterConfig struct {
	Topic          string        `mapstructure:"topic"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	ErrorThreshold int           `mapstructure:"error_threshold"`
}

type ConsumerConfig struct {
	GroupID          string        `mapstructure:"group_id"`
	MinBytes         int           `mapstructure:"min_bytes"`
	MaxBytes         int           `mapstructure:"max_bytes"`
	MaxWait          time.Duration `mapstructure:"max_wait"`
	SessionTimeout   time.Duration `mapstructure:"session_timeout"`
	RebalanceTimeout time.Duration `mapstructure:"rebalance_timeout"`
	BatchMaxRecords  int           `mapstructure:"batch_max_records"`
	BatchMaxWait     time.Duration `mapstructure:"batch_max_wait"`
}

type ProducerConfig struct {
	Compression     string        `mapstructure:"compression"`
	MaxMessageBytes int           `mapstructure:"max_message_bytes"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	MaxRetries      int           `mapstructure:"max_retries"`
	FlushFrequency  time.Duration `mapstructure:"flush_frequency"`
}

type DatabaseConfig struct {
	Primary ConnectionConfig `mapstructure:"primary"`
	URL     string           `mapstructure:"url"`
}

type ConnectionConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode         string        `mapstructure:"ssl_mode"`
}

type ObservabilityConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MetricsPort int           `mapstructure:"metrics_port"`
	MetricsPath string        `mapstructure:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// FeedConfig holds the ranking weights and candidate-generation tunables
// for C8. Weights are validated to sum to 1.0 at startup.
type FeedConfig struct {
	WeightFreshness    float64       `mapstructure:"weight_freshness"`
	WeightCompletion   float64       `mapstructure:"weight_completion"`
	WeightEngagement   float64       `mapstructure:"weight_engagement"`
	WeightAffinity     float64       `mapstructure:"weight_affinity"`
	WeightDeepModel    float64       `mapstructure:"weight_deep_model"`
	FreshnessTau       time.Duration `mapstructure:"freshness_tau"`
	CandidatesPerUser  int           `mapstructure:"candidates_per_user"`
	DiversifyTopK      int           `mapstructure:"diversify_top_k"`
	ScoringConcurrency int           `mapstructure:"scoring_concurrency"`
	ComplexityBase     int           `mapstructure:"complexity_base"`
	ComplexityPerDepth int           `mapstructure:"complexity_per_depth"`
	ComplexityBudget   int           `mapstructure:"complexity_budget"`
}

type JobsConfig struct {
	WorkerPoolSize  int           `mapstructure:"worker_pool_size"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
	TrendingWindow  time.Duration `mapstructure:"trending_window"`
	TrendingTTL     time.Duration `mapstructure:"trending_ttl"`
	SuggestionsTTL  time.Duration `mapstructure:"suggestions_ttl"`
	HotUserWarmerTTL time.Duration `mapstructure:"hot_user_warmer_ttl"`
}

type RealtimeConfig struct {
	StreamMaxLen       int64         `mapstructure:"stream_max_len"`
	StreamRetention    time.Duration `mapstructure:"stream_retention"`
	ConsumerGroup      string        `mapstructure:"consumer_group"`
	SyncStateTTL       time.Duration `mapstructure:"sync_state_ttl"`
	SyncFlushInterval  time.Duration `mapstructure:"sync_flush_interval"`
	WriteBufferSize    int           `mapstructure:"write_buffer_size"`
	PingInterval       time.Duration `mapstructure:"ping_interval"`
	PongWait           time.Duration `mapstructure:"pong_wait"`
}

type NotificationsConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	MaxRetries      int           `mapstructure:"max_retries"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	PushEnabled     bool          `mapstructure:"push_enabled"`
	EmailEnabled    bool          `mapstructure:"email_enabled"`
	InAppEnabled    bool          `mapstructure:"in_app_enabled"`
}

type ResilienceConfig struct {
	DatabaseTimeout time.Duration `mapstructure:"database_timeout"`
	RedisTimeout    time.Duration `mapstructure:"redis_timeout"`
	KafkaTimeout    time.Duration `mapstructure:"kafka_timeout"`
	HTTPTimeout     time.Duration `mapstructure:"http_timeout"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	ErrorRateThreshold float64      `mapstructure:"error_rate_threshold"`
	WindowSize        int           `mapstructure:"window_size"`
	OpenTimeout       time.Duration `mapstructure:"open_timeout"`
	HalfOpenMaxCalls  int           `mapstructure:"half_open_max_calls"`
	SuccessThreshold  int           `mapstructure:"success_threshold"`
}

type DedupConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
}

// Load reads defaults, then an optional config file, then NOVA_-prefixed
// environment overrides, in that order of increasing precedence.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/nova/")

	v.AutomaticEnv()
	v.SetEnvPrefix("NOVA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "local")

	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.min_idle_conns", 10)
	v.SetDefault("redis.key_namespace", "nova")

	v.SetDefault("database.primary.max_open_conns", 50)
	v.SetDefault("database.primary.max_idle_conns", 10)
	v.SetDefault("database.primary.ssl_mode", "disable")

	v.SetDefault("kafka.consumer.group_id", "nova-backend")
	v.SetDefault("kafka.consumer.max_wait", "5s")
	v.SetDefault("kafka.consumer.session_timeout", "10s")
	v.SetDefault("kafka.consumer.rebalance_timeout", "15s")
	v.SetDefault("kafka.consumer.batch_max_records", 500)
	v.SetDefault("kafka.consumer.batch_max_wait", "200ms")
	v.SetDefault("kafka.producer.max_retries", 3)
	v.SetDefault("kafka.producer.retry_backoff", "1s")
	v.SetDefault("kafka.producer.flush_frequency", "50ms")
	v.SetDefault("kafka.producer.compression", "snappy")
	v.SetDefault("kafka.dead_letter.topic", "nova.dead-letter")
	v.SetDefault("kafka.dead_letter.max_retries", 3)
	v.SetDefault("kafka.dead_letter.retry_backoff", "2s")
	v.SetDefault("kafka.dead_letter.error_threshold", 10)

	v.SetDefault("outbox.batch_size", 200)
	v.SetDefault("outbox.polling_interval", "500ms")
	v.SetDefault("outbox.max_attempts", 10)
	v.SetDefault("outbox.retention_period", "168h")
	v.SetDefault("outbox.max_publishes_per_second", 500)

	v.SetDefault("feed.weight_freshness", 0.25)
	v.SetDefault("feed.weight_completion", 0.15)
	v.SetDefault("feed.weight_engagement", 0.25)
	v.SetDefault("feed.weight_affinity", 0.20)
	v.SetDefault("feed.weight_deep_model", 0.15)
	v.SetDefault("feed.freshness_tau", "34h38m")
	v.SetDefault("feed.candidates_per_user", 500)
	v.SetDefault("feed.diversify_top_k", 20)
	v.SetDefault("feed.scoring_concurrency", 16)
	v.SetDefault("feed.complexity_base", 10)
	v.SetDefault("feed.complexity_per_depth", 5)
	v.SetDefault("feed.complexity_budget", 200)

	v.SetDefault("jobs.worker_pool_size", 8)
	v.SetDefault("jobs.max_jitter", "30s")
	v.SetDefault("jobs.shutdown_grace", "10s")
	v.SetDefault("jobs.trending_window", "1h")
	v.SetDefault("jobs.trending_ttl", "10m")
	v.SetDefault("jobs.suggestions_ttl", "1h")
	v.SetDefault("jobs.hot_user_warmer_ttl", "5m")

	v.SetDefault("realtime.stream_max_len", 1000)
	v.SetDefault("realtime.stream_retention", "24h")
	v.SetDefault("realtime.consumer_group", "messaging-service")
	v.SetDefault("realtime.sync_state_ttl", "720h")
	v.SetDefault("realtime.sync_flush_interval", "5s")
	v.SetDefault("realtime.write_buffer_size", 256)
	v.SetDefault("realtime.ping_interval", "30s")
	v.SetDefault("realtime.pong_wait", "60s")

	v.SetDefault("notifications.poll_interval", "2s")
	v.SetDefault("notifications.batch_size", 100)
	v.SetDefault("notifications.max_retries", 5)
	v.SetDefault("notifications.backoff_base", "100ms")
	v.SetDefault("notifications.backoff_max", "5s")
	v.SetDefault("notifications.push_enabled", true)
	v.SetDefault("notifications.email_enabled", false)
	v.SetDefault("notifications.in_app_enabled", true)

	v.SetDefault("resilience.database_timeout", "2s")
	v.SetDefault("resilience.redis_timeout", "250ms")
	v.SetDefault("resilience.kafka_timeout", "5s")
	v.SetDefault("resilience.http_timeout", "3s")
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.error_rate_threshold", 0.5)
	v.SetDefault("resilience.window_size", 20)
	v.SetDefault("resilience.open_timeout", "30s")
	v.SetDefault("resilience.half_open_max_calls", 3)
	v.SetDefault("resilience.success_threshold", 3)

	v.SetDefault("dedup.ttl", "10m")
	v.SetDefault("dedup.sweep_interval", "1m")

	v.SetDefault("observability.enabled", true)
	v.SetDefault("observability.metrics_port", 9090)
	v.SetDefault("observability.metrics_path", "/metrics")
}

// Validate runs startup validation; in production every security-relevant
// field must be present.
func Validate(cfg *Config) error {
	env := normalizeEnvironment(cfg.Environment)
	cfg.Environment = string(env)

	if env != EnvProduction {
		return nil
	}

	var missing []string
	if cfg.Database.Primary.Password == "" && cfg.Database.URL == "" {
		missing = append(missing, "database.primary.password or database.url")
	}
	if cfg.Kafka.SASLEnabled && (cfg.Kafka.SASLUser == "" || cfg.Kafka.SASLPass == "") {
		missing = append(missing, "kafka.sasl_user/kafka.sasl_pass")
	}
	if cfg.Redis.Password == "" {
		missing = append(missing, "redis.password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("production config missing required security fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
