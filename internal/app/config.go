package app

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockhold/internal/messaging/kafka"
)

// StorageDriver выбирает реализацию ReservationStore.
type StorageDriver string

const (
	// StorageDriverMemory: in-memory хранилище одного процесса (dev, тесты).
	StorageDriverMemory StorageDriver = "memory"
	// StorageDriverPostgres: общее хранилище для нескольких инстансов.
	StorageDriverPostgres StorageDriver = "postgres"
)

// Config описывает настройки запуска сервиса. Заполняется из окружения через LoadConfig.
type Config struct {
	GRPCAddr        string        `env:"STOCKHOLD_GRPC_ADDR" envDefault:":50051"`
	MetricsAddr     string        `env:"STOCKHOLD_METRICS_ADDR" envDefault:":9090"`
	CallTimeout     time.Duration `env:"STOCKHOLD_CALL_TIMEOUT" envDefault:"3s"`
	ShutdownTimeout time.Duration `env:"STOCKHOLD_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	LogLevel  string `env:"STOCKHOLD_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"STOCKHOLD_LOG_FORMAT" envDefault:"text"`

	StorageDriver        StorageDriver `env:"STOCKHOLD_STORAGE_DRIVER" envDefault:"memory"`
	PostgresDSN          string        `env:"STOCKHOLD_POSTGRES_DSN"`
	PostgresAutoMigrate  bool          `env:"STOCKHOLD_POSTGRES_AUTO_MIGRATE" envDefault:"true"`
	PostgresMaxOpenConns int           `env:"STOCKHOLD_POSTGRES_MAX_OPEN_CONNS" envDefault:"25"`

	HoldDuration        time.Duration `env:"STOCKHOLD_HOLD_DURATION" envDefault:"15m"`
	ConflictMaxAttempts int           `env:"STOCKHOLD_CONFLICT_MAX_ATTEMPTS" envDefault:"5"`
	SweepInterval       time.Duration `env:"STOCKHOLD_SWEEP_INTERVAL" envDefault:"1m"`
	SweepBatchSize      int           `env:"STOCKHOLD_SWEEP_BATCH_SIZE" envDefault:"100"`
	SweepLeaseTTL       time.Duration `env:"STOCKHOLD_SWEEP_LEASE_TTL" envDefault:"50s"`

	OutboxPollInterval time.Duration `env:"STOCKHOLD_OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	OutboxBatchSize    int           `env:"STOCKHOLD_OUTBOX_BATCH_SIZE" envDefault:"100"`
	OutboxMaxAttempts  int           `env:"STOCKHOLD_OUTBOX_MAX_ATTEMPTS" envDefault:"3"`
	OutboxRetryDelay   time.Duration `env:"STOCKHOLD_OUTBOX_RETRY_DELAY" envDefault:"100ms"`
	OutboxMaxPending   int           `env:"STOCKHOLD_OUTBOX_MAX_PENDING" envDefault:"1000"`

	KafkaBrokers          []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaClientID         string        `env:"KAFKA_CLIENT_ID" envDefault:"stockhold"`
	KafkaEventsTopic      string        `env:"KAFKA_RESERVATION_EVENTS_TOPIC" envDefault:"stockhold.reservation.events"`
	KafkaPaymentTopic     string        `env:"KAFKA_PAYMENT_RESULTS_TOPIC" envDefault:"stockhold.payment.results"`
	KafkaDLQTopic         string        `env:"KAFKA_DLQ_TOPIC" envDefault:"stockhold.dlq"`
	KafkaConsumerGroup    string        `env:"KAFKA_CONSUMER_GROUP" envDefault:"stockhold-payment-results"`
	KafkaConsumerRetries  int           `env:"KAFKA_CONSUMER_MAX_RETRIES" envDefault:"3"`
	KafkaConsumerBackoff  time.Duration `env:"KAFKA_CONSUMER_RETRY_DELAY" envDefault:"200ms"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// SeedVariants задаёт стартовые остатки для memory-драйвера: "sku-1=10,sku-2=5".
	SeedVariants map[string]int64 `env:"STOCKHOLD_SEED_VARIANTS" envSeparator:"," envKeyValSeparator:"="`
}

// DefaultConfig возвращает конфигурацию с дефолтами из env-тегов.
func DefaultConfig() Config {
	var cfg Config
	// Пустое окружение: ошибка возможна только при некорректном envDefault.
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("invalid config defaults: %v", err))
	}
	return cfg
}

// LoadConfig читает конфигурацию из окружения и проверяет её.
func LoadConfig() (Config, error) {
	return loadConfig(env.Options{})
}

func loadConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate отклоняет несогласованные настройки до старта компонентов.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.GRPCAddr) == "" {
		errs = append(errs, errors.New("STOCKHOLD_GRPC_ADDR must not be empty"))
	}
	if strings.TrimSpace(c.MetricsAddr) == "" {
		errs = append(errs, errors.New("STOCKHOLD_METRICS_ADDR must not be empty"))
	}

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("STOCKHOLD_POSTGRES_DSN is required for postgres storage"))
		}
		if len(c.SeedVariants) > 0 {
			errs = append(errs, errors.New("STOCKHOLD_SEED_VARIANTS is supported only by memory storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	if c.HoldDuration <= 0 {
		errs = append(errs, errors.New("STOCKHOLD_HOLD_DURATION must be > 0"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("STOCKHOLD_SWEEP_INTERVAL must be > 0"))
	}
	if c.SweepInterval >= c.HoldDuration && c.HoldDuration > 0 {
		errs = append(errs, errors.New("STOCKHOLD_SWEEP_INTERVAL must be shorter than STOCKHOLD_HOLD_DURATION"))
	}
	if c.SweepBatchSize <= 0 {
		errs = append(errs, errors.New("STOCKHOLD_SWEEP_BATCH_SIZE must be > 0"))
	}
	if c.RedisAddr != "" && c.SweepLeaseTTL <= 0 {
		errs = append(errs, errors.New("STOCKHOLD_SWEEP_LEASE_TTL must be > 0 when REDIS_ADDR is set"))
	}
	if c.OutboxPollInterval <= 0 || c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox poll interval, batch size and max attempts must be > 0"))
	}
	if c.OutboxRetryDelay < 0 {
		errs = append(errs, errors.New("STOCKHOLD_OUTBOX_RETRY_DELAY must be >= 0"))
	}

	for variantID, qty := range c.SeedVariants {
		if strings.TrimSpace(variantID) == "" || qty < 0 {
			errs = append(errs, fmt.Errorf("invalid seed variant %q=%d", variantID, qty))
		}
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("STOCKHOLD_LOG_LEVEL: %w", err))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("STOCKHOLD_LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// KafkaEnabled сообщает, заданы ли брокеры.
func (c Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// RedisEnabled сообщает, включён ли lease для sweeper.
func (c Config) RedisEnabled() bool {
	return strings.TrimSpace(c.RedisAddr) != ""
}

// ConsumerConfig собирает настройки consumer group платёжных результатов.
func (c Config) ConsumerConfig() kafka.ConsumerConfig {
	return kafka.ConsumerConfig{
		Brokers:    c.KafkaBrokers,
		GroupID:    c.KafkaConsumerGroup,
		Topics:     []string{c.KafkaPaymentTopic},
		MaxRetries: c.KafkaConsumerRetries,
		RetryDelay: c.KafkaConsumerBackoff,
	}
}

// LogFields: безопасное для логов представление конфигурации (без DSN и паролей).
func (c Config) LogFields() log.Fields {
	seeded := make([]string, 0, len(c.SeedVariants))
	for variantID := range c.SeedVariants {
		seeded = append(seeded, variantID)
	}
	sort.Strings(seeded)

	return log.Fields{
		"grpc_addr":      c.GRPCAddr,
		"metrics_addr":   c.MetricsAddr,
		"storage_driver": c.StorageDriver,
		"hold_duration":  c.HoldDuration.String(),
		"sweep_interval": c.SweepInterval.String(),
		"kafka_enabled":  c.KafkaEnabled(),
		"redis_enabled":  c.RedisEnabled(),
		"seed_variants":  seeded,
	}
}
