package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	libconfig "github.com/autonova/platform/libs/config"
)

const (
	SinkKafka = "kafka"
	SinkAMQP  = "amqp"
	SinkNone  = "none"
)

// Config is read from the environment. An empty DatabaseURL selects the
// in-memory store.
type Config struct {
	ServiceName string `envconfig:"SERVICE_NAME" default:"appointment-booking-service"`
	Port        string `envconfig:"PORT" default:"8083"`
	GRPCPort    string `envconfig:"GRPC_PORT" default:"9093"`

	DatabaseURL    string        `envconfig:"DATABASE_URL"`
	DBMaxConns     int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	AutoMigrate    bool          `envconfig:"AUTO_MIGRATE" default:"true"`
	StorageTimeout time.Duration `envconfig:"STORAGE_TIMEOUT" default:"3s"`
	ReadRetries    int           `envconfig:"READ_RETRIES" default:"3"`

	BayCapacity int           `envconfig:"BAY_CAPACITY" default:"0"`
	SlotLength  time.Duration `envconfig:"SLOT_LENGTH" default:"1h"`

	EventSink       string        `envconfig:"EVENT_SINK" default:"kafka"`
	KafkaBrokers    string        `envconfig:"KAFKA_BROKERS"`
	AMQPURL         string        `envconfig:"AMQP_URL"`
	AMQPExchange    string        `envconfig:"AMQP_EXCHANGE" default:"autonova.events"`
	OutboxPollEvery time.Duration `envconfig:"OUTBOX_POLL_EVERY" default:"2s"`
	OutboxBatchSize int           `envconfig:"OUTBOX_BATCH_SIZE" default:"50"`

	RedisAddr          string        `envconfig:"REDIS_ADDR"`
	RateLimitPerMinute int           `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
	MaxBodyBytes       int64         `envconfig:"MAX_BODY_BYTES" default:"65536"`
}

func Load() (Config, error) {
	var cfg Config
	if err := libconfig.Load("", &cfg); err != nil {
		return Config{}, err
	}
	cfg.EventSink = strings.ToLower(strings.TrimSpace(cfg.EventSink))
	if cfg.EventSink == SinkAMQP {
		url, err := libconfig.RequiredString("AMQP_URL")
		if err != nil {
			return Config{}, fmt.Errorf("EVENT_SINK=amqp: %w", err)
		}
		cfg.AMQPURL = url
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	for name, v := range map[string]string{"PORT": c.Port, "GRPC_PORT": c.GRPCPort} {
		if p, err := strconv.Atoi(v); err != nil || p < 1 || p > 65535 {
			return fmt.Errorf("%s must be a valid TCP port (got %q)", name, v)
		}
	}
	switch c.EventSink {
	case SinkKafka, SinkAMQP, SinkNone:
	default:
		return fmt.Errorf("EVENT_SINK must be kafka, amqp or none (got %q)", c.EventSink)
	}
	if c.StorageTimeout <= 0 {
		return fmt.Errorf("STORAGE_TIMEOUT must be positive")
	}
	if c.BayCapacity < 0 {
		return fmt.Errorf("BAY_CAPACITY must not be negative")
	}
	if c.SlotLength <= 0 {
		return fmt.Errorf("SLOT_LENGTH must be positive")
	}
	return nil
}
