package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	AppEnv         string
	AppPort        string
	ServiceVersion string

	StorageDriver string
	DBURL         string
	DBHost        string
	DBUser        string
	DBPassword    string
	DBName        string
	DBPort        string

	JWTSecret         string
	InternalSecretKey string

	KafkaBrokers            []string
	KafkaTopicDispatch      string
	KafkaTopicGroupFinished string
	KafkaTopicOrderIntake   string
	KafkaConsumerGroup      string

	ReconcileSchedule string

	OTelEnabled  bool
	OTLPEndpoint string
}

// LoadConfig reads .env when present, then the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		AppPort:        getEnv("APP_PORT", "8080"),
		ServiceVersion: getEnv("SERVICE_VERSION", "dev"),

		StorageDriver: getEnv("STORAGE_DRIVER", DriverPostgres),
		DBURL:         os.Getenv("DB_URL"),
		DBHost:        os.Getenv("DB_HOST"),
		DBUser:        os.Getenv("DB_USER"),
		DBPassword:    os.Getenv("DB_PASSWORD"),
		DBName:        os.Getenv("DB_NAME"),
		DBPort:        getEnv("DB_PORT", "5432"),

		JWTSecret:         os.Getenv("JWT_SECRET"),
		InternalSecretKey: os.Getenv("INTERNAL_SECRET_KEY"),

		KafkaBrokers:            splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopicDispatch:      getEnv("KAFKA_TOPIC_DISPATCH", "order.dispatched"),
		KafkaTopicGroupFinished: getEnv("KAFKA_TOPIC_GROUP_FINISHED", "delivery_group.finished"),
		KafkaTopicOrderIntake:   getEnv("KAFKA_TOPIC_ORDER_INTAKE", "order.created"),
		KafkaConsumerGroup:      getEnv("KAFKA_CONSUMER_GROUP", "warimas-backoffice"),

		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", "@every 1m"),

		OTelEnabled:  getBool("OTEL_ENABLED", false),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

func (c *Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DBURL == "" && (c.DBHost == "" || c.DBUser == "" || c.DBName == "") {
			errs = append(errs, errors.New("DB_URL or DB_HOST, DB_USER and DB_NAME are required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver))
	}

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	return errors.Join(errs...)
}

func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
