package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Database struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"ssl-mode"`
}

// ConnString builds a postgres URL usable by both pgx and lib/pq.
func (d Database) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	Notifications string `mapstructure:"notifications"`
}

type KafkaReader struct {
	GroupID string `mapstructure:"group-id"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
	Reader KafkaReader `mapstructure:"reader"`
}

type NotificationProcessor struct {
	Parallelism         int `mapstructure:"parallelism"`
	RescheduleDelayMs   int `mapstructure:"reschedule-delay-ms"`
	MaxDeliveryAttempts int `mapstructure:"max-delivery-attempts"`
}

type NotificationProducer struct {
	PollingIntervalMs  int `mapstructure:"polling-interval-ms"`
	FetchSize          int `mapstructure:"fetch-size"`
	RescheduleDelayMs  int `mapstructure:"reschedule-delay-ms"`
	MaxPublishAttempts int `mapstructure:"max-publish-attempts"`
}

type NotificationSender struct {
	TimeoutMs int `mapstructure:"timeout-ms"`
}

type Notification struct {
	URL       string                `mapstructure:"url"`
	Processor NotificationProcessor `mapstructure:"processor"`
	Producer  NotificationProducer  `mapstructure:"producer"`
	Sender    NotificationSender    `mapstructure:"sender"`
}

// StripeEnvironment is one deployment tier sharing the webhook endpoint.
type StripeEnvironment struct {
	Name           string   `mapstructure:"name"`
	SecretKey      string   `mapstructure:"secret-key"`
	WebhookSecrets []string `mapstructure:"webhook-secrets"`
}

type Stripe struct {
	Environments              []StripeEnvironment `mapstructure:"environments"`
	SignatureToleranceSeconds int                 `mapstructure:"signature-tolerance-seconds"`
	TimeoutMs                 int                 `mapstructure:"timeout-ms"`
}

type Fees struct {
	ReferralReward      int64    `mapstructure:"referral-reward"`
	BaseCurrency        string   `mapstructure:"base-currency"`
	AsyncPaymentMethods []string `mapstructure:"async-payment-methods"`
}

type Server struct {
	Port              string `mapstructure:"port"`
	ShutdownTimeoutMs int    `mapstructure:"shutdown-timeout-ms"`
	MaxBodyBytes      int64  `mapstructure:"max-body-bytes"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL   string `mapstructure:"url"`
	Level string `mapstructure:"level"`
}

type Alert struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

type Config struct {
	Database     Database     `mapstructure:"database"`
	Kafka        Kafka        `mapstructure:"kafka"`
	Notification Notification `mapstructure:"notification"`
	Stripe       Stripe       `mapstructure:"stripe"`
	Fees         Fees         `mapstructure:"fees"`
	Server       Server       `mapstructure:"server"`
	Metrics      Metrics      `mapstructure:"metrics"`
	Logs         Logs         `mapstructure:"logs"`
	Alert        Alert        `mapstructure:"alert"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.ssl-mode", "disable")

	v.SetDefault("kafka.broker.url", "localhost:9092")
	v.SetDefault("kafka.topic.notifications", "payment-notifications")
	v.SetDefault("kafka.reader.group-id", "payment-reconciler")
	v.SetDefault("kafka.writer.batch-size", 100)
	v.SetDefault("kafka.writer.batch-timeout-ms", 100)

	v.SetDefault("notification.processor.parallelism", 100)
	v.SetDefault("notification.processor.reschedule-delay-ms", 10_000)
	v.SetDefault("notification.processor.max-delivery-attempts", 3)
	v.SetDefault("notification.producer.polling-interval-ms", 500)
	v.SetDefault("notification.producer.fetch-size", 200)
	v.SetDefault("notification.producer.reschedule-delay-ms", 10_000)
	v.SetDefault("notification.producer.max-publish-attempts", 3)
	v.SetDefault("notification.sender.timeout-ms", 10_000)

	v.SetDefault("stripe.signature-tolerance-seconds", 300)
	v.SetDefault("stripe.timeout-ms", 15_000)

	v.SetDefault("fees.referral-reward", 180)
	v.SetDefault("fees.base-currency", "USD")
	v.SetDefault("fees.async-payment-methods", []string{"pix", "boleto", "customer_balance", "us_bank_account", "sepa_debit", "oxxo", "konbini"})

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.shutdown-timeout-ms", 10_000)
	v.SetDefault("server.max-body-bytes", 65536)

	v.SetDefault("metrics.interval-ms", 10_000)
	v.SetDefault("logs.level", "info")
	v.SetDefault("alert.port", 587)
}

func LoadConfig(path string) (*Config, error) {
	// .env is optional; real environment always wins
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func MustLoadConfig(path string) *Config {
	config, err := LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return config
}

func (c *Config) validate() error {
	if len(c.Stripe.Environments) == 0 {
		return fmt.Errorf("stripe.environments: at least one environment is required")
	}
	seen := make(map[string]bool)
	for i, env := range c.Stripe.Environments {
		if env.Name == "" {
			return fmt.Errorf("stripe.environments[%d]: name is required", i)
		}
		if seen[env.Name] {
			return fmt.Errorf("stripe.environments[%d]: duplicate name %q", i, env.Name)
		}
		seen[env.Name] = true
		if len(env.WebhookSecrets) == 0 {
			return fmt.Errorf("stripe.environments[%d]: at least one webhook secret is required", i)
		}
	}
	return nil
}
