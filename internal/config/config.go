package config

import (
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
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

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	DonationEvents string `mapstructure:"donation-events"`
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

type Server struct {
	Port             string `mapstructure:"port"`
	PublicURL        string `mapstructure:"public-url"`
	RequestTimeoutMs int    `mapstructure:"request-timeout-ms"`
}

type PayPal struct {
	BaseURL      string `mapstructure:"base-url"`
	ClientID     string `mapstructure:"client-id"`
	ClientSecret string `mapstructure:"client-secret"`
	BrandName    string `mapstructure:"brand-name"`
	TimeoutMs    int    `mapstructure:"timeout-ms"`
	MinAmount    string `mapstructure:"min-amount"`
	MaxAmount    string `mapstructure:"max-amount"`
}

// Enabled reports whether enough credentials are present to talk to PayPal.
func (p PayPal) Enabled() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

type Epayco struct {
	PublicKey       string `mapstructure:"public-key"`
	CustomerID      string `mapstructure:"customer-id"`
	PKey            string `mapstructure:"p-key"`
	Test            bool   `mapstructure:"test"`
	External        bool   `mapstructure:"external"`
	ResponseURL     string `mapstructure:"response-url"`
	ConfirmationURL string `mapstructure:"confirmation-url"`
	MinAmount       string `mapstructure:"min-amount"`
	MaxAmount       string `mapstructure:"max-amount"`
}

// Enabled reports whether the checkout key and the confirmation signing
// credentials are all present.
func (e Epayco) Enabled() bool {
	return e.PublicKey != "" && e.CustomerID != "" && e.PKey != ""
}

type Gateways struct {
	PayPal PayPal `mapstructure:"paypal"`
	Epayco Epayco `mapstructure:"epayco"`
}

type ReconcilerRetry struct {
	PollingIntervalMs int `mapstructure:"polling-interval-ms"`
	FetchSize         int `mapstructure:"fetch-size"`
	DelayMs           int `mapstructure:"delay-ms"`
	MaxAttempts       int `mapstructure:"max-attempts"`
}

type Reconciler struct {
	Retry ReconcilerRetry `mapstructure:"retry"`
}

type Outbox struct {
	PollingIntervalMs  int `mapstructure:"polling-interval-ms"`
	FetchSize          int `mapstructure:"fetch-size"`
	RescheduleDelayMs  int `mapstructure:"reschedule-delay-ms"`
	MaxPublishAttempts int `mapstructure:"max-publish-attempts"`
}

type ReceiptArchive struct {
	Bucket string `mapstructure:"bucket"`
	Region string `mapstructure:"region"`
}

type Receipt struct {
	Parallelism int            `mapstructure:"parallelism"`
	NotifyURL   string         `mapstructure:"notify-url"`
	TimeoutMs   int            `mapstructure:"timeout-ms"`
	Archive     ReceiptArchive `mapstructure:"archive"`
}

type Admin struct {
	JWTSecret string `mapstructure:"jwt-secret"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL string `mapstructure:"url"`
}

type Config struct {
	Database   Database   `mapstructure:"database"`
	Kafka      Kafka      `mapstructure:"kafka"`
	Server     Server     `mapstructure:"server"`
	Gateways   Gateways   `mapstructure:"gateways"`
	Reconciler Reconciler `mapstructure:"reconciler"`
	Outbox     Outbox     `mapstructure:"outbox"`
	Receipt    Receipt    `mapstructure:"receipt"`
	Admin      Admin      `mapstructure:"admin"`
	Metrics    Metrics    `mapstructure:"metrics"`
	Logs       Logs       `mapstructure:"logs"`
}

// LoadConfig reads config.yaml from path. Environment variables override file
// values using the upper-cased key with dots and dashes replaced by
// underscores, e.g. GATEWAYS_PAYPAL_CLIENT_ID. A .env file in the working
// directory is loaded first when present.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
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

// Amount parses a configured amount bound. Blank or malformed values yield
// zero, which callers treat as "no bound".
func Amount(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
