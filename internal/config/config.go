package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "PAYLINK"

type App struct {
	Name    string `mapstructure:"name"`
	Logo    string `mapstructure:"logo"`
	BaseURL string `mapstructure:"base-url"`
}

type Server struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

type X402 struct {
	Network           string `mapstructure:"network"`
	Scheme            string `mapstructure:"scheme"`
	FacilitatorURL    string `mapstructure:"facilitator-url"`
	MaxTimeoutSeconds int    `mapstructure:"max-timeout-seconds"`
}

type Token struct {
	Address  string `mapstructure:"address"`
	Name     string `mapstructure:"name"`
	Symbol   string `mapstructure:"symbol"`
	Decimals int    `mapstructure:"decimals"`
	Version  string `mapstructure:"version"`
}

type Chain struct {
	ID          int64  `mapstructure:"id"`
	ExplorerURL string `mapstructure:"explorer-url"`
}

type Database struct {
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Name          string `mapstructure:"name"`
	Host          string `mapstructure:"host"`
	Port          string `mapstructure:"port"`
	SSLMode       string `mapstructure:"ssl-mode"`
	MigrationsDir string `mapstructure:"migrations-dir"`
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	PaymentEvents string `mapstructure:"payment-events"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
}

type Redis struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	LockTTLMs int    `mapstructure:"lock-ttl-ms"`
	RetryMs   int    `mapstructure:"retry-ms"`
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
	App      App      `mapstructure:"app"`
	Server   Server   `mapstructure:"server"`
	X402     X402     `mapstructure:"x402"`
	Token    Token    `mapstructure:"token"`
	Chain    Chain    `mapstructure:"chain"`
	Database Database `mapstructure:"database"`
	Kafka    Kafka    `mapstructure:"kafka"`
	Redis    Redis    `mapstructure:"redis"`
	Metrics  Metrics  `mapstructure:"metrics"`
	Logs     Logs     `mapstructure:"logs"`
}

// MaxTimeout is the upper bound for a single verification or settlement call.
func (c X402) MaxTimeout() time.Duration {
	return time.Duration(c.MaxTimeoutSeconds) * time.Second
}

func (s Server) Addr() string {
	return s.Host + ":" + s.Port
}

func (d Database) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "Payment Link Service")
	v.SetDefault("app.logo", "/static/logo.png")
	v.SetDefault("app.base-url", "http://localhost:8000")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8000")

	v.SetDefault("x402.network", "base-sepolia")
	v.SetDefault("x402.scheme", "exact")
	v.SetDefault("x402.facilitator-url", "https://x402f1.secondstate.io")
	v.SetDefault("x402.max-timeout-seconds", 60)

	v.SetDefault("token.address", "0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	v.SetDefault("token.name", "USD Coin")
	v.SetDefault("token.symbol", "USDC")
	v.SetDefault("token.decimals", 6)
	v.SetDefault("token.version", "2")

	v.SetDefault("chain.id", 84532)
	v.SetDefault("chain.explorer-url", "https://sepolia.basescan.org/tx/")

	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "payments")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.ssl-mode", "disable")
	v.SetDefault("database.migrations-dir", "migrations")

	v.SetDefault("kafka.broker.url", "")
	v.SetDefault("kafka.topic.payment-events", "payment-events")
	v.SetDefault("kafka.writer.batch-size", 100)
	v.SetDefault("kafka.writer.batch-timeout-ms", 100)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock-ttl-ms", 180_000)
	v.SetDefault("redis.retry-ms", 100)

	v.SetDefault("metrics.url", "")
	v.SetDefault("metrics.interval-ms", 10_000)
	v.SetDefault("metrics.common-labels", "")

	v.SetDefault("logs.url", "")
}

// LoadConfig reads config.yaml from path when present, then applies .env and
// PAYLINK_* environment overrides (PAYLINK_X402_FACILITATOR_URL and so on).
func LoadConfig(path string) (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.App.BaseURL = strings.TrimRight(config.App.BaseURL, "/")

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if u, err := url.Parse(c.App.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("app.base-url must be an absolute URL, got %q", c.App.BaseURL)
	}
	if c.X402.Network == "" {
		return fmt.Errorf("x402.network is required")
	}
	if c.X402.FacilitatorURL == "" {
		return fmt.Errorf("x402.facilitator-url is required")
	}
	if c.X402.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("x402.max-timeout-seconds must be positive, got %d", c.X402.MaxTimeoutSeconds)
	}
	if !common.IsHexAddress(c.Token.Address) {
		return fmt.Errorf("token.address is not a valid address: %q", c.Token.Address)
	}
	if c.Token.Decimals < 0 || c.Token.Decimals > 36 {
		return fmt.Errorf("token.decimals out of range: %d", c.Token.Decimals)
	}
	if c.Redis.Addr != "" {
		if c.Redis.LockTTLMs <= 0 {
			return fmt.Errorf("redis.lock-ttl-ms must be positive, got %d", c.Redis.LockTTLMs)
		}
		if c.Redis.RetryMs <= 0 {
			return fmt.Errorf("redis.retry-ms must be positive, got %d", c.Redis.RetryMs)
		}
	}
	return nil
}
