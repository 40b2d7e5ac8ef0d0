package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	App         AppConfig        `mapstructure:"app"`
	Stripe      StripeConfig     `mapstructure:"stripe"`
	PayPal      PayPalConfig     `mapstructure:"paypal"`
	Validator   ValidatorConfig  `mapstructure:"validator"`
	Blockchain  BlockchainConfig `mapstructure:"blockchain"`
	Funding     FundingConfig    `mapstructure:"funding"`
	Sweep       SweepConfig      `mapstructure:"sweep"`
	Alerts      AlertsConfig     `mapstructure:"alerts"`
	Tracing     TracingConfig    `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	Host            string `mapstructure:"host"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	RateLimitPerMin int    `mapstructure:"rate_limit_per_min"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string `mapstructure:"url"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	QueryTimeout    int    `mapstructure:"query_timeout"`
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
	MigrationsPath  string `mapstructure:"migrations_path"`
}

// RedisConfig backs the distributed subscription lock. Disabled means an in-process lock is used.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
	LockTTL  int    `mapstructure:"lock_ttl"`
}

// AppConfig identifies this deployment to the payment rails
type AppConfig struct {
	Identifier  string `mapstructure:"identifier"`
	ServiceName string `mapstructure:"service_name"`
}

type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	Currency      string `mapstructure:"currency"`
}

type PayPalConfig struct {
	ClientID       string  `mapstructure:"client_id"`
	ClientSecret   string  `mapstructure:"client_secret"`
	BaseURL        string  `mapstructure:"base_url"`
	WebhookID      string  `mapstructure:"webhook_id"`
	Currency       string  `mapstructure:"currency"`
	Timeout        int     `mapstructure:"timeout"`
	RequestsPerSec float64 `mapstructure:"requests_per_sec"`
}

// ValidatorConfig points at the upstream API that receives status notifications
type ValidatorConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	SharedSecret string `mapstructure:"shared_secret"`
	Timeout      int    `mapstructure:"timeout"`
}

type TokenConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`
}

type BlockchainConfig struct {
	RPCURL                string        `mapstructure:"rpc_url"`
	Tokens                []TokenConfig `mapstructure:"tokens"`
	BillingToken          string        `mapstructure:"billing_token"`
	ReconnectDelay        int           `mapstructure:"reconnect_delay"`
	WalletRefreshInterval int           `mapstructure:"wallet_refresh_interval"`
	RPCRetryAttempts      int           `mapstructure:"rpc_retry_attempts"`
	RPCRetryDelayMs       int           `mapstructure:"rpc_retry_delay_ms"`
	RPCTimeout            int           `mapstructure:"rpc_timeout"`
}

type FundingConfig struct {
	GracePeriodDays            int  `mapstructure:"grace_period_days"`
	IncludeUnconfirmedDeposits bool `mapstructure:"include_unconfirmed_deposits"`
}

type SweepConfig struct {
	BalanceCron           string `mapstructure:"balance_cron"`
	ConfirmationBatchSize int    `mapstructure:"confirmation_batch_size"`
}

// AlertsConfig routes operator alerts through SendGrid
type AlertsConfig struct {
	SendGridAPIKey string   `mapstructure:"sendgrid_api_key"`
	FromEmail      string   `mapstructure:"from_email"`
	FromName       string   `mapstructure:"from_name"`
	Recipients     []string `mapstructure:"recipients"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	CollectorURL string  `mapstructure:"collector_url"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

func (c BlockchainConfig) ReconnectDelayDuration() time.Duration {
	return time.Duration(c.ReconnectDelay) * time.Second
}

func (c BlockchainConfig) WalletRefreshDuration() time.Duration {
	return time.Duration(c.WalletRefreshInterval) * time.Second
}

func (c BlockchainConfig) RPCRetryDelay() time.Duration {
	return time.Duration(c.RPCRetryDelayMs) * time.Millisecond
}

// Token returns the configured token with the given address or symbol
func (c BlockchainConfig) Token(addressOrSymbol string) (TokenConfig, bool) {
	for _, t := range c.Tokens {
		if strings.EqualFold(t.Address, addressOrSymbol) || strings.EqualFold(t.Symbol, addressOrSymbol) {
			return t, true
		}
	}
	return TokenConfig{}, false
}

func (c FundingConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if tokens := os.Getenv("STABLECOIN_CONTRACTS"); tokens != "" {
		parsed, err := ParseTokens(tokens)
		if err != nil {
			return nil, fmt.Errorf("invalid STABLECOIN_CONTRACTS: %w", err)
		}
		config.Blockchain.Tokens = parsed
	}

	if config.Database.URL == "" {
		config.Database.URL = fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			config.Database.User,
			config.Database.Password,
			config.Database.Host,
			config.Database.Port,
			config.Database.Name,
			config.Database.SSLMode,
		)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// ParseTokens reads "SYMBOL:0xaddress:decimals" entries separated by commas
func ParseTokens(raw string) ([]TokenConfig, error) {
	var tokens []TokenConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("token entry %q must be SYMBOL:ADDRESS:DECIMALS", entry)
		}
		decimals, err := strconv.Atoi(parts[2])
		if err != nil || decimals < 0 || decimals > 36 {
			return nil, fmt.Errorf("token entry %q has invalid decimals", entry)
		}
		tokens = append(tokens, TokenConfig{
			Symbol:   strings.ToUpper(parts[0]),
			Address:  strings.ToLower(parts[1]),
			Decimals: int32(decimals),
		})
	}
	return tokens, nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.rate_limit_per_min", 60)
	viper.SetDefault("server.shutdown_timeout", 30)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "payment_gateway")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 300)
	viper.SetDefault("database.query_timeout", 10)
	viper.SetDefault("database.auto_migrate", true)
	viper.SetDefault("database.migrations_path", "migrations")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.lock_ttl", 30)

	viper.SetDefault("app.identifier", "payment-gateway")
	viper.SetDefault("app.service_name", "payment-gateway")

	viper.SetDefault("stripe.currency", "usd")

	viper.SetDefault("paypal.base_url", "https://api-m.sandbox.paypal.com")
	viper.SetDefault("paypal.currency", "USD")
	viper.SetDefault("paypal.timeout", 15)
	viper.SetDefault("paypal.requests_per_sec", 10)

	viper.SetDefault("validator.timeout", 10)

	viper.SetDefault("blockchain.reconnect_delay", 5)
	viper.SetDefault("blockchain.wallet_refresh_interval", 60)
	viper.SetDefault("blockchain.rpc_retry_attempts", 3)
	viper.SetDefault("blockchain.rpc_retry_delay_ms", 1000)
	viper.SetDefault("blockchain.rpc_timeout", 15)
	viper.SetDefault("blockchain.billing_token", "USDC")

	viper.SetDefault("funding.grace_period_days", 40)
	viper.SetDefault("funding.include_unconfirmed_deposits", true)

	viper.SetDefault("sweep.balance_cron", "0 0 1 * *")
	viper.SetDefault("sweep.confirmation_batch_size", 100)

	viper.SetDefault("alerts.from_email", "alerts@payment-gateway.local")
	viper.SetDefault("alerts.from_name", "Payment Gateway")

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.collector_url", "localhost:4317")
	viper.SetDefault("tracing.sample_rate", 0.1)
}

func overrideFromEnv() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("server.port", p)
		}
	}

	secrets := map[string]string{
		"DATABASE_URL":            "database.url",
		"REDIS_PASSWORD":          "redis.password",
		"APP_IDENTIFIER":          "app.identifier",
		"STRIPE_SECRET_KEY":       "stripe.secret_key",
		"STRIPE_WEBHOOK_SECRET":   "stripe.webhook_secret",
		"PAYPAL_CLIENT_ID":        "paypal.client_id",
		"PAYPAL_CLIENT_SECRET":    "paypal.client_secret",
		"PAYPAL_WEBHOOK_ID":       "paypal.webhook_id",
		"PAYPAL_BASE_URL":         "paypal.base_url",
		"VALIDATOR_API_URL":       "validator.base_url",
		"VALIDATOR_SHARED_SECRET": "validator.shared_secret",
		"ETH_RPC_URL":             "blockchain.rpc_url",
		"SENDGRID_API_KEY":        "alerts.sendgrid_api_key",
		"OTEL_COLLECTOR_URL":      "tracing.collector_url",
	}
	for env, key := range secrets {
		if v := os.Getenv(env); v != "" {
			viper.Set(key, v)
		}
	}

	if recipients := os.Getenv("ALERT_RECIPIENTS"); recipients != "" {
		viper.Set("alerts.recipients", strings.Split(recipients, ","))
	}
}

func validate(config *Config) error {
	if config.Database.URL == "" && (config.Database.Host == "" || config.Database.Name == "") {
		return fmt.Errorf("database configuration is incomplete")
	}

	if config.App.Identifier == "" {
		return fmt.Errorf("app identifier is required")
	}

	if config.Validator.BaseURL == "" {
		return fmt.Errorf("validator base url is required")
	}

	if config.Validator.SharedSecret == "" {
		return fmt.Errorf("validator shared secret is required")
	}

	if config.Blockchain.RPCURL != "" && len(config.Blockchain.Tokens) == 0 {
		return fmt.Errorf("at least one stablecoin contract is required when chain monitoring is enabled")
	}

	if config.Blockchain.RPCRetryAttempts < 1 {
		return fmt.Errorf("blockchain rpc retry attempts must be at least 1")
	}

	if config.Funding.GracePeriodDays < 0 {
		return fmt.Errorf("grace period must not be negative")
	}

	return nil
}
