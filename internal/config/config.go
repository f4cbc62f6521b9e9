package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Auth         AuthConfig
	Relay        RelayConfig
	Wallet       WalletConfig
	Status       StatusConfig
	Signer       SignerConfig
	Notification NotificationConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
	DemoMode              bool
}

// PostgresConfig holds DB connection values for the invoice ledger.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values. An empty Addr keeps
// challenges and status values in process memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines session token and admin key parameters.
type AuthConfig struct {
	JWTSecret              string
	SessionTokenTTLMinutes int
	SessionIdleTTLMinutes  int
	MaxSessions            int
	AdminAPIKeyHash        string
}

// RelayConfig points at the relay operator API.
type RelayConfig struct {
	APIURL      string
	APIKey      string
	RelayURL    string
	HTTPTimeout time.Duration
}

// WalletConfig configures the LNbits wallet used for invoices.
type WalletConfig struct {
	URL                 string
	APIKey              string
	AmountSats          int64
	Unit                string
	MemoPrefix          string
	WebhookURL          string
	PollInterval        time.Duration
	SuccessDisplayDelay time.Duration
	HTTPTimeout         time.Duration
}

// StatusConfig configures relay status lookups.
type StatusConfig struct {
	UptimeKumaURL     string
	UptimeKumaID      string
	UptimeRefresh     time.Duration
	RegisteredRefresh time.Duration
}

// SignerConfig bounds the wait for the browser signer.
type SignerConfig struct {
	WaitAttempts int
	WaitInterval time.Duration
	ChallengeTTL time.Duration
}

// NotificationConfig holds outbound notification endpoints.
type NotificationConfig struct {
	WebhookURL string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	amount, err := strconv.ParseInt(getEnv("WALLET_AMOUNT_SATS", "10000"), 10, 64)
	if err != nil || amount <= 0 {
		return nil, fmt.Errorf("invalid WALLET_AMOUNT_SATS: %q", os.Getenv("WALLET_AMOUNT_SATS"))
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "relay-access"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
			DemoMode:              getEnvAsBool("ENABLE_DEMO", false),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:              getEnv("AUTH_JWT_SECRET", "dev-secret"),
			SessionTokenTTLMinutes: getEnvAsInt("AUTH_SESSION_TOKEN_TTL_MINUTES", 24*60),
			SessionIdleTTLMinutes:  getEnvAsInt("AUTH_SESSION_IDLE_TTL_MINUTES", 12*60),
			MaxSessions:            getEnvAsInt("AUTH_MAX_SESSIONS", 10000),
			AdminAPIKeyHash:        os.Getenv("ADMIN_API_KEY_HASH"),
		},
		Relay: RelayConfig{
			APIURL:      getEnv("RELAY_API_URL", "http://127.0.0.1:3334"),
			APIKey:      os.Getenv("RELAY_API_KEY"),
			RelayURL:    getEnv("NOSTR_RELAY_URL", "wss://relay.example.com"),
			HTTPTimeout: getEnvAsDuration("RELAY_HTTP_TIMEOUT", 10*time.Second),
		},
		Wallet: WalletConfig{
			URL:                 getEnv("LNBITS_URL", "http://127.0.0.1:5000"),
			APIKey:              os.Getenv("LNBITS_API_KEY"),
			AmountSats:          amount,
			Unit:                getEnv("WALLET_UNIT", "sat"),
			MemoPrefix:          getEnv("PAYMENT_MEMO", "Noderunners Relay Access"),
			WebhookURL:          os.Getenv("PAYMENT_WEBHOOK_URL"),
			PollInterval:        getEnvAsDuration("PAYMENT_POLL_INTERVAL", 2*time.Second),
			SuccessDisplayDelay: getEnvAsDuration("PAYMENT_SUCCESS_DELAY", 1500*time.Millisecond),
			HTTPTimeout:         getEnvAsDuration("LNBITS_HTTP_TIMEOUT", 15*time.Second),
		},
		Status: StatusConfig{
			UptimeKumaURL:     os.Getenv("UPTIME_KUMA_URL"),
			UptimeKumaID:      os.Getenv("UPTIME_KUMA_ID"),
			UptimeRefresh:     getEnvAsDuration("STATUS_UPTIME_REFRESH", 60*time.Second),
			RegisteredRefresh: getEnvAsDuration("STATUS_REGISTERED_REFRESH", 30*time.Second),
		},
		Signer: SignerConfig{
			WaitAttempts: getEnvAsInt("SIGNER_WAIT_ATTEMPTS", 50),
			WaitInterval: getEnvAsDuration("SIGNER_WAIT_INTERVAL", 100*time.Millisecond),
			ChallengeTTL: getEnvAsDuration("SIGNER_CHALLENGE_TTL", 5*time.Minute),
		},
		Notification: NotificationConfig{
			WebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
		},
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// SessionTokenTTL returns how long issued session tokens stay valid.
func (a AuthConfig) SessionTokenTTL() time.Duration {
	return time.Duration(a.SessionTokenTTLMinutes) * time.Minute
}

// SessionIdleTTL returns how long an untouched session is kept in memory.
func (a AuthConfig) SessionIdleTTL() time.Duration {
	return time.Duration(a.SessionIdleTTLMinutes) * time.Minute
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
