package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Ledger backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRaft     = "raft"
)

// KYC modes.
const (
	KYCOff    = "off"
	KYCStatic = "static"
	KYCHTTP   = "http"
)

// Config holds service configuration.
type Config struct {
	ServerAddr     string
	LogLevel       string
	RequestTimeout time.Duration

	LedgerBackend string
	DatabaseURL   string
	DBMaxConns    int32
	AutoMigrate   bool

	Raft  RaftConfig
	Redis RedisConfig
	Auth  AuthConfig

	RateLimitRPS   float64
	RateLimitBurst int

	PaymentWindow time.Duration
	SigningKey    string
	Bank          BankConfig

	PolicyFile    string
	SweepInterval time.Duration

	Notifications NotificationConfig
	Mailgun       MailgunConfig
	AMQP          AMQPConfig
	Webhook       WebhookConfig
	Documents     DocumentConfig
	KYC           KYCConfig
}

// BankConfig is the escrow account quoted in payment instructions.
type BankConfig struct {
	IBAN   string
	BIC    string
	Holder string
	Name   string
}

type RaftConfig struct {
	NodeID       string
	Addr         string
	DataDir      string
	Bootstrap    bool
	ApplyTimeout time.Duration
	// JoinEndpoint is the API base URL of an existing member. Non-bootstrap
	// nodes ask it to add them as a voter on startup.
	JoinEndpoint   string
	JoinRetryDelay time.Duration
}

// RedisConfig enables the distributed transaction lock when Addr is set.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	LockExpiry time.Duration
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
	TokenTTL  time.Duration
}

type NotificationConfig struct {
	Interval       time.Duration
	TTL            time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
	Inline         bool
	UserChannels   []string
	AdminChannels  []string
	SystemChannels []string
}

type MailgunConfig struct {
	Domain          string
	APIKey          string
	APIBase         string
	Sender          string
	SenderName      string
	RecipientDomain string
	AdminAddress    string
}

type AMQPConfig struct {
	URL            string
	Exchange       string
	ConfirmTimeout time.Duration
}

type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// DocumentConfig points at the document service. Without a URL, references
// are derived locally under StaticPrefix.
type DocumentConfig struct {
	URL               string
	Token             string
	Timeout           time.Duration
	ReconcileInterval time.Duration
	ReconcileBatch    int
	StaticPrefix      string
}

type KYCConfig struct {
	Mode      string
	URL       string
	Token     string
	AllowList []string
	CacheTTL  time.Duration
}

// Load reads configuration from environment. A .env file in the working
// directory, or the file named by ESCROW_ENV_FILE, is applied first without
// overriding variables that are already set.
func Load() (*Config, error) {
	if err := loadDotenv(); err != nil {
		return nil, err
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "escrow")
		pass := getenv("POSTGRES_PASSWORD", "escrow_pass")
		db := getenv("POSTGRES_DB", "escrow")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	cfg := &Config{
		ServerAddr:     getenv("SERVER_ADDR", "0.0.0.0:8080"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		RequestTimeout: parseDuration(getenv("REQUEST_TIMEOUT", "30s"), 30*time.Second),

		LedgerBackend: strings.ToLower(getenv("LEDGER_BACKEND", BackendMemory)),
		DatabaseURL:   dsn,
		DBMaxConns:    int32(parseInt(getenv("DB_MAX_CONNS", "10"), 10)),
		AutoMigrate:   parseBool(getenv("DB_AUTO_MIGRATE", "true"), true),

		Raft: RaftConfig{
			NodeID:    getenv("RAFT_NODE_ID", "node-1"),
			Addr:      getenv("RAFT_ADDR", "127.0.0.1:7000"),
			DataDir:   getenv("RAFT_DATA_DIR", "data/raft"),
			Bootstrap: parseBool(getenv("RAFT_BOOTSTRAP", "true"), true),

			ApplyTimeout:   parseDuration(getenv("RAFT_APPLY_TIMEOUT", "5s"), 5*time.Second),
			JoinEndpoint:   strings.TrimSpace(os.Getenv("RAFT_JOIN_ENDPOINT")),
			JoinRetryDelay: parseDuration(getenv("RAFT_JOIN_RETRY_DELAY", "1s"), time.Second),
		},
		Redis: RedisConfig{
			Addr:       os.Getenv("REDIS_ADDR"),
			Password:   os.Getenv("REDIS_PASSWORD"),
			DB:         parseInt(getenv("REDIS_DB", "0"), 0),
			LockExpiry: parseDuration(getenv("REDIS_LOCK_EXPIRY", "10s"), 10*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
			Issuer:    getenv("JWT_ISSUER", "escrow-hub"),
			TokenTTL:  parseDuration(getenv("JWT_TTL", "1h"), time.Hour),
		},

		RateLimitRPS:   parseFloat(getenv("RATE_LIMIT_RPS", "20"), 20),
		RateLimitBurst: parseInt(getenv("RATE_LIMIT_BURST", "40"), 40),

		PaymentWindow: parseDuration(getenv("PAYMENT_WINDOW", "72h"), 72*time.Hour),
		SigningKey:    os.Getenv("LOG_SIGNING_KEY"),

		PolicyFile:    os.Getenv("ESCROW_POLICY_FILE"),
		SweepInterval: parseDuration(getenv("SWEEP_INTERVAL", "1m"), time.Minute),

		Notifications: NotificationConfig{
			Interval:       parseDuration(getenv("NOTIFY_INTERVAL", "10s"), 10*time.Second),
			TTL:            parseDuration(getenv("NOTIFY_TTL", "24h"), 24*time.Hour),
			RetryInitial:   parseDuration(getenv("NOTIFY_RETRY_INITIAL", "30s"), 30*time.Second),
			RetryMax:       parseDuration(getenv("NOTIFY_RETRY_MAX", "30m"), 30*time.Minute),
			Inline:         parseBool(getenv("NOTIFY_INLINE", "true"), true),
			UserChannels:   channelList(getenv("NOTIFY_USER_CHANNELS", "SSE")),
			AdminChannels:  channelList(getenv("NOTIFY_ADMIN_CHANNELS", "SSE")),
			SystemChannels: channelList(os.Getenv("NOTIFY_SYSTEM_CHANNELS")),
		},
		Mailgun: MailgunConfig{
			Domain:          os.Getenv("MAILGUN_DOMAIN"),
			APIKey:          os.Getenv("MAILGUN_API_KEY"),
			APIBase:         os.Getenv("MAILGUN_API_BASE"),
			Sender:          getenv("MAILGUN_SENDER", "escrow@localhost"),
			SenderName:      getenv("MAILGUN_SENDER_NAME", "Escrow"),
			RecipientDomain: os.Getenv("MAIL_RECIPIENT_DOMAIN"),
			AdminAddress:    os.Getenv("MAIL_ADMIN_ADDRESS"),
		},
		AMQP: AMQPConfig{
			URL:            os.Getenv("AMQP_URL"),
			Exchange:       getenv("AMQP_EXCHANGE", "escrow.events"),
			ConfirmTimeout: parseDuration(getenv("AMQP_CONFIRM_TIMEOUT", "5s"), 5*time.Second),
		},
		Webhook: WebhookConfig{
			URL:     os.Getenv("WEBHOOK_URL"),
			Secret:  os.Getenv("WEBHOOK_SECRET"),
			Timeout: parseDuration(getenv("WEBHOOK_TIMEOUT", "10s"), 10*time.Second),
		},
		Bank: BankConfig{
			IBAN:   os.Getenv("ESCROW_BANK_IBAN"),
			BIC:    os.Getenv("ESCROW_BANK_BIC"),
			Holder: getenv("ESCROW_BANK_HOLDER", "Escrow Hub Treuhand"),
			Name:   os.Getenv("ESCROW_BANK_NAME"),
		},
		Documents: DocumentConfig{
			URL:               os.Getenv("DOCUMENT_SERVICE_URL"),
			Token:             os.Getenv("DOCUMENT_SERVICE_TOKEN"),
			Timeout:           parseDuration(getenv("DOCUMENT_SERVICE_TIMEOUT", "10s"), 10*time.Second),
			ReconcileInterval: parseDuration(getenv("DOCUMENT_RECONCILE_INTERVAL", "5m"), 5*time.Minute),
			ReconcileBatch:    parseInt(getenv("DOCUMENT_RECONCILE_BATCH", "50"), 50),
			StaticPrefix:      getenv("DOCUMENT_STATIC_PREFIX", "documents/"),
		},
		KYC: KYCConfig{
			Mode:      strings.ToLower(getenv("KYC_MODE", KYCOff)),
			URL:       os.Getenv("KYC_URL"),
			Token:     os.Getenv("KYC_TOKEN"),
			AllowList: splitCSV(os.Getenv("KYC_ALLOW_LIST")),
			CacheTTL:  parseDuration(getenv("KYC_CACHE_TTL", "15m"), 15*time.Minute),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option combinations that cannot work.
func (c *Config) Validate() error {
	var errs []error
	switch c.LedgerBackend {
	case BackendMemory, BackendPostgres, BackendRaft:
	default:
		errs = append(errs, fmt.Errorf("LEDGER_BACKEND must be memory, postgres or raft, got %q", c.LedgerBackend))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.LedgerBackend == BackendRaft && !c.Raft.Bootstrap && c.Raft.JoinEndpoint == "" {
		errs = append(errs, errors.New("RAFT_JOIN_ENDPOINT is required when RAFT_BOOTSTRAP=false"))
	}
	if c.PaymentWindow <= 0 {
		errs = append(errs, errors.New("PAYMENT_WINDOW must be positive"))
	}
	if c.Documents.ReconcileBatch <= 0 {
		errs = append(errs, errors.New("DOCUMENT_RECONCILE_BATCH must be positive"))
	}
	switch c.KYC.Mode {
	case KYCOff, KYCStatic:
	case KYCHTTP:
		if c.KYC.URL == "" {
			errs = append(errs, errors.New("KYC_URL is required when KYC_MODE=http"))
		}
	default:
		errs = append(errs, fmt.Errorf("KYC_MODE must be off, static or http, got %q", c.KYC.Mode))
	}
	for _, ch := range c.Notifications.AllChannels() {
		switch ch {
		case "SSE":
		case "EMAIL":
			if c.Mailgun.Domain == "" || c.Mailgun.APIKey == "" {
				errs = append(errs, errors.New("EMAIL channel requires MAILGUN_DOMAIN and MAILGUN_API_KEY"))
			}
		case "BROKER":
			if c.AMQP.URL == "" {
				errs = append(errs, errors.New("BROKER channel requires AMQP_URL"))
			}
		case "WEBHOOK":
			if c.Webhook.URL == "" {
				errs = append(errs, errors.New("WEBHOOK channel requires WEBHOOK_URL"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown notification channel %q", ch))
		}
	}
	return errors.Join(errs...)
}

// AllChannels returns every configured channel once.
func (n NotificationConfig) AllChannels() []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range [][]string{n.UserChannels, n.AdminChannels, n.SystemChannels} {
		for _, ch := range list {
			if !seen[ch] {
				seen[ch] = true
				out = append(out, ch)
			}
		}
	}
	return out
}

func loadDotenv() error {
	if path := os.Getenv("ESCROW_ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load()
	}
	return nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseFloat(val string, def float64) float64 {
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func channelList(s string) []string {
	out := splitCSV(s)
	for i := range out {
		out[i] = strings.ToUpper(out[i])
	}
	return out
}
