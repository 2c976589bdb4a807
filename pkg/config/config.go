package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	App            AppConfig
	Service        ServiceConfig
	DB             DBConfig
	Redis          RedisConfig
	JWT            JWTConfig
	Internal       InternalConfig
	RateLimit      RateLimitConfig
	FeatureFlags   FeatureFlagsConfig
	Eventing       EventingConfig
	Pricing        PricingConfig
	Fulfillment    FulfillmentConfig
	Reconciliation ReconciliationConfig
	Cron           CronConfig
	SupplierA      SupplierAConfig
	SupplierB      SupplierBConfig
	Stripe         StripeConfig
	Razorpay       RazorpayConfig
	GCP            GCPConfig
	PubSub         PubSubConfig
	BigQuery       BigQueryConfig
	Outbox         OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string   `envconfig:"ESIMHUB_APP_ENV" required:"true"`
	Port         string   `envconfig:"ESIMHUB_APP_PORT" required:"true"`
	LogLevel     string   `envconfig:"ESIMHUB_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"ESIMHUB_LOG_WARN_STACK" default:"false"`
	CORSOrigins  []string `envconfig:"ESIMHUB_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"ESIMHUB_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"ESIMHUB_DB_DSN"`
	Driver string `envconfig:"ESIMHUB_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"ESIMHUB_DB_HOST"`
	LegacyPort     int    `envconfig:"ESIMHUB_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"ESIMHUB_DB_USER"`
	LegacyPassword string `envconfig:"ESIMHUB_DB_PASSWORD"`
	LegacyName     string `envconfig:"ESIMHUB_DB_NAME"`
	LegacySSLMode  string `envconfig:"ESIMHUB_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"ESIMHUB_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"ESIMHUB_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"ESIMHUB_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"ESIMHUB_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	SlowQuery       time.Duration `envconfig:"ESIMHUB_DB_SLOW_QUERY" default:"500ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"ESIMHUB_REDIS_URL" required:"true"`
	Address      string        `envconfig:"ESIMHUB_REDIS_ADDR"`
	Password     string        `envconfig:"ESIMHUB_REDIS_PASSWORD"`
	DB           int           `envconfig:"ESIMHUB_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"ESIMHUB_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"ESIMHUB_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"ESIMHUB_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"ESIMHUB_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"ESIMHUB_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig verifies agent tokens minted by the external identity service.
type JWTConfig struct {
	Secret string `envconfig:"ESIMHUB_JWT_SECRET" required:"true"`
	Issuer string `envconfig:"ESIMHUB_JWT_ISSUER" required:"true"`
}

// InternalConfig guards the service-to-service routes.
type InternalConfig struct {
	Token string `envconfig:"ESIMHUB_INTERNAL_TOKEN" required:"true"`
}

type RateLimitConfig struct {
	MoneyWindow     time.Duration `envconfig:"ESIMHUB_RATE_LIMIT_MONEY_WINDOW" default:"1m"`
	MoneyIPLimit    int           `envconfig:"ESIMHUB_RATE_LIMIT_MONEY_IP_LIMIT" default:"60"`
	MoneyAgentLimit int           `envconfig:"ESIMHUB_RATE_LIMIT_MONEY_AGENT_LIMIT" default:"20"`
	WebhookWindow   time.Duration `envconfig:"ESIMHUB_RATE_LIMIT_WEBHOOK_WINDOW" default:"1m"`
	WebhookIPLimit  int           `envconfig:"ESIMHUB_RATE_LIMIT_WEBHOOK_IP_LIMIT" default:"600"`
	ReadWindow      time.Duration `envconfig:"ESIMHUB_RATE_LIMIT_READ_WINDOW" default:"1m"`
	ReadAgentLimit  int           `envconfig:"ESIMHUB_RATE_LIMIT_READ_AGENT_LIMIT" default:"240"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"ESIMHUB_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	OutboxIdempotencyTTL  time.Duration `envconfig:"ESIMHUB_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
	WebhookIdempotencyTTL time.Duration `envconfig:"ESIMHUB_WEBHOOK_IDEMPOTENCY_TTL" default:"168h"`
	RequestIdempotencyTTL time.Duration `envconfig:"ESIMHUB_REQUEST_IDEMPOTENCY_TTL" default:"24h"`
}

type PricingConfig struct {
	DefaultMarkupPercent string `envconfig:"ESIMHUB_PRICING_DEFAULT_MARKUP_PERCENT" default:"300"`
}

// DefaultMarkup parses the configured fallback percentage.
func (p PricingConfig) DefaultMarkup() (decimal.Decimal, error) {
	raw := strings.TrimSpace(p.DefaultMarkupPercent)
	if raw == "" {
		return decimal.NewFromInt(300), nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing %s: %w", EnvPricingDefaultMarkup, err)
	}
	if value.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative", EnvPricingDefaultMarkup)
	}
	return value, nil
}

type FulfillmentConfig struct {
	PollAttempts     int           `envconfig:"ESIMHUB_FULFILLMENT_POLL_ATTEMPTS" default:"10"`
	PollInterval     time.Duration `envconfig:"ESIMHUB_FULFILLMENT_POLL_INTERVAL" default:"3s"`
	RetryBatchSize   int           `envconfig:"ESIMHUB_FULFILLMENT_RETRY_BATCH_SIZE" default:"10"`
	RetryDelay       time.Duration `envconfig:"ESIMHUB_FULFILLMENT_RETRY_DELAY" default:"2s"`
	MaxRetries       int           `envconfig:"ESIMHUB_FULFILLMENT_MAX_RETRIES" default:"5"`
	ProvisionTimeout time.Duration `envconfig:"ESIMHUB_FULFILLMENT_PROVISION_TIMEOUT" default:"45s"`
}

type ReconciliationConfig struct {
	SweepBatchSize int `envconfig:"ESIMHUB_RECONCILIATION_SWEEP_BATCH_SIZE" default:"100"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"ESIMHUB_CRON_INTERVAL" default:"5m"`
	LockTTL  time.Duration `envconfig:"ESIMHUB_CRON_LOCK_TTL" default:"4m"`
}

type SupplierAConfig struct {
	BaseURL       string        `envconfig:"ESIMHUB_SUPPLIER_A_BASE_URL" default:"https://api.esimaccess.com"`
	AccessCode    string        `envconfig:"ESIMHUB_SUPPLIER_A_ACCESS_CODE"`
	WebhookSecret string        `envconfig:"ESIMHUB_SUPPLIER_A_WEBHOOK_SECRET"`
	Timeout       time.Duration `envconfig:"ESIMHUB_SUPPLIER_A_TIMEOUT" default:"15s"`
	BusyCodes     []string      `envconfig:"ESIMHUB_SUPPLIER_A_BUSY_CODES" default:"200005,900001"`
}

type SupplierBConfig struct {
	BaseURL       string        `envconfig:"ESIMHUB_SUPPLIER_B_BASE_URL" default:"https://api.maya.net"`
	APIKey        string        `envconfig:"ESIMHUB_SUPPLIER_B_API_KEY"`
	APISecret     string        `envconfig:"ESIMHUB_SUPPLIER_B_API_SECRET"`
	WebhookSecret string        `envconfig:"ESIMHUB_SUPPLIER_B_WEBHOOK_SECRET"`
	Timeout       time.Duration `envconfig:"ESIMHUB_SUPPLIER_B_TIMEOUT" default:"20s"`
}

type StripeConfig struct {
	APIKey string `envconfig:"ESIMHUB_STRIPE_API_KEY"`
	Secret string `envconfig:"ESIMHUB_STRIPE_SECRET"`
	Env    string `envconfig:"ESIMHUB_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type RazorpayConfig struct {
	BaseURL   string        `envconfig:"ESIMHUB_RAZORPAY_BASE_URL" default:"https://api.razorpay.com"`
	KeyID     string        `envconfig:"ESIMHUB_RAZORPAY_KEY_ID"`
	KeySecret string        `envconfig:"ESIMHUB_RAZORPAY_KEY_SECRET"`
	Timeout   time.Duration `envconfig:"ESIMHUB_RAZORPAY_TIMEOUT" default:"10s"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"ESIMHUB_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"ESIMHUB_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"ESIMHUB_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	DomainTopic           string `envconfig:"ESIMHUB_PUBSUB_DOMAIN_TOPIC" default:"esimhub-domain-events"`
	AnalyticsSubscription string `envconfig:"ESIMHUB_PUBSUB_ANALYTICS_SUBSCRIPTION" default:"esimhub-analytics"`
}

type BigQueryConfig struct {
	Dataset    string `envconfig:"ESIMHUB_BIGQUERY_DATASET" default:"esimhub"`
	SalesTable string `envconfig:"ESIMHUB_BIGQUERY_SALES_TABLE" default:"esim_sales"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"ESIMHUB_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"ESIMHUB_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"ESIMHUB_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"ESIMHUB_OUTBOX_RETENTION_DAYS" default:"30"`
	PruneBatchSize int `envconfig:"ESIMHUB_OUTBOX_PRUNE_BATCH_SIZE" default:"500"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
