package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Square       SquareConfig
	Reconcile    ReconcileConfig
	Alerts       AlertsConfig
	Fulfillment  FulfillmentConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Security     SecurityConfig
	Admin        AdminConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if !cfg.FeatureFlags.UseSQLite {
		if err := cfg.DB.ensureDSN(); err != nil {
			return nil, err
		}
		if err := cfg.DB.validatePool(cfg.Reconcile.Workers); err != nil {
			return nil, err
		}
	}
	if err := cfg.Reconcile.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Alerts.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"PAYRECON_APP_ENV" required:"true"`
	Port         string `envconfig:"PAYRECON_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"PAYRECON_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PAYRECON_LOG_WARN_STACK" default:"false"`
	// CORSOrigins are the storefront origins allowed to call the checkout return endpoint.
	CORSOrigins []string `envconfig:"PAYRECON_CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"PAYRECON_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN        string `envconfig:"PAYRECON_DB_DSN"`
	SQLitePath string `envconfig:"PAYRECON_DB_SQLITE_PATH" default:"payrecon.db"`

	LegacyHost     string `envconfig:"PAYRECON_DB_HOST"`
	LegacyPort     int    `envconfig:"PAYRECON_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"PAYRECON_DB_USER"`
	LegacyPassword string `envconfig:"PAYRECON_DB_PASSWORD"`
	LegacyName     string `envconfig:"PAYRECON_DB_NAME"`
	LegacySSLMode  string `envconfig:"PAYRECON_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PAYRECON_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PAYRECON_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PAYRECON_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PAYRECON_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// validatePool needs two connections per verifier worker: one held by the
// order transaction and one for credential reads and refreshes. Zero leaves
// the pool unbounded.
func (d DBConfig) validatePool(workers int) error {
	if workers < 1 {
		workers = 1
	}
	if d.MaxOpenConns != 0 && d.MaxOpenConns < 2*workers {
		return fmt.Errorf("%s must be at least %d (two per %s)", EnvDBMaxOpenConns, 2*workers, EnvReconcileWorkers)
	}
	return nil
}

type RedisConfig struct {
	URL          string        `envconfig:"PAYRECON_REDIS_URL"`
	Address      string        `envconfig:"PAYRECON_REDIS_ADDR"`
	Password     string        `envconfig:"PAYRECON_REDIS_PASSWORD"`
	DB           int           `envconfig:"PAYRECON_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PAYRECON_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PAYRECON_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PAYRECON_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PAYRECON_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PAYRECON_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// SquareConfig holds the OAuth application and the platform fallback grant.
type SquareConfig struct {
	Env                  string        `envconfig:"PAYRECON_SQUARE_ENV" default:"sandbox"`
	ApplicationID        string        `envconfig:"PAYRECON_SQUARE_APPLICATION_ID" required:"true"`
	ApplicationSecret    string        `envconfig:"PAYRECON_SQUARE_APPLICATION_SECRET" required:"true"`
	PlatformAccessToken  string        `envconfig:"PAYRECON_SQUARE_PLATFORM_ACCESS_TOKEN"`
	PlatformRefreshToken string        `envconfig:"PAYRECON_SQUARE_PLATFORM_REFRESH_TOKEN"`
	RequestTimeout       time.Duration `envconfig:"PAYRECON_SQUARE_REQUEST_TIMEOUT" default:"15s"`
}

// Environment returns the normalized Square environment (sandbox/production).
func (s SquareConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

// ReconcileConfig bounds each cycle and drives the verifier's decision policy.
type ReconcileConfig struct {
	Interval             time.Duration `envconfig:"PAYRECON_RECONCILE_INTERVAL" default:"5m"`
	BatchSize            int           `envconfig:"PAYRECON_RECONCILE_BATCH_SIZE" default:"50"`
	Workers              int           `envconfig:"PAYRECON_RECONCILE_WORKERS" default:"4"`
	CycleBudget          time.Duration `envconfig:"PAYRECON_RECONCILE_CYCLE_BUDGET" default:"4m"`
	CallTimeout          time.Duration `envconfig:"PAYRECON_RECONCILE_CALL_TIMEOUT" default:"10s"`
	ExpiryCeiling        time.Duration `envconfig:"PAYRECON_RECONCILE_EXPIRY_CEILING" default:"120m"`
	StuckCeiling         time.Duration `envconfig:"PAYRECON_RECONCILE_STUCK_CEILING" default:"24h"`
	AuthFailureThreshold int           `envconfig:"PAYRECON_RECONCILE_AUTH_FAILURE_THRESHOLD" default:"3"`
	TokenRefreshMargin   time.Duration `envconfig:"PAYRECON_RECONCILE_TOKEN_REFRESH_MARGIN" default:"5m"`
}

func (r ReconcileConfig) validate() error {
	if r.BatchSize <= 0 {
		return fmt.Errorf("%s must be positive", EnvReconcileBatchSize)
	}
	if r.ExpiryCeiling <= 0 {
		return fmt.Errorf("%s must be positive", EnvReconcileExpiryCeiling)
	}
	if r.StuckCeiling < r.ExpiryCeiling {
		return fmt.Errorf("%s must not be shorter than %s", EnvReconcileStuckCeiling, EnvReconcileExpiryCeiling)
	}
	if r.CycleBudget > 0 && r.Interval > 0 && r.CycleBudget > r.Interval {
		return fmt.Errorf("%s must not exceed %s", EnvReconcileCycleBudget, EnvReconcileInterval)
	}
	return nil
}

type AlertsConfig struct {
	Cooldown           time.Duration `envconfig:"PAYRECON_ALERTS_COOLDOWN" default:"1h"`
	Channel            string        `envconfig:"PAYRECON_ALERTS_CHANNEL" default:"log"`
	WebhookURL         string        `envconfig:"PAYRECON_ALERTS_WEBHOOK_URL"`
	WebhookTimeout     time.Duration `envconfig:"PAYRECON_ALERTS_WEBHOOK_TIMEOUT" default:"5s"`
	CriticalRecipients []string      `envconfig:"PAYRECON_ALERTS_CRITICAL_RECIPIENTS" default:"payments-oncall"`
	WarningRecipients  []string      `envconfig:"PAYRECON_ALERTS_WARNING_RECIPIENTS" default:"payments-ops"`
	OutboxMaxAttempts  int           `envconfig:"PAYRECON_ALERTS_OUTBOX_MAX_ATTEMPTS" default:"20"`
	OutboxRetention    time.Duration `envconfig:"PAYRECON_ALERTS_OUTBOX_RETENTION" default:"168h"`
}

func (a AlertsConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(a.Channel)) {
	case AlertChannelLog, AlertChannelPubSub:
		return nil
	case AlertChannelWebhook:
		if strings.TrimSpace(a.WebhookURL) == "" {
			return fmt.Errorf("%s is required for the webhook alert channel", EnvAlertsWebhookURL)
		}
		return nil
	default:
		return fmt.Errorf("%s must be one of log, webhook, pubsub", EnvAlertsChannel)
	}
}

type FulfillmentConfig struct {
	BaseURL string        `envconfig:"PAYRECON_FULFILLMENT_BASE_URL" required:"true"`
	Timeout time.Duration `envconfig:"PAYRECON_FULFILLMENT_TIMEOUT" default:"20s"`
}

type GCPConfig struct {
	ProjectID       string `envconfig:"PAYRECON_GCP_PROJECT_ID"`
	CredentialsJSON string `envconfig:"PAYRECON_GCP_CREDENTIALS_JSON"`
}

type PubSubConfig struct {
	AlertsTopic string `envconfig:"PAYRECON_PUBSUB_ALERTS_TOPIC" default:"payrecon-operator-alerts"`
}

type SecurityConfig struct {
	// TokenKeyHex is a 32-byte hex key used to seal OAuth tokens at rest.
	TokenKeyHex string `envconfig:"PAYRECON_TOKEN_SEALING_KEY"`
}

// TokenKey decodes the sealing key; nil means tokens are stored unsealed.
func (s SecurityConfig) TokenKey() ([]byte, error) {
	raw := strings.TrimSpace(s.TokenKeyHex)
	if raw == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", EnvTokenSealingKey, err)
	}
	return key, nil
}

type AdminConfig struct {
	TriggerToken string `envconfig:"PAYRECON_ADMIN_TRIGGER_TOKEN"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"PAYRECON_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"PAYRECON_AUTO_MIGRATE" default:"false"`
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
