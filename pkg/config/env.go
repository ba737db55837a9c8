package config

const EnvPrefix = "PAYRECON"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	AlertChannelLog     = "log"
	AlertChannelWebhook = "webhook"
	AlertChannelPubSub  = "pubsub"
)

const (
	EnvAppEnv = "PAYRECON_APP_ENV"
	EnvPort   = "PAYRECON_APP_PORT"

	EnvDBDSN          = "PAYRECON_DB_DSN"
	EnvDBHost         = "PAYRECON_DB_HOST"
	EnvDBUser         = "PAYRECON_DB_USER"
	EnvDBName         = "PAYRECON_DB_NAME"
	EnvDBMaxOpenConns = "PAYRECON_DB_MAX_OPEN_CONNS"

	EnvRedisURL = "PAYRECON_REDIS_URL"

	EnvSquareEnv               = "PAYRECON_SQUARE_ENV"
	EnvSquareApplicationID     = "PAYRECON_SQUARE_APPLICATION_ID"
	EnvSquareApplicationSecret = "PAYRECON_SQUARE_APPLICATION_SECRET"

	EnvReconcileInterval      = "PAYRECON_RECONCILE_INTERVAL"
	EnvReconcileBatchSize     = "PAYRECON_RECONCILE_BATCH_SIZE"
	EnvReconcileWorkers       = "PAYRECON_RECONCILE_WORKERS"
	EnvReconcileCycleBudget   = "PAYRECON_RECONCILE_CYCLE_BUDGET"
	EnvReconcileExpiryCeiling = "PAYRECON_RECONCILE_EXPIRY_CEILING"
	EnvReconcileStuckCeiling  = "PAYRECON_RECONCILE_STUCK_CEILING"

	EnvAlertsChannel    = "PAYRECON_ALERTS_CHANNEL"
	EnvAlertsWebhookURL = "PAYRECON_ALERTS_WEBHOOK_URL"

	EnvFulfillmentBaseURL = "PAYRECON_FULFILLMENT_BASE_URL"
	EnvTokenSealingKey    = "PAYRECON_TOKEN_SEALING_KEY"
	EnvUseSQLite          = "PAYRECON_USE_SQLITE"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
