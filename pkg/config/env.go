package config

const (
	EnvPrefix = "ESIMHUB"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "ESIMHUB_APP_ENV"
	EnvPort     = "ESIMHUB_APP_PORT"
	EnvLogLevel = "ESIMHUB_LOG_LEVEL"

	EnvDBDSN  = "ESIMHUB_DB_DSN"
	EnvDBHost = "ESIMHUB_DB_HOST"
	EnvDBUser = "ESIMHUB_DB_USER"
	EnvDBName = "ESIMHUB_DB_NAME"

	EnvRedisURL      = "ESIMHUB_REDIS_URL"
	EnvJWTSecret     = "ESIMHUB_JWT_SECRET"
	EnvJWTIssuer     = "ESIMHUB_JWT_ISSUER"
	EnvInternalToken = "ESIMHUB_INTERNAL_TOKEN"

	EnvPricingDefaultMarkup = "ESIMHUB_PRICING_DEFAULT_MARKUP_PERCENT"
	EnvSupplierABusyCodes   = "ESIMHUB_SUPPLIER_A_BUSY_CODES"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
