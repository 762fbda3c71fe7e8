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

// Config aggregates runtime configuration for the service.
type Config struct {
	App         AppConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	Logger      LoggerConfig
	Auth        AuthConfig
	Redmine     RedmineConfig
	Idempotency IdempotencyConfig
	Events      EventsConfig
	Maintenance MaintenanceConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// AuthConfig defines how callers identify themselves.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
	Required              bool
}

// RedmineConfig holds the Redmine connection and mapping settings.
type RedmineConfig struct {
	BaseURL  string
	APIKey   string
	Username string
	Password string
	UseSSL   bool

	ProjectID int
	TrackerID int

	// CustomFieldMap maps logical field names (origen, canal...) to Redmine ids.
	CustomFieldMap map[string]int

	ContactsPath       string
	ContactsSearchPath string
	ContactsUpsertPath string
	ContactStrategy    string

	InternalEmailDomains []string
	FallbackUserLogin    string

	CRMProjectIdentifier string
	CRMRoleID            int

	TimeoutSeconds         int
	CatalogCacheTTLSeconds int
}

// IdempotencyConfig selects the idempotency store.
type IdempotencyConfig struct {
	// Driver is one of postgres, bolt or memory.
	Driver        string
	BoltPath      string
	RetentionDays int
}

// EventsConfig configures the optional Kafka event sink.
type EventsConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
}

// MaintenanceConfig configures scheduled housekeeping jobs.
type MaintenanceConfig struct {
	Enabled                  bool
	CatalogRefreshSchedule   string
	IdempotencyPruneSchedule string
}

// Custom field map keys understood by the payload mapper and the listings.
const (
	FieldOrigen           = "origen"
	FieldExternalTicketID = "external_ticket_id"
	FieldCanal            = "canal"
	FieldContactRef       = "contact_ref"
	FieldClienteRef       = "cliente_ref"
)

// Contact resolution strategies.
const (
	ContactStrategyAPI         = "api"
	ContactStrategyCustomField = "custom_field"
	ContactStrategyFallback    = "fallback"
)

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "redmine-bridge"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 60),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			File:       os.Getenv("LOG_FILE"),
			MaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvAsInt("LOG_MAX_AGE_DAYS", 30),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
			Required:              getEnvAsBool("AUTH_REQUIRED", false),
		},
		Redmine: RedmineConfig{
			BaseURL:   getEnv("REDMINE_BASE_URL", "https://redmine.example.com"),
			APIKey:    os.Getenv("REDMINE_API_KEY"),
			Username:  os.Getenv("REDMINE_USERNAME"),
			Password:  os.Getenv("REDMINE_PASSWORD"),
			UseSSL:    getEnvAsBool("REDMINE_USE_SSL", true),
			ProjectID: getEnvAsInt("REDMINE_PROJECT_ID", 0),
			TrackerID: getEnvAsInt("REDMINE_TRACKER_ID", 0),
			CustomFieldMap: customFieldMap(map[string]string{
				FieldOrigen:           "REDMINE_CF_ORIGEN",
				FieldExternalTicketID: "REDMINE_CF_EXTERNAL_TICKET_ID",
				FieldCanal:            "REDMINE_CF_CANAL",
				FieldContactRef:       "REDMINE_CF_CONTACT_REF",
				FieldClienteRef:       "REDMINE_CF_CLIENTE_REF",
			}),
			ContactsPath:           getEnv("REDMINE_CONTACTS_PATH", "/contacts.json"),
			ContactsSearchPath:     getEnv("REDMINE_CONTACTS_SEARCH_PATH", "/contacts/search.json"),
			ContactsUpsertPath:     getEnv("REDMINE_CONTACTS_UPSERT_PATH", "/contacts.json"),
			ContactStrategy:        getEnv("REDMINE_CONTACT_STRATEGY", ContactStrategyFallback),
			InternalEmailDomains:   getEnvAsList("REDMINE_INTERNAL_EMAIL_DOMAINS"),
			FallbackUserLogin:      os.Getenv("REDMINE_FALLBACK_USER_LOGIN"),
			CRMProjectIdentifier:   getEnv("REDMINE_CRM_PROJECT", "r-crm"),
			CRMRoleID:              getEnvAsInt("REDMINE_CRM_ROLE_ID", 6),
			TimeoutSeconds:         getEnvAsInt("REDMINE_TIMEOUT_SECONDS", 30),
			CatalogCacheTTLSeconds: getEnvAsInt("REDMINE_CATALOG_CACHE_TTL_SECONDS", 3600),
		},
		Idempotency: IdempotencyConfig{
			Driver:        getEnv("IDEMPOTENCY_DRIVER", "memory"),
			BoltPath:      getEnv("IDEMPOTENCY_BOLT_PATH", "data/idempotency.db"),
			RetentionDays: getEnvAsInt("IDEMPOTENCY_RETENTION_DAYS", 30),
		},
		Events: EventsConfig{
			KafkaBrokers: getEnvAsList("KAFKA_BROKERS"),
			KafkaTopic:   getEnv("KAFKA_TOPIC", "redmine-bridge.events"),
		},
		Maintenance: MaintenanceConfig{
			Enabled:                  getEnvAsBool("MAINTENANCE_ENABLED", false),
			CatalogRefreshSchedule:   getEnv("CATALOG_REFRESH_SCHEDULE", "@every 6h"),
			IdempotencyPruneSchedule: getEnv("IDEMPOTENCY_PRUNE_SCHEDULE", "@daily"),
		},
	}

	return cfg, nil
}

// Validate reports configuration that makes Redmine unreachable.
func (r RedmineConfig) Validate() error {
	if strings.TrimSpace(r.BaseURL) == "" {
		return errors.New("REDMINE_BASE_URL is required")
	}
	if r.APIKey == "" && r.Username == "" {
		return errors.New("either REDMINE_API_KEY or REDMINE_USERNAME must be set")
	}
	return nil
}

// Timeout returns the per-request Redmine timeout.
func (r RedmineConfig) Timeout() time.Duration {
	if r.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// CatalogCacheTTL returns how long the shared catalog copy lives in Redis.
func (r RedmineConfig) CatalogCacheTTL() time.Duration {
	if r.CatalogCacheTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(r.CatalogCacheTTLSeconds) * time.Second
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

// Retention returns the idempotency record retention window.
func (i IdempotencyConfig) Retention() time.Duration {
	if i.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(i.RetentionDays) * 24 * time.Hour
}

func customFieldMap(envByName map[string]string) map[string]int {
	out := make(map[string]int, len(envByName))
	for name, key := range envByName {
		if id := getEnvAsInt(key, 0); id > 0 {
			out[name] = id
		}
	}
	return out
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

func getEnvAsList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
