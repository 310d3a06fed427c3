package config

import (
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds all the configuration for the application.
type Config struct {
	Env         string `yaml:"env" env:"ENV" env-default:"production"`
	HTTPServer  `yaml:"http_server"`
	Database    `yaml:"database"`
	Redis       `yaml:"redis"`
	Kafka       `yaml:"kafka"`
	Auth        `yaml:"auth"`
	Tracking    `yaml:"tracking"`
	Attribution `yaml:"attribution"`
	Commission  `yaml:"commission"`
	Retention   `yaml:"retention"`
	Processor   `yaml:"processor"`
}

// HTTPServer holds HTTP server specific configuration.
type HTTPServer struct {
	Address         string        `yaml:"address" env:"HTTP_ADDRESS" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"30s"`
	// RateLimit is the sustained requests per second allowed per client IP.
	RateLimit      float64  `yaml:"rate_limit" env:"HTTP_RATE_LIMIT" env-default:"20"`
	RateBurst      int      `yaml:"rate_burst" env:"HTTP_RATE_BURST" env-default:"40"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS" env-separator:","`
	// TrustedProxies lists the CIDRs whose X-Forwarded-For and X-Real-IP
	// headers are believed. Empty means the TCP peer is the client.
	TrustedProxies []string `yaml:"trusted_proxies" env:"HTTP_TRUSTED_PROXIES" env-separator:","`
	// LandingURL is where /r/{code} sends visitors when the link carries
	// no landing page.
	LandingURL string `yaml:"landing_url" env:"LANDING_URL" env-default:"/"`
}

// Database holds PostgreSQL configuration.
type Database struct {
	Host            string `yaml:"host" env:"DB_HOST" env-default:"localhost"`
	Port            int    `yaml:"port" env:"DB_PORT" env-default:"5432"`
	User            string `yaml:"user" env:"DB_USER" env-default:"postgres"`
	Password        string `yaml:"password" env:"DB_PASSWORD"`
	DBName          string `yaml:"dbname" env:"DB_NAME" env-default:"referrals"`
	SSLMode         string `yaml:"sslmode" env:"DB_SSLMODE" env-default:"disable"`
	Timezone        string `yaml:"timezone" env:"DB_TIMEZONE" env-default:"UTC"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS" env-default:"50"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME" env-default:"1h"`
	AutoMigrate     bool   `yaml:"auto_migrate" env:"DB_AUTO_MIGRATE" env-default:"false"`
	MigrationsPath  string `yaml:"migrations_path" env:"DB_MIGRATIONS_PATH" env-default:"migrations"`
	SeedData        bool   `yaml:"seed_data" env:"DB_SEED_DATA" env-default:"false"`
}

// Redis holds the partner cache configuration. An empty URL disables the cache.
type Redis struct {
	URL        string        `yaml:"url" env:"REDIS_URL"`
	PartnerTTL time.Duration `yaml:"partner_ttl" env:"REDIS_PARTNER_TTL" env-default:"5m"`
}

// Kafka holds broker and topic configuration. Empty brokers disable Kafka.
type Kafka struct {
	Brokers              string `yaml:"brokers" env:"KAFKA_BOOTSTRAP_SERVERS"`
	GroupID              string `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"referral-engine"`
	OrderCompletedTopic  string `yaml:"order_completed_topic" env:"KAFKA_ORDER_COMPLETED_TOPIC" env-default:"orders.completed"`
	OrderStatusTopic     string `yaml:"order_status_topic" env:"KAFKA_ORDER_STATUS_TOPIC" env-default:"orders.status"`
	ConversionEventTopic string `yaml:"conversion_event_topic" env:"KAFKA_CONVERSION_EVENT_TOPIC" env-default:"conversions.events"`
	MaxRetries           int    `yaml:"max_retries" env:"KAFKA_MAX_RETRIES" env-default:"3"`
}

// Auth holds service token verification settings. An empty secret disables
// token checks.
type Auth struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"JWT_ISSUER"`
	Audience  string `yaml:"audience" env:"JWT_AUDIENCE"`
}

// Tracking holds click ingestion settings.
type Tracking struct {
	DedupWindow       time.Duration `yaml:"dedup_window" env:"TRACKING_DEDUP_WINDOW" env-default:"24h"`
	FingerprintBucket time.Duration `yaml:"fingerprint_bucket" env:"TRACKING_FINGERPRINT_BUCKET" env-default:"24h"`
	VelocityWindow    time.Duration `yaml:"velocity_window" env:"TRACKING_VELOCITY_WINDOW" env-default:"1m"`
	// MaxBackdate bounds how old a caller supplied click time may be.
	MaxBackdate time.Duration `yaml:"max_backdate" env:"TRACKING_MAX_BACKDATE" env-default:"5m"`
	MaxClicksPerMin   int64         `yaml:"max_clicks_per_minute" env:"TRACKING_MAX_CLICKS_PER_MINUTE" env-default:"10"`
	BotUserAgents     []string      `yaml:"bot_user_agents" env:"TRACKING_BOT_USER_AGENTS" env-separator:"," env-default:"bot,crawler,spider,scraper,curl,wget,python-requests,headless"`
	DatacenterCIDRs   []string      `yaml:"datacenter_cidrs" env:"TRACKING_DATACENTER_CIDRS" env-separator:","`
	MinUserAgentLen   int           `yaml:"min_user_agent_length" env:"TRACKING_MIN_UA_LENGTH" env-default:"10"`
	// RegexesPath points at a uap-core regexes.yaml; empty uses the bundled definitions.
	RegexesPath   string        `yaml:"regexes_path" env:"TRACKING_UA_REGEXES_PATH"`
	SessionCookie string        `yaml:"session_cookie" env:"TRACKING_SESSION_COOKIE" env-default:"ref_sid"`
	SessionTTL    time.Duration `yaml:"session_ttl" env:"TRACKING_SESSION_TTL" env-default:"720h"`
}

// Attribution holds conversion attribution settings.
type Attribution struct {
	WindowDays       int    `yaml:"window_days" env:"ATTRIBUTION_WINDOW_DAYS" env-default:"30"`
	IdempotencyScope string `yaml:"idempotency_scope" env:"ATTRIBUTION_IDEMPOTENCY_SCOPE" env-default:"order"`
	DropUnattributed bool   `yaml:"drop_unattributed" env:"ATTRIBUTION_DROP_UNATTRIBUTED" env-default:"false"`
}

// Commission holds commission resolution settings.
type Commission struct {
	DefaultCurrency    string `yaml:"default_currency" env:"COMMISSION_DEFAULT_CURRENCY" env-default:"USD"`
	MaxResolveAttempts int    `yaml:"max_resolve_attempts" env:"COMMISSION_MAX_RESOLVE_ATTEMPTS" env-default:"5"`
}

// Retention holds the click anonymization schedule. A zero AnonymizeAfter
// disables the job.
type Retention struct {
	AnonymizeAfter time.Duration `yaml:"anonymize_after" env:"RETENTION_ANONYMIZE_AFTER" env-default:"2160h"`
	Schedule       string        `yaml:"schedule" env:"RETENTION_SCHEDULE" env-default:"0 3 * * *"`
}

// Processor holds the async click worker pool settings.
type Processor struct {
	Workers         int           `yaml:"workers" env:"PROCESSOR_WORKERS" env-default:"4"`
	BufferSize      int           `yaml:"buffer_size" env:"PROCESSOR_BUFFER_SIZE" env-default:"1000"`
	RetryAttempts   int           `yaml:"retry_attempts" env:"PROCESSOR_RETRY_ATTEMPTS" env-default:"3"`
	RetryDelay      time.Duration `yaml:"retry_delay" env:"PROCESSOR_RETRY_DELAY" env-default:"100ms"`
	AttemptTimeout  time.Duration `yaml:"attempt_timeout" env:"PROCESSOR_ATTEMPT_TIMEOUT" env-default:"5s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"PROCESSOR_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// MustLoad loads the application configuration.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return cfg
}

// Load reads CONFIG_PATH (default config/local.yml) when it exists and the
// environment otherwise.
func Load() (*Config, error) {
	// Try to load .env file (ignore error in production)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment variables")
	}

	var cfg Config

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/local.yml"
	}

	if _, err := os.Stat(configPath); err == nil {
		if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
			return nil, err
		}
	} else {
		log.Println("Config file not found, using environment variables only")
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}
