package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrMissingJWTSecret is returned when no signing secret was configured anywhere.
var ErrMissingJWTSecret = errors.New("JWT_SECRET must be set in the config file or the environment")

// AppConfig holds file and environment driven configuration values.
// Secrets have no defaults in code and must come from the config file, a .env file or the environment.
type AppConfig struct {
	AppPort            string
	JWTSecret          string
	TokenTTLHours      int
	RateLimitPerMinute int
	AllowedOrigins     []string
	OAuthRedirectBase  string
	CaptchaEnabled     bool
	// Gin framework configuration
	GinMode string
	GinPath string
	// Database: mysql, postgres or sqlite
	DBDriver    string
	DatabaseURI string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	// Redis is optional; leaving RedisHost empty disables it
	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string
	// Logging configuration
	LogLevel      string
	LogPath       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool
	// Disease image storage: local or minio
	StorageBackend           string
	UploadDir                string
	UploadURLPrefix          string
	MaxUploadMB              int
	UploadStagingTTLMinutes  int
	ReconcileIntervalMinutes int
	MinIOEndpoint            string
	MinIOAccessKey           string
	MinIOSecretKey           string
	MinIOBucket              string
	MinIOUseSSL              bool
	MinIOPublicBase          string
	// Catalog events, disabled without brokers
	KafkaBrokers     []string
	KafkaTopicPrefix string
	// Disease search index, disabled without addresses
	ElasticAddresses []string
	ElasticIndex     string
	ElasticUsername  string
	ElasticPassword  string
	// OAuth providers
	GitHubClientID     string
	GitHubClientSecret string
	GoogleClientID     string
	GoogleClientSecret string
	// SMTP for contact feedback notifications
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
	SMTPTLS      bool
	NotifyEmail  string
	// Registration security
	RegisterMaxPerIPPerDay        int
	RegisterAttemptCooldownSec    int
	RegisterFailedMaxPerIPPerHour int
	RegisterTempBanMinutes        int
	// Public site information
	SiteName       string
	ContactEmail   string
	ContactPhone   string
	ContactAddress string
	NoticeTitle    string
	NoticeHTML     string
	// Admin account created on first start when no admin exists
	BootstrapAdminName     string
	BootstrapAdminEmail    string
	BootstrapAdminPassword string
}

var (
	cfg    AppConfig
	loaded bool
	mu     sync.RWMutex
)

// Load reads .env, the config file and the environment once during boot. It exits on invalid configuration.
func Load() AppConfig {
	mu.RLock()
	if loaded {
		defer mu.RUnlock()
		return cfg
	}
	mu.RUnlock()

	_ = godotenv.Load()

	c, err := LoadFrom(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	Use(c)
	return c
}

// Get returns the cached configuration, loading it if necessary.
func Get() AppConfig {
	mu.RLock()
	if loaded {
		defer mu.RUnlock()
		return cfg
	}
	mu.RUnlock()
	return Load()
}

// Use replaces the cached configuration.
func Use(c AppConfig) {
	mu.Lock()
	cfg = c
	loaded = true
	mu.Unlock()
}

// LoadFrom builds a configuration without touching the cached one.
// Environment variables override the config file. Defaults then fill any
// value left empty, zero or negative.
// An empty path searches config/config.{json,yaml,toml} and ./config.*.
func LoadFrom(path string) (AppConfig, error) {
	var c AppConfig
	if err := loadFile(path, &c); err != nil {
		return c, err
	}
	if err := applyEnvOverrides(&c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	if c.JWTSecret == "" {
		return c, ErrMissingJWTSecret
	}
	return c, nil
}

func loadFile(path string, out *AppConfig) error {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		if path != "" && errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file %s: %w", path, err)
		}
		return fmt.Errorf("read config: %w", err)
	}

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	flag := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}
	list := func(key string, dst *[]string) {
		if v.IsSet(key) {
			*dst = v.GetStringSlice(key)
		}
	}

	str("app.port", &out.AppPort)
	str("app.jwt_secret", &out.JWTSecret)
	num("app.token_ttl_hours", &out.TokenTTLHours)
	num("app.rate_limit_per_minute", &out.RateLimitPerMinute)
	list("app.allowed_origins", &out.AllowedOrigins)
	str("app.oauth_redirect_base", &out.OAuthRedirectBase)
	flag("app.captcha_enabled", &out.CaptchaEnabled)

	str("gin.mode", &out.GinMode)
	str("gin.log_path", &out.GinPath)

	str("database.driver", &out.DBDriver)
	str("database.uri", &out.DatabaseURI)
	str("database.host", &out.DBHost)
	str("database.port", &out.DBPort)
	str("database.user", &out.DBUser)
	str("database.password", &out.DBPassword)
	str("database.name", &out.DBName)

	str("redis.host", &out.RedisHost)
	num("redis.port", &out.RedisPort)
	num("redis.db", &out.RedisDB)
	str("redis.password", &out.RedisPassword)

	str("log.level", &out.LogLevel)
	str("log.path", &out.LogPath)
	num("log.max_size_mb", &out.LogMaxSizeMB)
	num("log.max_backups", &out.LogMaxBackups)
	num("log.max_age_days", &out.LogMaxAgeDays)
	flag("log.compress", &out.LogCompress)

	str("uploads.backend", &out.StorageBackend)
	str("uploads.dir", &out.UploadDir)
	str("uploads.url_prefix", &out.UploadURLPrefix)
	num("uploads.max_mb", &out.MaxUploadMB)
	num("uploads.staging_ttl_minutes", &out.UploadStagingTTLMinutes)
	num("uploads.reconcile_interval_minutes", &out.ReconcileIntervalMinutes)

	str("minio.endpoint", &out.MinIOEndpoint)
	str("minio.access_key", &out.MinIOAccessKey)
	str("minio.secret_key", &out.MinIOSecretKey)
	str("minio.bucket", &out.MinIOBucket)
	flag("minio.use_ssl", &out.MinIOUseSSL)
	str("minio.public_base", &out.MinIOPublicBase)

	list("kafka.brokers", &out.KafkaBrokers)
	str("kafka.topic_prefix", &out.KafkaTopicPrefix)

	list("elastic.addresses", &out.ElasticAddresses)
	str("elastic.index", &out.ElasticIndex)
	str("elastic.username", &out.ElasticUsername)
	str("elastic.password", &out.ElasticPassword)

	str("oauth.github_client_id", &out.GitHubClientID)
	str("oauth.github_client_secret", &out.GitHubClientSecret)
	str("oauth.google_client_id", &out.GoogleClientID)
	str("oauth.google_client_secret", &out.GoogleClientSecret)

	str("smtp.host", &out.SMTPHost)
	num("smtp.port", &out.SMTPPort)
	str("smtp.username", &out.SMTPUsername)
	str("smtp.password", &out.SMTPPassword)
	str("smtp.from", &out.SMTPFrom)
	str("smtp.from_name", &out.SMTPFromName)
	flag("smtp.tls", &out.SMTPTLS)
	str("smtp.notify_email", &out.NotifyEmail)

	num("register.max_per_ip_per_day", &out.RegisterMaxPerIPPerDay)
	num("register.attempt_cooldown_sec", &out.RegisterAttemptCooldownSec)
	num("register.failed_max_per_ip_per_hour", &out.RegisterFailedMaxPerIPPerHour)
	num("register.temp_ban_minutes", &out.RegisterTempBanMinutes)

	str("site.name", &out.SiteName)
	str("site.contact_email", &out.ContactEmail)
	str("site.contact_phone", &out.ContactPhone)
	str("site.contact_address", &out.ContactAddress)
	str("site.notice_title", &out.NoticeTitle)
	str("site.notice_html", &out.NoticeHTML)

	str("admin.name", &out.BootstrapAdminName)
	str("admin.email", &out.BootstrapAdminEmail)
	str("admin.password", &out.BootstrapAdminPassword)
	return nil
}

// applyDefaults sets sane defaults for zero-value fields.
func applyDefaults(c *AppConfig) {
	if c.AppPort == "" {
		c.AppPort = "5000"
	}
	if c.TokenTTLHours <= 0 {
		c.TokenTTLHours = 72
	}
	if c.RateLimitPerMinute <= 0 {
		c.RateLimitPerMinute = 60
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.OAuthRedirectBase == "" {
		c.OAuthRedirectBase = "http://localhost:5000"
	}
	if c.GinMode == "" {
		c.GinMode = "release"
	}
	if c.GinPath == "" {
		c.GinPath = "logs/gin.log"
	}
	if c.DBDriver == "" {
		c.DBDriver = "mysql"
	}
	if c.DBHost == "" {
		c.DBHost = "127.0.0.1"
	}
	if c.DBPort == "" {
		switch c.DBDriver {
		case "postgres":
			c.DBPort = "5432"
		default:
			c.DBPort = "3306"
		}
	}
	if c.DBUser == "" {
		c.DBUser = "root"
	}
	if c.DBName == "" {
		c.DBName = "agridoctor"
	}
	if c.RedisHost != "" && c.RedisPort <= 0 {
		c.RedisPort = 6379
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogMaxSizeMB <= 0 {
		c.LogMaxSizeMB = 100
	}
	if c.LogMaxBackups <= 0 {
		c.LogMaxBackups = 3
	}
	if c.LogMaxAgeDays <= 0 {
		c.LogMaxAgeDays = 7
	}
	if c.StorageBackend == "" {
		c.StorageBackend = "local"
	}
	if c.UploadDir == "" {
		c.UploadDir = "uploads"
	}
	if c.UploadURLPrefix == "" {
		c.UploadURLPrefix = "/uploads"
	}
	c.UploadURLPrefix = "/" + strings.Trim(c.UploadURLPrefix, "/")
	if c.MaxUploadMB <= 0 {
		c.MaxUploadMB = 5
	}
	if c.UploadStagingTTLMinutes <= 0 {
		c.UploadStagingTTLMinutes = 60
	}
	if c.ReconcileIntervalMinutes <= 0 {
		c.ReconcileIntervalMinutes = 5
	}
	if c.MinIOBucket == "" {
		c.MinIOBucket = "agridoctor"
	}
	if c.KafkaTopicPrefix == "" {
		c.KafkaTopicPrefix = "agridoctor"
	}
	if c.ElasticIndex == "" {
		c.ElasticIndex = "diseases"
	}
	if c.SMTPPort <= 0 {
		c.SMTPPort = 587
	}
	if c.RegisterMaxPerIPPerDay <= 0 {
		c.RegisterMaxPerIPPerDay = 5
	}
	if c.RegisterAttemptCooldownSec <= 0 {
		c.RegisterAttemptCooldownSec = 10
	}
	if c.RegisterFailedMaxPerIPPerHour <= 0 {
		c.RegisterFailedMaxPerIPPerHour = 20
	}
	if c.RegisterTempBanMinutes <= 0 {
		c.RegisterTempBanMinutes = 60
	}
	if c.SiteName == "" {
		c.SiteName = "AgriDoctor"
	}
	if c.NoticeTitle == "" {
		c.NoticeTitle = "Notice"
	}
}

// applyEnvOverrides maps known environment variables onto config values when present.
func applyEnvOverrides(c *AppConfig) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid integer value %s=%q", key, v))
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}
	list := func(key string, dst *[]string) {
		if v := os.Getenv(key); v != "" {
			*dst = splitAndTrim(v)
		}
	}

	str("APP_PORT", &c.AppPort)
	str("JWT_SECRET", &c.JWTSecret)
	num("TOKEN_TTL_HOURS", &c.TokenTTLHours)
	num("RATE_LIMIT_PER_MINUTE", &c.RateLimitPerMinute)
	list("CORS_ALLOWED_ORIGINS", &c.AllowedOrigins)
	str("OAUTH_REDIRECT_BASE_URL", &c.OAuthRedirectBase)
	flag("CAPTCHA_ENABLED", &c.CaptchaEnabled)
	str("GIN_MODE", &c.GinMode)
	str("GIN_PATH", &c.GinPath)

	str("DB_DRIVER", &c.DBDriver)
	str("DATABASE_URI", &c.DatabaseURI)
	str("DB_HOST", &c.DBHost)
	str("DB_PORT", &c.DBPort)
	str("DB_USER", &c.DBUser)
	str("DB_PASSWORD", &c.DBPassword)
	str("DB_NAME", &c.DBName)

	str("REDIS_HOST", &c.RedisHost)
	num("REDIS_PORT", &c.RedisPort)
	num("REDIS_DB", &c.RedisDB)
	str("REDIS_PASSWORD", &c.RedisPassword)
	if c.RedisHost != "" && c.RedisPort == 0 {
		c.RedisPort = 6379
	}

	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_PATH", &c.LogPath)
	num("LOG_MAX_SIZE_MB", &c.LogMaxSizeMB)
	num("LOG_MAX_BACKUPS", &c.LogMaxBackups)
	num("LOG_MAX_AGE_DAYS", &c.LogMaxAgeDays)
	flag("LOG_COMPRESS", &c.LogCompress)

	str("STORAGE_BACKEND", &c.StorageBackend)
	str("UPLOAD_DIR", &c.UploadDir)
	num("MAX_UPLOAD_MB", &c.MaxUploadMB)
	num("UPLOAD_STAGING_TTL_MINUTES", &c.UploadStagingTTLMinutes)
	num("RECONCILE_INTERVAL_MINUTES", &c.ReconcileIntervalMinutes)
	str("MINIO_ENDPOINT", &c.MinIOEndpoint)
	str("MINIO_ACCESS_KEY", &c.MinIOAccessKey)
	str("MINIO_SECRET_KEY", &c.MinIOSecretKey)
	str("MINIO_BUCKET", &c.MinIOBucket)
	flag("MINIO_USE_SSL", &c.MinIOUseSSL)
	str("MINIO_PUBLIC_BASE", &c.MinIOPublicBase)

	list("KAFKA_BROKERS", &c.KafkaBrokers)
	str("KAFKA_TOPIC_PREFIX", &c.KafkaTopicPrefix)
	list("ELASTIC_ADDRESSES", &c.ElasticAddresses)
	str("ELASTIC_INDEX", &c.ElasticIndex)
	str("ELASTIC_USERNAME", &c.ElasticUsername)
	str("ELASTIC_PASSWORD", &c.ElasticPassword)

	str("GITHUB_CLIENT_ID", &c.GitHubClientID)
	str("GITHUB_CLIENT_SECRET", &c.GitHubClientSecret)
	str("GOOGLE_CLIENT_ID", &c.GoogleClientID)
	str("GOOGLE_CLIENT_SECRET", &c.GoogleClientSecret)

	str("SMTP_HOST", &c.SMTPHost)
	num("SMTP_PORT", &c.SMTPPort)
	str("SMTP_USERNAME", &c.SMTPUsername)
	str("SMTP_PASSWORD", &c.SMTPPassword)
	str("SMTP_FROM", &c.SMTPFrom)
	str("SMTP_FROM_NAME", &c.SMTPFromName)
	flag("SMTP_TLS", &c.SMTPTLS)
	str("NOTIFY_EMAIL", &c.NotifyEmail)

	num("REGISTER_MAX_PER_IP_PER_DAY", &c.RegisterMaxPerIPPerDay)
	num("REGISTER_ATTEMPT_COOLDOWN_SEC", &c.RegisterAttemptCooldownSec)
	num("REGISTER_FAILED_MAX_PER_IP_PER_HOUR", &c.RegisterFailedMaxPerIPPerHour)
	num("REGISTER_TEMP_BAN_MINUTES", &c.RegisterTempBanMinutes)

	str("SITE_NAME", &c.SiteName)
	str("CONTACT_EMAIL", &c.ContactEmail)
	str("CONTACT_PHONE", &c.ContactPhone)
	str("CONTACT_ADDRESS", &c.ContactAddress)
	str("NOTICE_TITLE", &c.NoticeTitle)
	str("NOTICE_HTML", &c.NoticeHTML)

	str("ADMIN_NAME", &c.BootstrapAdminName)
	str("ADMIN_EMAIL", &c.BootstrapAdminEmail)
	str("ADMIN_PASSWORD", &c.BootstrapAdminPassword)

	return errors.Join(errs...)
}

func splitAndTrim(raw string) []string {
	items := []string{}
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
