package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
	Security   SecurityConfig   `mapstructure:"security"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Email      EmailConfig      `mapstructure:"email"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// TrustedProxies lists addresses or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers are believed. Empty means forwarding headers are ignored.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
	TLS            struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
	} `mapstructure:"tls"`
}

// StorageConfig selects the backing store implementation.
// "postgres" is the production driver; "memory" keeps everything in-process for local runs.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	Encryption   EncryptionConfig   `mapstructure:"encryption"`
	Sessions     SessionConfig      `mapstructure:"sessions"`
	APIKeys      APIKeyConfig       `mapstructure:"api_keys"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	Masking      MaskingConfig      `mapstructure:"masking"`
}

// EncryptionConfig holds field-encryption key material.
// MasterKey is base64 and must decode to at least 32 bytes.
type EncryptionConfig struct {
	MasterKey  string `mapstructure:"master_key"`
	KeyVersion string `mapstructure:"key_version"`
	// PreviousKeys maps retired key versions to their base64 master keys so
	// data written before a rotation can still be decrypted.
	PreviousKeys map[string]string `mapstructure:"previous_keys"`
}

// SessionConfig holds session lifetime configuration
type SessionConfig struct {
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
	MaxRefreshCount int           `mapstructure:"max_refresh_count"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
	CleanupBatch    int           `mapstructure:"cleanup_batch"`
	CookieName      string        `mapstructure:"cookie_name"`
	CookieSecure    bool          `mapstructure:"cookie_secure"`
}

// APIKeyConfig holds argon2id parameters for API key secrets
type APIKeyConfig struct {
	Argon2Memory      uint32 `mapstructure:"argon2_memory"`
	Argon2Iterations  uint32 `mapstructure:"argon2_iterations"`
	Argon2Parallelism uint8  `mapstructure:"argon2_parallelism"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled       bool                     `mapstructure:"enabled"`
	Store         string                   `mapstructure:"store"`
	PruneSchedule string                   `mapstructure:"prune_schedule"`
	Categories    map[string]RateLimitRule `mapstructure:"categories"`
}

// RateLimitRule is the window and budget of one rate-limit category
type RateLimitRule struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// MaskingConfig holds redaction and egress configuration
type MaskingConfig struct {
	ExtraSensitiveKeys []string `mapstructure:"extra_sensitive_keys"`
	AllowedDomains     []string `mapstructure:"allowed_domains"`
}

// AuditConfig holds audit pipeline configuration
type AuditConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`
	Workers      int           `mapstructure:"workers"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	FallbackPath string        `mapstructure:"fallback_path"`
	MaxPageSize  int           `mapstructure:"max_page_size"`
}

// MonitoringConfig holds monitoring rule definitions
type MonitoringConfig struct {
	Cooldown         time.Duration    `mapstructure:"cooldown"`
	Buckets          int              `mapstructure:"buckets"`
	AlertTimeout     time.Duration    `mapstructure:"alert_timeout"`
	AlertQueueSize   int              `mapstructure:"alert_queue_size"`
	NotifyEmails     []string         `mapstructure:"notify_emails"`
	EmailMinSeverity string           `mapstructure:"email_min_severity"`
	WebhookURL       string           `mapstructure:"webhook_url"`
	WebhookToken     string           `mapstructure:"webhook_token"`
	Rules            []RuleDefinition `mapstructure:"rules"`
}

// RuleDefinition is a monitoring rule as written in configuration
type RuleDefinition struct {
	Name         string        `mapstructure:"name"`
	EventType    string        `mapstructure:"event_type"`
	Threshold    int           `mapstructure:"threshold"`
	Window       time.Duration `mapstructure:"window"`
	Severity     string        `mapstructure:"severity"`
	Scope        string        `mapstructure:"scope"`
	FailuresOnly bool          `mapstructure:"failures_only"`
	Enabled      bool          `mapstructure:"enabled"`
}

// RetentionConfig holds per-entity retention windows
type RetentionConfig struct {
	Schedule        string        `mapstructure:"schedule"`
	BatchSize       int           `mapstructure:"batch_size"`
	AuditEntries    time.Duration `mapstructure:"audit_entries"`
	Alerts          time.Duration `mapstructure:"alerts"`
	Sessions        time.Duration `mapstructure:"sessions"`
	SessionActivity time.Duration `mapstructure:"session_activity"`
}

// ArchiveConfig holds the optional S3-compatible export target for swept rows
type ArchiveConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// IdentityConfig describes the external identity provider whose access tokens are
// exchanged for sessions at login
type IdentityConfig struct {
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// EmailConfig holds alert e-mail configuration
type EmailConfig struct {
	// Provider is the email provider to use: "gmail" or "" to disable
	Provider string `mapstructure:"provider"`
	// AppName is the application name shown in emails
	AppName string `mapstructure:"app_name"`
	// Gmail holds Gmail-specific configuration
	Gmail GmailEmailConfig `mapstructure:"gmail"`
}

// GmailEmailConfig holds Gmail API configuration
type GmailEmailConfig struct {
	// CredentialsJSON is the service account credentials JSON content
	CredentialsJSON string `mapstructure:"credentials_json"`
	// ClientID for OAuth2 token-based auth (alternative to service account)
	ClientID string `mapstructure:"client_id"`
	// ClientSecret for OAuth2 token-based auth
	ClientSecret string `mapstructure:"client_secret"`
	// RefreshToken for OAuth2 token-based auth
	RefreshToken string `mapstructure:"refresh_token"`
	// SenderAddress is the "From" email address
	SenderAddress string `mapstructure:"sender_address"`
	// SenderName is the display name for the sender
	SenderName string `mapstructure:"sender_name"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	// Set config file name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/worklog-guard")

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("GUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Rules are a list and cannot come from AutomaticEnv; keep the defaults
	// when the file does not define any.
	if len(cfg.Monitoring.Rules) == 0 {
		cfg.Monitoring.Rules = DefaultRules()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the cross-field constraints viper cannot express
func (c *Config) Validate() error {
	if _, err := ParseTrustedProxies(c.Server.TrustedProxies); err != nil {
		return err
	}
	if c.Security.Sessions.MaxLifetime <= 0 {
		return fmt.Errorf("security.sessions.max_lifetime must be positive")
	}
	if c.Security.Sessions.MaxRefreshCount < 0 {
		return fmt.Errorf("security.sessions.max_refresh_count must not be negative")
	}
	for name, rule := range c.Security.RateLimiting.Categories {
		if rule.Limit <= 0 || rule.Window <= 0 {
			return fmt.Errorf("rate limit category %q needs a positive limit and window", name)
		}
	}
	for _, r := range c.Monitoring.Rules {
		if r.Name == "" || r.EventType == "" {
			return fmt.Errorf("monitoring rule needs a name and event_type")
		}
		if r.Threshold <= 0 || r.Window <= 0 {
			return fmt.Errorf("monitoring rule %q needs a positive threshold and window", r.Name)
		}
	}
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	return nil
}

// ParseTrustedProxies parses server.trusted_proxies entries. A bare address is
// treated as a single-host prefix.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", e, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", e, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// DefaultRules returns the monitoring rules used when none are configured
func DefaultRules() []RuleDefinition {
	return []RuleDefinition{
		{Name: "repeated-login-failures", EventType: "auth.login_failed", Threshold: 5, Window: 15 * time.Minute, Severity: "high", Scope: "source_address", FailuresOnly: true, Enabled: true},
		{Name: "rate-limit-abuse", EventType: "ratelimit.exceeded", Threshold: 3, Window: 10 * time.Minute, Severity: "medium", Scope: "source_address", Enabled: true},
		{Name: "validation-probing", EventType: "validation.failed", Threshold: 20, Window: 5 * time.Minute, Severity: "low", Scope: "source_address", Enabled: true},
		{Name: "api-key-scope-violations", EventType: "apikey.denied", Threshold: 5, Window: 10 * time.Minute, Severity: "high", Scope: "source_address", FailuresOnly: true, Enabled: true},
		{Name: "integrity-failure", EventType: "encryption.integrity_failure", Threshold: 1, Window: time.Hour, Severity: "critical", Scope: "actor", Enabled: true},
		{Name: "audit-persistence-failures", EventType: "audit.persistence_failure", Threshold: 3, Window: 5 * time.Minute, Severity: "critical", Scope: "actor", Enabled: true},
	}
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("storage.driver", "postgres")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "worklog")
	v.SetDefault("database.user", "worklog")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)

	// Redis defaults
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Encryption defaults; the master key has no default on purpose
	v.SetDefault("security.encryption.master_key", "")
	v.SetDefault("security.encryption.key_version", "v1")

	v.SetDefault("security.sessions.max_lifetime", "30m")
	v.SetDefault("security.sessions.max_refresh_count", 5)
	v.SetDefault("security.sessions.cleanup_schedule", "@every 5m")
	v.SetDefault("security.sessions.cleanup_batch", 500)
	v.SetDefault("security.sessions.cookie_name", "worklog_session")
	v.SetDefault("security.sessions.cookie_secure", true)

	v.SetDefault("security.api_keys.argon2_memory", 19456)
	v.SetDefault("security.api_keys.argon2_iterations", 2)
	v.SetDefault("security.api_keys.argon2_parallelism", 1)

	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.store", "redis")
	v.SetDefault("security.rate_limiting.prune_schedule", "@every 5m")
	v.SetDefault("security.rate_limiting.categories.auth.limit", 5)
	v.SetDefault("security.rate_limiting.categories.auth.window", "15m")
	v.SetDefault("security.rate_limiting.categories.api.limit", 200)
	v.SetDefault("security.rate_limiting.categories.api.window", "15m")
	v.SetDefault("security.rate_limiting.categories.upload.limit", 50)
	v.SetDefault("security.rate_limiting.categories.upload.window", "5m")
	v.SetDefault("security.rate_limiting.categories.integration.limit", 20)
	v.SetDefault("security.rate_limiting.categories.integration.window", "1m")
	v.SetDefault("security.rate_limiting.categories.admin.limit", 300)
	v.SetDefault("security.rate_limiting.categories.admin.window", "15m")

	v.SetDefault("security.masking.allowed_domains", []string{})

	// Audit pipeline defaults
	v.SetDefault("audit.queue_size", 1024)
	v.SetDefault("audit.workers", 4)
	v.SetDefault("audit.write_timeout", "2s")
	v.SetDefault("audit.fallback_path", "logs/audit-fallback.log")
	v.SetDefault("audit.max_page_size", 100)

	// Monitoring defaults
	v.SetDefault("monitoring.cooldown", "0s")
	v.SetDefault("monitoring.buckets", 30)
	v.SetDefault("monitoring.alert_timeout", "3s")
	v.SetDefault("monitoring.alert_queue_size", 256)
	v.SetDefault("monitoring.email_min_severity", "high")
	v.SetDefault("monitoring.webhook_url", "")

	// Retention defaults
	v.SetDefault("retention.schedule", "0 3 * * *")
	v.SetDefault("retention.batch_size", 500)
	v.SetDefault("retention.audit_entries", "2160h")
	v.SetDefault("retention.alerts", "4320h")
	v.SetDefault("retention.sessions", "720h")
	v.SetDefault("retention.session_activity", "720h")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.prefix", "worklog-guard")
	v.SetDefault("archive.region", "auto")

	v.SetDefault("identity.issuer", "")
	v.SetDefault("identity.audience", "authenticated")

	// Email defaults
	v.SetDefault("email.provider", "")
	v.SetDefault("email.app_name", "Worklog")
	v.SetDefault("email.gmail.sender_name", "Worklog Security")
}
