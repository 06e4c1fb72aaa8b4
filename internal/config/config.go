package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for s3desk
type Config struct {
	// Server configuration
	Listen   string `mapstructure:"listen"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`

	// Public URL of the UI/API, used for OAuth redirects and origin checks
	PublicURL string `mapstructure:"public_url"`

	// Directory holding the built web UI (index.html + assets). Empty serves a placeholder.
	WebRoot string `mapstructure:"web_root"`

	// TLS configuration
	EnableTLS bool   `mapstructure:"enable_tls"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`

	S3      S3Config      `mapstructure:"s3"`
	Upload  UploadConfig  `mapstructure:"upload"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// S3Config defines the upstream object store connection
type S3Config struct {
	Endpoint       string   `mapstructure:"endpoint"` // empty = AWS default resolution
	Region         string   `mapstructure:"region"`
	AccessKey      string   `mapstructure:"access_key"`
	SecretKey      string   `mapstructure:"secret_key"`
	ForcePathStyle bool     `mapstructure:"force_path_style"`
	AllowedBuckets []string `mapstructure:"allowed_buckets"` // empty = all buckets

	// Lifetime of presigned upload/download URLs
	PresignExpiry time.Duration `mapstructure:"presign_expiry"`

	// Largest object returned inline by the content preview endpoint
	PreviewMaxBytes int64 `mapstructure:"preview_max_bytes"`
}

// UploadConfig bounds the streamed upload endpoint
type UploadConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes"`
}

// AuthConfig defines authentication configuration
type AuthConfig struct {
	EnableAuth  bool   `mapstructure:"enable_auth"`
	JWTSecret   string `mapstructure:"jwt_secret"`
	AllowSignup bool   `mapstructure:"allow_signup"`

	SessionTTL       time.Duration `mapstructure:"session_ttl"`
	SessionUpdateAge time.Duration `mapstructure:"session_update_age"`
	CookieCacheTTL   time.Duration `mapstructure:"cookie_cache_ttl"`
	SecureCookies    bool          `mapstructure:"secure_cookies"`

	// Origins allowed to issue state-changing requests (CORS + CSRF)
	TrustedOrigins []string `mapstructure:"trusted_origins"`

	// Login rate limiting per client IP
	LoginMaxAttempts int           `mapstructure:"login_max_attempts"`
	LoginWindow      time.Duration `mapstructure:"login_window"`

	Google GoogleConfig `mapstructure:"google"`
	LDAP   LDAPConfig   `mapstructure:"ldap"`
}

// GoogleConfig holds the Google OAuth2 client
type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"` // defaults to <public_url>/api/auth/callback/google
}

// Enabled reports whether Google login is configured
func (g GoogleConfig) Enabled() bool {
	return g.ClientID != "" && g.ClientSecret != ""
}

// LDAPConfig holds LDAP/Active Directory connection settings
type LDAPConfig struct {
	Enable          bool   `mapstructure:"enable"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Security        string `mapstructure:"security"` // none, tls, starttls
	BindDN          string `mapstructure:"bind_dn"`
	BindPassword    string `mapstructure:"bind_password"`
	BaseDN          string `mapstructure:"base_dn"`
	UserFilter      string `mapstructure:"user_filter"`
	AttrUsername    string `mapstructure:"attr_username"`
	AttrEmail       string `mapstructure:"attr_email"`
	AttrDisplayName string `mapstructure:"attr_display_name"`
}

// AuditConfig defines audit log configuration
type AuditConfig struct {
	Enable        bool `mapstructure:"enable"`
	RetentionDays int  `mapstructure:"retention_days"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Path     string `mapstructure:"path"`
	Interval int    `mapstructure:"interval"` // system sampling, seconds
}

// LoggingConfig ships logs to external collectors in addition to stderr
type LoggingConfig struct {
	Syslog SyslogConfig  `mapstructure:"syslog"`
	HTTP   HTTPLogConfig `mapstructure:"http"`
}

// SyslogConfig sends RFC 3164 messages over UDP or TCP
type SyslogConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Protocol string `mapstructure:"protocol"` // udp or tcp
	Address  string `mapstructure:"address"`  // host:port
	Tag      string `mapstructure:"tag"`
	Level    string `mapstructure:"level"` // minimum level shipped
}

// HTTPLogConfig posts batches of JSON log entries to a collector
type HTTPLogConfig struct {
	Enable        bool          `mapstructure:"enable"`
	URL           string        `mapstructure:"url"`
	AuthToken     string        `mapstructure:"auth_token"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Level         string        `mapstructure:"level"`
}

// legacyEnv maps config keys to environment names used by earlier deployments
var legacyEnv = map[string]string{
	"s3.endpoint":               "S3_ENDPOINT_URL",
	"s3.region":                 "S3_REGION",
	"s3.access_key":             "S3_ACCESS_KEY_ID",
	"s3.secret_key":             "S3_SECRET_ACCESS_KEY",
	"s3.force_path_style":       "S3_FORCE_PATH_STYLE",
	"s3.allowed_buckets":        "S3_ALLOWED_BUCKETS",
	"auth.google.client_id":     "GOOGLE_CLIENT_ID",
	"auth.google.client_secret": "GOOGLE_CLIENT_SECRET",
	"auth.trusted_origins":      "BETTER_AUTH_TRUSTED_ORIGINS",
}

// envKeys have no default, so AutomaticEnv alone would not surface them on Unmarshal
var envKeys = []string{
	"data_dir",
	"cert_file",
	"key_file",
	"auth.jwt_secret",
	"auth.google.redirect_url",
	"auth.ldap.host",
	"auth.ldap.bind_dn",
	"auth.ldap.bind_password",
	"auth.ldap.base_dn",
	"logging.syslog.address",
	"logging.http.url",
	"logging.http.auth_token",
}

// Load loads configuration from various sources
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Comma separated lists arrive as a single element from env vars
	cfg.S3.AllowedBuckets = splitList(cfg.S3.AllowedBuckets)
	cfg.Auth.TrustedOrigins = splitList(cfg.Auth.TrustedOrigins)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":3000")
	// NO default for data_dir - must be explicitly configured
	v.SetDefault("log_level", "info")
	v.SetDefault("public_url", "http://localhost:3000")
	v.SetDefault("web_root", "")

	v.SetDefault("enable_tls", false)

	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.force_path_style", false)
	v.SetDefault("s3.presign_expiry", time.Hour)
	v.SetDefault("s3.preview_max_bytes", 1<<20)

	v.SetDefault("upload.max_bytes", int64(5)<<30)

	v.SetDefault("auth.enable_auth", true)
	v.SetDefault("auth.allow_signup", true)
	v.SetDefault("auth.session_ttl", 7*24*time.Hour)
	v.SetDefault("auth.session_update_age", 24*time.Hour)
	v.SetDefault("auth.cookie_cache_ttl", 5*time.Minute)
	v.SetDefault("auth.secure_cookies", false)
	v.SetDefault("auth.login_max_attempts", 5)
	v.SetDefault("auth.login_window", time.Minute)

	v.SetDefault("auth.ldap.enable", false)
	v.SetDefault("auth.ldap.port", 389)
	v.SetDefault("auth.ldap.security", "none")
	v.SetDefault("auth.ldap.user_filter", "(objectClass=person)")
	v.SetDefault("auth.ldap.attr_username", "uid")
	v.SetDefault("auth.ldap.attr_email", "mail")
	v.SetDefault("auth.ldap.attr_display_name", "displayName")

	v.SetDefault("audit.enable", true)
	v.SetDefault("audit.retention_days", 90)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.interval", 15)

	v.SetDefault("logging.syslog.enable", false)
	v.SetDefault("logging.syslog.protocol", "udp")
	v.SetDefault("logging.syslog.tag", "s3desk")
	v.SetDefault("logging.syslog.level", "info")
	v.SetDefault("logging.http.enable", false)
	v.SetDefault("logging.http.batch_size", 100)
	v.SetDefault("logging.http.flush_interval", 5*time.Second)
	v.SetDefault("logging.http.level", "info")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":     "listen",
		"data-dir":   "data_dir",
		"log-level":  "log_level",
		"public-url": "public_url",
		"web-root":   "web_root",
		"enable-tls": "enable_tls",
		"cert-file":  "cert_file",
		"key-file":   "key_file",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix("S3DESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}

	for key, legacy := range legacyEnv {
		envName := "S3DESK_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envName, legacy); err != nil {
			return err
		}
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or S3DESK_DATA_DIR environment variable")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if !filepath.IsAbs(cfg.DataDir) {
		if abs, err := filepath.Abs(cfg.DataDir); err == nil {
			cfg.DataDir = abs
		}
	}

	if cfg.EnableTLS {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return fmt.Errorf("TLS enabled but cert-file or key-file not specified")
		}
	}

	if _, err := url.Parse(cfg.PublicURL); err != nil {
		return fmt.Errorf("invalid public_url: %w", err)
	}
	cfg.PublicURL = strings.TrimSuffix(cfg.PublicURL, "/")

	if cfg.S3.PresignExpiry <= 0 {
		return fmt.Errorf("s3.presign_expiry must be positive")
	}
	// S3 rejects presigned URLs valid for longer than 7 days
	if cfg.S3.PresignExpiry > 7*24*time.Hour {
		return fmt.Errorf("s3.presign_expiry must not exceed 168h")
	}

	if cfg.Auth.EnableAuth && cfg.Auth.JWTSecret == "" {
		secret, err := generateSecret(32)
		if err != nil {
			return fmt.Errorf("failed to generate jwt secret: %w", err)
		}
		cfg.Auth.JWTSecret = secret
		logrus.Warn("No auth.jwt_secret configured, generated an ephemeral one; sessions will not survive restarts")
	}

	if cfg.Auth.Google.Enabled() && cfg.Auth.Google.RedirectURL == "" {
		cfg.Auth.Google.RedirectURL = cfg.PublicURL + "/api/auth/callback/google"
	}

	if cfg.Auth.LDAP.Enable && cfg.Auth.LDAP.Host == "" {
		return fmt.Errorf("auth.ldap.host is required when LDAP is enabled")
	}

	if cfg.Logging.Syslog.Enable {
		if cfg.Logging.Syslog.Address == "" {
			return fmt.Errorf("logging.syslog.address is required when syslog output is enabled")
		}
		if p := cfg.Logging.Syslog.Protocol; p != "udp" && p != "tcp" {
			return fmt.Errorf("logging.syslog.protocol must be udp or tcp, got %q", p)
		}
	}
	if cfg.Logging.HTTP.Enable && cfg.Logging.HTTP.URL == "" {
		return fmt.Errorf("logging.http.url is required when HTTP output is enabled")
	}

	return nil
}

// DBPath returns the SQLite database location under the data directory
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "db", "s3desk.db")
}

// splitList flattens comma separated entries and drops blanks
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func generateSecret(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
