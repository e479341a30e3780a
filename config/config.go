// Package config loads process configuration from a YAML file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"forum-notifier/scraper"
)

// Mail provider names.
const (
	ProviderSMTP  = "smtp"
	ProviderGmail = "gmail"
	ProviderBrevo = "brevo"
	ProviderMock  = "mock"
)

// Config holds all application configuration.
type Config struct {
	DatabaseURL   string     `yaml:"database_url"`
	StorageBucket string     `yaml:"storage_bucket"`
	LocalStorage  string     `yaml:"local_storage"`
	Port          string     `yaml:"port"`
	Schedule      string     `yaml:"schedule"`
	LogLevel      string     `yaml:"log_level"`
	Mail          MailConfig `yaml:"mail"`
	Scan          ScanConfig `yaml:"scan"`
}

// MailConfig selects and configures the email provider.
type MailConfig struct {
	Provider              string `yaml:"provider"`
	SMTPHost              string `yaml:"smtp_host"`
	User                  string `yaml:"user"`
	Password              string `yaml:"password"`
	From                  string `yaml:"from"`
	FromName              string `yaml:"from_name"`
	BrevoAPIKey           string `yaml:"brevo_api_key"`
	GoogleCredentialsJSON string `yaml:"google_credentials_json"`
	SMTPPort              int    `yaml:"smtp_port"`
}

// ScanConfig tunes scan passes.
type ScanConfig struct {
	Boilerplate     []string `yaml:"boilerplate"`
	Window          int      `yaml:"window"`
	Retention       int      `yaml:"retention"`
	Concurrency     int      `yaml:"concurrency"`
	HTTPTimeoutSecs int      `yaml:"http_timeout_secs"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		Port:     "8080",
		LogLevel: "info",
		Mail: MailConfig{
			Provider: ProviderSMTP,
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
			FromName: "Forum Notifier",
		},
		Scan: ScanConfig{
			Boilerplate:     []string{scraper.DefaultBoilerplate},
			Window:          3,
			Retention:       5000,
			Concurrency:     1,
			HTTPTimeoutSecs: 30,
		},
	}
}

// Load builds the configuration: defaults, then the optional YAML file at path,
// then environment variables (including those from a .env file in the working
// directory). The result is validated.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func applyEnvironmentOverrides(cfg *Config) error {
	strs := map[string]*string{
		"DB_URL":                  &cfg.DatabaseURL,
		"STORAGE_BUCKET":          &cfg.StorageBucket,
		"LOCAL_STORAGE":           &cfg.LocalStorage,
		"PORT":                    &cfg.Port,
		"SCHEDULE":                &cfg.Schedule,
		"LOG_LEVEL":               &cfg.LogLevel,
		"MAIL_PROVIDER":           &cfg.Mail.Provider,
		"SMTP_HOST":               &cfg.Mail.SMTPHost,
		"MAIL_USER":               &cfg.Mail.User,
		"MAIL_PASS":               &cfg.Mail.Password,
		"MAIL_FROM":               &cfg.Mail.From,
		"BREVO_API_KEY":           &cfg.Mail.BrevoAPIKey,
		"GOOGLE_CREDENTIALS_JSON": &cfg.Mail.GoogleCredentialsJSON,
	}
	for name, dst := range strs {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SMTP_PORT":   &cfg.Mail.SMTPPort,
		"SCAN_WINDOW": &cfg.Scan.Window,
		"RETENTION":   &cfg.Scan.Retention,
		"CONCURRENCY": &cfg.Scan.Concurrency,
	}
	for name, dst := range ints {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", name, v)
		}
		*dst = n
	}
	return nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.DatabaseURL != "" {
		if _, _, err := ParseDatabaseURL(c.DatabaseURL); err != nil {
			return err
		}
	} else if c.StorageBucket == "" && c.LocalStorage == "" {
		return errors.New("one of database_url (DB_URL), storage_bucket or local_storage is required")
	}

	switch c.Mail.Provider {
	case ProviderSMTP:
		if c.Mail.SMTPHost == "" {
			return errors.New("mail.smtp_host is required for the smtp provider")
		}
		if c.Mail.SMTPPort <= 0 || c.Mail.SMTPPort > 65535 {
			return fmt.Errorf("mail.smtp_port out of range: %d", c.Mail.SMTPPort)
		}
		if c.Mail.User == "" && c.Mail.From == "" {
			return errors.New("mail.user (MAIL_USER) or mail.from is required for the smtp provider")
		}
	case ProviderBrevo:
		if c.Mail.BrevoAPIKey == "" || c.Mail.From == "" {
			return errors.New("mail.brevo_api_key and mail.from are required for the brevo provider")
		}
	case ProviderGmail, ProviderMock:
	default:
		return fmt.Errorf("unknown mail provider %q", c.Mail.Provider)
	}

	if c.Scan.Window < 1 {
		return fmt.Errorf("scan.window must be at least 1, got %d", c.Scan.Window)
	}
	if c.Scan.Retention < 1 {
		return fmt.Errorf("scan.retention must be at least 1, got %d", c.Scan.Retention)
	}
	if c.Scan.Concurrency < 1 {
		return fmt.Errorf("scan.concurrency must be at least 1, got %d", c.Scan.Concurrency)
	}
	if c.Scan.HTTPTimeoutSecs < 1 {
		return fmt.Errorf("scan.http_timeout_secs must be at least 1, got %d", c.Scan.HTTPTimeoutSecs)
	}

	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
		}
	}

	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel converts LogLevel to a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// ParseDatabaseURL maps a database URL to a driver name and DSN.
// postgres:// and postgresql:// URLs (optionally with a jdbc: prefix) use the
// postgres driver; sqlite:// URLs, file: URIs and bare paths use sqlite.
func ParseDatabaseURL(raw string) (driver, dsn string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", errors.New("empty database URL")
	}

	u := strings.TrimPrefix(raw, "jdbc:")
	lower := strings.ToLower(u)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres", u, nil
	case strings.HasPrefix(lower, "sqlite://"):
		path := u[len("sqlite://"):]
		if path == "" {
			return "", "", fmt.Errorf("database URL %q has no path", raw)
		}
		return "sqlite", path, nil
	case strings.HasPrefix(lower, "file:"):
		return "sqlite", u, nil
	case strings.Contains(u, "://"):
		return "", "", fmt.Errorf("unsupported database URL scheme in %q", raw)
	default:
		return "sqlite", u, nil
	}
}
