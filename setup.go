package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"forum-notifier/config"
	"forum-notifier/email"
	"forum-notifier/poll"
	"forum-notifier/scraper"
	fstorage "forum-notifier/storage"
)

// app holds the wired components for one process.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   poll.Store
	sql     *fstorage.SQLStore // nil when running on the document store
	monitor *poll.Monitor
	closers []func() error
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// newApp builds every component the commands need from the configuration.
// Batches are delivered through provider.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, provider email.Provider) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if err := a.openStore(ctx); err != nil {
		a.close()
		return nil, err
	}

	httpClient := &http.Client{Timeout: time.Duration(cfg.Scan.HTTPTimeoutSecs) * time.Second}
	a.monitor = poll.New(
		scraper.New(httpClient, logger),
		scraper.NewExtractor(cfg.Scan.Boilerplate, logger),
		a.store,
		email.New(provider, logger),
		logger,
		poll.Options{
			Window:      cfg.Scan.Window,
			Retention:   cfg.Scan.Retention,
			Concurrency: cfg.Scan.Concurrency,
		},
	)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	cfg := a.cfg
	if cfg.DatabaseURL != "" {
		driver, dsn, err := config.ParseDatabaseURL(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		db, err := fstorage.OpenSQL(ctx, driver, dsn, a.logger)
		if err != nil {
			return err
		}
		a.logger.Info("Using SQL storage", "driver", driver)
		a.store, a.sql = db, db
		a.closers = append(a.closers, db.Close)
		return nil
	}

	if cfg.LocalStorage != "" {
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
		a.logger.Info("Using local document storage", "storage_path", cfg.LocalStorage)
		a.store = fstorage.NewDocumentStore(nil, "", cfg.LocalStorage, a.logger)
		return nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("init storage client: %w", err)
	}
	a.logger.Info("Using Cloud Storage", "bucket", cfg.StorageBucket)
	a.store = fstorage.NewDocumentStore(client, cfg.StorageBucket, "", a.logger)
	a.closers = append(a.closers, client.Close)
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Failed to close resource", "error", err)
		}
	}
	a.closers = nil
}

func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.Mail.Provider {
	case config.ProviderSMTP:
		logger.Info("Using SMTP email provider", "host", cfg.Mail.SMTPHost, "port", cfg.Mail.SMTPPort)
		return email.NewSMTPProvider(cfg.Mail.SMTPHost, cfg.Mail.SMTPPort, cfg.Mail.User, cfg.Mail.Password, cfg.Mail.From, logger), nil
	case config.ProviderBrevo:
		logger.Info("Using Brevo email provider", "from", cfg.Mail.From)
		return email.NewBrevoProvider(cfg.Mail.BrevoAPIKey, cfg.Mail.From, cfg.Mail.FromName, logger), nil
	case config.ProviderGmail:
		svc, err := initGmailService(ctx, cfg.Mail.GoogleCredentialsJSON)
		if err != nil {
			return nil, err
		}
		logger.Info("Using Gmail API email provider")
		return email.NewGmailProvider(svc, logger), nil
	case config.ProviderMock:
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	default:
		return nil, fmt.Errorf("unknown mail provider %q", cfg.Mail.Provider)
	}
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// On Cloud Run the service account's Application Default Credentials carry the gmail.send scope
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}
