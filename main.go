// Package main runs the forum notifier: it scans the forum threads each user
// tracks and emails them the messages they have not been sent yet.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"forum-notifier/config"
	"forum-notifier/pkg/notifier"
	"forum-notifier/poll"
	"forum-notifier/server"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "forum-notifier",
	Short:         "Email users the new messages in the forum threads they track",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one scan pass over all active users and exit",
	Args:  cobra.NoArgs,
	RunE:  runAction,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve /health and /pollz, and run scheduled passes when a schedule is configured",
	Args:  cobra.NoArgs,
	RunE:  serveAction,
}

var (
	userStatus string

	threadUserID int64
	threadTitle  string
	threadColors notifier.Colors
	threadPaused bool
)

var addUserCmd = &cobra.Command{
	Use:   "add-user EMAIL",
	Short: "Create a user in the SQL database",
	Args:  cobra.ExactArgs(1),
	RunE:  addUserAction,
}

var addThreadCmd = &cobra.Command{
	Use:   "add-thread URL",
	Short: "Track a thread for an existing user in the SQL database",
	Args:  cobra.ExactArgs(1),
	RunE:  addThreadAction,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	addUserCmd.Flags().StringVar(&userStatus, "status", notifier.StatusActive, "user status")

	addThreadCmd.Flags().Int64Var(&threadUserID, "user", 0, "owning user ID")
	addThreadCmd.Flags().StringVar(&threadTitle, "title", "", "thread title used in email subjects")
	addThreadCmd.Flags().StringVar(&threadColors.Message, "message-color", "", "background colour of message bodies")
	addThreadCmd.Flags().StringVar(&threadColors.Quote, "quote-color", "", "background colour of quotes")
	addThreadCmd.Flags().StringVar(&threadColors.Spoiler, "spoiler-color", "", "background colour of spoilers")
	addThreadCmd.Flags().BoolVar(&threadPaused, "paused", false, "create the thread paused")
	_ = addThreadCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(runCmd, serveCmd, addUserCmd, addThreadCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// setup loads configuration and wires the application.
func setup(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg, cmd.OutOrStdout())
	if err != nil {
		return nil, err
	}

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init email provider: %w", err)
	}

	return newApp(ctx, cfg, logger, provider)
}

func runAction(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	startTime := time.Now()
	if err := a.monitor.CheckAll(ctx); err != nil {
		return fmt.Errorf("scan pass: %w", err)
	}
	a.logger.Info("Scan pass finished", "duration_ms", time.Since(startTime).Milliseconds())
	return nil
}

func serveAction(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(a.cfg.Schedule, func() { a.scheduledPass(ctx) }); err != nil {
			return fmt.Errorf("schedule passes: %w", err)
		}
		c.Start()
		defer func() {
			// Wait for a running pass so the store is not closed under it
			<-c.Stop().Done()
		}()
		a.logger.Info("Scheduled scan passes", "schedule", a.cfg.Schedule)
	}

	srv := server.New(&server.Config{
		Poller: a.monitor,
		Logger: a.logger,
	})
	return srv.ServeHTTP(ctx, a.cfg.Port)
}

func (a *app) scheduledPass(ctx context.Context) {
	startTime := time.Now()
	err := a.monitor.CheckAll(ctx)
	switch {
	case errors.Is(err, poll.ErrPassInProgress):
		a.logger.Info("Scheduled pass skipped, previous pass still running")
	case err != nil:
		a.logger.Error("Scheduled pass failed", "error", err, "duration_ms", time.Since(startTime).Milliseconds())
	default:
		a.logger.Info("Scheduled pass finished", "duration_ms", time.Since(startTime).Milliseconds())
	}
}

func addUserAction(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if a.sql == nil {
		return errors.New("add-user requires a SQL database (DB_URL)")
	}
	id, err := a.sql.CreateUser(ctx, args[0], userStatus)
	if err != nil {
		return err
	}
	a.logger.Info("User created", "user_id", id, "email", args[0])
	return nil
}

func addThreadAction(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if a.sql == nil {
		return errors.New("add-thread requires a SQL database (DB_URL)")
	}
	id, err := a.sql.CreateThread(ctx, notifier.ThreadTarget{
		UserID: threadUserID,
		Title:  threadTitle,
		URL:    args[0],
		Colors: threadColors,
		Paused: threadPaused,
	})
	if err != nil {
		return err
	}
	a.logger.Info("Thread created", "thread_id", id, "user_id", threadUserID)
	return nil
}
