package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"forum-notifier/pkg/notifier"
)

// threadManager changes tracked threads and users after they are created.
// Both SQL and document storage implement it.
type threadManager interface {
	SetThreadPaused(ctx context.Context, userID, threadID int64, paused bool) error
	RenameThread(ctx context.Context, userID, threadID int64, title string) error
	RemoveThread(ctx context.Context, userID, threadID int64) error
	SetUserStatus(ctx context.Context, userID int64, status string) error
}

var ownerID int64

var pauseThreadCmd = &cobra.Command{
	Use:   "pause-thread THREAD_ID",
	Short: "Stop scanning a thread without losing its seen history",
	Args:  cobra.ExactArgs(1),
	RunE: manageAction("Thread paused", func(ctx context.Context, m threadManager, id int64, _ []string) error {
		return m.SetThreadPaused(ctx, ownerID, id, true)
	}),
}

var resumeThreadCmd = &cobra.Command{
	Use:   "resume-thread THREAD_ID",
	Short: "Resume scanning a paused thread",
	Args:  cobra.ExactArgs(1),
	RunE: manageAction("Thread resumed", func(ctx context.Context, m threadManager, id int64, _ []string) error {
		return m.SetThreadPaused(ctx, ownerID, id, false)
	}),
}

var renameThreadCmd = &cobra.Command{
	Use:   "rename-thread THREAD_ID TITLE",
	Short: "Change the title used in a thread's email subjects",
	Args:  cobra.ExactArgs(2),
	RunE: manageAction("Thread renamed", func(ctx context.Context, m threadManager, id int64, args []string) error {
		title := strings.TrimSpace(args[1])
		if title == "" {
			return errors.New("title must not be empty")
		}
		return m.RenameThread(ctx, ownerID, id, title)
	}),
}

var removeThreadCmd = &cobra.Command{
	Use:   "remove-thread THREAD_ID",
	Short: "Stop tracking a thread and forget its seen history",
	Args:  cobra.ExactArgs(1),
	RunE: manageAction("Thread removed", func(ctx context.Context, m threadManager, id int64, _ []string) error {
		return m.RemoveThread(ctx, ownerID, id)
	}),
}

var disableUserCmd = &cobra.Command{
	Use:   "disable-user USER_ID",
	Short: "Stop scanning every thread of a user",
	Args:  cobra.ExactArgs(1),
	RunE: manageAction("User disabled", func(ctx context.Context, m threadManager, id int64, _ []string) error {
		return m.SetUserStatus(ctx, id, notifier.StatusDisabled)
	}),
}

var enableUserCmd = &cobra.Command{
	Use:   "enable-user USER_ID",
	Short: "Resume scanning a disabled user's threads",
	Args:  cobra.ExactArgs(1),
	RunE: manageAction("User enabled", func(ctx context.Context, m threadManager, id int64, _ []string) error {
		return m.SetUserStatus(ctx, id, notifier.StatusActive)
	}),
}

func init() {
	for _, cmd := range []*cobra.Command{pauseThreadCmd, resumeThreadCmd, renameThreadCmd, removeThreadCmd} {
		cmd.Flags().Int64Var(&ownerID, "user", 0, "owning user ID")
		_ = cmd.MarkFlagRequired("user")
	}
	rootCmd.AddCommand(pauseThreadCmd, resumeThreadCmd, renameThreadCmd, removeThreadCmd, disableUserCmd, enableUserCmd)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

// manageAction wires the app for a command and applies one change through its store.
// The first argument is the ID of the thread or user being changed.
func manageAction(done string, apply func(ctx context.Context, m threadManager, id int64, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := setup(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.close()

		m, ok := a.store.(threadManager)
		if !ok {
			return fmt.Errorf("%s not supported for %T", cmd.Name(), a.store)
		}
		if err := apply(ctx, m, id, args); err != nil {
			return fmt.Errorf("%s: %w", cmd.Name(), err)
		}

		if cmd.Flags().Lookup("user") != nil {
			a.logger.Info(done, "user_id", ownerID, "thread_id", id)
		} else {
			a.logger.Info(done, "user_id", id)
		}
		return nil
	}
}
