package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"forum-notifier/pkg/notifier"
	fstorage "forum-notifier/storage"
)

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Create users and their tracked threads from a YAML file",
	Long: "import reads users and threads from a YAML file. With a SQL database new rows are created and\n" +
		"IDs are assigned by the database. With document storage each user document is created or\n" +
		"replaced under the IDs given in the file, keeping the seen history of threads that remain.",
	Args: cobra.ExactArgs(1),
	RunE: importAction,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

// importFile is the YAML layout accepted by the import command.
type importFile struct {
	Users []importUser `yaml:"users"`
}

type importUser struct {
	Email   string         `yaml:"email"`
	Status  string         `yaml:"status"`
	Threads []importThread `yaml:"threads"`
	ID      int64          `yaml:"id"`
}

type importThread struct {
	Title  string       `yaml:"title"`
	URL    string       `yaml:"url"`
	Colors importColors `yaml:"colors"`
	ID     int64        `yaml:"id"`
	Paused bool         `yaml:"paused"`
}

type importColors struct {
	Message string `yaml:"message"`
	Quote   string `yaml:"quote"`
	Spoiler string `yaml:"spoiler"`
}

func readImportFile(path string) (*importFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read import file: %w", err)
	}

	var f importFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse import file: %w", err)
	}

	for i, u := range f.Users {
		if u.Email == "" {
			return nil, fmt.Errorf("user %d: email is required", i+1)
		}
		if u.Status == "" {
			f.Users[i].Status = notifier.StatusActive
		}
		for j, t := range u.Threads {
			if t.URL == "" {
				return nil, fmt.Errorf("user %s thread %d: url is required", u.Email, j+1)
			}
		}
	}
	return &f, nil
}

func (t importThread) target(userID int64) notifier.ThreadTarget {
	return notifier.ThreadTarget{
		ID:     t.ID,
		UserID: userID,
		Title:  t.Title,
		URL:    t.URL,
		Colors: notifier.Colors(t.Colors),
		Paused: t.Paused,
	}
}

func importAction(cmd *cobra.Command, args []string) error {
	f, err := readImportFile(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	return a.importUsers(ctx, f)
}

func (a *app) importUsers(ctx context.Context, f *importFile) error {
	if a.sql != nil {
		return a.importSQL(ctx, f)
	}

	docs, ok := a.store.(*fstorage.DocumentStore)
	if !ok {
		return fmt.Errorf("import not supported for %T", a.store)
	}
	for _, u := range f.Users {
		if u.ID <= 0 {
			return fmt.Errorf("user %s: document storage needs an explicit positive id", u.Email)
		}
		threads := make([]notifier.ThreadTarget, 0, len(u.Threads))
		for _, t := range u.Threads {
			if t.ID <= 0 {
				return fmt.Errorf("user %s thread %s: document storage needs an explicit positive id", u.Email, t.URL)
			}
			threads = append(threads, t.target(u.ID))
		}

		user := notifier.User{ID: u.ID, Email: u.Email, Status: u.Status}
		if err := docs.SaveUser(ctx, user, threads); err != nil {
			return fmt.Errorf("save user %s: %w", u.Email, err)
		}
		a.logger.Info("User imported", "user_id", u.ID, "threads", len(threads))
	}
	return nil
}

func (a *app) importSQL(ctx context.Context, f *importFile) error {
	for _, u := range f.Users {
		userID, err := a.sql.CreateUser(ctx, u.Email, u.Status)
		if err != nil {
			return fmt.Errorf("import user %s: %w", u.Email, err)
		}

		var errs []error
		for _, t := range u.Threads {
			if _, err := a.sql.CreateThread(ctx, t.target(userID)); err != nil {
				errs = append(errs, fmt.Errorf("import thread %s: %w", t.URL, err))
			}
		}
		if err := errors.Join(errs...); err != nil {
			return err
		}
		a.logger.Info("User imported", "user_id", userID, "threads", len(u.Threads))
	}
	return nil
}
