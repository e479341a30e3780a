package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver

	"forum-notifier/pkg/notifier"
)

// Supported SQL drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 5 * time.Minute
	defaultPingTimeout     = 5 * time.Second
)

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000Z"

//go:embed schema/*.sql
var schemaFS embed.FS

// SQLStore keeps users, threads and seen fingerprints in a SQL database.
type SQLStore struct {
	db     *sqlx.DB
	logger *slog.Logger
	driver string
}

// OpenSQL connects to the database and applies the schema.
func OpenSQL(ctx context.Context, driver, dsn string, logger *slog.Logger) (*SQLStore, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite allows one writer; a single connection also keeps the pragmas below in effect
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(defaultMaxOpenConns)
		db.SetMaxIdleConns(defaultMaxIdleConns)
		db.SetConnMaxLifetime(defaultConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{db: db, logger: logger, driver: driver}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("SQL store ready", "driver", driver)
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if s.driver == DriverSQLite {
		for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
			if _, err := s.db.ExecContext(ctx, pragma); err != nil {
				return fmt.Errorf("apply %q: %w", pragma, err)
			}
		}
	}

	schema, err := schemaFS.ReadFile("schema/" + s.driver + ".sql")
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	for _, stmt := range strings.Split(string(schema), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// ListActiveUsers returns users whose status is active, ordered by ID.
func (s *SQLStore) ListActiveUsers(ctx context.Context) ([]notifier.User, error) {
	var users []notifier.User
	query := s.db.Rebind(`SELECT id, email, status FROM users WHERE status = ? ORDER BY id`)
	if err := s.db.SelectContext(ctx, &users, query, notifier.StatusActive); err != nil {
		return nil, fmt.Errorf("select active users: %w", err)
	}
	return users, nil
}

// threadRow mirrors the threads table, whose colour columns may be NULL.
type threadRow struct {
	Title        string         `db:"title"`
	URL          string         `db:"url"`
	ColorMessage sql.NullString `db:"color_message"`
	ColorQuote   sql.NullString `db:"color_quote"`
	ColorSpoiler sql.NullString `db:"color_spoiler"`
	ID           int64          `db:"id"`
	UserID       int64          `db:"user_id"`
	Paused       bool           `db:"paused"`
}

func (r threadRow) target() notifier.ThreadTarget {
	return notifier.ThreadTarget{
		ID:     r.ID,
		UserID: r.UserID,
		Title:  r.Title,
		URL:    r.URL,
		Paused: r.Paused,
		Colors: notifier.Colors{
			Message: r.ColorMessage.String,
			Quote:   r.ColorQuote.String,
			Spoiler: r.ColorSpoiler.String,
		},
	}
}

// ListActiveThreads returns the user's threads that are not paused, ordered by ID.
func (s *SQLStore) ListActiveThreads(ctx context.Context, userID int64) ([]notifier.ThreadTarget, error) {
	var rows []threadRow
	query := s.db.Rebind(`SELECT id, user_id, title, url, color_message, color_quote, color_spoiler, paused
		FROM threads WHERE user_id = ? AND paused = ? ORDER BY id`)
	if err := s.db.SelectContext(ctx, &rows, query, userID, false); err != nil {
		return nil, fmt.Errorf("select threads for user %d: %w", userID, err)
	}

	threads := make([]notifier.ThreadTarget, 0, len(rows))
	for _, r := range rows {
		threads = append(threads, r.target())
	}
	return threads, nil
}

// SeenFingerprints returns every fingerprint recorded for a (user, thread) pair.
func (s *SQLStore) SeenFingerprints(ctx context.Context, userID, threadID int64) (map[string]struct{}, error) {
	var hashes []string
	query := s.db.Rebind(`SELECT message_hash FROM sent_messages WHERE user_id = ? AND thread_id = ?`)
	if err := s.db.SelectContext(ctx, &hashes, query, userID, threadID); err != nil {
		return nil, fmt.Errorf("select seen fingerprints: %w", err)
	}

	seen := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		seen[h] = struct{}{}
	}
	return seen, nil
}

// RecordSeenBatch stores fingerprints in one transaction: either every record
// is kept or none is. Recording an existing fingerprint is a no-op.
func (s *SQLStore) RecordSeenBatch(ctx context.Context, recs []notifier.SeenRecord) (err error) {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.Warn("Failed to roll back seen fingerprints", "error", rbErr)
			}
		}
	}()

	query := tx.Rebind(`INSERT INTO sent_messages (user_id, thread_id, message_hash, sent_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, thread_id, message_hash) DO NOTHING`)
	for _, rec := range recs {
		if _, err = tx.ExecContext(ctx, query, rec.UserID, rec.ThreadID, rec.Fingerprint, rec.SeenAt.UTC().Format(timeLayout)); err != nil {
			return fmt.Errorf("insert seen fingerprint: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit seen fingerprints: %w", err)
	}
	return nil
}

// PruneOldest deletes all but the keep most recent records for a (user, thread) pair.
func (s *SQLStore) PruneOldest(ctx context.Context, userID, threadID int64, keep int) (int, error) {
	query := s.db.Rebind(`DELETE FROM sent_messages
		WHERE user_id = ? AND thread_id = ? AND id NOT IN (
			SELECT id FROM sent_messages
			WHERE user_id = ? AND thread_id = ?
			ORDER BY sent_at DESC, id DESC
			LIMIT ?
		)`)
	result, err := s.db.ExecContext(ctx, query, userID, threadID, userID, threadID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune seen fingerprints: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// CountSeen returns how many fingerprints are stored for a (user, thread) pair.
func (s *SQLStore) CountSeen(ctx context.Context, userID, threadID int64) (int, error) {
	var n int
	query := s.db.Rebind(`SELECT COUNT(*) FROM sent_messages WHERE user_id = ? AND thread_id = ?`)
	if err := s.db.GetContext(ctx, &n, query, userID, threadID); err != nil {
		return 0, fmt.Errorf("count seen fingerprints: %w", err)
	}
	return n, nil
}

// CreateUser inserts a user and returns its ID.
func (s *SQLStore) CreateUser(ctx context.Context, email, status string) (int64, error) {
	if status == "" {
		status = notifier.StatusActive
	}

	var id int64
	query := s.db.Rebind(`INSERT INTO users (email, status) VALUES (?, ?) RETURNING id`)
	if err := s.db.GetContext(ctx, &id, query, email, status); err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

// CreateThread inserts a tracked thread for an existing user and returns its ID.
func (s *SQLStore) CreateThread(ctx context.Context, t notifier.ThreadTarget) (int64, error) {
	var id int64
	query := s.db.Rebind(`INSERT INTO threads (user_id, title, url, color_message, color_quote, color_spoiler, paused)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	err := s.db.GetContext(ctx, &id, query,
		t.UserID, t.Title, t.URL,
		nullString(t.Colors.Message), nullString(t.Colors.Quote), nullString(t.Colors.Spoiler),
		t.Paused)
	if err != nil {
		return 0, fmt.Errorf("insert thread: %w", err)
	}
	return id, nil
}

// SetThreadPaused pauses or resumes one of the user's threads.
func (s *SQLStore) SetThreadPaused(ctx context.Context, userID, threadID int64, paused bool) error {
	query := s.db.Rebind(`UPDATE threads SET paused = ? WHERE id = ? AND user_id = ?`)
	return s.execOne(ctx, "update thread", query, paused, threadID, userID)
}

// RenameThread changes the title used in the thread's email subjects.
func (s *SQLStore) RenameThread(ctx context.Context, userID, threadID int64, title string) error {
	query := s.db.Rebind(`UPDATE threads SET title = ? WHERE id = ? AND user_id = ?`)
	return s.execOne(ctx, "rename thread", query, title, threadID, userID)
}

// RemoveThread deletes one of the user's threads together with its seen fingerprints.
func (s *SQLStore) RemoveThread(ctx context.Context, userID, threadID int64) error {
	query := s.db.Rebind(`DELETE FROM threads WHERE id = ? AND user_id = ?`)
	return s.execOne(ctx, "delete thread", query, threadID, userID)
}

// SetUserStatus changes a user's status. Users that are not active are skipped by scans.
func (s *SQLStore) SetUserStatus(ctx context.Context, userID int64, status string) error {
	query := s.db.Rebind(`UPDATE users SET status = ? WHERE id = ?`)
	return s.execOne(ctx, "update user", query, status, userID)
}

// execOne runs a statement that must affect exactly one row.
func (s *SQLStore) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
