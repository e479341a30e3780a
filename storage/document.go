// Package storage persists users, tracked threads and delivered message fingerprints.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"forum-notifier/pkg/notifier"
)

const docPrefix = "user-"

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("storage: object doesn't exist")

// userDocument is everything stored for one user.
type userDocument struct {
	User    notifier.User    `json:"user"`
	Threads []threadDocument `json:"threads"`
}

type threadDocument struct {
	Thread notifier.ThreadTarget `json:"thread"`
	Seen   []seenEntry           `json:"seen"`
}

type seenEntry struct {
	SeenAt      time.Time `json:"seen_at"`
	Fingerprint string    `json:"fingerprint"`
}

func (d *userDocument) thread(threadID int64) *threadDocument {
	for i := range d.Threads {
		if d.Threads[i].Thread.ID == threadID {
			return &d.Threads[i]
		}
	}
	return nil
}

func (td *threadDocument) hasSeen(fingerprint string) bool {
	for _, e := range td.Seen {
		if e.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}

// DocumentStore keeps one JSON document per user in Cloud Storage or a local directory.
type DocumentStore struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	mu        sync.Mutex // Serializes read-modify-write of documents
}

// NewDocumentStore creates a document store. When localPath is set, the bucket is ignored.
func NewDocumentStore(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *DocumentStore {
	return &DocumentStore{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// DocumentKey returns the object name holding a user's document.
func DocumentKey(userID int64) string {
	return docPrefix + strconv.FormatInt(userID, 10) + ".json"
}

// IsNotFound checks if an error indicates a missing document.
// Retry error lists are matched by message as well.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || (err != nil && strings.Contains(err.Error(), ErrNotFound.Error()))
}

// SaveUser creates or replaces a user and its threads, keeping seen records of
// threads that still exist.
func (s *DocumentStore) SaveUser(ctx context.Context, user notifier.User, threads []notifier.ThreadTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx, DocumentKey(user.ID))
	if err != nil && !IsNotFound(err) {
		return err
	}

	next := &userDocument{User: user}
	for _, t := range threads {
		t.UserID = user.ID
		td := threadDocument{Thread: t}
		if doc != nil {
			if old := doc.thread(t.ID); old != nil {
				td.Seen = old.Seen
			}
		}
		next.Threads = append(next.Threads, td)
	}

	return s.save(ctx, next)
}

// ListActiveUsers returns users whose status is active, ordered by ID.
// Unreadable documents are logged and skipped.
func (s *DocumentStore) ListActiveUsers(ctx context.Context) ([]notifier.User, error) {
	keys, err := s.listKeys(ctx)
	if err != nil {
		return nil, err
	}

	var users []notifier.User
	for _, key := range keys {
		doc, err := s.load(ctx, key)
		if err != nil {
			s.logger.Warn("Failed to load user document", "key", key, "error", err)
			continue
		}
		if doc.User.Status == notifier.StatusActive {
			users = append(users, doc.User)
		}
	}

	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// ListActiveThreads returns the user's threads that are not paused.
func (s *DocumentStore) ListActiveThreads(ctx context.Context, userID int64) ([]notifier.ThreadTarget, error) {
	doc, err := s.load(ctx, DocumentKey(userID))
	if err != nil {
		return nil, err
	}

	var threads []notifier.ThreadTarget
	for _, td := range doc.Threads {
		if !td.Thread.Paused {
			threads = append(threads, td.Thread)
		}
	}
	return threads, nil
}

// SeenFingerprints returns every fingerprint recorded for a (user, thread) pair.
func (s *DocumentStore) SeenFingerprints(ctx context.Context, userID, threadID int64) (map[string]struct{}, error) {
	doc, err := s.load(ctx, DocumentKey(userID))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	if td := doc.thread(threadID); td != nil {
		for _, e := range td.Seen {
			seen[e.Fingerprint] = struct{}{}
		}
	}
	return seen, nil
}

// RecordSeenBatch stores fingerprints, writing each touched user document once.
// Nothing is written when any record names an unknown thread. Recording an
// existing fingerprint is a no-op.
func (s *DocumentStore) RecordSeenBatch(ctx context.Context, recs []notifier.SeenRecord) error {
	if len(recs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	docs := make(map[int64]*userDocument)
	var order []int64
	for _, rec := range recs {
		doc, ok := docs[rec.UserID]
		if !ok {
			var err error
			if doc, err = s.load(ctx, DocumentKey(rec.UserID)); err != nil {
				return err
			}
			docs[rec.UserID] = doc
			order = append(order, rec.UserID)
		}

		td := doc.thread(rec.ThreadID)
		if td == nil {
			return fmt.Errorf("thread %d not found for user %d", rec.ThreadID, rec.UserID)
		}
		if td.hasSeen(rec.Fingerprint) {
			continue
		}
		td.Seen = append(td.Seen, seenEntry{Fingerprint: rec.Fingerprint, SeenAt: rec.SeenAt.UTC()})
	}

	for _, userID := range order {
		if err := s.save(ctx, docs[userID]); err != nil {
			return err
		}
	}
	return nil
}

// SetThreadPaused pauses or resumes one of the user's threads.
func (s *DocumentStore) SetThreadPaused(ctx context.Context, userID, threadID int64, paused bool) error {
	return s.updateThread(ctx, userID, threadID, func(td *threadDocument) { td.Thread.Paused = paused })
}

// RenameThread changes the title used in the thread's email subjects.
func (s *DocumentStore) RenameThread(ctx context.Context, userID, threadID int64, title string) error {
	return s.updateThread(ctx, userID, threadID, func(td *threadDocument) { td.Thread.Title = title })
}

// RemoveThread deletes one of the user's threads together with its seen fingerprints.
func (s *DocumentStore) RemoveThread(ctx context.Context, userID, threadID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx, DocumentKey(userID))
	if err != nil {
		return err
	}
	for i := range doc.Threads {
		if doc.Threads[i].Thread.ID == threadID {
			doc.Threads = append(doc.Threads[:i], doc.Threads[i+1:]...)
			return s.save(ctx, doc)
		}
	}
	return fmt.Errorf("thread %d of user %d: %w", threadID, userID, ErrNotFound)
}

// SetUserStatus changes a user's status. Users that are not active are skipped by scans.
func (s *DocumentStore) SetUserStatus(ctx context.Context, userID int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx, DocumentKey(userID))
	if err != nil {
		return err
	}
	doc.User.Status = status
	return s.save(ctx, doc)
}

func (s *DocumentStore) updateThread(ctx context.Context, userID, threadID int64, fn func(*threadDocument)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx, DocumentKey(userID))
	if err != nil {
		return err
	}
	td := doc.thread(threadID)
	if td == nil {
		return fmt.Errorf("thread %d of user %d: %w", threadID, userID, ErrNotFound)
	}
	fn(td)
	return s.save(ctx, doc)
}

// PruneOldest deletes all but the keep most recent records for a (user, thread) pair.
func (s *DocumentStore) PruneOldest(ctx context.Context, userID, threadID int64, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx, DocumentKey(userID))
	if err != nil {
		return 0, err
	}
	td := doc.thread(threadID)
	if td == nil || len(td.Seen) <= keep {
		return 0, nil
	}

	sort.SliceStable(td.Seen, func(i, j int) bool { return td.Seen[i].SeenAt.Before(td.Seen[j].SeenAt) })
	removed := len(td.Seen) - keep
	td.Seen = td.Seen[removed:]

	if err := s.save(ctx, doc); err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *DocumentStore) save(ctx context.Context, doc *userDocument) error {
	key := DocumentKey(doc.User.ID)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal user document: %w", err)
	}

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Debug("User document saved to local storage", "path", filePath, "thread_count", len(doc.Threads))
		return nil
	}

	err = s.withRetry(ctx, "save", key, func() error {
		w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
		w.ContentType = "application/json"
		if _, writeErr := w.Write(data); writeErr != nil {
			if closeErr := w.Close(); closeErr != nil {
				s.logger.Warn("Failed to close writer after error", "error", closeErr)
			}
			return fmt.Errorf("write to storage: %w", writeErr)
		}
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("close storage writer: %w", closeErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("User document saved", "key", key, "thread_count", len(doc.Threads))
	return nil
}

func (s *DocumentStore) load(ctx context.Context, key string) (*userDocument, error) {
	var data []byte

	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		err := s.withRetry(ctx, "load", key, func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(fmt.Errorf("%s: %w", key, ErrNotFound))
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
	}

	var doc userDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal user document %s: %w", key, err)
	}
	return &doc, nil
}

func (s *DocumentStore) listKeys(ctx context.Context) ([]string, error) {
	var keys []string

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), docPrefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, entry.Name())
		}
		return keys, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: docPrefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if strings.HasSuffix(attrs.Name, ".json") {
			keys = append(keys, attrs.Name)
		}
	}
	return keys, nil
}

// withRetry runs a Cloud Storage operation with backoff.
func (s *DocumentStore) withRetry(ctx context.Context, op, key string, fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	)
}
