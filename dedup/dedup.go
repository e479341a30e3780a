// Package dedup fingerprints canonical messages and filters out ones already delivered.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"forum-notifier/pkg/notifier"
)

const (
	fieldSep = "\x1f"
	blockSep = "\x1e"
)

// Fingerprint returns the lowercase hex SHA-256 of a message's block content.
// Only kinds, authors, titles and text are hashed; display colours never are.
func Fingerprint(msg notifier.Message) string {
	h := sha256.New()
	for _, b := range msg.Blocks {
		h.Write([]byte(string(b.Kind)))
		h.Write([]byte(fieldSep))
		h.Write([]byte(b.Author))
		h.Write([]byte(fieldSep))
		h.Write([]byte(b.Title))
		h.Write([]byte(fieldSep))
		h.Write([]byte(b.Text))
		h.Write([]byte(blockSep))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Candidate is a message paired with its fingerprint.
type Candidate struct {
	Fingerprint string
	Message     notifier.Message
}

// FilterNew returns the messages whose fingerprints are not in seen, in input order.
// A fingerprint is kept at most once per call. seen is not modified.
func FilterNew(messages []notifier.Message, seen map[string]struct{}) []Candidate {
	kept := make(map[string]struct{})
	var out []Candidate

	for _, msg := range messages {
		fp := Fingerprint(msg)
		if _, ok := seen[fp]; ok {
			continue
		}
		if _, ok := kept[fp]; ok {
			continue
		}
		kept[fp] = struct{}{}
		out = append(out, Candidate{Fingerprint: fp, Message: msg})
	}

	return out
}

// Store is the persistence needed for deduplication.
type Store interface {
	SeenFingerprints(ctx context.Context, userID, threadID int64) (map[string]struct{}, error)
	// RecordSeenBatch stores every record or none of them.
	RecordSeenBatch(ctx context.Context, recs []notifier.SeenRecord) error
}

// Engine filters messages against persisted state and records what it lets through.
type Engine struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a deduplication engine.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Apply returns the new messages for a (user, thread) pair and records their
// fingerprints. On error nothing is recorded, so a later pass sees the same messages.
func (e *Engine) Apply(ctx context.Context, userID, threadID int64, messages []notifier.Message) ([]Candidate, error) {
	seen, err := e.store.SeenFingerprints(ctx, userID, threadID)
	if err != nil {
		return nil, fmt.Errorf("load seen fingerprints: %w", err)
	}

	fresh := FilterNew(messages, seen)

	e.logger.Info("Deduplicated messages",
		"user_id", userID,
		"thread_id", threadID,
		"candidates", len(messages),
		"previously_seen", len(seen),
		"new", len(fresh))

	if len(fresh) == 0 {
		return nil, nil
	}

	now := e.now().UTC()
	recs := make([]notifier.SeenRecord, 0, len(fresh))
	for i, c := range fresh {
		recs = append(recs, notifier.SeenRecord{
			UserID:      userID,
			ThreadID:    threadID,
			Fingerprint: c.Fingerprint,
			// Keep records of one batch strictly ordered so pruning is stable
			SeenAt: now.Add(time.Duration(i) * time.Microsecond),
		})
	}
	if err := e.store.RecordSeenBatch(ctx, recs); err != nil {
		return nil, fmt.Errorf("record %d fingerprints: %w", len(recs), err)
	}

	return fresh, nil
}
