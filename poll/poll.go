// Package poll runs scan passes over every active user's tracked threads.
package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"forum-notifier/dedup"
	"forum-notifier/pkg/notifier"
	"forum-notifier/render"
	"forum-notifier/scraper"
)

// Defaults applied when Options leaves a field at zero.
const (
	DefaultWindow      = 3
	DefaultRetention   = 5000
	DefaultConcurrency = 1
)

// ErrPassInProgress is returned by CheckAll when another pass is still running.
var ErrPassInProgress = errors.New("scan pass already in progress")

// Fetcher retrieves thread pages.
type Fetcher interface {
	LastPage(ctx context.Context, threadURL string) scraper.LastPage
	FetchPage(ctx context.Context, threadURL string, page int) (*notifier.RawPage, error)
}

// Extractor turns one page of HTML into canonical messages.
type Extractor interface {
	Extract(r io.Reader) ([]notifier.Message, error)
}

// Store is the persistence needed for a scan pass.
type Store interface {
	dedup.Store
	ListActiveUsers(ctx context.Context) ([]notifier.User, error)
	ListActiveThreads(ctx context.Context, userID int64) ([]notifier.ThreadTarget, error)
	PruneOldest(ctx context.Context, userID, threadID int64, keep int) (int, error)
}

// Emailer delivers a batch to one recipient.
type Emailer interface {
	SendBatch(ctx context.Context, to string, batch *notifier.Batch) error
}

// Options tunes a Monitor.
type Options struct {
	Window      int // Trailing pages scanned per thread
	Retention   int // Seen records kept per (user, thread)
	Concurrency int // Users scanned in parallel
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	return o
}

// Monitor handles thread polling logic.
type Monitor struct {
	fetcher   Fetcher
	extractor Extractor
	store     Store
	engine    *dedup.Engine
	emailer   Emailer
	logger    *slog.Logger
	opts      Options
	running   sync.Mutex
}

// New creates a new poll monitor.
func New(fetcher Fetcher, extractor Extractor, store Store, emailer Emailer, logger *slog.Logger, opts Options) *Monitor {
	return &Monitor{
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		engine:    dedup.NewEngine(store, logger),
		emailer:   emailer,
		logger:    logger,
		opts:      opts.withDefaults(),
	}
}

// PageWindow returns the pages to scan, ascending: the last window pages ending at last.
func PageWindow(last, window int) []int {
	if last < 1 {
		last = 1
	}
	if window < 1 {
		window = 1
	}
	first := max(1, last-window+1)
	pages := make([]int, 0, last-first+1)
	for p := first; p <= last; p++ {
		pages = append(pages, p)
	}
	return pages
}

// passStats counts outcomes across the workers of one pass.
type passStats struct {
	users, threads, failed, batches, delivered atomic.Int64
}

// CheckAll runs one scan pass over every active user and delivers what is new.
// Per-thread and delivery failures are logged and do not stop the pass.
func (m *Monitor) CheckAll(ctx context.Context) error {
	if !m.running.TryLock() {
		return ErrPassInProgress
	}
	defer m.running.Unlock()

	start := time.Now()
	users, err := m.store.ListActiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("list active users: %w", err)
	}

	m.logger.Info("Starting scan pass",
		"users", len(users),
		"concurrency", m.opts.Concurrency,
		"window", m.opts.Window)

	var stats passStats
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for _, user := range users {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return m.checkUser(gctx, user, &stats)
		})
	}
	err = g.Wait()

	m.logger.Info("Scan pass completed",
		"users", stats.users.Load(),
		"threads", stats.threads.Load(),
		"failed", stats.failed.Load(),
		"batches", stats.batches.Load(),
		"delivered", stats.delivered.Load(),
		"duration_ms", time.Since(start).Milliseconds())

	if err != nil {
		return err
	}
	return ctx.Err()
}

// checkUser scans one user's threads in order. Only cancellation is returned as an error.
func (m *Monitor) checkUser(ctx context.Context, user notifier.User, stats *passStats) error {
	stats.users.Add(1)

	threads, err := m.store.ListActiveThreads(ctx, user.ID)
	if err != nil {
		m.logger.Warn("Listing threads failed", "user_id", user.ID, "error", err)
		return nil
	}
	if len(threads) == 0 {
		m.logger.Info("No active threads", "user_id", user.ID)
		return nil
	}

	for _, thread := range threads {
		if err := ctx.Err(); err != nil {
			m.logger.Info("Context cancelled, stopping user scan", "user_id", user.ID, "error", err)
			return err
		}
		stats.threads.Add(1)

		batch, err := m.ScanThread(ctx, user, thread)
		if err != nil {
			stats.failed.Add(1)
			m.logger.Warn("Thread scan failed",
				"user_id", user.ID,
				"thread_id", thread.ID,
				"error", err)
			continue
		}
		if batch == nil {
			continue
		}

		stats.batches.Add(1)
		if err := m.emailer.SendBatch(ctx, user.Email, batch); err != nil {
			// Fingerprints stay recorded; this batch is lost
			m.logger.Error("Delivery failed",
				"user_id", user.ID,
				"thread_id", thread.ID,
				"messages", len(batch.Messages),
				"error", err)
			continue
		}
		stats.delivered.Add(1)
	}
	return nil
}

// ScanThread scans the trailing page window of one thread for one user.
// It returns nil when nothing is new, and a Failure batch when the last page
// cannot be determined. Errors are persistence failures for this thread only.
func (m *Monitor) ScanThread(ctx context.Context, user notifier.User, thread notifier.ThreadTarget) (*notifier.Batch, error) {
	start := time.Now()

	last := m.fetcher.LastPage(ctx, thread.URL)
	if !last.Confirmed {
		m.logger.Warn("Could not resolve last page",
			"user_id", user.ID,
			"thread_id", thread.ID,
			"url", thread.URL)
		return &notifier.Batch{
			ThreadTitle: thread.Title,
			ThreadURL:   thread.URL,
			Messages:    []string{render.Failure(thread.Title)},
			Failure:     true,
		}, nil
	}

	var messages []notifier.Message
	for _, pageNum := range PageWindow(last.Number, m.opts.Window) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := m.fetcher.FetchPage(ctx, thread.URL, pageNum)
		if err != nil {
			m.logger.Warn("Page fetch failed",
				"thread_id", thread.ID,
				"page", pageNum,
				"error", err)
			continue
		}

		found, err := m.extractor.Extract(strings.NewReader(page.HTML))
		if err != nil {
			m.logger.Warn("Page parse failed",
				"thread_id", thread.ID,
				"page", pageNum,
				"error", err)
			continue
		}
		messages = append(messages, found...)
	}

	fresh, err := m.engine.Apply(ctx, user.ID, thread.ID, messages)
	if err != nil {
		return nil, fmt.Errorf("deduplicate thread %d: %w", thread.ID, err)
	}

	if len(fresh) == 0 {
		m.logger.Info("No new messages",
			"user_id", user.ID,
			"thread_id", thread.ID,
			"last_page", last.Number,
			"scanned", len(messages),
			"duration_ms", time.Since(start).Milliseconds())
		return nil, nil
	}

	// New fingerprints are already recorded, so the batch goes out even if pruning fails
	removed, err := m.store.PruneOldest(ctx, user.ID, thread.ID, m.opts.Retention)
	if err != nil {
		m.logger.Warn("Pruning seen history failed",
			"user_id", user.ID,
			"thread_id", thread.ID,
			"error", err)
	} else if removed > 0 {
		m.logger.Info("Pruned seen history",
			"user_id", user.ID,
			"thread_id", thread.ID,
			"removed", removed)
	}

	batch := &notifier.Batch{
		ThreadTitle: thread.Title,
		ThreadURL:   thread.URL,
		Messages:    make([]string, 0, len(fresh)),
	}
	for _, c := range fresh {
		batch.Messages = append(batch.Messages, render.Message(c.Message, thread.Colors))
	}

	m.logger.Info("New messages detected",
		"user_id", user.ID,
		"thread_id", thread.ID,
		"count", len(fresh),
		"last_page", last.Number,
		"duration_ms", time.Since(start).Milliseconds())

	return batch, nil
}
