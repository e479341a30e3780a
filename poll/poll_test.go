package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"

	"forum-notifier/pkg/notifier"
	"forum-notifier/scraper"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFetcher serves pages whose HTML is one message per line.
type fakeFetcher struct {
	mu      sync.Mutex
	last    map[string]scraper.LastPage
	pages   map[string]map[int]string
	fail    map[int]error
	fetched []int
}

func (f *fakeFetcher) LastPage(_ context.Context, threadURL string) scraper.LastPage {
	return f.last[threadURL]
}

func (f *fakeFetcher) FetchPage(_ context.Context, threadURL string, page int) (*notifier.RawPage, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, page)
	f.mu.Unlock()
	if err := f.fail[page]; err != nil {
		return nil, err
	}
	return &notifier.RawPage{URL: threadURL, Number: page, HTML: f.pages[threadURL][page]}, nil
}

type lineExtractor struct{}

func (lineExtractor) Extract(r io.Reader) ([]notifier.Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var out []notifier.Message
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		out = append(out, notifier.Message{Blocks: []notifier.Block{{Kind: notifier.KindBody, Text: line}}})
	}
	return out, nil
}

type seenKey struct{ user, thread int64 }

type memStore struct {
	mu        sync.Mutex
	users     []notifier.User
	threads   map[int64][]notifier.ThreadTarget
	seen      map[seenKey][]notifier.SeenRecord
	failSeen   error
	failRecord error
	failPrune  error
	pruned    int
}

func newMemStore() *memStore {
	return &memStore{threads: map[int64][]notifier.ThreadTarget{}, seen: map[seenKey][]notifier.SeenRecord{}}
}

func (s *memStore) ListActiveUsers(context.Context) ([]notifier.User, error) {
	return s.users, nil
}

func (s *memStore) ListActiveThreads(_ context.Context, userID int64) ([]notifier.ThreadTarget, error) {
	return s.threads[userID], nil
}

func (s *memStore) SeenFingerprints(_ context.Context, userID, threadID int64) (map[string]struct{}, error) {
	if s.failSeen != nil {
		return nil, s.failSeen
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]struct{}{}
	for _, r := range s.seen[seenKey{userID, threadID}] {
		out[r.Fingerprint] = struct{}{}
	}
	return out, nil
}

func (s *memStore) RecordSeenBatch(_ context.Context, recs []notifier.SeenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRecord != nil {
		return s.failRecord
	}
	for _, rec := range recs {
		k := seenKey{rec.UserID, rec.ThreadID}
		dup := false
		for _, r := range s.seen[k] {
			if r.Fingerprint == rec.Fingerprint {
				dup = true
				break
			}
		}
		if !dup {
			s.seen[k] = append(s.seen[k], rec)
		}
	}
	return nil
}

func (s *memStore) PruneOldest(_ context.Context, userID, threadID int64, keep int) (int, error) {
	if s.failPrune != nil {
		return 0, s.failPrune
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := seenKey{userID, threadID}
	recs := s.seen[k]
	if len(recs) <= keep {
		return 0, nil
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].SeenAt.Before(recs[j].SeenAt) })
	removed := len(recs) - keep
	s.seen[k] = recs[removed:]
	s.pruned += removed
	return removed, nil
}

type sent struct {
	to    string
	batch *notifier.Batch
}

type fakeEmailer struct {
	mu   sync.Mutex
	sent []sent
	fail map[string]error
}

func (e *fakeEmailer) SendBatch(_ context.Context, to string, batch *notifier.Batch) error {
	if err := e.fail[to]; err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, sent{to: to, batch: batch})
	return nil
}

const threadURL = "https://forum.example/threads/trip.1"

func fixture() (*fakeFetcher, *memStore, *fakeEmailer) {
	f := &fakeFetcher{
		last: map[string]scraper.LastPage{threadURL: {Number: 4, Confirmed: true}},
		pages: map[string]map[int]string{threadURL: {
			1: "p1a\np1b",
			2: "p2a",
			3: "p3a\np3b",
			4: "p4a",
		}},
	}
	return f, newMemStore(), &fakeEmailer{}
}

var (
	alice  = notifier.User{ID: 1, Email: "alice@example.com", Status: notifier.StatusActive}
	thread = notifier.ThreadTarget{ID: 10, UserID: 1, Title: "Trip", URL: threadURL}
)

// messageTexts pulls the message text back out of rendered fragments.
func messageTexts(t *testing.T, batch *notifier.Batch, candidates ...string) []string {
	t.Helper()
	var out []string
	for _, html := range batch.Messages {
		for _, c := range candidates {
			if strings.Contains(html, ">"+c+"<") {
				out = append(out, c)
			}
		}
	}
	return out
}

func TestPageWindow(t *testing.T) {
	tests := []struct {
		name   string
		last   int
		window int
		want   []int
	}{
		{name: "long thread", last: 10, window: 3, want: []int{8, 9, 10}},
		{name: "short thread", last: 2, window: 3, want: []int{1, 2}},
		{name: "single page", last: 1, window: 3, want: []int{1}},
		{name: "exact fit", last: 3, window: 3, want: []int{1, 2, 3}},
		{name: "zero window", last: 5, window: 0, want: []int{5}},
		{name: "invalid last", last: 0, window: 3, want: []int{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PageWindow(tt.last, tt.window); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("PageWindow(%d, %d) = %v, want %v", tt.last, tt.window, got, tt.want)
			}
		})
	}
}

func TestScanThreadDeliversOnlyNew(t *testing.T) {
	f, store, em := fixture()
	m := New(f, lineExtractor{}, store, em, testLogger(), Options{})
	ctx := context.Background()

	batch, err := m.ScanThread(ctx, alice, thread)
	if err != nil {
		t.Fatalf("ScanThread() error = %v", err)
	}
	if batch == nil || batch.Failure {
		t.Fatalf("ScanThread() = %+v, want a message batch", batch)
	}
	if !reflect.DeepEqual(f.fetched, []int{2, 3, 4}) {
		t.Errorf("fetched pages = %v, want [2 3 4]", f.fetched)
	}
	want := []string{"p2a", "p3a", "p3b", "p4a"}
	if got := messageTexts(t, batch, "p1a", "p1b", "p2a", "p3a", "p3b", "p4a"); !reflect.DeepEqual(got, want) {
		t.Errorf("batch messages = %v, want %v", got, want)
	}
	if batch.ThreadTitle != "Trip" || batch.ThreadURL != threadURL {
		t.Errorf("batch thread = %q %q", batch.ThreadTitle, batch.ThreadURL)
	}

	again, err := m.ScanThread(ctx, alice, thread)
	if err != nil {
		t.Fatalf("second ScanThread() error = %v", err)
	}
	if again != nil {
		t.Errorf("second ScanThread() = %+v, want nil", again)
	}

	// A new post lands on the last page
	f.pages[threadURL][4] = "p4a\np4b"
	third, err := m.ScanThread(ctx, alice, thread)
	if err != nil {
		t.Fatalf("third ScanThread() error = %v", err)
	}
	if got := messageTexts(t, third, "p4a", "p4b"); !reflect.DeepEqual(got, []string{"p4b"}) {
		t.Errorf("third scan messages = %v, want [p4b]", got)
	}
}

func TestScanThreadPaginationShift(t *testing.T) {
	f, store, em := fixture()
	m := New(f, lineExtractor{}, store, em, testLogger(), Options{})
	ctx := context.Background()

	if _, err := m.ScanThread(ctx, alice, thread); err != nil {
		t.Fatalf("ScanThread() error = %v", err)
	}

	// A fifth page appears; pages 3-4 were already seen
	f.last[threadURL] = scraper.LastPage{Number: 5, Confirmed: true}
	f.pages[threadURL][5] = "p5a"
	batch, err := m.ScanThread(ctx, alice, thread)
	if err != nil {
		t.Fatalf("ScanThread() error = %v", err)
	}
	if got := messageTexts(t, batch, "p3a", "p3b", "p4a", "p5a"); !reflect.DeepEqual(got, []string{"p5a"}) {
		t.Errorf("messages after shift = %v, want [p5a]", got)
	}
}

func TestScanThreadUnresolvedLastPage(t *testing.T) {
	f, store, em := fixture()
	f.last[threadURL] = scraper.LastPage{Number: 1}
	m := New(f, lineExtractor{}, store, em, testLogger(), Options{})

	batch, err := m.ScanThread(context.Background(), alice, thread)
	if err != nil {
		t.Fatalf("ScanThread() error = %v", err)
	}
	if batch == nil || !batch.Failure {
		t.Fatalf("ScanThread() = %+v, want failure batch", batch)
	}
	if len(batch.Messages) != 1 || !strings.Contains(batch.Messages[0], "Trip") {
		t.Errorf("failure batch messages = %v, want a notice naming the thread", batch.Messages)
	}
	if len(f.fetched) != 0 {
		t.Errorf("fetched pages = %v, want none", f.fetched)
	}
}

func TestScanThreadFetchFailureSkipsPage(t *testing.T) {
	f, store, em := fixture()
	f.fail = map[int]error{3: errors.New("connection reset")}
	m := New(f, lineExtractor{}, store, em, testLogger(), Options{})

	batch, err := m.ScanThread(context.Background(), alice, thread)
	if err != nil {
		t.Fatalf("ScanThread() error = %v", err)
	}
	if got := messageTexts(t, batch, "p2a", "p3a", "p3b", "p4a"); !reflect.DeepEqual(got, []string{"p2a", "p4a"}) {
		t.Errorf("messages = %v, want [p2a p4a]", got)
	}
}

func TestScanThreadPersistenceFailure(t *testing.T) {
	f, store, em := fixture()
	store.failSeen = errors.New("database is locked")
	m := New(f, lineExtractor{}, store, em, testLogger(), Options{})

	batch, err := m.ScanThread(context.Background(), alice, thread)
	if err == nil {
		t.Fatalf("ScanThread() = %+v, want error", batch)
	}
	if !errors.Is(err, store.failSeen) {
		t.Errorf("ScanThread() error = %v, want wrapped store error", err)
	}
}

func TestScanThreadRecordFailureRedeliversNextPass(t *testing.T) {
	f, store, em := fixture()
	store.failRecord = errors.New("connection lost")
	m := New(f, lineExtractor{}, store, em, testLogger(), Options{})
	ctx := context.Background()

	if _, err := m.ScanThread(ctx, alice, thread); !errors.Is(err, store.failRecord) {
		t.Fatalf("ScanThread() error = %v, want %v", err, store.failRecord)
	}
	if n := len(store.seen[seenKey{alice.ID, thread.ID}]); n != 0 {
		t.Fatalf("failed scan left %d seen records, want 0", n)
	}

	store.failRecord = nil
	batch, err := m.ScanThread(ctx, alice, thread)
	if err != nil {
		t.Fatalf("ScanThread() error = %v", err)
	}
	want := []string{"p2a", "p3a", "p3b", "p4a"}
	if got := messageTexts(t, batch, want...); !reflect.DeepEqual(got, want) {
		t.Errorf("messages after failed pass = %v, want %v", got, want)
	}
}

func TestScanThreadPruneFailureStillDelivers(t *testing.T) {
	f, store, em := fixture()
	store.failPrune = errors.New("disk full")
	m := New(f, lineExtractor{}, store, em, testLogger(), Options{})

	batch, err := m.ScanThread(context.Background(), alice, thread)
	if err != nil {
		t.Fatalf("ScanThread() error = %v", err)
	}
	if batch == nil || len(batch.Messages) != 4 {
		t.Errorf("ScanThread() = %+v, want 4 messages", batch)
	}
}

func TestScanThreadRetention(t *testing.T) {
	f, store, em := fixture()
	m := New(f, lineExtractor{}, store, em, testLogger(), Options{Retention: 2})

	if _, err := m.ScanThread(context.Background(), alice, thread); err != nil {
		t.Fatalf("ScanThread() error = %v", err)
	}
	recs := store.seen[seenKey{alice.ID, thread.ID}]
	if len(recs) != 2 || store.pruned != 2 {
		t.Fatalf("kept %d records, pruned %d; want 2 and 2", len(recs), store.pruned)
	}
}

func TestScanThreadRecolorDoesNotRedeliver(t *testing.T) {
	f, store, em := fixture()
	m := New(f, lineExtractor{}, store, em, testLogger(), Options{})
	ctx := context.Background()

	if _, err := m.ScanThread(ctx, alice, thread); err != nil {
		t.Fatalf("ScanThread() error = %v", err)
	}
	recolored := thread
	recolored.Colors = notifier.Colors{Message: "#000000", Quote: "#111111", Spoiler: "#222222"}
	batch, err := m.ScanThread(ctx, alice, recolored)
	if err != nil {
		t.Fatalf("ScanThread() error = %v", err)
	}
	if batch != nil {
		t.Errorf("ScanThread() after colour change = %+v, want nil", batch)
	}
}

func TestCheckAll(t *testing.T) {
	f, store, em := fixture()
	broken := "https://forum.example/threads/broken.2"
	f.last[broken] = scraper.LastPage{Number: 1}
	bob := notifier.User{ID: 2, Email: "bob@example.com", Status: notifier.StatusActive}
	carol := notifier.User{ID: 3, Email: "carol@example.com", Status: notifier.StatusActive}
	store.users = []notifier.User{alice, bob, carol}
	store.threads[alice.ID] = []notifier.ThreadTarget{thread, {ID: 11, UserID: 1, Title: "Broken", URL: broken}}
	store.threads[bob.ID] = []notifier.ThreadTarget{{ID: 20, UserID: 2, Title: "Trip", URL: threadURL}}
	store.threads[carol.ID] = []notifier.ThreadTarget{{ID: 30, UserID: 3, Title: "Trip", URL: threadURL}}
	em.fail = map[string]error{bob.Email: errors.New("smtp 550")}

	m := New(f, lineExtractor{}, store, em, testLogger(), Options{})
	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}

	var got []string
	for _, s := range em.sent {
		got = append(got, s.to+":"+s.batch.ThreadTitle)
	}
	want := []string{"alice@example.com:Trip", "alice@example.com:Broken", "carol@example.com:Trip"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("sent = %v, want %v", got, want)
	}

	// Bob's delivery failed, but his fingerprints stay recorded
	if n := len(store.seen[seenKey{bob.ID, 20}]); n != 4 {
		t.Errorf("bob has %d seen records, want 4", n)
	}
}

func TestCheckAllConcurrent(t *testing.T) {
	f, store, em := fixture()
	for i := int64(1); i <= 8; i++ {
		u := notifier.User{ID: i, Email: "user" + string(rune('0'+i)) + "@example.com", Status: notifier.StatusActive}
		store.users = append(store.users, u)
		store.threads[i] = []notifier.ThreadTarget{{ID: 100 + i, UserID: i, Title: "Trip", URL: threadURL}}
	}

	m := New(f, lineExtractor{}, store, em, testLogger(), Options{Concurrency: 4})
	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if len(em.sent) != 8 {
		t.Errorf("sent %d batches, want 8", len(em.sent))
	}
	for _, s := range em.sent {
		if len(s.batch.Messages) != 4 {
			t.Errorf("%s got %d messages, want 4", s.to, len(s.batch.Messages))
		}
	}
}

func TestCheckAllPassInProgress(t *testing.T) {
	f, store, em := fixture()
	m := New(f, lineExtractor{}, store, em, testLogger(), Options{})

	m.running.Lock()
	defer m.running.Unlock()
	if err := m.CheckAll(context.Background()); !errors.Is(err, ErrPassInProgress) {
		t.Errorf("CheckAll() error = %v, want ErrPassInProgress", err)
	}
}

func TestCheckAllCancelled(t *testing.T) {
	f, store, em := fixture()
	store.users = []notifier.User{alice}
	store.threads[alice.ID] = []notifier.ThreadTarget{thread}
	m := New(f, lineExtractor{}, store, em, testLogger(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.CheckAll(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("CheckAll() error = %v, want context.Canceled", err)
	}
	if len(em.sent) != 0 {
		t.Errorf("sent %d batches after cancellation, want 0", len(em.sent))
	}
}
