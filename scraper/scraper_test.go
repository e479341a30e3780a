package scraper

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testScraper() *Scraper {
	s := New(&http.Client{Timeout: 5 * time.Second}, testLogger())
	s.retryDelay = time.Millisecond
	return s
}

func TestBuildPageURL(t *testing.T) {
	tests := []struct {
		name string
		base string
		page int
		want string
	}{
		{name: "first page", base: "https://forum.example/threads/t.1", page: 1, want: "https://forum.example/threads/t.1/"},
		{name: "trailing slash", base: "https://forum.example/threads/t.1/", page: 3, want: "https://forum.example/threads/t.1/page-3"},
		{name: "probe page", base: "https://forum.example/threads/t.1", page: 9999, want: "https://forum.example/threads/t.1/page-9999"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildPageURL(tt.base, tt.page); got != tt.want {
				t.Errorf("BuildPageURL() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPageFromLocation(t *testing.T) {
	tests := []struct {
		name     string
		location string
		want     int
		wantOK   bool
	}{
		{name: "absolute", location: "https://forum.example/threads/t.1/page-42", want: 42, wantOK: true},
		{name: "relative with slash", location: "/threads/t.1/page-7/", want: 7, wantOK: true},
		{name: "with fragment", location: "/threads/t.1/page-12#post-99", want: 12, wantOK: true},
		{name: "last segment wins", location: "/threads/page-3-tips.1/page-15", want: 15, wantOK: true},
		{name: "slug contains page prefix", location: "/threads/page-3/replies", want: 3, wantOK: true},
		{name: "no page segment", location: "https://forum.example/threads/t.1/", wantOK: false},
		{name: "not a number", location: "/threads/t.1/page-abc", wantOK: false},
		{name: "zero", location: "/threads/t.1/page-0", wantOK: false},
		{name: "empty", location: "", wantOK: false},
		{name: "malformed url", location: "http://[::1", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := PageFromLocation(tt.location)
			if ok != tt.wantOK {
				t.Fatalf("PageFromLocation(%q) ok = %v, want %v", tt.location, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("PageFromLocation(%q) = %d, want %d", tt.location, got, tt.want)
			}
		})
	}
}

func TestLastPage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/threads/long.1/page-9999", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/threads/long.1/page-12", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/threads/short.2/page-9999", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/threads/short.2/", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/threads/odd.3/page-9999", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login/", http.StatusFound)
	})
	mux.HandleFunc("/threads/plain.4/page-9999", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tests := []struct {
		name   string
		thread string
		want   LastPage
	}{
		{name: "redirect to last page", thread: "/threads/long.1", want: LastPage{Number: 12, Confirmed: true}},
		{name: "single page thread", thread: "/threads/short.2/", want: LastPage{Number: 1, Confirmed: true}},
		{name: "redirect elsewhere", thread: "/threads/odd.3", want: LastPage{Number: 1}},
		{name: "no redirect", thread: "/threads/plain.4", want: LastPage{Number: 1}},
		{name: "not found", thread: "/threads/missing.5", want: LastPage{Number: 1}},
	}

	s := testScraper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.LastPage(context.Background(), srv.URL+tt.thread)
			if got != tt.want {
				t.Errorf("LastPage() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLastPageUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	got := testScraper().LastPage(context.Background(), url+"/threads/t.1")
	if got.Confirmed || got.Number != 1 {
		t.Errorf("LastPage() = %+v, want unconfirmed page 1", got)
	}
}

func TestFetchPageFollowsOneRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/threads/t.1/page-2", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/threads/t.1/page-2-moved", http.StatusFound)
	})
	mux.HandleFunc("/threads/t.1/page-2-moved", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<html>moved</html>")
	})
	mux.HandleFunc("/threads/t.1/page-3", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/threads/t.1/hop", http.StatusFound)
	})
	mux.HandleFunc("/threads/t.1/hop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/threads/t.1/page-2-moved", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := testScraper()
	ctx := context.Background()

	page, err := s.FetchPage(ctx, srv.URL+"/threads/t.1", 2)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if page.Number != 2 {
		t.Errorf("page.Number = %d, want 2", page.Number)
	}
	if !strings.Contains(page.HTML, "moved") {
		t.Errorf("page.HTML = %q, want redirected body", page.HTML)
	}
	if !strings.HasSuffix(page.URL, "/threads/t.1/page-2-moved") {
		t.Errorf("page.URL = %q, want redirect target", page.URL)
	}

	_, err = s.FetchPage(ctx, srv.URL+"/threads/t.1", 3)
	if !IsHTTPStatus(err, http.StatusFound) {
		t.Errorf("FetchPage() with two redirects error = %v, want HTTP 302 status error", err)
	}
}

func TestFetchPageStatusErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/threads/gone.1/page-2", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/threads/flaky.2/page-2", func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "ok")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := testScraper()
	ctx := context.Background()

	_, err := s.FetchPage(ctx, srv.URL+"/threads/gone.1", 2)
	if !IsHTTPStatus(err, http.StatusNotFound) {
		t.Fatalf("FetchPage() error = %v, want HTTP 404", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("404 was requested %d times, want 1 (no retry)", n)
	}

	calls.Store(0)
	page, err := s.FetchPage(ctx, srv.URL+"/threads/flaky.2", 2)
	if err != nil {
		t.Fatalf("FetchPage() after 503 error = %v", err)
	}
	if page.HTML != "ok" {
		t.Errorf("page.HTML = %q, want ok", page.HTML)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("flaky page requested %d times, want 2", n)
	}
}
