// Package scraper handles fetching forum thread pages and parsing their messages.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"forum-notifier/pkg/notifier"

	"github.com/codeGROOVE-dev/retry"
)

const maxBodyBytes = 8 << 20

// HTTPStatusError indicates a response status the fetcher does not accept.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsHTTPStatus checks if an error is an HTTP status error with the given code.
func IsHTTPStatus(err error, code int) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

func retryable(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Scraper fetches thread pages. It never follows redirects on its own;
// callers decide how many hops to take.
type Scraper struct {
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
}

// New creates a new scraper. The client is copied so redirects can be disabled
// without affecting other users of it.
func New(client *http.Client, logger *slog.Logger) *Scraper {
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Scraper{
		client:     &c,
		logger:     logger,
		retryDelay: time.Second,
	}
}

// FetchPage fetches one page of a thread, following at most one redirect.
func (s *Scraper) FetchPage(ctx context.Context, threadURL string, page int) (*notifier.RawPage, error) {
	pageURL := BuildPageURL(threadURL, page)

	resp, err := s.do(ctx, pageURL, "fetch_thread_page")
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", page, err)
	}

	finalURL := pageURL
	if isRedirect(resp.StatusCode) {
		location := resp.Header.Get("Location")
		s.closeBody(resp)

		target, err := resolveLocation(pageURL, location)
		if err != nil {
			return nil, fmt.Errorf("resolve redirect for page %d: %w", page, err)
		}
		s.logger.Info("Following page redirect", "from", pageURL, "to", target)

		resp, err = s.do(ctx, target, "fetch_thread_page_redirect")
		if err != nil {
			return nil, fmt.Errorf("fetch page %d after redirect: %w", page, err)
		}
		finalURL = target
	}
	defer s.closeBody(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPStatusError{URL: finalURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read page %d: %w", page, err)
	}

	return &notifier.RawPage{
		Number: page,
		URL:    finalURL,
		HTML:   string(body),
	}, nil
}

// do performs a GET, retrying transport errors, 429 and 5xx responses.
// The caller owns the returned response body.
func (s *Scraper) do(ctx context.Context, target, purpose string) (*http.Response, error) {
	var resp *http.Response

	err := retry.Do(
		func() error {
			s.logger.Info("HTTP request starting",
				"method", "GET",
				"url", target,
				"purpose", purpose)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			// Browser-like headers; some forums block default Go clients
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "he-IL,he;q=0.9,en-US;q=0.8,en;q=0.7")
			req.Header.Set("Cache-Control", "max-age=0")

			startTime := time.Now()
			r, err := s.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Warn("HTTP request failed",
					"url", target,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			s.logger.Info("HTTP request completed",
				"url", target,
				"status_code", r.StatusCode,
				"duration_ms", duration.Milliseconds())

			if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
				s.closeBody(r)
				return &HTTPStatusError{URL: target, StatusCode: r.StatusCode}
			}

			resp = r
			return nil
		},
		retry.Attempts(3),
		retry.Delay(s.retryDelay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(s.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying request after error", "attempt", n, "url", target, "error", err)
		}),
		retry.RetryIf(retryable),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Scraper) closeBody(resp *http.Response) {
	// Drain so the connection can be reused
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes)); err != nil {
		s.logger.Debug("Failed to drain response body", "error", err)
	}
	if err := resp.Body.Close(); err != nil {
		s.logger.Warn("Failed to close response body", "error", err)
	}
}

func isRedirect(code int) bool {
	return code >= 300 && code < 400
}

// resolveLocation resolves a Location header value against the request URL.
func resolveLocation(requestURL, location string) (string, error) {
	if strings.TrimSpace(location) == "" {
		return "", errors.New("redirect without Location header")
	}
	base, err := url.Parse(requestURL)
	if err != nil {
		return "", fmt.Errorf("parse request url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return "", fmt.Errorf("parse location: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// BuildPageURL returns the URL of page pageNum of a thread.
func BuildPageURL(baseURL string, pageNum int) string {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if pageNum <= 1 {
		return baseURL + "/"
	}
	return fmt.Sprintf("%s/page-%d", baseURL, pageNum)
}
