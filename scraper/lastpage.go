package scraper

import (
	"context"
	"net/url"
	"strconv"
	"strings"
)

// probePage is far past the end of any real thread; the forum answers it with a
// redirect to the actual last page.
const probePage = 9999

// LastPage is the outcome of resolving a thread's page count.
type LastPage struct {
	Number    int
	Confirmed bool // False when the number is a fallback and must not be trusted
}

// LastPage determines the highest page number of a thread.
// Failures are not returned as errors; they yield an unconfirmed page 1.
func (s *Scraper) LastPage(ctx context.Context, threadURL string) LastPage {
	probeURL := BuildPageURL(threadURL, probePage)

	resp, err := s.do(ctx, probeURL, "resolve_last_page")
	if err != nil {
		s.logger.Warn("Last page probe failed", "url", probeURL, "error", err)
		return LastPage{Number: 1}
	}
	defer s.closeBody(resp)

	if !isRedirect(resp.StatusCode) {
		s.logger.Warn("Last page probe was not redirected",
			"url", probeURL,
			"status_code", resp.StatusCode)
		return LastPage{Number: 1}
	}

	location := resp.Header.Get("Location")
	if n, ok := PageFromLocation(location); ok {
		s.logger.Info("Last page resolved", "url", threadURL, "last_page", n)
		return LastPage{Number: n, Confirmed: true}
	}

	// Single-page threads redirect back to the thread root
	if target, err := resolveLocation(probeURL, location); err == nil && samePath(threadURL, target) {
		s.logger.Info("Thread has a single page", "url", threadURL)
		return LastPage{Number: 1, Confirmed: true}
	}

	s.logger.Warn("Could not parse last page from redirect", "url", probeURL, "location", location)
	return LastPage{Number: 1}
}

// PageFromLocation extracts N from the last "page-N" path segment of a redirect target.
func PageFromLocation(location string) (int, bool) {
	u, err := url.Parse(strings.TrimSpace(location))
	if err != nil || u.Path == "" {
		return 0, false
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		digits, found := strings.CutPrefix(segments[i], "page-")
		if !found {
			continue
		}
		n, err := strconv.Atoi(digits)
		if err != nil || n < 1 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func samePath(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.TrimSuffix(ua.Path, "/") == strings.TrimSuffix(ub.Path, "/")
}
