package email

import (
	"context"
	"log/slog"
	"sync"
)

// MockEmail is one message captured by MockProvider.
type MockEmail struct {
	To      string
	Subject string
	HTML    string
}

// MockProvider logs and keeps emails instead of sending them. Used for local
// runs without mail credentials.
type MockProvider struct {
	logger *slog.Logger
	mu     sync.Mutex
	sent   []MockEmail
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send records the email and logs a summary of it.
func (m *MockProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	m.mu.Lock()
	m.sent = append(m.sent, MockEmail{To: to, Subject: subject, HTML: htmlBody})
	m.mu.Unlock()

	m.logger.Info("MOCK EMAIL",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))
	return nil
}

// Sent returns a copy of every email recorded so far, oldest first.
func (m *MockProvider) Sent() []MockEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockEmail(nil), m.sent...)
}
