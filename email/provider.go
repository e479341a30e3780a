// Package email handles sending notification emails via multiple providers.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"forum-notifier/pkg/notifier"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender sends notification emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// SendBatch formats a batch into one email and hands it to the provider once.
// Failures are returned to the caller; nothing is retried.
func (s *Sender) SendBatch(ctx context.Context, to string, batch *notifier.Batch) error {
	if batch == nil || len(batch.Messages) == 0 {
		return nil
	}
	if to == "" {
		return errors.New("empty recipient")
	}

	subject := Subject(batch)
	body := formatBatchBody(batch)

	s.logger.Info("Sending notification email",
		"to", to,
		"subject", subject,
		"message_count", len(batch.Messages),
		"failure_notice", batch.Failure)

	if err := s.provider.Send(ctx, to, subject, body); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}
