package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"time"
)

// SMTPProvider sends emails through an SMTP relay using STARTTLS and PLAIN auth.
type SMTPProvider struct {
	host     string
	username string
	password string
	fromAddr string
	logger   *slog.Logger
	port     int
	timeout  time.Duration
}

// NewSMTPProvider creates a new SMTP email provider. Authentication is skipped
// when username is empty.
func NewSMTPProvider(host string, port int, username, password, fromAddr string, logger *slog.Logger) *SMTPProvider {
	if fromAddr == "" {
		fromAddr = username
	}
	return &SMTPProvider{
		host:     host,
		port:     port,
		username: username,
		password: password,
		fromAddr: fromAddr,
		logger:   logger,
		timeout:  30 * time.Second,
	}
}

// Send delivers one HTML email over a fresh SMTP session.
func (p *SMTPProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	if p.fromAddr == "" {
		return errors.New("smtp: no sender address configured")
	}

	addr := net.JoinHostPort(p.host, strconv.Itoa(p.port))
	p.logger.Info("SMTP send starting", "server", addr, "to", to)
	startTime := time.Now()

	if err := p.send(ctx, addr, to, buildMIME(p.fromAddr, to, subject, htmlBody, startTime)); err != nil {
		p.logger.Warn("SMTP send failed",
			"server", addr,
			"to", to,
			"duration_ms", time.Since(startTime).Milliseconds(),
			"error", err)
		return err
	}

	p.logger.Info("SMTP send completed",
		"to", to,
		"duration_ms", time.Since(startTime).Milliseconds(),
		"status", "success")
	return nil
}

func (p *SMTPProvider) send(ctx context.Context, addr, to string, msg []byte) error {
	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return fmt.Errorf("set deadline: %w", err)
	}

	c, err := smtp.NewClient(conn, p.host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer func() {
		if closeErr := c.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			p.logger.Debug("Failed to close SMTP connection", "error", closeErr)
		}
	}()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: p.host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if p.username != "" {
		// PlainAuth refuses to send credentials over an unencrypted remote connection
		if err := c.Auth(smtp.PlainAuth("", p.username, p.password, p.host)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := c.Mail(p.fromAddr); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end data: %w", err)
	}

	return c.Quit()
}
