// Package outbound composes and relays the mail listrelay sends: group
// broadcasts to members and notices back to senders.
package outbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"golang.org/x/time/rate"
)

type Envelope struct {
	From string
	To   []string
}

type Mailer interface {
	Send(ctx context.Context, env Envelope, raw []byte) error
}

type RelayConfig struct {
	Addr     string
	Username string
	Password string
	// Rate is messages per second; zero or less means unthrottled.
	Rate  float64
	Burst int
}

type sendFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// SMTPMailer relays through an upstream SMTP server.
type SMTPMailer struct {
	addr    string
	auth    sasl.Client
	limiter *rate.Limiter
	send    sendFunc
}

func NewSMTPMailer(cfg RelayConfig) *SMTPMailer {
	var auth sasl.Client
	if cfg.Username != "" {
		auth = sasl.NewPlainClient("", cfg.Username, cfg.Password)
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &SMTPMailer{
		addr:    cfg.Addr,
		auth:    auth,
		limiter: rate.NewLimiter(limit, burst),
		send:    smtp.SendMail,
	}
}

func (m *SMTPMailer) Send(ctx context.Context, env Envelope, raw []byte) error {
	if len(env.To) == 0 {
		return errors.New("send mail: no recipients")
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for relay slot: %w", err)
	}
	if err := m.send(m.addr, m.auth, env.From, env.To, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("relay to %s: %w", strings.Join(env.To, ","), err)
	}
	return nil
}

// LogMailer drops mail after logging it. It stands in when no relay is configured.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) Send(_ context.Context, env Envelope, raw []byte) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("outbound mail not relayed", "from", env.From, "to", env.To, "bytes", len(raw))
	return nil
}
