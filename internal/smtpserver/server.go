// Package smtpserver accepts inbound list mail over SMTP and hands each
// message to the routing pipeline.
package smtpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.io/infrasutra/listrelay/internal/auth"
	"github.io/infrasutra/listrelay/internal/inbound"
	"github.io/infrasutra/listrelay/internal/ingest"
)

const (
	defaultDomain   = "listrelay"
	defaultMaxBytes = 25 << 20
	receiveTimeout  = 2 * time.Minute
)

// Pipeline routes one parsed inbound email.
type Pipeline interface {
	Receive(ctx context.Context, email *inbound.Email) (ingest.Outcome, error)
}

type AuthConfig struct {
	Enabled  bool
	Username string
	// Password is compared with auth.CheckPassword, so it may be a bcrypt hash.
	Password string
}

type Config struct {
	Addr            string
	Domain          string
	MaxMessageBytes int64
	Auth            AuthConfig
}

type Server struct {
	smtp   *smtp.Server
	logger *slog.Logger
}

func New(pipeline Pipeline, logger *slog.Logger, cfg Config) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	b := &backend{pipeline: pipeline, logger: logger, auth: cfg.Auth}
	server := smtp.NewServer(b)
	server.Addr = cfg.Addr
	server.Domain = cfg.Domain
	if server.Domain == "" {
		server.Domain = defaultDomain
	}
	server.AllowInsecureAuth = true
	server.ReadTimeout = 30 * time.Second
	server.WriteTimeout = 30 * time.Second
	server.MaxRecipients = 100
	server.MaxMessageBytes = cfg.MaxMessageBytes
	if server.MaxMessageBytes <= 0 {
		server.MaxMessageBytes = defaultMaxBytes
	}

	return &Server{smtp: server, logger: logger}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp server listening", "addr", s.smtp.Addr)
	return s.smtp.ListenAndServe()
}

func (s *Server) Close() error {
	return s.smtp.Close()
}

type backend struct {
	pipeline Pipeline
	logger   *slog.Logger
	auth     AuthConfig
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

type session struct {
	backend       *backend
	from          string
	to            []string
	authenticated bool
}

func (s *session) AuthMechanisms() []string {
	if s.backend.auth.Enabled {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.backend.auth.Enabled {
		return nil, errors.New("authentication not enabled")
	}
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username == s.backend.auth.Username && auth.CheckPassword(s.backend.auth.Password, password) {
			s.authenticated = true
			return nil
		}
		return errors.New("invalid credentials")
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.auth.Enabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = normalizeEmail(from)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.auth.Enabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.to = append(s.to, normalizeEmail(to))
	return nil
}

// Data parses the message and runs the pipeline. Only a pipeline error is
// reported as temporary so the sending MTA retries; everything else the
// pipeline decides is accepted.
func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	email, err := inbound.Parse(data, s.to...)
	if err != nil {
		s.backend.logger.Warn("parse smtp message", "from", s.from, "error", err)
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message could not be parsed",
		}
	}
	if _, ok := email.ReturnPath(); !ok {
		email.Header.Add("Return-Path", "<"+s.from+">")
	}

	ctx, cancel := context.WithTimeout(context.Background(), receiveTimeout)
	defer cancel()
	if _, err := s.backend.pipeline.Receive(ctx, email); err != nil {
		s.backend.logger.Error("receive smtp message", "message_id", email.MessageID, "error", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary failure, try again later",
		}
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
