package notify

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Message is one outbound email. Body is HTML.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" {
		return errors.New("notify: recipient required")
	}
	if _, err := mail.ParseAddress(m.To); err != nil {
		return fmt.Errorf("notify: invalid recipient %q: %w", m.To, err)
	}
	if strings.ContainsAny(m.Subject, "\r\n") {
		return errors.New("notify: subject must be a single line")
	}
	return nil
}

type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, msg Message) error

func (f NotifierFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type SMTP struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now  func() time.Time
}

func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if cfg.Host == "" {
		return nil, errors.New("notify: smtp host required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("notify: invalid sender %q: %w", cfg.From, err)
	}
	return &SMTP{cfg: cfg, send: smtp.SendMail, now: time.Now}, nil
}

func (s *SMTP) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	from, _ := mail.ParseAddress(s.cfg.From)
	to, _ := mail.ParseAddress(msg.To)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if err := s.send(addr, auth, from.Address, []string{to.Address}, s.compose(from, to, msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to.Address, err)
	}
	return nil
}

func (s *SMTP) compose(from, to *mail.Address, msg Message) []byte {
	var b strings.Builder
	b.WriteString("From: " + from.String() + "\r\n")
	b.WriteString("To: " + to.String() + "\r\n")
	b.WriteString("Subject: " + mimeHeader(msg.Subject) + "\r\n")
	b.WriteString("Date: " + s.now().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(crlf(msg.Body))
	return []byte(b.String())
}

var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// crlf rewrites every line ending in body, whatever its form, as CRLF.
func crlf(body string) string {
	return strings.ReplaceAll(lineEndings.Replace(body), "\n", "\r\n")
}

func mimeHeader(s string) string {
	for _, r := range s {
		if r > 127 {
			return mime.QEncoding.Encode("utf-8", s)
		}
	}
	return s
}

// Log writes messages to the logger instead of delivering them. Used when no
// SMTP host is configured.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	l.Logger.Info().Str("to", msg.To).Str("subject", msg.Subject).Int("body_bytes", len(msg.Body)).Msg("email not delivered (log transport)")
	return nil
}
