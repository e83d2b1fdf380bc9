package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/kibak812/taxupdater/connectivity"
)

// Mailer sends one RFC 5322 message. net/smtp.SendMail satisfies it through
// SMTPMailer.
type Mailer interface {
	SendMail(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// SMTPMailer sends through net/smtp.
type SMTPMailer struct{}

// SendMail implements Mailer.
func (SMTPMailer) SendMail(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	return smtp.SendMail(addr, a, from, to, msg)
}

// EmailConfig is the per-channel JSON config of the e-mail channel.
type EmailConfig struct {
	Host     string   `json:"host"`
	Port     int      `json:"port,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	From     string   `json:"from"`
	To       []string `json:"to"`
	// Retries after the first attempt. Default 2 (3 attempts in total).
	Retries     int `json:"retries,omitempty"`
	RetryBaseMs int `json:"retry_base_ms,omitempty"`
}

// EmailFactory returns a Factory for SMTP delivery through mailer. A nil
// mailer uses SMTPMailer.
//
//	{"host": "smtp.gmail.com", "port": 587, "username": "...", "password": "...",
//	 "from": "monitor@example.com", "to": ["tax@example.com"]}
func EmailFactory(mailer Mailer) Factory {
	if mailer == nil {
		mailer = SMTPMailer{}
	}
	return func(name string, config json.RawMessage) (Channel, error) {
		var cfg EmailConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("email: parse config: %w", err)
		}
		if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
			return nil, fmt.Errorf("email: host, from and to are required")
		}
		if cfg.Port == 0 {
			cfg.Port = 587
		}
		if cfg.Retries <= 0 {
			cfg.Retries = 2
		}
		if cfg.RetryBaseMs <= 0 {
			cfg.RetryBaseMs = 5000
		}
		return &emailChannel{name: name, config: cfg, mailer: mailer, logger: slog.Default()}, nil
	}
}

type emailChannel struct {
	name   string
	config EmailConfig
	mailer Mailer
	logger *slog.Logger
}

func (c *emailChannel) Name() string { return c.name }

func (c *emailChannel) Send(ctx context.Context, msg Message) error {
	addr := c.config.Host + ":" + strconv.Itoa(c.config.Port)
	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
	}
	body := c.render(msg)

	call := connectivity.Chain(func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return c.mailer.SendMail(addr, auth, c.config.From, c.config.To, body)
	}, connectivity.WithRetry(c.config.Retries,
		time.Duration(c.config.RetryBaseMs)*time.Millisecond, c.logger))

	if err := call(ctx); err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: "email", Cause: err}
	}
	return nil
}

func (c *emailChannel) render(msg Message) []byte {
	subject := msg.Title
	if msg.Urgency == "high" {
		subject = "[긴급] " + subject
	}
	var b strings.Builder
	b.WriteString("From: " + c.config.From + "\r\n")
	b.WriteString("To: " + strings.Join(c.config.To, ", ") + "\r\n")
	b.WriteString("Subject: " + mime.BEncoding.Encode("UTF-8", subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Date: " + msg.Timestamp.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Text, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
