package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kibak812/taxupdater/netsafe"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature-256"

// WebhookConfig is the per-channel JSON config of an outbound webhook.
type WebhookConfig struct {
	URL string `json:"url"`
	// Secret, when set, signs each body: X-Signature-256: sha256=<hex>.
	Secret    string            `json:"secret,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	TimeoutMs int               `json:"timeout_ms,omitempty"`
	// AllowPrivate permits loopback and private targets (internal relays).
	AllowPrivate bool `json:"allow_private,omitempty"`
}

// WebhookFactory returns a Factory for JSON POST webhooks.
//
//	{"url": "https://hooks.example.com/taxupdater", "secret": "..."}
func WebhookFactory() Factory {
	return func(name string, config json.RawMessage) (Channel, error) {
		var cfg WebhookConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("webhook: parse config: %w", err)
		}
		if cfg.URL == "" {
			return nil, fmt.Errorf("webhook: url is required")
		}
		if _, err := netsafe.CheckURL(cfg.URL, cfg.AllowPrivate); err != nil {
			return nil, fmt.Errorf("webhook: %w", err)
		}
		if cfg.TimeoutMs <= 0 {
			cfg.TimeoutMs = 10_000
		}
		return &webhookChannel{
			name:   name,
			config: cfg,
			client: &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		}, nil
	}
}

type webhookChannel struct {
	name   string
	config WebhookConfig
	client *http.Client
}

func (c *webhookChannel) Name() string { return c.name }

func (c *webhookChannel) fail(err error) error {
	return &ErrSendFailed{Channel: c.name, Platform: "webhook", Cause: err}
}

func (c *webhookChannel) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return c.fail(fmt.Errorf("marshal: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return c.fail(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	if c.config.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(c.config.Secret, body))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return c.fail(err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return c.fail(fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

// Sign returns the X-Signature-256 value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature (with or without the "sha256=" prefix) against
// body. Receivers of our webhooks can use it.
func Verify(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	decoded, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}
