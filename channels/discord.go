package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kibak812/taxupdater/netsafe"
)

// discordLimit is the maximum content length of a Discord webhook message.
const discordLimit = 2000

// DiscordConfig is the per-channel JSON config of a Discord webhook.
type DiscordConfig struct {
	WebhookURL   string `json:"webhook_url"`
	Username     string `json:"username,omitempty"`
	AllowPrivate bool   `json:"allow_private,omitempty"`
}

// DiscordFactory returns a Factory posting to a Discord channel webhook.
//
//	{"webhook_url": "https://discord.com/api/webhooks/..."}
func DiscordFactory() Factory {
	return func(name string, config json.RawMessage) (Channel, error) {
		var cfg DiscordConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("discord: parse config: %w", err)
		}
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("discord: webhook_url is required")
		}
		if _, err := netsafe.CheckURL(cfg.WebhookURL, cfg.AllowPrivate); err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		return &discordChannel{name: name, config: cfg, client: &http.Client{Timeout: 15 * time.Second}}, nil
	}
}

type discordChannel struct {
	name   string
	config DiscordConfig
	client *http.Client
}

func (c *discordChannel) Name() string { return c.name }

func (c *discordChannel) Send(ctx context.Context, msg Message) error {
	content := "**" + msg.Title + "**"
	if msg.Text != "" {
		content += "\n" + msg.Text
	}
	if r := []rune(content); len(r) > discordLimit {
		content = string(r[:discordLimit-1]) + "…"
	}
	payload := map[string]string{"content": content}
	if c.config.Username != "" {
		payload["username"] = c.config.Username
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: "discord", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: "discord", Cause: err}
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &ErrSendFailed{Channel: c.name, Platform: "discord", Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}
