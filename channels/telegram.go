package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kibak812/taxupdater/netsafe"
)

// TelegramConfig is the per-channel JSON config of a Telegram bot.
type TelegramConfig struct {
	// BotToken is the bot API token from @BotFather.
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
	// APIBase overrides https://api.telegram.org (tests, local bot servers).
	APIBase string `json:"api_base,omitempty"`
}

// TelegramFactory returns a Factory posting through the bot API sendMessage
// method.
//
//	{"bot_token": "123456:ABC-DEF", "chat_id": "-100123"}
func TelegramFactory() Factory {
	return func(name string, config json.RawMessage) (Channel, error) {
		var cfg TelegramConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("telegram: parse config: %w", err)
		}
		if cfg.BotToken == "" || cfg.ChatID == "" {
			return nil, fmt.Errorf("telegram: bot_token and chat_id are required")
		}
		if cfg.APIBase == "" {
			cfg.APIBase = "https://api.telegram.org"
		}
		return &telegramChannel{name: name, config: cfg, client: &http.Client{Timeout: 15 * time.Second}}, nil
	}
}

type telegramChannel struct {
	name   string
	config TelegramConfig
	client *http.Client
}

func (c *telegramChannel) Name() string { return c.name }

func (c *telegramChannel) Send(ctx context.Context, msg Message) error {
	text := msg.Title
	if msg.Text != "" {
		text += "\n\n" + msg.Text
	}
	body, _ := json.Marshal(map[string]any{
		"chat_id":                  c.config.ChatID,
		"text":                     text,
		"disable_web_page_preview": true,
	})
	endpoint := strings.TrimRight(c.config.APIBase, "/") + "/bot" + c.config.BotToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: "telegram", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: "telegram", Cause: err}
	}
	defer resp.Body.Close()
	data, err := netsafe.ReadAll(resp.Body, 1<<20)
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: "telegram", Cause: err}
	}
	var out struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(data, &out); err != nil || !out.OK {
		return &ErrSendFailed{Channel: c.name, Platform: "telegram",
			Cause: fmt.Errorf("status %d: %s", resp.StatusCode, out.Description)}
	}
	return nil
}
