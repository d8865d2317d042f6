// Package notify delivers alert intents to the configured channels. The
// control loops emit intents through the Notifier interface; delivery here
// is best effort and never blocks a control decision.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"minerfleet/config"
)

const sendTimeout = 10 * time.Second

// Notifier is one delivery sink.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// Noop swallows every intent. Used when no channel is configured.
type Noop struct{}

func (Noop) Notify(ctx context.Context, title, message string) error { return nil }

// Multi fans an intent out to several sinks, returning the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, title, message string) error {
	var firstErr error
	for _, n := range m {
		if err := n.Notify(ctx, title, message); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FromConfig assembles the sink stack from the notify settings.
func FromConfig(cfg *config.Config, log *slog.Logger) Notifier {
	var sinks Multi
	if cfg.Notify.TelegramBotToken != "" && cfg.Notify.TelegramChatID != "" {
		sinks = append(sinks, NewTelegram(cfg.Notify.TelegramBotToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		sinks = append(sinks, NewDiscord(cfg.Notify.DiscordWebhookURL))
	}
	if len(sinks) == 0 {
		if log != nil {
			log.Debug("no notification channels configured")
		}
		return Noop{}
	}
	return sinks
}

// Telegram posts through the bot sendMessage API.
type Telegram struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

func NewTelegram(token, chatID string) *Telegram {
	return NewTelegramWithBase("https://api.telegram.org", token, chatID)
}

func NewTelegramWithBase(baseURL, token, chatID string) *Telegram {
	return &Telegram{
		baseURL: baseURL,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: sendTimeout},
	}
}

func (t *Telegram) Notify(ctx context.Context, title, message string) error {
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    fmt.Sprintf("*%s*\n%s", title, message),
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	return postJSON(ctx, t.client, url, payload)
}

// Discord posts to a channel webhook.
type Discord struct {
	webhookURL string
	client     *http.Client
}

func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: sendTimeout},
	}
}

func (d *Discord) Notify(ctx context.Context, title, message string) error {
	payload := map[string]string{
		"content": fmt.Sprintf("**%s**\n%s", title, message),
	}
	return postJSON(ctx, d.client, d.webhookURL, payload)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}
