package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Courier delivers a message directly to one player. The engine never imports
// a concrete transport; the chat-platform adapter sits behind this interface.
type Courier interface {
	Deliver(ctx context.Context, userID, content string) error
}

// Mailbox is the GM fallback channel, a broadcast sink with best-effort
// ordering.
type Mailbox interface {
	Post(ctx context.Context, title, content string) error
}

type WebhookCourier struct {
	URL    string
	Client *http.Client
}

func (c *WebhookCourier) Deliver(ctx context.Context, userID, content string) error {
	return postWebhook(ctx, c.Client, c.URL, map[string]string{
		"user_id": userID,
		"content": content,
	})
}

type WebhookMailbox struct {
	URL    string
	Client *http.Client
}

func (m *WebhookMailbox) Post(ctx context.Context, title, content string) error {
	return postWebhook(ctx, m.Client, m.URL, map[string]string{
		"title":   title,
		"content": content,
	})
}

func postWebhook(ctx context.Context, client *http.Client, url string, payload map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// logMailbox stands in when no mailbox webhook is configured: escalations
// still land somewhere visible.
type logMailbox struct{}

func (logMailbox) Post(_ context.Context, title, content string) error {
	log.Info().Str("title", title).Str("content", content).Msg("gm mailbox")
	return nil
}

func newWebhookClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
