// Package messaging sends WhatsApp messages through a WAHA instance.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	appLog "clinic-scheduler/internal/log"
)

type Presence string

const (
	PresenceTyping Presence = "typing"
	PresencePaused Presence = "paused"

	presenceTimeout = time.Second
)

// Support is the contact card sent when something goes wrong.
type Support struct {
	WAID     string
	FullName string
}

// VCard renders the contact in vCard 3.0.
func (s Support) VCard() string {
	return fmt.Sprintf("BEGIN:VCARD\nVERSION:3.0\nFN:%s\nTEL;type=CELL;waid=%s:+%s\nEND:VCARD", s.FullName, s.WAID, s.WAID)
}

type Client struct {
	base    string
	key     string
	session string
	support Support
	http    *http.Client
}

func New(baseURL, apiKey, session string, support Support, timeout time.Duration) *Client {
	if session == "" {
		session = "default"
	}
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		key:     apiKey,
		session: session,
		support: support,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) post(ctx context.Context, method, path string, body any) (int, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("X-Api-Key", c.key)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

func ok(code int) bool { return code >= 200 && code < 300 }

// SendText delivers a text message to chatID.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	code, err := c.post(ctx, http.MethodPost, "/api/sendText", map[string]string{
		"chatId":  chatID,
		"text":    text,
		"session": c.session,
	})
	if err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	if !ok(code) {
		if code == http.StatusUnauthorized {
			appLog.Warn("waha rejected the api key", "session", c.session)
		}
		return fmt.Errorf("send text: status %d", code)
	}
	return nil
}

// SetPresence is best-effort and bounded to one second; errors are only logged.
func (c *Client) SetPresence(ctx context.Context, chatID string, p Presence) {
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	path := "/api/" + url.PathEscape(c.session) + "/presence"
	code, err := c.post(ctx, http.MethodPost, path, map[string]string{"chatId": chatID, "presence": string(p)})
	if err != nil || !ok(code) {
		appLog.Debug("presence not updated", "chat_id", chatID, "presence", p, "status", code)
	}
}

// SendSupportContact sends the configured support vCard.
func (c *Client) SendSupportContact(ctx context.Context, chatID string) error {
	if c.support.WAID == "" {
		return nil
	}
	code, err := c.post(ctx, http.MethodPost, "/api/sendContactVcard", map[string]any{
		"chatId":   chatID,
		"contacts": []map[string]string{{"vcard": c.support.VCard()}},
		"session":  c.session,
	})
	if err != nil {
		return fmt.Errorf("send support contact: %w", err)
	}
	if !ok(code) {
		return fmt.Errorf("send support contact: status %d", code)
	}
	return nil
}

// Webhook is the session webhook configuration pushed by ConfigureSession.
type Webhook struct {
	URL     string
	Events  []string
	HMACKey string
}

// ConfigureSession points the session webhook at the gateway with an
// HMAC-SHA512 signature header, then starts the session. A 422 on either
// call means the session already exists or is already running.
func (c *Client) ConfigureSession(ctx context.Context, hook Webhook) error {
	cfg := map[string]any{
		"url":    hook.URL,
		"events": hook.Events,
	}
	if hook.HMACKey != "" {
		cfg["hmac"] = map[string]string{"key": hook.HMACKey, "algorithm": "sha512", "header": "X-Webhook-Hmac"}
	}
	base := "/api/sessions/" + url.PathEscape(c.session)
	code, err := c.post(ctx, http.MethodPut, base, map[string]any{
		"config": map[string]any{"webhooks": []any{cfg}},
	})
	if err != nil {
		return fmt.Errorf("configure session: %w", err)
	}
	if !ok(code) && code != http.StatusUnprocessableEntity {
		return fmt.Errorf("configure session: status %d", code)
	}

	code, err = c.post(ctx, http.MethodPost, base+"/start", nil)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if !ok(code) && code != http.StatusUnprocessableEntity {
		return fmt.Errorf("start session: status %d", code)
	}
	appLog.Info("waha session ready", "session", c.session, "webhook", hook.URL)
	return nil
}
