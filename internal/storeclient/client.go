// Package storeclient talks to the store api on behalf of the worker,
// the saga and the scheduler.
package storeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"clinic-scheduler/internal/auth"
	appLog "clinic-scheduler/internal/log"
	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/reliability"
)

var (
	ErrNotFound = errors.New("storeclient: user not found")
	ErrExists   = errors.New("storeclient: user already exists")
)

const (
	commsFailure = "Falha de comunicação com o sistema de agendamento. Tente novamente."
	tokenTTL     = 5 * time.Minute
	maxAttempts  = 3
)

type Client struct {
	base    string
	secret  string
	service string
	http    *http.Client
	backoff time.Duration
}

func New(baseURL, secret, service string, timeout time.Duration) *Client {
	return &Client{
		base:    baseURL,
		secret:  secret,
		service: service,
		http:    &http.Client{Timeout: timeout},
		backoff: 200 * time.Millisecond,
	}
}

// apiResponse is the union of the store api response bodies.
type apiResponse struct {
	Status       model.Status        `json:"status"`
	Message      string              `json:"message"`
	Slot         int                 `json:"slot"`
	Data         string              `json:"data"`
	EventID      string              `json:"gcal_id"`
	Username     string              `json:"username"`
	ChatID       string              `json:"chat_id"`
	Appointments []model.Appointment `json:"appointments"`
	Cleared      int64               `json:"slots_limpos"`
}

func (c *Client) do(ctx context.Context, method, path string, body any) (int, apiResponse, error) {
	var out apiResponse
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, out, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, out, err
	}
	tok, err := auth.MakeToken(c.service, c.secret, tokenTTL)
	if err != nil {
		return 0, out, fmt.Errorf("sign token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, out, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, out, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return resp.StatusCode, out, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, out, nil
}

// get retries idempotent reads on timeouts and retryable statuses.
func (c *Client) get(ctx context.Context, path string) (int, apiResponse, error) {
	var (
		code int
		out  apiResponse
		err  error
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return code, out, ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt-1, c.backoff, 2*time.Second)):
			}
		}
		code, out, err = c.do(ctx, http.MethodGet, path, nil)
		if err == nil && !reliability.IsRetryableHTTPStatus(code) {
			return code, out, nil
		}
		if err != nil && !reliability.IsTimeout(err) {
			return code, out, err
		}
	}
	if err == nil {
		err = fmt.Errorf("GET %s: status %d", path, code)
	}
	return code, out, err
}

// Profile fetches the user's profile with active appointments.
func (c *Client) Profile(ctx context.Context, chatID string) (*model.Profile, error) {
	code, out, err := c.get(ctx, "/user/"+url.PathEscape(chatID))
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	switch code {
	case http.StatusOK:
		return &model.Profile{ChatID: out.ChatID, Name: out.Username, Appointments: out.Appointments}, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("get profile: status %d: %s", code, out.Message)
	}
}

// Register creates the user and returns the stored name.
func (c *Client) Register(ctx context.Context, chatID, name string) (string, error) {
	code, out, err := c.do(ctx, http.MethodPost, "/user/register", map[string]string{"chat_id": chatID, "name": name})
	if err != nil {
		return "", fmt.Errorf("register: %w", err)
	}
	switch code {
	case http.StatusCreated:
		return out.Username, nil
	case http.StatusConflict:
		return "", ErrExists
	default:
		return "", fmt.Errorf("register: status %d: %s", code, out.Message)
	}
}

// Assign asks the allocator to store eventID at start. Transport failures
// come back as an ERROR result so the caller can compensate.
func (c *Client) Assign(ctx context.Context, chatID, eventID string, start time.Time) model.SlotResult {
	code, out, err := c.do(ctx, http.MethodPost, "/appointments/save", map[string]string{
		"chat_id":         chatID,
		"google_event_id": eventID,
		"start_time_iso":  start.Format(time.RFC3339),
	})
	if err != nil {
		appLog.Error("assign request failed", err, "chat_id", chatID, "event_id", eventID)
		return model.SlotResult{Status: model.StatusError, Message: commsFailure}
	}
	return toResult(code, out)
}

// Release clears the slot. The result carries the event id that was stored.
func (c *Client) Release(ctx context.Context, chatID string, slot int) model.SlotResult {
	code, out, err := c.do(ctx, http.MethodPost, "/appointments/cancel", map[string]any{
		"chat_id":         chatID,
		"numero_consulta": slot,
	})
	if err != nil {
		appLog.Error("release request failed", err, "chat_id", chatID, "slot", slot)
		return model.SlotResult{Status: model.StatusError, Message: commsFailure}
	}
	res := toResult(code, out)
	if res.Slot == 0 && res.Status.OK() {
		res.Slot = slot
	}
	return res
}

func toResult(code int, out apiResponse) model.SlotResult {
	res := model.SlotResult{Status: out.Status, Slot: out.Slot, When: out.Data, Message: out.Message}
	switch {
	case code == http.StatusOK && out.Status.OK():
	case code >= 400 && code < 500:
		res.Status = model.StatusFailure
	default:
		res.Status = model.StatusError
		if res.Message == "" {
			res.Message = commsFailure
		}
	}
	return res
}

// LogMetric appends an audit row. Failures are for the caller to log; they
// never change a user-facing outcome.
func (c *Client) LogMetric(ctx context.Context, m model.Metric) error {
	code, out, err := c.do(ctx, http.MethodPost, "/metrics/log", map[string]string{
		"cliente_id":   m.ClientID,
		"event_id":     m.EventID,
		"tipo_metrica": string(m.Type),
		"status":       string(m.Status),
		"detalhes":     m.Details,
	})
	if err != nil {
		return fmt.Errorf("log metric: %w", err)
	}
	if code != http.StatusCreated {
		return fmt.Errorf("log metric: status %d: %s", code, out.Message)
	}
	return nil
}

// Cleanup triggers the expired-slot sweep and returns the cleared count.
func (c *Client) Cleanup(ctx context.Context) (int64, error) {
	code, out, err := c.do(ctx, http.MethodPost, "/cleanup", nil)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	if code != http.StatusOK {
		return 0, fmt.Errorf("cleanup: status %d: %s", code, out.Message)
	}
	return out.Cleared, nil
}

// Metrics lists recent audit rows for a client.
func (c *Client) Metrics(ctx context.Context, clientID string, limit int) ([]model.Metric, error) {
	q := url.Values{"cliente_id": {clientID}, "limit": {strconv.Itoa(limit)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/metrics/log?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	tok, err := auth.MakeToken(c.service, c.secret, tokenTTL)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list metrics: status %d", resp.StatusCode)
	}
	var out struct {
		Metrics []model.Metric `json:"metrics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	return out.Metrics, nil
}
