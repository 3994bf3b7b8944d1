// Package gateway is the webhook ingress. It authenticates the messaging
// provider's callbacks, answers immediately and queues the raw body for the
// worker after an event-level dedup.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"clinic-scheduler/internal/auth"
	appLog "clinic-scheduler/internal/log"
	"clinic-scheduler/internal/observability"
)

const (
	SignatureHeader = "X-Webhook-Hmac"

	publishTimeout = 5 * time.Second
)

type Queue interface {
	ClaimEvent(ctx context.Context, id string) (bool, error)
	Enqueue(ctx context.Context, payload []byte) error
	Ping(ctx context.Context) error
}

type Server struct {
	queue    Queue
	verifier *auth.WebhookVerifier
	maxBody  int64
	metrics  *observability.Metrics

	inflight sync.WaitGroup
}

func New(q Queue, v *auth.WebhookVerifier, maxBody int64, m *observability.Metrics) *Server {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Server{queue: q, verifier: v, maxBody: maxBody, metrics: m}
}

func (s *Server) Router(mw ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", s.health)
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	r.Group(func(r chi.Router) {
		r.Use(mw...)
		r.Post("/webhook", s.Webhook)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.queue.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Webhook reads at most maxBody bytes, checks the signature and acknowledges
// before publishing, so provider latency never depends on Redis.
func (s *Server) Webhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.metrics.Webhook("bad_body")
		appLog.Warn("webhook body rejected", "err", err.Error())
		http.Error(w, "invalid body or size limit exceeded", http.StatusBadRequest)
		return
	}
	if !s.verifier.Verify(body, r.Header.Get(SignatureHeader)) {
		s.metrics.Webhook("forbidden")
		appLog.Warn("webhook signature missing or invalid", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		s.publish(ctx, body)
	}()
}

func (s *Server) publish(ctx context.Context, body []byte) {
	if id := eventID(body); id == "" {
		appLog.Debug("event without id, publishing without dedup")
	} else {
		fresh, err := s.queue.ClaimEvent(ctx, id)
		switch {
		case err != nil:
			// publish anyway; the worker dedups on the message id
			appLog.Error("event dedup failed, publishing", err, "event_id", id)
		case !fresh:
			s.metrics.Webhook("duplicate")
			appLog.Info("duplicate event dropped", "event_id", id)
			return
		}
	}
	if err := s.queue.Enqueue(ctx, body); err != nil {
		s.metrics.Webhook("publish_failed")
		appLog.Error("event not queued", err)
		return
	}
	s.metrics.Webhook("queued")
}

// Wait blocks until every accepted event has been published or dropped.
func (s *Server) Wait() { s.inflight.Wait() }

func eventID(body []byte) string {
	var e struct {
		ID      string `json:"id"`
		Payload struct {
			ID string `json:"id"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	if e.ID != "" {
		return e.ID
	}
	return e.Payload.ID
}
