// Package worker consumes inbound WhatsApp messages from the Redis queue and
// answers them through the conversation engine.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"clinic-scheduler/internal/cache"
	"clinic-scheduler/internal/convo"
	appLog "clinic-scheduler/internal/log"
	"clinic-scheduler/internal/messaging"
	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/observability"
	"clinic-scheduler/internal/reliability"
)

const (
	MsgTextOnly = "Olá! Por favor, *envie sua mensagem como texto digitado* para que eu possa processá-la. Não consigo processar áudios, imagens, vídeos ou outros formatos no momento. Obrigado pela compreensão!"
	MsgInfra    = "Nosso sistema de comunicação e fila de mensagens está com falhas. Por favor, entre em contato diretamente com nosso suporte."

	historyWindow  = 10
	processTimeout = 2 * time.Minute
)

type Messenger interface {
	SendText(ctx context.Context, chatID, text string) error
	SetPresence(ctx context.Context, chatID string, p messaging.Presence)
	SendSupportContact(ctx context.Context, chatID string) error
}

type Responder interface {
	Respond(ctx context.Context, t convo.Turn) convo.Reply
}

// Options tune the consume loop. Zero values take the defaults.
type Options struct {
	PollTimeout time.Duration // BLPOP wait
	MaxAttempts int64         // deliveries before a message is dropped
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (o *Options) defaults() {
	if o.PollTimeout <= 0 {
		o.PollTimeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
}

type Worker struct {
	cache   *cache.Cache
	msg     Messenger
	engine  Responder
	metrics *observability.Metrics
	opts    Options
}

func New(c *cache.Cache, msg Messenger, engine Responder, m *observability.Metrics, opts Options) *Worker {
	opts.defaults()
	return &Worker{cache: c, msg: msg, engine: engine, metrics: m, opts: opts}
}

// envelope is the WAHA webhook body as queued by the gateway.
type envelope struct {
	ID      string `json:"id"`
	Payload struct {
		ID   string `json:"id"`
		From string `json:"from"`
		Body string `json:"body"`
		Data struct {
			Type string `json:"type"`
		} `json:"_data"`
	} `json:"payload"`
}

// Message is the part of an inbound event the worker acts on.
type Message struct {
	ID     string
	ChatID string
	Text   string
	Type   string
}

// Decode extracts the message from a queued payload.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("decode payload: %w", err)
	}
	id := env.Payload.ID
	if id == "" {
		id = env.ID
	}
	return Message{
		ID:     id,
		ChatID: env.Payload.From,
		Text:   strings.TrimSpace(env.Payload.Body),
		Type:   env.Payload.Data.Type,
	}, nil
}

// Run consumes the queue until ctx is cancelled. Queue errors back off
// exponentially; processing errors are handled per message.
func (w *Worker) Run(ctx context.Context) error {
	appLog.Info("worker started", "queue", cache.QueueKey)
	failures := 0
	for {
		if ctx.Err() != nil {
			appLog.Info("worker stopped")
			return nil
		}
		raw, err := w.cache.Dequeue(ctx, w.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			wait := reliability.ExponentialBackoff(failures, w.opts.BackoffBase, w.opts.BackoffCap)
			failures++
			appLog.Error("queue read failed", err, "retry_in", wait.String())
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			continue
		}
		failures = 0
		if raw == nil {
			continue
		}
		// an accepted message finishes even during shutdown
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), processTimeout)
		if err := w.Process(pctx, raw); err != nil {
			appLog.Warn("message not processed", "err", err.Error())
		}
		cancel()
	}
}

// Process handles one queued payload. Malformed, duplicate and non-text
// messages are consumed without error. An infrastructure failure notifies
// the user, releases the dedup claim and re-enqueues the payload until the
// attempt limit is reached.
func (w *Worker) Process(ctx context.Context, raw []byte) error {
	m, err := Decode(raw)
	if err != nil {
		w.metrics.Message("malformed")
		appLog.Warn("dropping undecodable payload", "err", err.Error())
		return nil
	}
	if m.ID == "" || m.ChatID == "" {
		w.metrics.Message("no_id")
		appLog.Debug("dropping payload without message id")
		return nil
	}

	claimed, err := w.cache.ClaimMessage(ctx, m.ID)
	if err != nil {
		return w.fail(ctx, raw, m, err)
	}
	if !claimed {
		w.metrics.Message("duplicate")
		appLog.Info("duplicate message dropped", "message_id", m.ID)
		return nil
	}

	if m.Type != "chat" {
		w.metrics.Message("unsupported")
		appLog.Info("non-text message rejected", "chat_id", m.ChatID, "type", m.Type)
		if err := w.msg.SendText(ctx, m.ChatID, MsgTextOnly); err != nil {
			appLog.Warn("text-only notice not sent", "chat_id", m.ChatID, "err", err.Error())
		}
		return nil
	}

	if err := w.handle(ctx, m); err != nil {
		return w.fail(ctx, raw, m, err)
	}
	if err := w.cache.ClearAttempts(ctx, m.ID); err != nil {
		appLog.Debug("attempt counter not cleared", "message_id", m.ID, "err", err.Error())
	}
	w.metrics.Message("ok")
	return nil
}

func (w *Worker) handle(ctx context.Context, m Message) error {
	step, err := w.cache.Step(ctx, m.ChatID)
	if err != nil {
		return err
	}
	if step == model.StepHandoff {
		w.metrics.Message("handoff")
		appLog.Debug("chat is with a human, ignoring", "chat_id", m.ChatID)
		return nil
	}

	if err := w.cache.AppendHistory(ctx, m.ChatID, cache.RoleUser, m.Text); err != nil {
		return err
	}
	if err := w.cache.TouchSession(ctx, m.ChatID); err != nil {
		return err
	}
	history, err := w.cache.RecentHistory(ctx, m.ChatID, historyWindow)
	if err != nil {
		return err
	}

	w.msg.SetPresence(ctx, m.ChatID, messaging.PresenceTyping)
	reply := w.engine.Respond(ctx, convo.Turn{ChatID: m.ChatID, Step: step, History: history})
	w.msg.SetPresence(ctx, m.ChatID, messaging.PresencePaused)

	if err := w.msg.SendText(ctx, m.ChatID, reply.Text); err != nil {
		return err
	}
	if reply.SupportCard {
		if err := w.msg.SendSupportContact(ctx, m.ChatID); err != nil {
			appLog.Warn("support contact not sent", "chat_id", m.ChatID, "err", err.Error())
		}
	}

	switch {
	case reply.Handoff:
		if err := w.cache.ClearHistory(ctx, m.ChatID); err != nil {
			appLog.Warn("history not cleared on handoff", "chat_id", m.ChatID, "err", err.Error())
		}
		appLog.Info("chat handed off", "chat_id", m.ChatID)
	case reply.Complete:
		appLog.Debug("flow completed", "chat_id", m.ChatID)
	default:
		if err := w.cache.AppendHistory(ctx, m.ChatID, cache.RoleBot, reply.Text); err != nil {
			appLog.Warn("bot reply not stored", "chat_id", m.ChatID, "err", err.Error())
		}
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, raw []byte, m Message, cause error) error {
	appLog.Error("message processing failed", cause, "chat_id", m.ChatID, "message_id", m.ID)

	n, err := w.cache.Attempt(ctx, m.ID)
	if err != nil {
		appLog.Warn("attempt not counted", "message_id", m.ID, "err", err.Error())
		n = 1
	}
	if n == 1 {
		if err := w.msg.SendText(ctx, m.ChatID, MsgInfra); err != nil {
			appLog.Warn("failure notice not sent", "chat_id", m.ChatID, "err", err.Error())
		}
		if err := w.msg.SendSupportContact(ctx, m.ChatID); err != nil {
			appLog.Warn("support contact not sent", "chat_id", m.ChatID, "err", err.Error())
		}
	}
	if err := w.cache.ReleaseMessage(ctx, m.ID); err != nil {
		appLog.Warn("dedup claim not released", "message_id", m.ID, "err", err.Error())
	}
	if n >= w.opts.MaxAttempts {
		w.metrics.Message("dead_letter")
		appLog.Error("giving up on message", cause, "message_id", m.ID, "attempts", n)
		return fmt.Errorf("message %s dropped after %d attempts: %w", m.ID, n, cause)
	}
	if err := w.cache.Enqueue(ctx, raw); err != nil {
		w.metrics.Message("lost")
		return fmt.Errorf("re-enqueue %s: %w", m.ID, err)
	}
	w.metrics.Message("requeued")
	appLog.Warn("message re-enqueued", "message_id", m.ID, "attempt", n)
	return fmt.Errorf("process %s: %w", m.ID, cause)
}
