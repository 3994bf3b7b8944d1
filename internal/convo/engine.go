// Package convo is the conversation state machine. Each turn is dispatched
// on the chat's current step to an agent backed by a chat completion model.
// An agent either replies or asks for a reroute, in which case the engine
// clears the session and classifies the last utterance again from NONE.
package convo

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"clinic-scheduler/internal/availability"
	"clinic-scheduler/internal/cache"
	"clinic-scheduler/internal/completion"
	appLog "clinic-scheduler/internal/log"
	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/observability"
	"clinic-scheduler/internal/saga"
)

type Completer interface {
	Complete(ctx context.Context, req completion.Request) (*completion.Response, error)
}

// Profiles returns the user's profile, or nil when the user is not registered.
type Profiles interface {
	Profile(ctx context.Context, chatID string) (*model.Profile, error)
}

type Registrar interface {
	Register(ctx context.Context, chatID, name string) (string, error)
}

type Sessions interface {
	SetStep(ctx context.Context, chatID string, step model.Step) error
	ClearHistory(ctx context.Context, chatID string) error
	ResetConversation(ctx context.Context, chatID string) error
}

type Searcher interface {
	DayString(ctx context.Context, v string) availability.Result
	Next(ctx context.Context, limit int) availability.Result
	Past(t time.Time) bool
	Closed(t time.Time) bool
	Location() *time.Location
}

type Booker interface {
	Book(ctx context.Context, chatID, name string, start time.Time) saga.Outcome
	Cancel(ctx context.Context, chatID string, number int) saga.Outcome
}

type Auditor interface {
	LogMetric(ctx context.Context, m model.Metric) error
}

// User-facing texts that do not come from the model.
const (
	MsgApology  = "Desculpe, ocorreu um erro técnico inesperado no nosso sistema. Por favor, entre em contato diretamente com nosso suporte."
	MsgHandoff  = "Ok, solicitação registrada. Um de nossos atendentes entrará em contato com você em breve. A partir de agora, o assistente automático não responderá mais às suas mensagens."
	MsgFallback = "Desculpe, não entendi. Pode repetir de outra forma?"
	MsgNoAppts  = "Nenhuma consulta agendada."

	defaultUtterance = "menu"
	maxReroutes      = 3
)

// Turn is one inbound message with the chat's state at that moment.
type Turn struct {
	ChatID  string
	Step    model.Step
	History []string // oldest first, "[User]: ..." / "[Bot]: ..."
}

// Reply is what the worker sends back. Complete means the flow that produced
// it has ended and the reply is not added to history. Handoff hands the chat
// to a person. SupportCard asks the worker to also send the support contact.
type Reply struct {
	Text        string
	Complete    bool
	Handoff     bool
	SupportCard bool
}

// outcome is either a reply or a reroute carrying the utterance to classify again.
type outcome struct {
	reply   Reply
	reroute bool
	replay  string
}

func say(text string) outcome      { return outcome{reply: Reply{Text: text}} }
func finish(text string) outcome   { return outcome{reply: Reply{Text: text, Complete: true}} }
func reroute(utter string) outcome { return outcome{reroute: true, replay: utter} }

type Deps struct {
	LLM      Completer
	Profiles Profiles
	Users    Registrar
	Sessions Sessions
	Search   Searcher
	Bookings Booker
	Audit    Auditor
	Metrics  *observability.Metrics
	Catalog  *Catalog
	// SearchLimit is how many slots the next-available search returns.
	SearchLimit int
}

type Engine struct {
	d   Deps
	now func() time.Time
}

func New(d Deps) *Engine {
	if d.Catalog == nil {
		d.Catalog = DefaultCatalog()
	}
	if d.SearchLimit <= 0 {
		d.SearchLimit = 3
	}
	return &Engine{d: d, now: time.Now}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) loc() *time.Location {
	if e.d.Search != nil && e.d.Search.Location() != nil {
		return e.d.Search.Location()
	}
	return time.UTC
}

func (e *Engine) today() time.Time { return e.now().In(e.loc()) }

// Respond never fails: errors and panics become an apology with the support card.
func (e *Engine) Respond(ctx context.Context, t Turn) (r Reply) {
	defer func() {
		if rec := recover(); rec != nil {
			appLog.Error("panic while dispatching turn", fmt.Errorf("%v", rec), "chat_id", t.ChatID, "stack", string(debug.Stack()))
			r = failure()
		}
	}()

	step, history := t.Step, t.History
	for n := 0; ; n++ {
		out, err := e.dispatch(ctx, t.ChatID, step, history)
		if err != nil {
			appLog.Error("turn dispatch failed", err, "chat_id", t.ChatID, "step", step)
			return failure()
		}
		if !out.reroute {
			return out.reply
		}
		if n >= maxReroutes {
			appLog.Warn("reroute limit reached", "chat_id", t.ChatID, "utterance", out.replay)
			return Reply{Text: MsgFallback, Complete: true}
		}
		e.d.Metrics.Reroute()
		if err := e.d.Sessions.ResetConversation(ctx, t.ChatID); err != nil {
			appLog.Error("reset before reroute failed", err, "chat_id", t.ChatID)
			return failure()
		}
		appLog.Debug("rerouting", "chat_id", t.ChatID, "from", step, "utterance", out.replay)
		step, history = model.StepNone, []string{fmt.Sprintf("[%s]: %s", cache.RoleUser, out.replay)}
	}
}

func failure() Reply {
	return Reply{Text: MsgApology, Complete: true, SupportCard: true}
}

func (e *Engine) dispatch(ctx context.Context, chatID string, step model.Step, history []string) (outcome, error) {
	if step == model.StepHandoff {
		return outcome{reply: Reply{Text: MsgHandoff, Handoff: true}}, nil
	}

	p, err := e.d.Profiles.Profile(ctx, chatID)
	if err != nil {
		return outcome{}, fmt.Errorf("load profile: %w", err)
	}
	if p == nil {
		return e.register(ctx, chatID, history)
	}

	switch step {
	case model.StepDateSearch:
		return e.dateSearch(ctx, p, history)
	case model.StepDateConfirm:
		return e.dateConfirm(ctx, p, history)
	case model.StepCancelVerify:
		return e.cancel(ctx, p, history)
	}

	intent, err := e.route(ctx, history)
	if err != nil {
		return outcome{}, err
	}
	appLog.Debug("intent classified", "chat_id", chatID, "intent", intent)
	switch intent {
	case intentBook:
		if err := e.d.Sessions.SetStep(ctx, chatID, model.StepDateSearch); err != nil {
			return outcome{}, err
		}
		return e.dateSearch(ctx, p, history)
	case intentCancel:
		if err := e.d.Sessions.SetStep(ctx, chatID, model.StepCancelVerify); err != nil {
			return outcome{}, err
		}
		return e.cancel(ctx, p, history)
	case intentHandoff:
		if err := e.d.Sessions.SetStep(ctx, chatID, model.StepHandoff); err != nil {
			return outcome{}, err
		}
		return outcome{reply: Reply{Text: MsgHandoff, Handoff: true}}, nil
	default:
		return e.info(ctx, p, history)
	}
}

// route classifies the conversation. Anything unrecognized is info.
func (e *Engine) route(ctx context.Context, history []string) (string, error) {
	system, err := e.d.Catalog.render(promptRouter, e.today())
	if err != nil {
		return "", err
	}
	resp, err := e.d.LLM.Complete(ctx, completion.Request{
		Messages:    conversation(system, history),
		Temperature: completion.Temperature(0),
	})
	if err != nil {
		return "", fmt.Errorf("route intent: %w", err)
	}
	answer := strings.Trim(strings.TrimSpace(resp.Content), "`'\". ")
	// order matters: the handoff token wins when several appear
	for _, intent := range []string{intentHandoff, intentBook, intentCancel, intentInfo} {
		if strings.Contains(answer, intent) {
			return intent, nil
		}
	}
	return intentInfo, nil
}

func conversation(system string, history []string) []completion.Message {
	return []completion.Message{
		{Role: completion.RoleSystem, Content: system},
		{Role: completion.RoleUser, Content: strings.Join(history, "\n")},
	}
}

// toolHandler runs one tool call. A non-nil outcome ends the turn; otherwise
// content is fed back to the model.
type toolHandler func(ctx context.Context, call completion.ToolCall) (*outcome, string, error)

// runAgent performs one completion with tools. When the model calls tools
// their results are sent back for a final text answer, unless a handler
// ends the turn first.
func (e *Engine) runAgent(ctx context.Context, system string, history []string, tools []completion.Tool, temp float64, handle toolHandler) (outcome, error) {
	msgs := conversation(system, history)
	resp, err := e.d.LLM.Complete(ctx, completion.Request{Messages: msgs, Tools: tools, Temperature: completion.Temperature(temp)})
	if err != nil {
		return outcome{}, err
	}
	if len(resp.ToolCalls) == 0 {
		return say(textOr(resp.Content)), nil
	}

	assistant := resp.Message
	if assistant.Role == "" {
		assistant.Role = completion.RoleAssistant
	}
	msgs = append(msgs, assistant)
	for _, call := range resp.ToolCalls {
		out, content, err := handle(ctx, call)
		if err != nil {
			return outcome{}, err
		}
		if out != nil {
			return *out, nil
		}
		msgs = append(msgs, completion.Message{
			Role:       completion.RoleTool,
			ToolCallID: call.ID,
			Name:       call.Function.Name,
			Content:    content,
		})
	}

	final, err := e.d.LLM.Complete(ctx, completion.Request{Messages: msgs})
	if err != nil {
		return outcome{}, err
	}
	return say(textOr(final.Content)), nil
}

func textOr(s string) string {
	if strings.TrimSpace(s) == "" {
		return MsgFallback
	}
	return s
}

// resetFrom builds the reroute for finalizar_user: the last user line of history.
func resetFrom(history []string) *outcome {
	utter := cache.LastUserLine(history)
	if utter == "" {
		utter = defaultUtterance
	}
	out := reroute(utter)
	return &out
}

var errUnknownTool = errors.New("unknown tool")

func unknownTool(call completion.ToolCall) string {
	appLog.Warn("model called an unknown tool", "tool", call.Function.Name)
	return fmt.Sprintf("Erro: %v %q.", errUnknownTool, call.Function.Name)
}

func (e *Engine) audit(ctx context.Context, m model.Metric) {
	if e.d.Audit == nil {
		return
	}
	if err := e.d.Audit.LogMetric(ctx, m); err != nil {
		appLog.Warn("audit write failed", "chat_id", m.ClientID, "err", err.Error())
	}
}
