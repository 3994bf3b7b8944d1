package convo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinic-scheduler/internal/availability"
	"clinic-scheduler/internal/completion"
	appLog "clinic-scheduler/internal/log"
	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/saga"
	"clinic-scheduler/internal/storeclient"
)

// ----- registration -----

func (e *Engine) register(ctx context.Context, chatID string, history []string) (outcome, error) {
	system, err := e.d.Catalog.render(promptRegister, e.today())
	if err != nil {
		return outcome{}, err
	}
	return e.runAgent(ctx, system, history, registerTools, 0.1, func(ctx context.Context, call completion.ToolCall) (*outcome, string, error) {
		if call.Function.Name != toolRegister {
			return nil, unknownTool(call), nil
		}
		var args struct {
			Name string `json:"name"`
		}
		if err := call.Decode(&args); err != nil {
			return nil, "FALHA: argumentos inválidos. Peça o nome novamente.", nil
		}
		name := strings.TrimSpace(args.Name)
		if !plausibleName(name) {
			return nil, "FALHA: nome inválido. Peça ao usuário o nome completo real.", nil
		}

		stored, err := e.d.Users.Register(ctx, chatID, name)
		if errors.Is(err, storeclient.ErrExists) {
			return nil, "FALHA: Usuário já existe. Informe o usuário.", nil
		}
		if err != nil {
			return nil, "", fmt.Errorf("register user: %w", err)
		}
		if err := e.d.Sessions.ResetConversation(ctx, chatID); err != nil {
			appLog.Warn("conversation not reset after registration", "chat_id", chatID, "err", err.Error())
		}
		appLog.Info("user registered", "chat_id", chatID)
		out := finish(fmt.Sprintf("Cadastro realizado com sucesso!\nSeja bem-vindo(a), %s! Como posso te ajudar hoje?", stored))
		return &out, "", nil
	})
}

// plausibleName rejects empty values and template placeholders.
func plausibleName(s string) bool {
	if len([]rune(s)) < 2 || strings.ContainsAny(s, "[]{}<>") {
		return false
	}
	switch strings.ToLower(s) {
	case "nome", "name", "usuário", "usuario", "user", "nome completo":
		return false
	}
	return true
}

// ----- info -----

func (e *Engine) info(ctx context.Context, p *model.Profile, history []string) (outcome, error) {
	system, err := e.d.Catalog.render(promptInfo, e.today())
	if err != nil {
		return outcome{}, err
	}
	system = fmt.Sprintf("O NOME COMPLETO do usuário é: %s.\n%s", p.Name, system)
	resp, err := e.d.LLM.Complete(ctx, completion.Request{
		Messages:    conversation(system, history),
		Temperature: completion.Temperature(0),
	})
	if err != nil {
		return outcome{}, fmt.Errorf("info agent: %w", err)
	}
	return say(textOr(resp.Content)), nil
}

// ----- date search -----

func (e *Engine) dateSearch(ctx context.Context, p *model.Profile, history []string) (outcome, error) {
	system, err := e.d.Catalog.render(promptDateSearch, e.today())
	if err != nil {
		return outcome{}, err
	}
	system = fmt.Sprintf("O NOME COMPLETO do usuário é: %s.\n%s", p.Name, system)
	return e.runAgent(ctx, system, history, dateSearchTools, 0, func(ctx context.Context, call completion.ToolCall) (*outcome, string, error) {
		switch call.Function.Name {
		case toolReset:
			return resetFrom(history), "", nil
		case toolDay:
			var args struct {
				Data string `json:"data"`
			}
			if err := call.Decode(&args); err != nil {
				return nil, "Erro: argumento 'data' inválido.", nil
			}
			out, err := e.searchDay(ctx, p.ChatID, strings.TrimSpace(args.Data))
			return &out, "", err
		case toolNext:
			out, err := e.searchNext(ctx, p.ChatID)
			return &out, "", err
		}
		return nil, unknownTool(call), nil
	})
}

func (e *Engine) searchDay(ctx context.Context, chatID, day string) (outcome, error) {
	loc := e.loc()
	if d, err := time.ParseInLocation(model.DayLayout, day, loc); err == nil {
		if e.d.Search.Past(d) {
			return say(saga.MsgPastDate), nil
		}
		if e.d.Search.Closed(d) {
			return say(saga.MsgClosedDay), nil
		}
	}

	res := e.d.Search.DayString(ctx, day)
	if res.Status != model.StatusSuccess {
		e.audit(ctx, model.Metric{
			ClientID: chatID,
			EventID:  "busca_" + day,
			Type:     model.MetricBooking,
			Status:   model.MetricFailed,
			Details:  "Falha na busca de disponibilidade. Motivo: " + res.Message,
		})
		return finish(fmt.Sprintf("Falha ao verificar horários: %s\n\nInforme uma nova data (AAAA-MM-DD).", res.Message)), nil
	}

	label := day
	if d, err := time.ParseInLocation(model.DayLayout, day, loc); err == nil {
		label = d.Format(model.DateLayout)
	}
	if len(res.Slots) == 0 {
		return finish(fmt.Sprintf("Nenhum horário disponível em *%s*.\n\nInforme outra data para verificar (AAAA-MM-DD).", label)), nil
	}

	if err := e.enterConfirm(ctx, chatID); err != nil {
		return outcome{}, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Os horários disponíveis em *%s*:\n", label)
	for _, s := range res.Slots {
		fmt.Fprintf(&b, "  - %s\n", s.Hour())
	}
	b.WriteString("Qual horário deseja agendar? (Informe o horário no formato HH:MM)")
	return say(b.String()), nil
}

func (e *Engine) searchNext(ctx context.Context, chatID string) (outcome, error) {
	res := e.d.Search.Next(ctx, e.d.SearchLimit)
	if res.Status != model.StatusSuccess {
		return finish("❌ " + res.Message), nil
	}
	if len(res.Slots) == 0 {
		return finish(res.Message), nil
	}
	if err := e.enterConfirm(ctx, chatID); err != nil {
		return outcome{}, err
	}
	return say(nextSlotsText(res.Slots)), nil
}

func nextSlotsText(slots []availability.Slot) string {
	var b strings.Builder
	b.WriteString("Próximos horários disponíveis:\n")
	for _, s := range slots {
		fmt.Fprintf(&b, "  - %s\n", s.Label())
	}
	b.WriteString("Qual deseja agendar? (Informe a data e o horário, ex: 17/03 às 10:00)")
	return b.String()
}

// enterConfirm moves the chat to DATE_CONFIRM with a fresh history; the slot
// list reply is appended by the worker afterwards.
func (e *Engine) enterConfirm(ctx context.Context, chatID string) error {
	if err := e.d.Sessions.SetStep(ctx, chatID, model.StepDateConfirm); err != nil {
		return err
	}
	return e.d.Sessions.ClearHistory(ctx, chatID)
}

// ----- date confirm -----

func (e *Engine) dateConfirm(ctx context.Context, p *model.Profile, history []string) (outcome, error) {
	system, err := e.d.Catalog.render(promptDateConfirm, e.today())
	if err != nil {
		return outcome{}, err
	}
	system = fmt.Sprintf("O NOME COMPLETO do usuário é: %s.\n%s", p.Name, system)
	return e.runAgent(ctx, system, history, dateConfirmTools, 0, func(ctx context.Context, call completion.ToolCall) (*outcome, string, error) {
		switch call.Function.Name {
		case toolReset:
			return resetFrom(history), "", nil
		case toolBook:
			var args struct {
				Start string `json:"start_time_str"`
			}
			if err := call.Decode(&args); err != nil {
				return nil, "Erro: argumento 'start_time_str' inválido.", nil
			}
			start, err := parseStart(args.Start, e.loc())
			if err != nil {
				return nil, fmt.Sprintf("Erro de formato de data: %s. Use ISO 8601 com fuso.", args.Start), nil
			}
			out, err := e.book(ctx, p, start)
			return &out, "", err
		}
		return nil, unknownTool(call), nil
	})
}

func (e *Engine) book(ctx context.Context, p *model.Profile, start time.Time) (outcome, error) {
	res := e.d.Bookings.Book(ctx, p.ChatID, p.Name, start)
	if res.Status.OK() || res.Compensated {
		// the flow ends either way: the booking exists or the allocator refused it
		if err := e.d.Sessions.ResetConversation(ctx, p.ChatID); err != nil {
			appLog.Warn("conversation not reset after booking", "chat_id", p.ChatID, "err", err.Error())
		}
		return finish(res.Message), nil
	}
	return say(res.Message), nil
}

// parseStart accepts RFC 3339 and zone-less ISO forms interpreted in loc.
func parseStart(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized instant %q", v)
}

// ----- cancel / verify -----

func (e *Engine) cancel(ctx context.Context, p *model.Profile, history []string) (outcome, error) {
	system, err := e.d.Catalog.render(promptCancel, e.today())
	if err != nil {
		return outcome{}, err
	}
	system = fmt.Sprintf("%s\n--- DADOS EM TEMPO REAL ---\nConsultas atuais deste usuário:\n%s\n---------------------------", system, appointmentList(p.Appointments))
	return e.runAgent(ctx, system, history, cancelTools, 0.1, func(ctx context.Context, call completion.ToolCall) (*outcome, string, error) {
		switch call.Function.Name {
		case toolReset:
			return resetFrom(history), "", nil
		case toolCancel:
			var args struct {
				Number int `json:"numero_consulta"`
			}
			if err := call.Decode(&args); err != nil {
				return nil, "Erro: 'numero_consulta' deve ser um número inteiro.", nil
			}
			res := e.d.Bookings.Cancel(ctx, p.ChatID, args.Number)
			switch res.Status {
			case model.StatusSuccess, model.StatusDBCleanup:
				if err := e.d.Sessions.ResetConversation(ctx, p.ChatID); err != nil {
					appLog.Warn("conversation not reset after cancel", "chat_id", p.ChatID, "err", err.Error())
				}
				out := finish(res.Message)
				return &out, "", nil
			}
			return nil, res.Message, nil
		}
		return nil, unknownTool(call), nil
	})
}

func appointmentList(appts []model.Appointment) string {
	if len(appts) == 0 {
		return MsgNoAppts
	}
	lines := make([]string, len(appts))
	for i, a := range appts {
		lines[i] = fmt.Sprintf("[%d] - Data: %s às %s", a.Number, a.Date, a.Hour)
	}
	return strings.Join(lines, "\n")
}
