package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	appLog "clinic-scheduler/internal/log"
	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/store"
)

// CapMessage is returned when both slots hold future appointments.
const CapMessage = "Limite de agendamentos atingido. Você pode ter no máximo 2 consultas ativas."

type saveRequest struct {
	ChatID       string `json:"chat_id"`
	EventID      string `json:"google_event_id"`
	StartTimeISO string `json:"start_time_iso"`
}

type saveResponse struct {
	Status model.Status `json:"status"`
	Slot   int          `json:"slot"`
	Data   string       `json:"data"`
}

// parseInstant accepts RFC 3339 and zone-less ISO timestamps; the latter
// are read in loc.
func parseInstant(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid instant %q", v)
}

// SaveAppointment is the allocator entry point: it puts the event in the
// first free-or-expired slot under the user row lock.
func (h *Handler) SaveAppointment(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondStatus(w, http.StatusBadRequest, model.StatusError, "Parâmetros incompletos.")
		return
	}
	if req.ChatID == "" || req.EventID == "" || req.StartTimeISO == "" {
		respondStatus(w, http.StatusBadRequest, model.StatusError, "Parâmetros incompletos.")
		return
	}
	start, err := parseInstant(req.StartTimeISO, h.loc)
	if err != nil {
		respondStatus(w, http.StatusBadRequest, model.StatusError, "start_time_iso inválido.")
		return
	}

	slot, err := h.store.AssignSlot(r.Context(), req.ChatID, req.EventID, start)
	switch {
	case errors.Is(err, store.ErrSlotsFull):
		h.metrics.Slot("assign", "full")
		respondStatus(w, http.StatusConflict, model.StatusFailure, CapMessage)
		return
	case errors.Is(err, store.ErrEventTaken):
		h.metrics.Slot("assign", "duplicate")
		respondStatus(w, http.StatusConflict, model.StatusFailure, "Este agendamento já está registrado.")
		return
	case errors.Is(err, store.ErrUserNotFound):
		h.metrics.Slot("assign", "unknown_user")
		respondStatus(w, http.StatusNotFound, model.StatusFailure, "Usuário não registrado.")
		return
	case err != nil:
		h.metrics.Slot("assign", "error")
		appLog.Error("assign slot failed", err, "chat_id", req.ChatID, "event_id", req.EventID)
		respondStatus(w, http.StatusInternalServerError, model.StatusError, internalError)
		return
	}

	h.metrics.Slot("assign", "ok")
	appLog.Info("appointment saved", "chat_id", req.ChatID, "slot", slot.Index)
	respondJSON(w, http.StatusOK, saveResponse{
		Status: model.StatusSuccess,
		Slot:   slot.Index,
		Data:   slot.Start.In(h.loc).Format(model.DateHourLayout),
	})
}

type cancelRequest struct {
	ChatID string  `json:"chat_id"`
	Number flexInt `json:"numero_consulta"`
}

type cancelResponse struct {
	Status  model.Status `json:"status"`
	Message string       `json:"message"`
	EventID string       `json:"gcal_id,omitempty"`
}

func (h *Handler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil {
		respondStatus(w, http.StatusBadRequest, model.StatusError, "numero_consulta deve ser um inteiro.")
		return
	}
	if req.ChatID == "" || req.Number == 0 {
		respondStatus(w, http.StatusBadRequest, model.StatusError, "Parâmetros incompletos.")
		return
	}

	prev, err := h.store.ReleaseSlot(r.Context(), req.ChatID, int(req.Number))
	switch {
	case errors.Is(err, store.ErrInvalidSlot):
		respondStatus(w, http.StatusBadRequest, model.StatusError, "numero_consulta deve ser 1 ou 2.")
		return
	case errors.Is(err, store.ErrSlotEmpty):
		h.metrics.Slot("release", "empty")
		respondStatus(w, http.StatusNotFound, model.StatusFailure,
			fmt.Sprintf("Não encontrei agendamento ativo no slot %d para limpar.", req.Number))
		return
	case errors.Is(err, store.ErrUserNotFound):
		h.metrics.Slot("release", "unknown_user")
		respondStatus(w, http.StatusNotFound, model.StatusFailure, "Usuário não encontrado.")
		return
	case err != nil:
		h.metrics.Slot("release", "error")
		appLog.Error("release slot failed", err, "chat_id", req.ChatID, "slot", int(req.Number))
		respondStatus(w, http.StatusInternalServerError, model.StatusError, internalError)
		return
	}

	h.metrics.Slot("release", "ok")
	appLog.Info("slot released", "chat_id", req.ChatID, "slot", prev.Index)
	respondJSON(w, http.StatusOK, cancelResponse{
		Status:  model.StatusSuccess,
		Message: "Slot limpo no banco de dados.",
		EventID: prev.EventID,
	})
}

type appointmentsResponse struct {
	Status       model.Status        `json:"status"`
	Appointments []model.Appointment `json:"appointments"`
}

// ListAppointments returns the active appointments only.
func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	u, err := h.store.User(r.Context(), chatID)
	if errors.Is(err, store.ErrUserNotFound) {
		respondJSON(w, http.StatusNotFound, appointmentsResponse{Status: model.StatusNotFound, Appointments: []model.Appointment{}})
		return
	}
	if err != nil {
		appLog.Error("list appointments failed", err, "chat_id", chatID)
		respondStatus(w, http.StatusInternalServerError, model.StatusError, internalError)
		return
	}
	list := u.ActiveAppointments(h.now(), h.loc)
	if list == nil {
		list = []model.Appointment{}
	}
	respondJSON(w, http.StatusOK, appointmentsResponse{Status: model.StatusSuccess, Appointments: list})
}

type cleanupResponse struct {
	Status  model.Status `json:"status"`
	Cleared int64        `json:"slots_limpos"`
}

// Cleanup clears slots whose start is older than the grace window.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	cutoff := h.now().Add(-h.grace)
	n, err := h.store.CleanupExpired(r.Context(), cutoff)
	if err != nil {
		appLog.Error("cleanup failed", err, "cutoff", cutoff.Format(time.RFC3339))
		respondStatus(w, http.StatusInternalServerError, model.StatusError, internalError)
		return
	}
	appLog.Info("expired slots cleared", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	respondJSON(w, http.StatusOK, cleanupResponse{Status: model.StatusSuccess, Cleared: n})
}
