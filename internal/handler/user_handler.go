package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"clinic-scheduler/internal/calendar"
	appLog "clinic-scheduler/internal/log"
	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/store"
)

type profileResponse struct {
	Status model.Status `json:"status"`
	model.Profile
}

// GetUser returns the profile with only future appointments, earliest first.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	u, err := h.store.User(r.Context(), chatID)
	if errors.Is(err, store.ErrUserNotFound) {
		respondStatus(w, http.StatusNotFound, model.StatusNotFound, "Usuário não registrado.")
		return
	}
	if err != nil {
		appLog.Error("get user failed", err, "chat_id", chatID)
		respondStatus(w, http.StatusInternalServerError, model.StatusError, internalError)
		return
	}
	p := u.Profile(h.now(), h.loc)
	if p.Appointments == nil {
		p.Appointments = []model.Appointment{}
	}
	respondJSON(w, http.StatusOK, profileResponse{Status: model.StatusSuccess, Profile: p})
}

type registerRequest struct {
	ChatID string `json:"chat_id"`
	Name   string `json:"name"`
}

type registerResponse struct {
	Status   model.Status `json:"status"`
	Message  string       `json:"message"`
	Username string       `json:"username"`
}

func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondStatus(w, http.StatusBadRequest, model.StatusFailure, "Payload inválido.")
		return
	}
	req.ChatID = strings.TrimSpace(req.ChatID)
	req.Name = strings.TrimSpace(req.Name)
	if req.ChatID == "" || req.Name == "" {
		respondStatus(w, http.StatusBadRequest, model.StatusFailure, "Campos 'chat_id' e 'name' são obrigatórios.")
		return
	}

	u, err := h.store.CreateUser(r.Context(), req.ChatID, req.Name)
	if errors.Is(err, store.ErrUserExists) {
		respondStatus(w, http.StatusConflict, model.StatusFailure, "Usuário já existe.")
		return
	}
	if err != nil {
		appLog.Error("register user failed", err, "chat_id", req.ChatID)
		respondStatus(w, http.StatusInternalServerError, model.StatusError, "Erro interno do servidor.")
		return
	}
	appLog.Info("user registered", "chat_id", u.ChatID)
	respondJSON(w, http.StatusCreated, registerResponse{
		Status:   model.StatusSuccess,
		Message:  "Usuário registrado com sucesso.",
		Username: u.Name,
	})
}

// ExportAppointments serves the user's active appointments as text/calendar.
func (h *Handler) ExportAppointments(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	u, err := h.store.User(r.Context(), chatID)
	if errors.Is(err, store.ErrUserNotFound) {
		respondStatus(w, http.StatusNotFound, model.StatusNotFound, "Usuário não registrado.")
		return
	}
	if err != nil {
		appLog.Error("ics export failed", err, "chat_id", chatID)
		respondStatus(w, http.StatusInternalServerError, model.StatusError, internalError)
		return
	}
	now := h.now()
	body := calendar.ExportICS(u.Profile(now, h.loc), h.length, now)
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
