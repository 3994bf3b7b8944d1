package handler

import (
	"net/http"
	"strconv"
	"strings"

	appLog "clinic-scheduler/internal/log"
	"clinic-scheduler/internal/model"
)

type metricRequest struct {
	ClientID string             `json:"cliente_id"`
	EventID  string             `json:"event_id"`
	Type     model.MetricType   `json:"tipo_metrica"`
	Status   model.MetricStatus `json:"status"`
	Details  string             `json:"detalhes"`
}

type metricResponse struct {
	Status  model.Status `json:"status"`
	Message string       `json:"message"`
	ID      string       `json:"id"`
}

// LogMetric appends one audit row.
func (h *Handler) LogMetric(w http.ResponseWriter, r *http.Request) {
	var req metricRequest
	if err := decodeJSON(r, &req); err != nil {
		respondStatus(w, http.StatusBadRequest, model.StatusFailure, "Campos obrigatórios ausentes.")
		return
	}
	if strings.TrimSpace(req.ClientID) == "" || strings.TrimSpace(req.EventID) == "" || req.Type == "" {
		respondStatus(w, http.StatusBadRequest, model.StatusFailure, "Campos obrigatórios ausentes.")
		return
	}
	if !req.Type.Valid() {
		respondStatus(w, http.StatusBadRequest, model.StatusFailure, "tipo_metrica inválido.")
		return
	}
	if req.Status == "" {
		req.Status = model.MetricSuccess
	}
	if !req.Status.Valid() {
		respondStatus(w, http.StatusBadRequest, model.StatusFailure, "status inválido.")
		return
	}

	m := &model.Metric{
		ClientID: req.ClientID,
		EventID:  req.EventID,
		Type:     req.Type,
		Status:   req.Status,
		Details:  req.Details,
	}
	if err := h.store.LogMetric(r.Context(), m); err != nil {
		appLog.Error("log metric failed", err, "cliente_id", req.ClientID, "tipo", string(req.Type))
		respondStatus(w, http.StatusInternalServerError, model.StatusError, "Erro interno no BaaS.")
		return
	}
	respondJSON(w, http.StatusCreated, metricResponse{Status: model.StatusSuccess, Message: "Métrica registrada.", ID: m.ID})
}

type metricsResponse struct {
	Status  model.Status   `json:"status"`
	Metrics []model.Metric `json:"metrics"`
}

// ListMetrics returns the newest audit rows for ?cliente_id=, capped by ?limit= (default 50).
func (h *Handler) ListMetrics(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.URL.Query().Get("cliente_id"))
	if clientID == "" {
		respondStatus(w, http.StatusBadRequest, model.StatusFailure, "cliente_id é obrigatório.")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			respondStatus(w, http.StatusBadRequest, model.StatusFailure, "limit inválido.")
			return
		}
		limit = n
	}
	list, err := h.store.Metrics(r.Context(), clientID, limit)
	if err != nil {
		appLog.Error("list metrics failed", err, "cliente_id", clientID)
		respondStatus(w, http.StatusInternalServerError, model.StatusError, "Erro interno no BaaS.")
		return
	}
	if list == nil {
		list = []model.Metric{}
	}
	respondJSON(w, http.StatusOK, metricsResponse{Status: model.StatusSuccess, Metrics: list})
}
