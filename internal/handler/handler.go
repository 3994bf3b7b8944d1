package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/observability"
)

// Store is the repository the api serves. Both the postgres store and the
// in-memory store satisfy it.
type Store interface {
	Ping(ctx context.Context) error
	CreateUser(ctx context.Context, chatID, name string) (*model.User, error)
	User(ctx context.Context, chatID string) (*model.User, error)
	AssignSlot(ctx context.Context, chatID, eventID string, start time.Time) (model.Slot, error)
	ReleaseSlot(ctx context.Context, chatID string, slot int) (model.Slot, error)
	CleanupExpired(ctx context.Context, cutoff time.Time) (int64, error)
	LogMetric(ctx context.Context, m *model.Metric) error
	Metrics(ctx context.Context, clientID string, limit int) ([]model.Metric, error)
}

type Handler struct {
	store   Store
	loc     *time.Location
	grace   time.Duration
	length  time.Duration
	metrics *observability.Metrics
	now     func() time.Time
}

type Options struct {
	Location *time.Location
	// CleanupGrace is how long past its start a slot survives a cleanup run.
	CleanupGrace time.Duration
	// AppointmentLength is used for the ics export.
	AppointmentLength time.Duration
	Metrics           *observability.Metrics
}

func New(st Store, opts Options) *Handler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.AppointmentLength <= 0 {
		opts.AppointmentLength = time.Hour
	}
	return &Handler{
		store:   st,
		loc:     opts.Location,
		grace:   opts.CleanupGrace,
		length:  opts.AppointmentLength,
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (h *Handler) SetClock(now func() time.Time) { h.now = now }

// Router builds the api with recovery, request metrics and the given
// middleware ahead of every route.
func (h *Handler) Router(mw ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(h.instrument)
	r.Use(mw...)
	h.Routes(r)
	return r
}

func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		h.metrics.StoreRequest(route, ww.Status())
	})
}

// Routes mounts the store api on r. Middleware is applied by the caller.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.health)
	r.Get("/metrics", h.metrics.Handler().ServeHTTP)

	r.Get("/user/{id}", h.GetUser)
	r.Get("/user/{id}/appointments.ics", h.ExportAppointments)
	r.Post("/user/register", h.RegisterUser)

	r.Get("/appointments/{id}", h.ListAppointments)
	r.Post("/appointments/save", h.SaveAppointment)
	r.Post("/appointments/cancel", h.CancelAppointment)

	r.Post("/metrics/log", h.LogMetric)
	r.Get("/metrics/log", h.ListMetrics)

	r.Post("/cleanup", h.Cleanup)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Status  model.Status `json:"status"`
	Message string       `json:"message,omitempty"`
}

var errEmptyBody = errors.New("request body is empty")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondStatus(w http.ResponseWriter, code int, st model.Status, msg string) {
	respondJSON(w, code, statusResponse{Status: st, Message: msg})
}

const internalError = "Ocorreu um erro interno no BaaS."

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return errors.New("must be an integer")
	}
	*f = flexInt(n)
	return nil
}
