package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"webtimer/internal/scheduler"
	"webtimer/internal/store"
	"webtimer/internal/webhook"
)

// timerMaxRetries is the retry budget applied to every timer submitted
// through the HTTP API: one retry after the first failed delivery.
const timerMaxRetries = 1

type createTimerRequest struct {
	URL     string `json:"url" validate:"required,url"`
	Hours   int    `json:"hours"   validate:"min=0"`
	Minutes int    `json:"minutes" validate:"min=0"`
	Seconds int    `json:"seconds" validate:"min=0"`
}

type createTimerResponse struct {
	ID string `json:"id"`
}

type timerStatusResponse struct {
	ID string `json:"id"`
	// TimeLeft is seconds until the timer fires: 0 once executed,
	// negative when overdue but not yet fired.
	TimeLeft float64 `json:"time_left"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// RouteHandler is the thin HTTP ingress translating timer requests into
// scheduler calls.
type RouteHandler struct {
	scheduler scheduler.Scheduler
	validate  *validator.Validate
	logger    zerolog.Logger
}

func NewRouteHandler(sched scheduler.Scheduler, logger zerolog.Logger) *RouteHandler {
	return &RouteHandler{
		scheduler: sched,
		validate:  validator.New(),
		logger:    logger,
	}
}

func (h *RouteHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /timers", h.handleCreateTimer)
	mux.HandleFunc("GET /timers/{id}", h.handleGetTimer)
	return mux
}

func (h *RouteHandler) handleCreateTimer(w http.ResponseWriter, r *http.Request) {
	var req createTimerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	delay := time.Duration(req.Hours)*time.Hour +
		time.Duration(req.Minutes)*time.Minute +
		time.Duration(req.Seconds)*time.Second
	if delay <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "timer duration must be positive"})
		return
	}

	payload, err := json.Marshal(webhook.Payload{URL: req.URL})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to encode payload"})
		return
	}

	job, err := h.scheduler.Add(r.Context(), payload, scheduler.AddOptions{
		Delay:      &delay,
		MaxRetries: timerMaxRetries,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidSchedule) || errors.Is(err, scheduler.ErrInvalidMaxRetries) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		h.logger.Error().Err(err).Msg("failed to create timer")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to create timer"})
		return
	}

	writeJSON(w, http.StatusCreated, createTimerResponse{ID: job.ID})
}

func (h *RouteHandler) handleGetTimer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	status, err := h.scheduler.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "timer not found"})
			return
		}
		h.logger.Error().Err(err).Str("timer_id", id).Msg("failed to load timer")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load timer"})
		return
	}

	timeLeft := 0.0
	if !status.IsExecuted {
		timeLeft = time.Until(status.ExecuteAt).Seconds()
	}

	writeJSON(w, http.StatusOK, timerStatusResponse{ID: status.ID, TimeLeft: timeLeft})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
