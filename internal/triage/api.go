package triage

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carebridge/triage/internal/gateway"
	"github.com/carebridge/triage/internal/shared/auth"
	"github.com/carebridge/triage/internal/shared/errors"
)

// Handler receives inbound message webhooks from the messaging gateway
type Handler struct {
	service *Service
}

// NewHandler creates a new triage handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes registers the inbound routes (mounted under /inbound)
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/messages", h.ProcessMessage)
	return r
}

// ProcessMessage runs an inbound patient message through the pipeline.
// Only the gateway's service account may call it.
func (h *Handler) ProcessMessage(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil || (user.Role != auth.RoleService && !user.IsAdmin()) {
		writeError(w, errors.Forbidden("service access required"))
		return
	}

	var msg gateway.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	outcome, err := h.service.ProcessInbound(r.Context(), msg)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if outcome.Duplicate {
		status = http.StatusOK
	}

	writeJSON(w, status, outcome)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	if appErr, ok := err.(*errors.AppError); ok {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
