package alert

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/carebridge/triage/internal/shared/auth"
	"github.com/carebridge/triage/internal/shared/errors"
	"github.com/carebridge/triage/internal/shared/types"
)

// Handler provides HTTP handlers for alerts and lock state
type Handler struct {
	service *Service
}

// NewHandler creates a new alert handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes registers alert routes (mounted under /alerts)
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{alertID}/resolve", h.ResolveAlert)
	return r
}

// PatientRoutes registers patient-scoped routes (mounted under /patients)
func (h *Handler) PatientRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{patientID}/alerts", h.ListAlerts)
	r.Get("/{patientID}/lock", h.GetLockState)
	r.Post("/{patientID}/unlock", h.Unlock)
	return r
}

// ListAlerts lists a patient's alerts, newest first
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	patientID, err := types.ParseID(chi.URLParam(r, "patientID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid patient ID"))
		return
	}

	user := auth.GetUser(r.Context())
	if !user.CanActOnPatient(patientID) {
		writeError(w, errors.Forbidden("patient is not on your panel"))
		return
	}

	includeResolved := r.URL.Query().Get("include_resolved") == "true"

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	alerts, total, err := h.service.ListByPatient(r.Context(), patientID, includeResolved, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  alerts,
		"total": total,
	})
}

// ResolveAlert resolves an alert with an explicit actor and note
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	alertID, err := types.ParseID(chi.URLParam(r, "alertID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid alert ID"))
		return
	}

	user := auth.GetUser(r.Context())
	if user == nil || !user.IsClinician() && !user.IsAdmin() {
		writeError(w, errors.Forbidden("clinician access required"))
		return
	}

	var req struct {
		Note string `json:"note"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	a, degraded, err := h.service.Resolve(r.Context(), alertID, user.ID, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":     a,
		"degraded": degraded,
	})
}

// GetLockState returns the lock state and agent gate for a patient
func (h *Handler) GetLockState(w http.ResponseWriter, r *http.Request) {
	patientID, err := types.ParseID(chi.URLParam(r, "patientID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid patient ID"))
		return
	}

	user := auth.GetUser(r.Context())
	if !user.CanActOnPatient(patientID) {
		writeError(w, errors.Forbidden("patient is not on your panel"))
		return
	}

	state, err := h.service.LockState(r.Context(), patientID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agent_enabled":             state.AgentEnabled(),
		"locked":                    state.Locked,
		"unresolved_critical_count": state.UnresolvedCriticalCount,
		"window_start":              state.WindowStart,
		"reason":                    state.Reason,
	})
}

// Unlock clears a patient's auto-lock. Physician-only; the window
// expiring never unlocks on its own.
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	patientID, err := types.ParseID(chi.URLParam(r, "patientID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid patient ID"))
		return
	}

	user := auth.GetUser(r.Context())
	if user == nil || (user.Role != auth.RolePhysician && !user.IsAdmin()) {
		writeError(w, errors.Forbidden("physician access required"))
		return
	}
	if !user.CanActOnPatient(patientID) {
		writeError(w, errors.Forbidden("patient is not on your panel"))
		return
	}

	state, degraded, err := h.service.Unlock(r.Context(), patientID, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agent_enabled": state.AgentEnabled(),
		"locked":        state.Locked,
		"degraded":      degraded,
	})
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
