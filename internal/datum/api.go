package datum

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/carebridge/triage/internal/audit"
	"github.com/carebridge/triage/internal/shared/auth"
	"github.com/carebridge/triage/internal/shared/errors"
	"github.com/carebridge/triage/internal/shared/types"
)

// Handler provides HTTP handlers for clinical data. The formatter is
// injected so every displayed value carries its trust annotation.
type Handler struct {
	service *Service
	format  func(*ClinicalDatum) string
}

// NewHandler creates a new clinical data handler
func NewHandler(service *Service, format func(*ClinicalDatum) string) *Handler {
	return &Handler{service: service, format: format}
}

// Routes registers the clinical data routes (mounted under /data)
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/pending-review", h.ListPendingReview)
	r.Post("/{datumID}/verification", h.ApplyVerification)
	r.Get("/{datumID}/attribution", h.GetAttribution)

	return r
}

// ApplyVerification handles a physician verification action
func (h *Handler) ApplyVerification(w http.ResponseWriter, r *http.Request) {
	datumID, err := types.ParseID(chi.URLParam(r, "datumID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid datum ID"))
		return
	}

	user := auth.GetUser(r.Context())
	if user == nil || !user.IsClinician() && !user.IsAdmin() {
		writeError(w, errors.Forbidden("clinician access required"))
		return
	}

	var req struct {
		Action string `json:"action"`
		Note   string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	res, err := h.service.ApplyVerification(r.Context(), datumID, req.Action, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"verification_status": res.Datum.VerificationStatus,
		"previous_status":     res.PreviousStatus,
		"degraded":            res.Degraded,
	})
}

// ListPendingReview returns the physician's attention queue
func (h *Handler) ListPendingReview(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil || !user.IsClinician() && !user.IsAdmin() {
		writeError(w, errors.Forbidden("clinician access required"))
		return
	}

	filter := PendingReviewFilter{
		PhysicianID: user.ID,
		Panel:       user.Panel,
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			filter.Limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil {
			filter.Offset = parsed
		}
	}

	data, total, err := h.service.PendingReview(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  data,
		"total": total,
	})
}

// GetAttribution returns the trust-annotated rendering of a datum.
// This is the only HTTP path that exposes a datum value.
func (h *Handler) GetAttribution(w http.ResponseWriter, r *http.Request) {
	datumID, err := types.ParseID(chi.URLParam(r, "datumID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid datum ID"))
		return
	}

	user := auth.GetUser(r.Context())
	if user == nil {
		writeError(w, errors.Unauthorized("authentication required"))
		return
	}

	d, degraded, err := h.service.View(r.Context(), datumID, audit.ActorTypePhysician, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	if !user.CanActOnPatient(d.PatientID) {
		writeError(w, errors.Forbidden("patient is not on your panel"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"attribution": h.format(d),
		"status":      d.VerificationStatus,
		"degraded":    degraded,
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
