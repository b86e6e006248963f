package booking

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/sleep-study-booking/internal/identity"
	"github.com/wolfman30/sleep-study-booking/pkg/logging"
)

const defaultMaxUploadBytes = 10 << 20

// Handler exposes the booking wizard over HTTP as JSON.
type Handler struct {
	ctrl           *Controller
	logger         *logging.Logger
	maxUploadBytes int64
}

// NewHandler creates a booking handler.
func NewHandler(ctrl *Controller, logger *logging.Logger, maxUploadBytes int64) *Handler {
	if ctrl == nil {
		panic("booking: controller required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &Handler{ctrl: ctrl, logger: logger, maxUploadBytes: maxUploadBytes}
}

type errorResponse struct {
	Error string `json:"error"`
	Step  int    `json:"step,omitempty"`
}

type referralResponse struct {
	Filename string    `json:"filename"`
	Referral *Referral `json:"referral"`
}

// Start handles POST /booking.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	subject, _ := identity.SubjectFromContext(r.Context())
	view, err := h.ctrl.Initialize(r.Context(), subject)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetStep handles GET /booking/steps/{step}.
func (h *Handler) GetStep(w http.ResponseWriter, r *http.Request) {
	subject, _ := identity.SubjectFromContext(r.Context())
	step, err := ParseStep(chi.URLParam(r, "step"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view, err := h.ctrl.RequestStep(r.Context(), subject, step)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// SaveStep handles POST /booking/steps with a form encoded body.
func (h *Handler) SaveStep(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid form body"})
		return
	}
	subject, _ := identity.SubjectFromContext(r.Context())
	view, err := h.ctrl.SaveStep(r.Context(), subject, r.PostForm)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// UploadReferral handles POST /booking/referral (multipart, field referralDocument).
func (h *Handler) UploadReferral(w http.ResponseWriter, r *http.Request) {
	subject, ok := identity.SubjectFromContext(r.Context())
	if !ok {
		h.writeError(w, r, ErrUnauthenticated)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "File too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgNoFile, Step: int(StepReferralUpload)})
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	var upload ReferralUpload
	file, header, err := r.FormFile(ReferralFormField)
	switch {
	case errors.Is(err, http.ErrMissingFile):
		// reported by the controller as a validation error
	case err != nil:
		h.logger.Warn("failed to read referral upload", "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgNoFile, Step: int(StepReferralUpload)})
		return
	default:
		defer file.Close()
		upload = ReferralUpload{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Size:        header.Size,
			Body:        file,
		}
	}

	ref, err := h.ctrl.UploadReferral(r.Context(), subject, upload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, referralResponse{Filename: ref.Filename, Referral: ref})
}

// Submit handles POST /booking/submit.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	subject, _ := identity.SubjectFromContext(r.Context())
	conf, err := h.ctrl.Submit(r.Context(), subject)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conf)
}

// GetDraft handles GET /booking/draft (debug only).
func (h *Handler) GetDraft(w http.ResponseWriter, r *http.Request) {
	subject, _ := identity.SubjectFromContext(r.Context())
	draft, err := h.ctrl.Snapshot(r.Context(), subject)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

// ResetDraft handles DELETE /booking/draft (debug only).
func (h *Handler) ResetDraft(w http.ResponseWriter, r *http.Request) {
	subject, _ := identity.SubjectFromContext(r.Context())
	if err := h.ctrl.Reset(r.Context(), subject); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *ValidationError
	switch {
	case errors.Is(err, ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
	case errors.Is(err, ErrSessionExpired):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Session expired"})
	case errors.Is(err, ErrInvalidStep):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid step"})
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: validation.Message, Step: int(validation.Step)})
	case errors.Is(err, ErrDraftNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "No booking in progress"})
	case errors.Is(err, ErrUpload):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "Upload failed, please try again"})
	default:
		h.logger.Error("booking request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Booking could not be saved, please try again"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
