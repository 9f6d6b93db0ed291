package httpadapter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/go-chi/chi/v5"

	"github.com/couchcryptid/crop-pest-detector/internal/domain"
)

const (
	maxRequestBody   = 1 << 20
	defaultListLimit = 20
	maxListLimit     = 500
)

type handlers struct {
	evaluator     Evaluator
	history       History
	detectTimeout time.Duration
	logger        *slog.Logger
}

type errorBody struct {
	Error string `json:"error"`
}

// createDetection evaluates one request. The outcome is returned for every
// evaluated request; the status code reflects the outcome status. Outcomes are
// recorded in the history when one is configured.
func (h *handlers) createDetection(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		sharedobs.WriteJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})
		return
	}

	req, err := domain.ParseDetectionRequest(body)
	if err != nil {
		sharedobs.WriteJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.detectTimeout)
	defer cancel()

	outcome, err := h.evaluator.Evaluate(ctx, req)
	switch {
	case errors.Is(err, domain.ErrMalformedRequest):
		sharedobs.WriteJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	case errors.Is(err, context.DeadlineExceeded):
		sharedobs.WriteJSON(w, http.StatusGatewayTimeout, errorBody{Error: "detection timed out"})
		return
	case err != nil:
		h.logger.Warn("detection aborted", "field_id", req.FieldID, "error", err)
		sharedobs.WriteJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}

	if h.history != nil {
		// A verdict that could not be recorded is still returned.
		if err := h.history.LoadBatch(r.Context(), []domain.DetectionOutcome{outcome}); err != nil {
			h.logger.Error("record detection failed", "field_id", outcome.FieldID, "outcome_id", outcome.ID, "error", err)
		}
	}

	sharedobs.WriteJSON(w, statusCode(outcome.Status), outcome)
}

func statusCode(status string) int {
	switch status {
	case domain.StatusInvalid:
		return http.StatusUnprocessableEntity
	case domain.StatusBackendError:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

func (h *handlers) listDetections(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		sharedobs.WriteJSON(w, http.StatusNotFound, errorBody{Error: "detection history is not enabled"})
		return
	}

	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxListLimit {
			sharedobs.WriteJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be 1-500"})
			return
		}
		limit = n
	}

	fieldID := chi.URLParam(r, "fieldID")
	outcomes, err := h.history.ListByField(r.Context(), fieldID, limit)
	if err != nil {
		h.logger.Error("list detections failed", "field_id", fieldID, "error", err)
		sharedobs.WriteJSON(w, http.StatusInternalServerError, errorBody{Error: "could not read detection history"})
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, map[string]any{
		"field_id":   fieldID,
		"detections": outcomes,
	})
}
