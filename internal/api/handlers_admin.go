package api

import (
	"context"
	"encoding/json"
	"net/http"

	apperrors "github.com/balance-sentinel/internal/errors"
)

// ThresholdBody is the body of GET and PUT /admin/threshold
type ThresholdBody struct {
	Percent json.Number `json:"percent"`
}

// handleGetThreshold handles GET /admin/threshold
func (s *Server) handleGetThreshold(w http.ResponseWriter, r *http.Request) {
	if s.deps.Threshold == nil {
		respondServiceError(w, apperrors.NewServiceUnavailableError("detector"))
		return
	}
	respondJSON(w, http.StatusOK, ThresholdBody{Percent: json.Number(s.deps.Threshold.Get().String())})
}

// handleSetThreshold handles PUT /admin/threshold. A rejected value leaves
// the current threshold in effect.
func (s *Server) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	if s.deps.Threshold == nil {
		respondServiceError(w, apperrors.NewServiceUnavailableError("detector"))
		return
	}

	var body ThresholdBody
	if err := parseJSONBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if body.Percent == "" {
		respondServiceError(w, apperrors.NewInvalidParameterError("percent", "is required"))
		return
	}

	if err := s.deps.Threshold.SetString(r.Context(), body.Percent.String()); err != nil {
		respondServiceError(w, err)
		return
	}

	current := s.deps.Threshold.Get().String()
	s.log.WithField("percent", current).Info("Change threshold updated")
	respondJSON(w, http.StatusOK, ThresholdBody{Percent: json.Number(current)})
}

// handleForceCheck handles POST /admin/check[?userId=]. Without a user id
// every tracked user is checked.
func (s *Server) handleForceCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checker == nil {
		respondServiceError(w, apperrors.NewServiceUnavailableError("detector"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.ForceCheckDeadline)
	defer cancel()

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		result, err := s.deps.Checker.ForceSweep(ctx)
		if err != nil {
			s.log.WithError(err).Error("Forced sweep failed")
			respondServiceError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, result)
		return
	}

	cycle, err := s.deps.Checker.ForceCheck(ctx, userID)
	if err != nil {
		s.log.WithField("user", userID).WithError(err).Warn("Forced check failed")
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cycle)
}
