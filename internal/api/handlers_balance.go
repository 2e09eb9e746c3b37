package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/balance-sentinel/internal/errors"
	"github.com/balance-sentinel/internal/notify"
	"github.com/balance-sentinel/internal/types"
)

// BalanceResponse is the UI read path's view of a wallet. Clients render
// Balances according to Source; with source "emergency" every amount is a
// placeholder for an unavailable balance.
type BalanceResponse struct {
	UserID     string            `json:"userId"`
	Address    string            `json:"address"`
	Network    types.Network     `json:"network"`
	Balances   map[string]string `json:"balances"`
	Source     types.Source      `json:"source"`
	CapturedAt time.Time         `json:"capturedAt"`
	Attempts   []types.Attempt   `json:"attempts,omitempty"`
	DurationMs float64           `json:"durationMs,omitempty"`
}

// handleGetBalance handles GET /api/users/{userId}/balances/{address}.
// It always answers 200 with a snapshot once the key is valid.
func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	network, err := types.ParseNetwork(r.URL.Query().Get("network"))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	key := types.NewBalanceKey(vars["userId"], vars["address"], network)
	if err := key.Validate(); err != nil {
		respondServiceError(w, apperrors.NewInvalidParameterError("key", err.Error()))
		return
	}

	res := s.deps.Resolver.ResolveDetailed(r.Context(), key)
	snap := res.Snapshot

	resp := BalanceResponse{
		UserID:     key.UserID,
		Address:    key.Address,
		Network:    key.Network,
		Balances:   snap.Balances,
		Source:     snap.Source,
		CapturedAt: snap.CapturedAt,
	}
	if debug, _ := strconv.ParseBool(r.URL.Query().Get("debug")); debug {
		resp.Attempts = res.Attempts
		resp.DurationMs = float64(res.Duration.Microseconds()) / 1000
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleListNotifications handles GET /api/users/{userId}/notifications
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondServiceError(w, apperrors.NewInvalidParameterError("limit", "must be a positive integer"))
			return
		}
		limit = n
	}

	items, err := s.deps.Notifications.List(r.Context(), userID, limit)
	if err != nil {
		s.log.WithField("user", userID).WithError(err).Error("Failed to list notifications")
		respondServiceError(w, apperrors.NewInternalError("failed to list notifications", err))
		return
	}
	if items == nil {
		items = []notify.Notification{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"userId":        userID,
		"notifications": items,
	})
}
