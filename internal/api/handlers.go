package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	apperrors "github.com/deposit-settlement/internal/errors"
	"github.com/deposit-settlement/internal/types"
)

// SetActiveProviderRequest is the body of PUT /api/v1/providers/active.
type SetActiveProviderRequest struct {
	Provider string `json:"provider"`
}

func (s *Server) handleGetProviders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.providers.Status(r.Context()))
}

func (s *Server) handleSetActiveProvider(w http.ResponseWriter, r *http.Request) {
	var req SetActiveProviderRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, apperrors.CodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	name := strings.TrimSpace(req.Provider)
	if name == "" {
		respondServiceError(w, r, apperrors.NewInvalidInputError("provider", "is required"))
		return
	}

	if err := s.providers.SetActiveProvider(r.Context(), name); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.providers.Status(r.Context()))
}

// tokenParam reads ?token=, defaulting to USDT.
func tokenParam(r *http.Request) (types.TokenType, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		return types.TokenUSDT, nil
	}
	token, err := types.ParseTokenType(raw)
	if err != nil {
		return "", apperrors.NewInvalidInputError("token", err.Error())
	}
	return token, nil
}

func (s *Server) handleCachedDeposits(w http.ResponseWriter, r *http.Request) {
	token, err := tokenParam(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		respondServiceError(w, r, apperrors.NewInvalidInputError("wallet", "is required"))
		return
	}

	result, err := s.deposits.GetCachedDeposits(r.Context(), wallet, token)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleVerifyDeposit(w http.ResponseWriter, r *http.Request) {
	token, err := tokenParam(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	q := r.URL.Query()
	wallet := q.Get("wallet")
	if wallet == "" {
		respondServiceError(w, r, apperrors.NewInvalidInputError("wallet", "is required"))
		return
	}
	minAmount, err := decimal.NewFromString(q.Get("min"))
	if err != nil {
		respondServiceError(w, r, apperrors.NewInvalidInputError("min", "must be a decimal amount"))
		return
	}

	result, err := s.deposits.VerifyDepositFromCache(r.Context(), wallet, minAmount, token)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	d, err := s.ledger.Deposit(r.Context(), mux.Vars(r)["txHash"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleUserDeposits(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondServiceError(w, r, apperrors.NewInvalidInputError("id", "must be a user id"))
		return
	}
	result, err := s.ledger.UserDeposits(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deposits.CacheStats(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tokens": stats})
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := s.deposits.GetTransfer(r.Context(), mux.Vars(r)["txHash"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}
