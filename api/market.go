package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/openalpha/commodex/types"
)

const defaultTradeLimit = 50

// handleMarket handles GET /v1/market: the full per-contract book projection.
func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	books, err := s.books.GetMarketData(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"contracts": books})
}

// handleContractBook handles GET /v1/market/{contract}.
func (s *Server) handleContractBook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	contract := strings.TrimPrefix(r.URL.Path, "/v1/market/")
	if !types.ValidContract(contract) {
		writeError(w, http.StatusBadRequest, "invalid_contract", "not a valid contract id")
		return
	}
	book, err := s.books.GetContractBook(r.Context(), contract)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// handleTrades handles GET /v1/trades. With ?mine=true it scopes to the
// caller's trades.
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	limit := defaultTradeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be 1-500")
			return
		}
		limit = n
	}

	if r.URL.Query().Get("mine") == "true" {
		user, err := s.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "unknown user")
			return
		}
		trades, err := s.books.GetUserTrades(r.Context(), user.ID, limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"trades": trades})
		return
	}

	trades, err := s.books.GetRecentTrades(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": trades})
}

// handleAccount handles GET /v1/account: the caller's trading summary.
func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	user, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unknown user")
		return
	}
	summary, err := s.books.GetAccountSummary(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
