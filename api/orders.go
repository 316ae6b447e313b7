package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/openalpha/commodex/orderbook"
)

// handleOrders handles /v1/orders (GET for the caller's orders, POST to
// place).
func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unknown user")
		return
	}

	switch r.Method {
	case http.MethodGet:
		orders, err := s.books.GetUserOrders(r.Context(), user.ID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})

	case http.MethodPost:
		var req orderbook.CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
			return
		}
		order, err := s.books.CreateOrder(r.Context(), user.ID, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, order)

	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

// handleOrder handles /v1/orders/{id} (GET, PUT, DELETE).
func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unknown user")
		return
	}

	orderID := strings.TrimPrefix(r.URL.Path, "/v1/orders/")
	if orderID == "" || strings.Contains(orderID, "/") {
		writeError(w, http.StatusBadRequest, "invalid_path", "order id is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		order, err := s.store.GetOrder(r.Context(), orderID)
		if err != nil || order.Owner != user.ID {
			writeError(w, http.StatusNotFound, "order_not_found", "order not found")
			return
		}
		writeJSON(w, http.StatusOK, order)

	case http.MethodPut:
		var req orderbook.UpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
			return
		}
		order, err := s.books.UpdateOrder(r.Context(), user.ID, orderID, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, order)

	case http.MethodDelete:
		order, err := s.books.CancelOrder(r.Context(), user.ID, orderID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, order)

	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}
