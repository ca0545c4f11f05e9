/**
 * @description
 * This file implements the HTTP handlers for the admin surface of the
 * reconciliation-service: replaying a single ledger transaction through the
 * engine and restarting a ledger's ingestion pipeline.
 *
 * @dependencies
 * - encoding/json, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app: Orchestration logic.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aurum/reconciliation-service/internal/app"
	"github.com/aurum/reconciliation-service/internal/domain"
)

// AdminHandlers holds the dependencies for the admin endpoints.
type AdminHandlers struct {
	service *app.Service
}

// NewAdminHandlers creates a new handler set.
func NewAdminHandlers(service *app.Service) *AdminHandlers {
	return &AdminHandlers{service: service}
}

// ReprocessRequest is the body of POST /admin/reprocess.
type ReprocessRequest struct {
	Ledger         string `json:"ledger"`
	TransactionRef string `json:"transaction_ref"`
}

// ReprocessHandler refetches one confirmed transaction and replays it through
// normalization and reconciliation.
func (h *AdminHandlers) ReprocessHandler(w http.ResponseWriter, r *http.Request) {
	var req ReprocessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.TransactionRef = strings.TrimSpace(req.TransactionRef)
	if req.TransactionRef == "" {
		h.writeError(w, http.StatusBadRequest, "transaction_ref is required")
		return
	}
	l, ok := parseLedger(req.Ledger)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "ledger must be \"evm\" or \"solana\"")
		return
	}

	outcomes, err := h.service.ReprocessTransaction(r.Context(), l, req.TransactionRef)
	if err != nil {
		if errors.Is(err, app.ErrTransactionNotFound) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if errors.Is(err, app.ErrUnknownLedger) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api endpoint=reprocess ledger=%s tx=%s err=%v", l, req.TransactionRef, err)
		h.writeError(w, http.StatusInternalServerError, "reprocess failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"ledger":          l,
		"transaction_ref": req.TransactionRef,
		"events":          outcomes,
	})
}

// RestartPipelineHandler restarts the named ledger's ingestion pipeline from
// its persisted cursor.
func (h *AdminHandlers) RestartPipelineHandler(w http.ResponseWriter, r *http.Request) {
	l, ok := parseLedger(chi.URLParam(r, "ledger"))
	if !ok {
		h.writeError(w, http.StatusBadRequest, "ledger must be \"evm\" or \"solana\"")
		return
	}

	if err := h.service.RestartPipeline(l); err != nil {
		if errors.Is(err, app.ErrUnknownLedger) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api endpoint=restart ledger=%s err=%v", l, err)
		h.writeError(w, http.StatusInternalServerError, "restart failed")
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"ledger": string(l),
		"status": "restarting",
	})
}

func parseLedger(raw string) (domain.Ledger, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(domain.LedgerEVM):
		return domain.LedgerEVM, true
	case string(domain.LedgerSolana):
		return domain.LedgerSolana, true
	}
	return "", false
}

// writeJSON is a helper for writing JSON responses.
func (h *AdminHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *AdminHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
