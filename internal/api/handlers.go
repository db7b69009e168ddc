/**
 * @description
 * This file contains the HTTP handlers for the transfer-service's API
 * endpoints. Handlers parse incoming requests, call the claim workflow on the
 * application service, and map the returned outcome onto HTTP status codes
 * and the marketplace's `{code, message}` error body shape. Conflicts and
 * not-found outcomes are expected protocol traffic and are logged as
 * warnings, never as incidents.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For route parameters.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/neosantara/transfer-service/internal/app"
	"github.com/neosantara/transfer-service/internal/domain"
	"github.com/neosantara/transfer-service/internal/store"
)

// TransferHandlers holds the application service that handlers will use.
type TransferHandlers struct {
	service *app.Service
}

// NewTransferHandlers creates a new instance of TransferHandlers.
func NewTransferHandlers(service *app.Service) *TransferHandlers {
	return &TransferHandlers{service: service}
}

// errorBody is the marketplace wire shape for failures.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// callerInstallation resolves the authenticated installation and enforces
// that it matches the installation segment of the request path. The original
// protocol trusted the path; requiring the match closes the impersonation
// hole without changing the URL shape.
func (h *TransferHandlers) callerInstallation(w http.ResponseWriter, r *http.Request) (string, bool) {
	installationID, ok := GetInstallationID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Could not get installation ID from context")
		return "", false
	}
	if pathID := chi.URLParam(r, "installationId"); pathID != "" && pathID != installationID {
		log.Printf("level=warn component=api outcome=reject reason=installation_mismatch token_installation_id=%s path_installation_id=%s", installationID, pathID)
		h.writeError(w, http.StatusForbidden, "forbidden", "Installation ID does not match the authenticated installation")
		return "", false
	}
	return installationID, true
}

// CreateTransferHandler handles PUT requests that register a new transfer
// request on behalf of the source installation.
func (h *TransferHandlers) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	installationID, ok := h.callerInstallation(w, r)
	if !ok {
		return
	}
	transferID := chi.URLParam(r, "transferId")

	var req domain.CreateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_transfer outcome=reject reason=invalid_json transfer_id=%s err=%v", transferID, err)
		h.writeError(w, http.StatusBadRequest, "bad_request", "Input has failed validation")
		return
	}

	_, err := h.service.CreateTransfer(r.Context(), transferID, installationID, req)
	if err != nil {
		if errors.Is(err, store.ErrClaimExists) {
			log.Printf("level=warn component=api endpoint=create_transfer outcome=conflict transfer_id=%s", transferID)
			h.writeError(w, http.StatusConflict, "conflict", "Operation failed because of a conflict with the current state of the resource")
			return
		}
		if errors.Is(err, app.ErrInvalidTransferRequest) {
			h.writeError(w, http.StatusBadRequest, "bad_request", "Input has failed validation")
			return
		}
		log.Printf("level=error component=api endpoint=create_transfer outcome=failed transfer_id=%s err=%v", transferID, err)
		h.writeError(w, http.StatusInternalServerError, "internal_server_error", "Failed to create transfer request")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// VerifyTransferHandler handles requests from a prospective target
// installation registering interest in a transfer request.
func (h *TransferHandlers) VerifyTransferHandler(w http.ResponseWriter, r *http.Request) {
	installationID, ok := h.callerInstallation(w, r)
	if !ok {
		return
	}
	transferID := chi.URLParam(r, "transferId")

	_, err := h.service.VerifyTransfer(r.Context(), transferID, installationID)
	if err != nil {
		h.writeWorkflowError(w, "verify_transfer", transferID, err)
		return
	}

	// Callers must not depend on the body beyond success/failure.
	h.writeJSON(w, http.StatusOK, map[string]string{})
}

// AcceptTransferHandler handles requests from a verified target installation
// finalizing the transfer. Success means every resource in the claim has been
// reassigned and the claim is complete; a retry by the winning installation
// is also a success.
func (h *TransferHandlers) AcceptTransferHandler(w http.ResponseWriter, r *http.Request) {
	installationID, ok := h.callerInstallation(w, r)
	if !ok {
		return
	}
	transferID := chi.URLParam(r, "transferId")

	_, err := h.service.AcceptTransfer(r.Context(), transferID, installationID)
	if err != nil {
		h.writeWorkflowError(w, "accept_transfer", transferID, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetTransferHandler returns the current claim snapshot. Introspection only.
func (h *TransferHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.callerInstallation(w, r); !ok {
		return
	}
	transferID := chi.URLParam(r, "transferId")

	claim, err := h.service.GetTransfer(r.Context(), transferID)
	if err != nil {
		h.writeWorkflowError(w, "get_transfer", transferID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, claim)
}

// DeleteTransferHandler removes a transfer request. Maintenance endpoint used
// to clean up test data; not part of the claim workflow.
func (h *TransferHandlers) DeleteTransferHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.callerInstallation(w, r); !ok {
		return
	}
	transferID := chi.URLParam(r, "transferId")

	if err := h.service.DeleteTransfer(r.Context(), transferID); err != nil {
		h.writeWorkflowError(w, "delete_transfer", transferID, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeWorkflowError maps workflow outcomes onto the wire. The guard-failure
// cases are expected traffic and log at warn.
func (h *TransferHandlers) writeWorkflowError(w http.ResponseWriter, endpoint, transferID string, err error) {
	var rateLimited *app.RateLimitError
	switch {
	case errors.Is(err, store.ErrClaimNotFound):
		log.Printf("level=warn component=api endpoint=%s outcome=not_found transfer_id=%s", endpoint, transferID)
		h.writeError(w, http.StatusNotFound, "not_found", "Transfer request not found")
	case errors.Is(err, app.ErrInvalidTransferRequest):
		h.writeError(w, http.StatusBadRequest, "bad_request", "Input has failed validation")
	case errors.Is(err, app.ErrNotTransferTarget):
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=not_a_target transfer_id=%s", endpoint, transferID)
		h.writeError(w, http.StatusBadRequest, "bad_request", "Invalid target installation ID")
	case errors.Is(err, app.ErrTransferCompleted):
		log.Printf("level=warn component=api endpoint=%s outcome=conflict reason=completed transfer_id=%s", endpoint, transferID)
		h.writeError(w, http.StatusConflict, "conflict", "The provided transfer request has already been completed")
	case errors.Is(err, app.ErrTransferNotVerified):
		log.Printf("level=warn component=api endpoint=%s outcome=conflict reason=not_verified transfer_id=%s", endpoint, transferID)
		h.writeError(w, http.StatusConflict, "conflict", "The provided transfer request has not been verified for the target installation")
	case errors.Is(err, app.ErrTransferExpired):
		log.Printf("level=warn component=api endpoint=%s outcome=conflict reason=expired transfer_id=%s", endpoint, transferID)
		h.writeError(w, http.StatusConflict, "conflict", "The provided transfer request has expired")
	case errors.Is(err, store.ErrVersionConflict):
		log.Printf("level=warn component=api endpoint=%s outcome=conflict reason=contention transfer_id=%s", endpoint, transferID)
		h.writeError(w, http.StatusConflict, "conflict", "Operation failed because of a conflict with the current state of the resource")
	case errors.As(err, &rateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests for this installation")
	default:
		log.Printf("level=error component=api endpoint=%s outcome=failed transfer_id=%s err=%v", endpoint, transferID, err)
		h.writeError(w, http.StatusInternalServerError, "internal_server_error", "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *TransferHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *TransferHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, errorBody{Code: code, Message: message})
}
