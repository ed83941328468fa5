package api

import (
	"net/http"
	"strings"

	"github.com/warp/dues-engine/dues"
)

// =============================================================================
// CREDENTIAL HANDLERS
// =============================================================================

// ListCredentials returns every tag with its links and sale state.
func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	records, err := h.Store.ListCredentials(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list credentials", err)
		return
	}

	dtos := make([]CredentialDTO, len(records))
	for i, rec := range records {
		dtos[i] = toCredentialRecordDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCredential returns a single tag.
func (h *Handler) GetCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := h.credentialID(w, r, "id")
	if !ok {
		return
	}

	rec, err := h.Store.GetCredential(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get credential", err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "Credential not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toCredentialRecordDTO(*rec))
}

// CreateCredential registers a new, inactive tag.
func (h *Handler) CreateCredential(w http.ResponseWriter, r *http.Request) {
	var req CreateCredentialRequest
	if !h.decode(w, r, &req) {
		return
	}

	cred := dues.Credential{Code: strings.TrimSpace(req.Code)}
	if err := h.Store.CreateCredential(r.Context(), &cred); err != nil {
		h.writeDomainError(w, r, "Failed to create credential", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCredentialDTO(cred))
}

// DeleteCredential removes a tag with its links and sale.
func (h *Handler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := h.credentialID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Store.DeleteCredential(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "Failed to delete credential", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ToggleCredential flips a tag's active flag by hand. The next payment
// cascade or scheduled sync for a linked resident overwrites it.
func (h *Handler) ToggleCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := h.credentialID(w, r, "id")
	if !ok {
		return
	}

	cred, err := h.Store.ToggleCredential(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to toggle credential", err)
		return
	}
	writeJSON(w, http.StatusOK, toCredentialDTO(*cred))
}

// =============================================================================
// SALES HANDLERS
// =============================================================================

// CredentialStock counts tags that have not been sold.
func (h *Handler) CredentialStock(w http.ResponseWriter, r *http.Request) {
	n, err := h.Store.CredentialStock(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count stock", err)
		return
	}
	writeJSON(w, http.StatusOK, StockDTO{Available: n})
}

// SellCredential records the sale of a tag at the configured price.
func (h *Handler) SellCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := h.credentialID(w, r, "id")
	if !ok {
		return
	}

	sale, err := h.Store.SellCredential(r.Context(), id, h.TagPrice)
	if err != nil {
		h.writeDomainError(w, r, "Failed to sell credential", err)
		return
	}

	code := ""
	if rec, err := h.Store.GetCredential(r.Context(), id); err == nil && rec != nil {
		code = rec.Code
	}
	writeJSON(w, http.StatusCreated, toSaleDTO(*sale, code))
}

// ListSales returns sales, newest first.
func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	sales, err := h.Store.ListSales(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sales", err)
		return
	}

	dtos := make([]SaleDTO, len(sales))
	for i, s := range sales {
		dtos[i] = toSaleDTO(s.TagSale, s.Code)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SalesTotal sums every sale.
func (h *Handler) SalesTotal(w http.ResponseWriter, r *http.Request) {
	total, count, err := h.Store.TotalSales(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to total sales", err)
		return
	}
	writeJSON(w, http.StatusOK, SalesTotalDTO{Total: money(total), Count: count})
}

// ResetSales deletes every sale, returning the tags to stock.
func (h *Handler) ResetSales(w http.ResponseWriter, r *http.Request) {
	n, err := h.Store.ResetSales(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset sales", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}
