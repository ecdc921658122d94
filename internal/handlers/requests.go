package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// GetRequest returns one dispatch request.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.dispatch.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.ProtocolError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, req)
}
