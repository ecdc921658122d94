package handlers

import (
	"net/http"

	"github.com/eldtechnologies/ridewire/internal/models"
	"github.com/eldtechnologies/ridewire/internal/session"
)

// SessionsResponse represents the admin session listing.
type SessionsResponse struct {
	Instance    string              `json:"instance"`
	Stats       session.Stats       `json:"stats"`
	Connections []models.Connection `json:"connections"`
}

// Sessions returns registry counts and the live connections on this instance.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, SessionsResponse{
		Instance:    h.instance,
		Stats:       h.sessions.Stats(),
		Connections: h.sessions.Connections(),
	})
}
