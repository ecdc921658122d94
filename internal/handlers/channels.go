package handlers

import (
	"net/http"
	"strings"

	"github.com/eldtechnologies/ridewire/internal/session"
)

// ChannelsResponse represents the channel listing response.
type ChannelsResponse struct {
	Channels []session.ChannelInfo `json:"channels"`
	Total    int                   `json:"total"`
}

// ListChannels returns channels with local members, optionally filtered by
// prefix (e.g. ?prefix=request:).
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	out := make([]session.ChannelInfo, 0)
	for _, c := range h.sessions.Channels() {
		if strings.HasPrefix(c.Name, prefix) {
			out = append(out, c)
		}
	}
	h.JSON(w, http.StatusOK, ChannelsResponse{Channels: out, Total: len(out)})
}
