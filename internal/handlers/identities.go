package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/ridewire/internal/models"
)

const (
	defaultSampleLimit = 20
	maxSampleLimit     = 200
)

// LocationResponse describes what is known about an identity's position.
type LocationResponse struct {
	Identity    string                  `json:"identity"`
	Online      bool                    `json:"online"`
	LastKnown   *models.LocationSample  `json:"lastKnown,omitempty"`
	Frozen      bool                    `json:"frozen"`
	InsideZones []string                `json:"insideZones"`
	Samples     []models.LocationSample `json:"samples"`
}

// IdentityLocation returns the last known position, zone membership and
// recent persisted samples of an identity.
func (h *Handler) IdentityLocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.Error(w, http.StatusBadRequest, "identity id is required")
		return
	}

	limit := defaultSampleLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 0 {
			h.Error(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = min(parsed, maxSampleLimit)
	}

	resp := LocationResponse{
		Identity:    id,
		InsideZones: h.location.Inside(id),
		Samples:     []models.LocationSample{},
	}
	if resp.InsideZones == nil {
		resp.InsideZones = []string{}
	}
	if pos, ok := h.location.LastKnown(id); ok {
		sample := pos.Sample
		resp.LastKnown = &sample
		resp.Frozen = pos.Frozen
	}

	if h.presence != nil {
		online, err := h.presence.IsOnline(r.Context(), id)
		if err != nil {
			h.logger.Warn().Err(err).Str("identity", id).Msg("presence lookup failed")
		}
		resp.Online = online
	}

	if limit > 0 && h.db != nil {
		samples, err := h.db.ListLocationSamples(r.Context(), id, limit)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "failed to load location samples")
			return
		}
		if samples != nil {
			resp.Samples = samples
		}
	}

	h.JSON(w, http.StatusOK, resp)
}
