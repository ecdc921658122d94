package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/ridewire/internal/api/middleware"
	"github.com/eldtechnologies/ridewire/internal/geo"
	"github.com/eldtechnologies/ridewire/internal/models"
	"github.com/eldtechnologies/ridewire/internal/zones"
)

// ZoneRequest is the body of zone create and update calls.
type ZoneRequest struct {
	Name         string          `json:"name"`
	Kind         models.ZoneKind `json:"kind"`
	Center       geo.Point       `json:"center"`
	RadiusMeters float64         `json:"radiusMeters"`
	Rules        []models.Rule   `json:"rules,omitempty"`
}

func (z ZoneRequest) zone(id string) models.Zone {
	return models.Zone{
		ID:           id,
		Name:         sanitizeName(z.Name),
		Kind:         z.Kind,
		Center:       z.Center,
		RadiusMeters: z.RadiusMeters,
		Rules:        z.Rules,
	}
}

// ZoneListResponse is the zone list response.
type ZoneListResponse struct {
	Zones []models.Zone `json:"zones"`
	Total int           `json:"total"`
}

// ListZones returns every zone ordered by name.
func (h *Handler) ListZones(w http.ResponseWriter, r *http.Request) {
	all := h.zones.All()
	if kind := strings.TrimSpace(r.URL.Query().Get("kind")); kind != "" {
		filtered := all[:0]
		for _, z := range all {
			if string(z.Kind) == kind {
				filtered = append(filtered, z)
			}
		}
		all = filtered
	}
	h.JSON(w, http.StatusOK, ZoneListResponse{Zones: all, Total: len(all)})
}

// GetZone returns one zone.
func (h *Handler) GetZone(w http.ResponseWriter, r *http.Request) {
	z, err := h.zones.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.zoneError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, z)
}

// CreateZone creates a zone.
func (h *Handler) CreateZone(w http.ResponseWriter, r *http.Request) {
	var req ZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	z, err := h.zones.Create(r.Context(), req.zone(""))
	if err != nil {
		h.zoneError(w, err)
		return
	}
	h.audit(r, "zone_created", z.ID)
	h.JSON(w, http.StatusCreated, z)
}

// UpdateZone replaces a zone definition.
func (h *Handler) UpdateZone(w http.ResponseWriter, r *http.Request) {
	var req ZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	z, err := h.zones.Update(r.Context(), req.zone(chi.URLParam(r, "id")))
	if err != nil {
		h.zoneError(w, err)
		return
	}
	h.audit(r, "zone_updated", z.ID)
	h.JSON(w, http.StatusOK, z)
}

// DeleteZone removes a zone.
func (h *Handler) DeleteZone(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.zones.Delete(r.Context(), id); err != nil {
		h.zoneError(w, err)
		return
	}
	h.audit(r, "zone_deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) zoneError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, zones.ErrInvalidZone):
		h.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, zones.ErrNotFound):
		h.Error(w, http.StatusNotFound, "zone not found")
	default:
		h.Error(w, http.StatusInternalServerError, "failed to save zone")
	}
}

func (h *Handler) audit(r *http.Request, action, zoneID string) {
	by := "unknown"
	if id, ok := middleware.GetIdentityFromContext(r.Context()); ok {
		by = id.ID
	}
	h.logger.Info().
		Str("type", "audit").
		Str("action", action).
		Str("zone_id", zoneID).
		Str("by", by).
		Msg("zone changed")
}
