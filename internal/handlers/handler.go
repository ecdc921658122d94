package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/ridewire/internal/location"
	"github.com/eldtechnologies/ridewire/internal/models"
	"github.com/eldtechnologies/ridewire/internal/protocol"
	"github.com/eldtechnologies/ridewire/internal/session"
	"github.com/eldtechnologies/ridewire/internal/store"
	"github.com/eldtechnologies/ridewire/internal/zones"
)

// RequestReader reads dispatch requests.
type RequestReader interface {
	Get(ctx context.Context, requestID string) (*models.DispatchRequest, error)
}

// LocationReader reads the geofence engine's per-identity state.
type LocationReader interface {
	LastKnown(identityID string) (location.Position, bool)
	Inside(identityID string) []string
}

// PresenceReader reports cross-instance presence.
type PresenceReader interface {
	IsOnline(ctx context.Context, identityID string) (bool, error)
}

// Deps are the components served by the HTTP API. Redis may be nil.
type Deps struct {
	Database     store.DataStore
	DatabaseName string
	Redis        *store.RedisStore
	Zones        *zones.Store
	Dispatch     RequestReader
	Location     LocationReader
	Presence     PresenceReader
	Sessions     *session.Registry
	Instance     string
	Logger       zerolog.Logger
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	db       store.DataStore
	dbName   string
	redis    *store.RedisStore
	zones    *zones.Store
	dispatch RequestReader
	location LocationReader
	presence PresenceReader
	sessions *session.Registry
	instance string
	logger   zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		db:       d.Database,
		dbName:   d.DatabaseName,
		redis:    d.Redis,
		zones:    d.Zones,
		dispatch: d.Dispatch,
		location: d.Location,
		presence: d.Presence,
		sessions: d.Sessions,
		instance: d.Instance,
		logger:   d.Logger.With().Str("component", "api").Logger(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// ProtocolError maps a core error onto an HTTP status.
func (h *Handler) ProtocolError(w http.ResponseWriter, err error) {
	pe := protocol.AsError(err)
	status := http.StatusInternalServerError
	switch pe.Code {
	case protocol.CodeValidation:
		status = http.StatusBadRequest
	case protocol.CodeNotFound:
		status = http.StatusNotFound
	case protocol.CodeUnauthorized:
		status = http.StatusForbidden
	case protocol.CodeConflict:
		status = http.StatusConflict
	case protocol.CodeDispatch, protocol.CodeStorage:
		status = http.StatusServiceUnavailable
	}
	h.Error(w, status, pe.Message)
}

// inboundEvents are the events a client may send over /ws.
var inboundEvents = []string{
	protocol.EventPresenceAvailable,
	protocol.EventPresenceUnavailable,
	protocol.EventLocationUpdate,
	protocol.EventRequestCreate,
	protocol.EventRequestAccept,
	protocol.EventRequestStart,
	protocol.EventRequestComplete,
	protocol.EventRequestCancel,
	protocol.EventMessageSend,
	protocol.EventMessageTyping,
	protocol.EventPing,
}

// sanitizeName trims and limits name to 100 characters, removing control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)

	// Remove control characters
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	// Limit to 100 characters
	if len(name) > 100 {
		name = name[:100]
	}

	return name
}
