package sessions

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/studiocdz/collaborative-editor/internal/domain"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/json"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/logging"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/validate"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/ws"
	"github.com/studiocdz/collaborative-editor/internal/presentation/utils"
)

const (
	defaultEventsLimit = 1000
	defaultAuditLimit  = 50
	maxAuditLimit      = 500
)

var validateSessionID = validate.Field("sessionId",
	validate.Required(),
	validate.MaxLength(64),
	validate.Slug(),
)

var validateParticipantID = validate.Compose(
	validate.Required(),
	validate.MaxLength(128),
	validate.Slug(),
)

type Handler struct {
	sessions *ws.Sessions
	archive  domain.SessionArchive
	audit    domain.SessionAuditRepository
	logger   logging.Logger
}

// NewHandler builds the session endpoints. archive and audit may be nil, in
// which case their endpoints answer 404.
func NewHandler(
	sessions *ws.Sessions,
	archive domain.SessionArchive,
	audit domain.SessionAuditRepository,
	logger logging.Logger,
) *Handler {
	return &Handler{
		sessions: sessions,
		archive:  archive,
		audit:    audit,
		logger:   logger,
	}
}

func sessionIDFrom(r *http.Request) (string, error) {
	id := chi.URLParam(r, "sessionId")
	if id == "" {
		return domain.DefaultSessionID, nil
	}
	if err := validateSessionID(id); err != nil {
		return "", err
	}
	return id, nil
}

// ServeWS upgrades the request and attaches it to the session. The
// participant id cookie lets a browser recover its identity after a reload.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDFrom(r)
	if err != nil {
		json.WriteValidationError(w, err)
		return
	}

	core, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSessionOwnedElsewhere):
			json.WriteCodedError(w, http.StatusConflict, domain.CodeSessionOwnedElsewhere, "Session is hosted by another instance")
		case errors.Is(err, domain.ErrSessionClosed):
			json.WriteCodedError(w, http.StatusServiceUnavailable, domain.CodeSessionClosed, "Server is shutting down")
		default:
			h.logger.Error(logging.Session, logging.Startup, "failed to start session", map[logging.ExtraKey]any{
				logging.SessionID:    sessionID,
				logging.ErrorMessage: err.Error(),
			})
			json.WriteInternalError(w, err)
		}
		return
	}

	participantID := utils.GetParticipantIDFromRequest(r)
	if validateParticipantID(participantID) != nil {
		participantID = uuid.NewString()
	}
	header := http.Header{}
	header.Add("Set-Cookie", utils.ParticipantIDCookie(participantID, utils.IsSecureRequest(r)).String())

	conn, err := h.sessions.Upgrade(w, r, header)
	if err != nil {
		// The upgrader has already answered the request.
		h.logger.Debug(logging.WebSocket, logging.Transport, "websocket upgrade failed", map[logging.ExtraKey]any{
			logging.SessionID:    sessionID,
			logging.ErrorMessage: err.Error(),
		})
		return
	}

	h.sessions.Connect(conn, core, participantID)
}

// GetSnapshot returns presence and sequence state of a running session.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDFrom(r)
	if err != nil {
		json.WriteValidationError(w, err)
		return
	}

	core, ok := h.sessions.Lookup(sessionID)
	if !ok {
		json.WriteNotFoundError(w, "Session is not running")
		return
	}

	snap, err := core.Snapshot(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrSessionClosed) {
			json.WriteNotFoundError(w, "Session is not running")
			return
		}
		json.WriteInternalError(w, err)
		return
	}

	_ = json.Write(w, http.StatusOK, snap)
}

// GetEvents lists logged events with seq >= since, at most limit of them.
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDFrom(r)
	if err != nil {
		json.WriteValidationError(w, err)
		return
	}

	since, err := parseUint(r, "since", 1)
	if err != nil {
		json.WriteBadRequestError(w, "since must be a positive integer")
		return
	}
	limit, err := parseUint(r, "limit", defaultEventsLimit)
	if err != nil || limit == 0 {
		json.WriteBadRequestError(w, "limit must be a positive integer")
		return
	}

	core, ok := h.sessions.Lookup(sessionID)
	if !ok {
		json.WriteNotFoundError(w, "Session is not running")
		return
	}

	log := core.Log()
	resp := eventsResponse{
		SessionID: sessionID,
		Since:     since,
		Seq:       log.Next() - 1,
		Events:    make([]domain.SessionEvent, 0),
	}
	for ev := range log.SnapshotSince(since) {
		if uint64(len(resp.Events)) >= limit {
			break
		}
		resp.Events = append(resp.Events, ev)
	}

	_ = json.Write(w, http.StatusOK, resp)
}

// GetArchive returns the log a session had when it was last torn down.
func (h *Handler) GetArchive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		json.WriteNotFoundError(w, "Archiving is disabled")
		return
	}

	sessionID, err := sessionIDFrom(r)
	if err != nil {
		json.WriteValidationError(w, err)
		return
	}

	events, err := h.archive.Load(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			json.WriteNotFoundError(w, "No archive for this session")
			return
		}
		json.WriteInternalError(w, err)
		return
	}

	_ = json.Write(w, http.StatusOK, archiveResponse{SessionID: sessionID, Events: events})
}

// GetAudit returns the newest audit entries of a session.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		json.WriteNotFoundError(w, "Audit log is disabled")
		return
	}

	sessionID, err := sessionIDFrom(r)
	if err != nil {
		json.WriteValidationError(w, err)
		return
	}

	limit, err := parseUint(r, "limit", defaultAuditLimit)
	if err != nil || limit == 0 {
		json.WriteBadRequestError(w, "limit must be a positive integer")
		return
	}
	limit = min(limit, maxAuditLimit)

	entries, err := h.audit.GetBySessionID(r.Context(), sessionID, int(limit))
	if err != nil {
		h.logger.Error(logging.MongoDB, logging.Audit, "failed to read audit log", map[logging.ExtraKey]any{
			logging.SessionID:    sessionID,
			logging.ErrorMessage: err.Error(),
		})
		json.WriteInternalError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.SessionAuditLog{}
	}

	_ = json.Write(w, http.StatusOK, auditResponse{SessionID: sessionID, Entries: entries})
}

func parseUint(r *http.Request, name string, fallback uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
