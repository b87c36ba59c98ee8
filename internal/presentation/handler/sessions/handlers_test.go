package sessions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"github.com/studiocdz/collaborative-editor/internal/domain"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/logging"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/ws"
)

type stubArchive map[string][]domain.SessionEvent

func (a stubArchive) Store(_ context.Context, sessionID string, events []domain.SessionEvent) error {
	a[sessionID] = events
	return nil
}

func (a stubArchive) Load(_ context.Context, sessionID string) ([]domain.SessionEvent, error) {
	events, ok := a[sessionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return events, nil
}

type stubAudit struct {
	domain.SessionAuditRepository
	entries []domain.SessionAuditLog
	limit   int
}

func (s *stubAudit) GetBySessionID(_ context.Context, _ string, limit int) ([]domain.SessionAuditLog, error) {
	s.limit = limit
	return s.entries, nil
}

func newRouter(t *testing.T, archive domain.SessionArchive, audit domain.SessionAuditRepository) (http.Handler, *ws.Sessions) {
	t.Helper()

	sessions := ws.NewSessions(ws.SessionsConfig{}, ws.SessionsDeps{}, logging.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sessions.Shutdown(ctx)
	})

	h := NewHandler(sessions, archive, audit, logging.NewNop())
	r := chi.NewRouter()
	r.Route("/api/sessions/{sessionId}", func(r chi.Router) {
		r.Get("/", h.GetSnapshot)
		r.Get("/events", h.GetEvents)
		r.Get("/archive", h.GetArchive)
		r.Get("/audit", h.GetAudit)
	})
	return r, sessions
}

func get(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestGetEventsPaginates(t *testing.T) {
	h, sessions := newRouter(t, nil, nil)
	ctx := context.Background()

	core, err := sessions.Get(ctx, "board")
	require.NoError(t, err)
	client := ws.NewClient(nil, "board", ws.ClientConfig{QueueSize: 64}, nil, logging.NewNop())
	_, err = core.Attach(ctx, client, ws.JoinRequest{ID: "alice", Name: "Alice"})
	require.NoError(t, err)
	for range 4 {
		_, err := core.Submit(ctx, "alice", ws.Command{Kind: domain.KindClear})
		require.NoError(t, err)
	}

	var resp eventsResponse
	require.Equal(t, http.StatusOK, get(t, h, "/api/sessions/board/events?since=2&limit=2", &resp))
	require.Equal(t, uint64(5), resp.Seq)
	require.Len(t, resp.Events, 2)
	require.Equal(t, uint64(2), resp.Events[0].Seq)
	require.Equal(t, uint64(3), resp.Events[1].Seq)

	var snap domain.SessionSnapshot
	require.Equal(t, http.StatusOK, get(t, h, "/api/sessions/board/", &snap))
	require.Equal(t, uint64(5), snap.LastClearSeq)
	require.Equal(t, 1, snap.Connections)
}

func TestGetEventsValidation(t *testing.T) {
	h, _ := newRouter(t, nil, nil)

	require.Equal(t, http.StatusBadRequest, get(t, h, "/api/sessions/board/events?since=-1", nil))
	require.Equal(t, http.StatusBadRequest, get(t, h, "/api/sessions/board/events?limit=0", nil))
	require.Equal(t, http.StatusBadRequest, get(t, h, "/api/sessions/Not%20A%20Slug/events", nil))
	require.Equal(t, http.StatusNotFound, get(t, h, "/api/sessions/idle/events", nil))
	require.Equal(t, http.StatusNotFound, get(t, h, "/api/sessions/idle/", nil))
}

func TestGetArchive(t *testing.T) {
	archive := stubArchive{"board": {domain.NewClearEvent("alice")}}

	h, _ := newRouter(t, archive, nil)
	var resp archiveResponse
	require.Equal(t, http.StatusOK, get(t, h, "/api/sessions/board/archive", &resp))
	require.Len(t, resp.Events, 1)
	require.Equal(t, http.StatusNotFound, get(t, h, "/api/sessions/other/archive", nil))

	disabled, _ := newRouter(t, nil, nil)
	require.Equal(t, http.StatusNotFound, get(t, disabled, "/api/sessions/board/archive", nil))
}

func TestGetAuditCapsLimit(t *testing.T) {
	audit := &stubAudit{entries: []domain.SessionAuditLog{{ID: "1", SessionID: "board", EventType: domain.AuditCanvasCleared}}}
	h, _ := newRouter(t, nil, audit)

	var resp auditResponse
	require.Equal(t, http.StatusOK, get(t, h, "/api/sessions/board/audit?limit=10000", &resp))
	require.Equal(t, maxAuditLimit, audit.limit)
	require.Len(t, resp.Entries, 1)

	require.Equal(t, http.StatusOK, get(t, h, "/api/sessions/board/audit", &resp))
	require.Equal(t, defaultAuditLimit, audit.limit)
}
