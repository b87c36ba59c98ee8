package wsclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/studiocdz/collaborative-editor/internal/domain"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/logging"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/ws"
)

type server struct {
	sessions *ws.Sessions
	http     *httptest.Server
	refuse   atomic.Bool

	mu      sync.Mutex
	clients []*ws.Client
}

func newServer(t *testing.T) *server {
	t.Helper()

	s := &server{
		sessions: ws.NewSessions(ws.SessionsConfig{Core: ws.CoreConfig{ReconnectGrace: time.Minute}}, ws.SessionsDeps{}, logging.NewNop()),
	}
	s.http = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.refuse.Load() && r.URL.Query().Get("admit") == "" {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		core, err := s.sessions.Get(r.Context(), "board")
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		conn, err := s.sessions.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := s.sessions.Connect(conn, core, "")
		s.mu.Lock()
		s.clients = append(s.clients, client)
		s.mu.Unlock()
	}))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.sessions.Shutdown(ctx)
		s.http.Close()
	})
	return s
}

func (s *server) url() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
}

// dropAll closes every server-side connection with a code the client
// recovers from.
func (s *server) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.Close(ws.CloseResyncRequired, "resync")
	}
	s.clients = nil
}

func (s *server) kinds(t *testing.T) []domain.EventKind {
	t.Helper()
	core, ok := s.sessions.Lookup("board")
	require.True(t, ok)
	var out []domain.EventKind
	for ev := range core.Log().SnapshotSince(1) {
		out = append(out, ev.Kind)
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	frames []ws.WSMessage
}

func (r *recorder) Render(msg ws.WSMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, msg)
}

func (r *recorder) find(match func(ws.WSMessage) bool) (ws.WSMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.frames {
		if match(f) {
			return f, true
		}
	}
	return ws.WSMessage{}, false
}

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.frames {
		if f.Type == typ {
			n++
		}
	}
	return n
}

func dial(t *testing.T, s *server, id string, sink RenderingSink, mutate ...func(*Config)) *Conn {
	t.Helper()

	cfg := Config{
		URL:               s.url(),
		Identity:          Identity{ID: id, Name: strings.ToUpper(id)},
		ReconnectInterval: 20 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, cfg, sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestDialRendersJoinReplay(t *testing.T) {
	s := newServer(t)
	sink := &recorder{}

	conn := dial(t, s, "alice", sink)

	require.Equal(t, domain.Open, conn.State())
	require.Equal(t, "alice", conn.Participant().ID)
	require.Equal(t, uint64(1), conn.LastSeq())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, ws.Welcome, sink.frames[0].Type)
	require.Equal(t, ws.ReplayStart, sink.frames[1].Type)
	require.Equal(t, ws.UsersUpdate, sink.frames[2].Type)
	require.True(t, sink.frames[2].Replay)
	require.Equal(t, ws.ReplayEnd, sink.frames[3].Type)
}

func TestEventsReachEveryParticipant(t *testing.T) {
	s := newServer(t)
	bobSink := &recorder{}

	alice := dial(t, s, "alice", nil)
	dial(t, s, "bob", bobSink)

	ctx := context.Background()
	require.NoError(t, alice.SendDraw(ctx, domain.DrawPoint{X: 1, Y: 2, Size: 3, Tool: domain.ToolPen, Color: "#ff0000"}))
	require.NoError(t, alice.SendChat(ctx, "hello"))

	require.Eventually(t, func() bool {
		_, ok := bobSink.find(func(m ws.WSMessage) bool { return m.Type == ws.ChatMessage })
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	draw, ok := bobSink.find(func(m ws.WSMessage) bool { return m.Type == ws.DrawingUpdate })
	require.True(t, ok)
	require.Equal(t, "alice", draw.Point.UserID)
	require.False(t, draw.Replay)

	chat, _ := bobSink.find(func(m ws.WSMessage) bool { return m.Type == ws.ChatMessage })
	require.Equal(t, "hello", chat.Message.Message)
	require.Equal(t, "ALICE", chat.Message.UserName)
	require.Greater(t, chat.Seq, draw.Seq)
}

func TestDuplicateIdentityIsRejected(t *testing.T) {
	s := newServer(t)
	dial(t, s, "alice", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, Config{URL: s.url(), Identity: Identity{ID: "alice", Name: "Again"}}, nil)

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, domain.CodeDuplicateJoin, rejected.Code)
}

func TestReconnectKeepsIdentityAndFlushesPending(t *testing.T) {
	s := newServer(t)
	bobSink := &recorder{}

	var reconnecting atomic.Int32
	alice := dial(t, s, "alice", nil, func(c *Config) {
		c.OnStateChange = func(_, to domain.ConnState) {
			if to == domain.Reconnecting {
				reconnecting.Add(1)
			}
		}
	})
	dial(t, s, "bob", bobSink)

	s.refuse.Store(true)
	s.dropAll()
	require.Eventually(t, func() bool { return alice.State() == domain.Reconnecting }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, alice.SendChat(context.Background(), "while away"))
	s.refuse.Store(false)

	require.Eventually(t, func() bool {
		_, ok := bobSink.find(func(m ws.WSMessage) bool {
			return m.Type == ws.ChatMessage && m.Message.Message == "while away"
		})
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	require.Equal(t, domain.Open, alice.State())
	require.Equal(t, "alice", alice.Participant().ID)
	require.GreaterOrEqual(t, reconnecting.Load(), int32(1))

	// Bob was dropped too and resumed; nobody left or rejoined.
	require.Equal(t, []domain.EventKind{domain.KindJoin, domain.KindJoin, domain.KindChat}, s.kinds(t))
	require.Equal(t, 1, bobSink.count(ws.ChatMessage))
}

func TestRestartedSessionReplaysInFull(t *testing.T) {
	s := newServer(t)
	aliceSink := &recorder{}
	alice := dial(t, s, "alice", aliceSink)

	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, alice.SendDraw(ctx, domain.DrawPoint{X: float64(i), Y: 1, Size: 2, Tool: domain.ToolPen}))
	}
	require.Eventually(t, func() bool { return alice.LastSeq() == 6 }, 5*time.Second, 5*time.Millisecond)

	s.refuse.Store(true)
	core, ok := s.sessions.Lookup("board")
	require.True(t, ok)
	core.Stop()
	<-core.Done()
	require.Eventually(t, func() bool { return alice.State() == domain.Reconnecting }, 5*time.Second, 5*time.Millisecond)

	// The restarted session moves past alice's last seq before she is back.
	bob := dial(t, s, "bob", nil, func(c *Config) { c.URL += "?admit=1" })
	for i := range 8 {
		require.NoError(t, bob.SendDraw(ctx, domain.DrawPoint{X: float64(i), Y: 2, Size: 2, Tool: domain.ToolPen}))
	}
	require.Eventually(t, func() bool { return bob.LastSeq() == 9 }, 5*time.Second, 5*time.Millisecond)

	s.refuse.Store(false)
	require.Eventually(t, func() bool { return alice.State() == domain.Open && alice.LastSeq() == 10 }, 5*time.Second, 5*time.Millisecond)

	aliceSink.mu.Lock()
	defer aliceSink.mu.Unlock()
	fromBob := 0
	for _, f := range aliceSink.frames {
		if f.Type == ws.DrawingUpdate && f.Point.UserID == "bob" {
			fromBob++
		}
	}
	require.Equal(t, 8, fromBob)
}

func TestPendingQueueOverflowFails(t *testing.T) {
	s := newServer(t)
	alice := dial(t, s, "alice", nil, func(c *Config) { c.PendingQueueSize = 1 })

	s.refuse.Store(true)
	s.dropAll()
	require.Eventually(t, func() bool { return alice.State() == domain.Reconnecting }, 5*time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, alice.Clear(ctx))
	require.ErrorIs(t, alice.Clear(ctx), domain.ErrConnectionLost)
}

func TestLeaveEndsTheConnection(t *testing.T) {
	s := newServer(t)
	alice := dial(t, s, "alice", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, alice.Leave(ctx))

	<-alice.Done()
	require.NoError(t, alice.Err())
	require.Equal(t, domain.Closed, alice.State())
	require.ErrorIs(t, alice.SendChat(ctx, "too late"), ErrClosed)

	require.Eventually(t, func() bool {
		kinds := s.kinds(t)
		return len(kinds) == 2 && kinds[1] == domain.KindLeave
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSupersededConnectionStops(t *testing.T) {
	s := newServer(t)
	first := dial(t, s, "alice", nil)

	// Another tab resumes the same identity and takes it over.
	other, _, err := websocket.DefaultDialer.Dial(s.url(), nil)
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.WriteJSON(ws.InboundFrame{
		Type:        ws.InJoin,
		Participant: &ws.UserPayload{ID: "alice"},
		Resume:      true,
		LastSeq:     first.LastSeq(),
	}))

	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("superseded connection kept running")
	}
	require.ErrorIs(t, first.Err(), ErrSuperseded)
	require.Equal(t, domain.Closed, first.State())
}

func TestDuplicateAndStaleFramesRenderOnce(t *testing.T) {
	sink := &recorder{}
	c := &Conn{cfg: Config{}.withDefaults(), sink: sink, ready: make(chan struct{}), done: make(chan struct{})}
	c.state.Store(int32(domain.Connecting))

	welcomed := false
	frames := []ws.WSMessage{
		{Type: ws.Welcome, Seq: 2, Epoch: "e1", Participant: &ws.UserPayload{ID: "alice", Name: "Alice"}},
		{Type: ws.ReplayStart, FromSeq: 1, ToSeq: 2},
		{Type: ws.UsersUpdate, Seq: 1, Replay: true},
		{Type: ws.DrawingUpdate, Seq: 2, Replay: true},
		{Type: ws.ReplayEnd, Seq: 2},
		{Type: ws.DrawingUpdate, Seq: 2},
		{Type: ws.DrawingUpdate, Seq: 3},
		{Type: ws.DrawingUpdate, Seq: 3},
	}
	for _, f := range frames {
		require.NoError(t, c.handle(f, &welcomed))
	}

	require.Equal(t, 2, sink.count(ws.DrawingUpdate))
	require.Equal(t, uint64(3), c.LastSeq())
	require.Equal(t, domain.Open, c.State())
	require.Equal(t, "alice", c.Participant().ID)

	// A resume in the same epoch keeps de-duplicating.
	require.NoError(t, c.handle(ws.WSMessage{Type: ws.Welcome, Seq: 3, Epoch: "e1", Resumed: true}, &welcomed))
	require.NoError(t, c.handle(ws.WSMessage{Type: ws.DrawingUpdate, Seq: 3, Replay: true}, &welcomed))
	require.Equal(t, 2, sink.count(ws.DrawingUpdate))

	// A new epoch restarts numbering even when the head is ahead.
	require.NoError(t, c.handle(ws.WSMessage{Type: ws.Welcome, Seq: 9, Epoch: "e2", Resumed: true}, &welcomed))
	require.Zero(t, c.LastSeq())
	require.NoError(t, c.handle(ws.WSMessage{Type: ws.DrawingUpdate, Seq: 2, Replay: true}, &welcomed))
	require.Equal(t, 3, sink.count(ws.DrawingUpdate))
}

func TestErrorBeforeWelcomeIsRejection(t *testing.T) {
	c := &Conn{cfg: Config{}.withDefaults(), sink: &recorder{}}
	welcomed := false

	err := c.handle(ws.WSMessage{Type: ws.ErrorEvent, Code: domain.CodeMalformedPayload, Error: "bad name"}, &welcomed)

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, domain.CodeMalformedPayload, rejected.Code)
}

func TestUploadPostsMultipartForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/upload" {
			http.NotFound(w, r)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(file)
		if string(body) != "hello world" || r.FormValue("userId") != "alice" || r.FormValue("userName") != "Alice" {
			http.Error(w, "unexpected form", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true,"fileUrl":"/files/x.txt","fileName":"`+header.Filename+`","fileType":"text/plain","contentLocator":"/files/x.txt"}`)
	}))
	defer srv.Close()

	ref, err := Upload(context.Background(), srv.Client(), srv.URL, domain.Participant{ID: "alice", DisplayName: "Alice"}, "notes.txt", strings.NewReader("hello world"))
	require.NoError(t, err)
	require.Equal(t, domain.FileRef{FileName: "notes.txt", MimeType: "text/plain", ContentLocator: "/files/x.txt"}, ref)
}

func TestUploadReportsServerRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_, _ = io.WriteString(w, `{"success":false,"message":"too large"}`)
	}))
	defer srv.Close()

	_, err := Upload(context.Background(), srv.Client(), srv.URL, domain.Participant{ID: "alice"}, "big.bin", strings.NewReader("x"))
	require.ErrorContains(t, err, "too large")
}
