package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/studiocdz/collaborative-editor/internal/domain"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/configs"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/logging"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/metrics"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/ratelimiter"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/repository"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/storage"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/ws"
	healthHandler "github.com/studiocdz/collaborative-editor/internal/presentation/handler/health"
	sessionsHandler "github.com/studiocdz/collaborative-editor/internal/presentation/handler/sessions"
	uploadsHandler "github.com/studiocdz/collaborative-editor/internal/presentation/handler/uploads"
	"github.com/studiocdz/collaborative-editor/internal/presentation/utils"
)

const testMaxUpload = 64

func newTestServer(t *testing.T, limiter ratelimiter.Limiter) *httptest.Server {
	t.Helper()

	logger := logging.NewNop()
	m := metrics.New()

	var cfg configs.Config
	cfg.HTTP.AllowedOrigins = []string{"http://board.example"}

	sessions := ws.NewSessions(ws.SessionsConfig{}, ws.SessionsDeps{Recorder: m}, logger)
	store, err := storage.NewUploadStore(t.TempDir(), "/files", testMaxUpload, repository.NewFileRepository(16))
	require.NoError(t, err)

	if limiter == nil {
		limiter = ratelimiter.New(ratelimiter.Options{MaxRatePerSecond: 1000, MaxBurst: 1000})
	}

	app := NewApplication(
		cfg,
		sessionsHandler.NewHandler(sessions, nil, nil, logger),
		uploadsHandler.NewHandler(store, testMaxUpload, m, logger),
		healthHandler.NewHandler(sessions),
		logger,
		limiter,
		m,
	)

	srv := httptest.NewServer(app.Mount())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sessions.Shutdown(ctx)
		srv.Close()
	})
	return srv
}

func uploadForm(t *testing.T, name string, content []byte) (io.Reader, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("userId", "alice"))
	require.NoError(t, mw.WriteField("userName", "Alice"))
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, path := range []string{"/api/health", "/api/healthz", "/api/ready", "/api/live"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		require.Equal(t, "ok", body["status"], path)
		require.NotEmpty(t, resp.Header.Get("X-RateLimit-Limit"))
	}
}

func TestUploadAndServeFile(t *testing.T) {
	srv := newTestServer(t, nil)

	body, contentType := uploadForm(t, "notes.txt", []byte("hello board"))
	resp, err := http.Post(srv.URL+"/api/upload", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var uploaded struct {
		Success        bool   `json:"success"`
		FileURL        string `json:"fileUrl"`
		FileName       string `json:"fileName"`
		FileType       string `json:"fileType"`
		FileSize       int64  `json:"fileSize"`
		ContentLocator string `json:"contentLocator"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploaded))
	require.True(t, uploaded.Success)
	require.Equal(t, "notes.txt", uploaded.FileName)
	require.Equal(t, int64(len("hello board")), uploaded.FileSize)
	require.True(t, strings.HasPrefix(uploaded.FileType, "text/plain"))
	require.True(t, strings.HasPrefix(uploaded.ContentLocator, "/files/"))

	file, err := http.Get(srv.URL + uploaded.ContentLocator)
	require.NoError(t, err)
	defer file.Body.Close()
	content, err := io.ReadAll(file.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, file.StatusCode)
	require.Equal(t, "hello board", string(content))
	require.Equal(t, "nosniff", file.Header.Get("X-Content-Type-Options"))
}

func TestUploadTooLarge(t *testing.T) {
	srv := newTestServer(t, nil)

	body, contentType := uploadForm(t, "big.bin", bytes.Repeat([]byte("x"), testMaxUpload*2))
	resp, err := http.Post(srv.URL+"/upload", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestUnknownFileIsNotFound(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/files/missing.png")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCorsPreflight(t *testing.T) {
	srv := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/upload", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://board.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "http://board.example", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), utils.HeaderParticipantID)
}

func TestRateLimitedRequestsGet429(t *testing.T) {
	srv := newTestServer(t, ratelimiter.New(ratelimiter.Options{MaxRatePerSecond: 1, MaxBurst: 1}))

	get := func() *http.Response {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/health", nil)
		require.NoError(t, err)
		req.Header.Set("X-RateLimit-Key", "same-client")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	require.Equal(t, http.StatusOK, get().StatusCode)
	limited := get()
	require.Equal(t, http.StatusTooManyRequests, limited.StatusCode)
	require.Equal(t, "1", limited.Header.Get("Retry-After"))
	require.Equal(t, "0", limited.Header.Get("X-RateLimit-Remaining"))
}

func TestWebsocketJoinUsesCookieIdentity(t *testing.T) {
	srv := newTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/board/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	cookieReq := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range resp.Cookies() {
		cookieReq.AddCookie(c)
	}
	remembered := utils.GetParticipantIDFromCookie(cookieReq)
	require.NotEmpty(t, remembered)

	require.NoError(t, conn.WriteJSON(ws.InboundFrame{Type: ws.InJoin, Participant: &ws.UserPayload{Name: "Alice"}}))
	var welcome ws.WSMessage
	require.NoError(t, conn.ReadJSON(&welcome))
	require.Equal(t, ws.Welcome, welcome.Type)
	require.Equal(t, remembered, welcome.Participant.ID)

	snap, err := http.Get(srv.URL + "/api/sessions/board/")
	require.NoError(t, err)
	defer snap.Body.Close()
	var snapshot domain.SessionSnapshot
	require.NoError(t, json.NewDecoder(snap.Body).Decode(&snapshot))
	require.Equal(t, "board", snapshot.SessionID)
	require.Len(t, snapshot.Participants, 1)

	events, err := http.Get(srv.URL + "/api/sessions/board/events?since=1")
	require.NoError(t, err)
	defer events.Body.Close()
	require.Equal(t, http.StatusOK, events.StatusCode)
}

func TestMetricsAreExposed(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `collab_http_requests_total{method="GET",route="/api/health",status="200"}`)
}
