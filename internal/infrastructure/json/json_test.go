package json

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRead(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"alice"}`))
	require.NoError(t, Read(r, &dst))
	require.Equal(t, "alice", dst.Name)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"alice","extra":1}`))
	require.Error(t, Read(r, &dst))

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	require.EqualError(t, Read(r, &dst), "request body is empty")
}

func TestWriteRateLimitError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteRateLimitError(rec, 3)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "3", rec.Header().Get("Retry-After"))
	require.Contains(t, rec.Body.String(), "Too Many Requests")
}

func TestWriteCodedError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteCodedError(rec, http.StatusConflict, "SESSION_OWNED_ELSEWHERE", "try another instance")

	require.Equal(t, http.StatusConflict, rec.Code)
	require.JSONEq(t, `{"error":"Conflict","code":"SESSION_OWNED_ELSEWHERE","message":"try another instance"}`, rec.Body.String())
}
