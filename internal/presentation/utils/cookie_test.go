package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParticipantIDCookieRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	SetPersistentParticipantIDCookie("p-123", false, rec)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, CookieNameParticipantID, cookies[0].Name)
	require.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.AddCookie(cookies[0])
	require.Equal(t, "p-123", GetParticipantIDFromCookie(req))
	require.Equal(t, "p-123", GetParticipantIDFromRequest(req))
}

func TestGetParticipantIDFromRequestPrefersHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set(HeaderParticipantID, "from-header")
	req.AddCookie(&http.Cookie{Name: CookieNameParticipantID, Value: "garbage!"})

	require.Equal(t, "from-header", GetParticipantIDFromRequest(req))
	require.Empty(t, GetParticipantIDFromCookie(req))
}
