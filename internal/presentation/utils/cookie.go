package utils

import (
	"encoding/base64"
	"net/http"
	"time"
)

const (
	CookieNameParticipantID = "participant_id"
	HeaderParticipantID     = "X-Participant-Id"
)

// GetParticipantIDFromCookie returns the participant id remembered for this
// browser, or "" when there is none.
func GetParticipantIDFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(CookieNameParticipantID)
	if err != nil {
		return ""
	}
	decoded, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return ""
	}
	return string(decoded)
}

// ParticipantIDCookie builds the cookie that remembers a participant id for
// 30 days. Websocket upgrades need it as a header value.
func ParticipantIDCookie(participantID string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieNameParticipantID,
		Value:    base64.RawURLEncoding.EncodeToString([]byte(participantID)),
		Path:     "/",
		HttpOnly: true,
		Expires:  time.Now().Add(30 * 24 * time.Hour),
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	}
}

func SetPersistentParticipantIDCookie(participantID string, secure bool, w http.ResponseWriter) {
	http.SetCookie(w, ParticipantIDCookie(participantID, secure))
}

func GetParticipantIDFromRequest(r *http.Request) string {
	// First try header (for API clients)
	if id := r.Header.Get(HeaderParticipantID); id != "" {
		return id
	}

	// Fall back to cookie (for WebSocket)
	return GetParticipantIDFromCookie(r)
}

// IsSecureRequest reports whether the request reached us over TLS, directly
// or through a proxy.
func IsSecureRequest(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}
