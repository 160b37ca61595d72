package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

const (
	// SessionCookieName is the cookie carrying the opaque session token.
	SessionCookieName = "fc_session"

	sessionKeyID = "session_id"

	// Cookie lifetime. Well past the job TTL so a session outlives its
	// jobs, never the other way around.
	sessionMaxAgeSeconds = 30 * 24 * 60 * 60
)

// sessionID returns the caller's opaque session identifier, issuing a
// fresh one on first contact. Every job created or listed through the
// API is scoped to this identifier.
func sessionID(c *gin.Context) (string, error) {
	session := sessions.Default(c)
	if v, ok := session.Get(sessionKeyID).(string); ok && v != "" {
		return v, nil
	}

	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	session.Set(sessionKeyID, token)
	if err := session.Save(); err != nil {
		return "", fmt.Errorf("failed to save session: %w", err)
	}
	return token, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
