package session

import (
	"time"

	"github.com/google/uuid"
)

// Session is a bearer-token scoped session. Exactly one token maps to one
// session at a time; tokens are never reused after eviction.
type Session struct {
	SessionID  uuid.UUID `json:"sessionId"`
	Token      string    `json:"-"`
	ClientName string    `json:"clientName,omitempty"`
	Scopes     []string  `json:"scopes"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

func (s *Session) HasScope(scope string) bool {
	for _, sc := range s.Scopes {
		if sc == scope || sc == "*" {
			return true
		}
	}
	return false
}
