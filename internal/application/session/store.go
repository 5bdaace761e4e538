// Package session issues and validates bearer-token sessions. The store is
// owned by the run loop; no internal locking.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	domain "github.com/instrument-hub/instrument-hub/internal/domain/session"
)

var (
	ErrTokenUnknown = errors.New("unknown token")
	ErrTokenExpired = errors.New("token expired")
	ErrNotFound     = errors.New("session not found")
	ErrForbidden    = errors.New("token does not own session")
)

type Store struct {
	logger zerolog.Logger
	ttl    time.Duration

	byToken map[string]*domain.Session
	byID    map[uuid.UUID]*domain.Session
}

func NewStore(ttl time.Duration, logger zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{
		logger:  logger.With().Str("service", "session").Logger(),
		ttl:     ttl,
		byToken: make(map[string]*domain.Session),
		byID:    make(map[uuid.UUID]*domain.Session),
	}
}

// Create mints a session with a fresh random bearer token.
func (s *Store) Create(clientName string, scopes []string) (*domain.Session, error) {
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sess := &domain.Session{
		SessionID:  uuid.New(),
		Token:      token,
		ClientName: clientName,
		Scopes:     append([]string(nil), scopes...),
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}
	s.byToken[token] = sess
	s.byID[sess.SessionID] = sess
	s.logger.Info().Str("session_id", sess.SessionID.String()).Str("client", clientName).Msg("session created")
	return sess, nil
}

// Authenticate resolves a bearer token. Expiry evicts both indices eagerly
// so the token is unusable on every later call.
func (s *Store) Authenticate(token string, now time.Time) (*domain.Session, error) {
	if token == "" {
		return nil, ErrTokenUnknown
	}
	sess, ok := s.byToken[token]
	if !ok {
		return nil, ErrTokenUnknown
	}
	if sess.IsExpired(now) {
		s.evict(sess)
		return nil, ErrTokenExpired
	}
	return sess, nil
}

// Delete removes a session; the presented token must belong to it.
func (s *Store) Delete(id uuid.UUID, token string) error {
	sess, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if sess.Token != token {
		return ErrForbidden
	}
	s.evict(sess)
	s.logger.Info().Str("session_id", id.String()).Msg("session deleted")
	return nil
}

// Count reports live sessions, for capabilities reporting.
func (s *Store) Count() int { return len(s.byID) }

func (s *Store) evict(sess *domain.Session) {
	delete(s.byToken, sess.Token)
	delete(s.byID, sess.SessionID)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
