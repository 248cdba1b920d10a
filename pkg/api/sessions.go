package api

import (
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	CookieName = "ghost_session"
	SessionTTL = 24 * time.Hour
)

// Sessions tracks signed-in browsers. Rotating the secret drops every
// session.
type Sessions struct {
	mu       sync.Mutex
	now      func() time.Time
	salt     []byte
	secret   string
	sessions map[string]time.Time
	signer   signer
}

func NewSessions(secret string) (*Sessions, error) {
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	return &Sessions{
		now:      time.Now,
		salt:     salt,
		secret:   secret,
		sessions: map[string]time.Time{},
		signer:   newSigner(secret, salt),
	}, nil
}

// Check compares secret against the admin secret in constant time. An
// unset admin secret matches nothing.
func (s *Sessions) Check(secret string) bool {
	s.mu.Lock()
	want := s.secret
	s.mu.Unlock()
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(want)) == 1
}

// Rotate switches to a new secret. It reports false when the secret is
// unchanged.
func (s *Sessions) Rotate(secret string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if secret == s.secret {
		return false
	}
	s.secret = secret
	s.signer = newSigner(secret, s.salt)
	s.sessions = map[string]time.Time{}
	return true
}

func (s *Sessions) Issue() *http.Cookie {
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, exp := range s.sessions {
		if now.After(exp) {
			delete(s.sessions, k)
		}
	}
	s.sessions[id] = now.Add(SessionTTL)

	return &http.Cookie{
		HttpOnly: true,
		MaxAge:   int(SessionTTL / time.Second),
		Name:     CookieName,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
		Secure:   true,
		Value:    s.signer.sign(id),
	}
}

func (s *Sessions) Valid(r *http.Request) bool {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.signer.verify(cookie.Value)
	if !ok {
		return false
	}
	exp, ok := s.sessions[id]
	if !ok {
		return false
	}
	if s.now().After(exp) {
		delete(s.sessions, id)
		return false
	}
	return true
}
