package flightserver

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sessions issues and validates bearer tokens for one server instance.
// Tokens live until the process exits; there is no expiry or revocation.
type Sessions struct {
	mu     sync.RWMutex
	creds  map[string]string
	tokens map[string]string
}

// NewSessions creates a session store over a static credential map.
func NewSessions(users map[string]string) *Sessions {
	creds := make(map[string]string, len(users))
	for u, p := range users {
		creds[u] = p
	}
	return &Sessions{
		creds:  creds,
		tokens: make(map[string]string),
	}
}

// Authenticate checks a username/password pair and issues a new token.
func (s *Sessions) Authenticate(username, password string) (string, error) {
	s.mu.RLock()
	expected, ok := s.creds[username]
	s.mu.RUnlock()

	if !ok || subtle.ConstantTimeCompare([]byte(password), []byte(expected)) != 1 {
		return "", status.Error(codes.Unauthenticated, "invalid username or password")
	}

	token := generateSessionToken()
	s.mu.Lock()
	s.tokens[token] = username
	s.mu.Unlock()

	authSessionsGauge.Inc()
	return token, nil
}

// Lookup resolves a previously issued token to its username.
func (s *Sessions) Lookup(token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	username, ok := s.tokens[token]
	return username, ok
}

// Active returns the number of issued tokens.
func (s *Sessions) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

func generateSessionToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("failed to generate session token: " + err.Error())
	}
	return hex.EncodeToString(b)
}
