// Package auth keeps the bearer token of the signed-in session on disk.
// Login itself happens elsewhere; this package only stores, inspects and
// clears the token.
package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSession is returned when no token is stored
var ErrNoSession = errors.New("no stored session")

// Session is a file-backed session token store
type Session struct {
	path string
	mu   sync.RWMutex
}

// NewSession returns a session stored at path
func NewSession(path string) *Session {
	return &Session{path: path}
}

// Save stores token, replacing any previous one
func (s *Session) Save(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(token), 0o600); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

// Token returns the stored token or ErrNoSession
func (s *Session) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoSession
	}
	if err != nil {
		return "", fmt.Errorf("failed to read session: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoSession
	}
	return token, nil
}

// HasSession reports whether a token is stored
func (s *Session) HasSession() bool {
	_, err := s.Token()
	return err == nil
}

// Clear removes the stored token
func (s *Session) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// Expired reports whether the stored token is a JWT whose exp claim is
// before now. Opaque tokens and tokens without exp are never expired here;
// the server remains the authority.
func (s *Session) Expired(now time.Time) bool {
	token, err := s.Token()
	if err != nil {
		return false
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Time.Before(now)
}
