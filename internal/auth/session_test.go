package auth

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "picker-7",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestSessionLifecycle(t *testing.T) {
	s := NewSession(filepath.Join(t.TempDir(), "auth", "session"))

	if s.HasSession() {
		t.Fatal("Expected no session initially")
	}
	if _, err := s.Token(); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected ErrNoSession, got %v", err)
	}

	if err := s.Save("  abc  "); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	token, err := s.Token()
	if err != nil || token != "abc" {
		t.Fatalf("Expected abc, got %q %v", token, err)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if s.HasSession() {
		t.Error("Expected session to be cleared")
	}
	if err := s.Clear(); err != nil {
		t.Errorf("Clear on empty session must not fail: %v", err)
	}
}

func TestSaveRejectsEmptyToken(t *testing.T) {
	s := NewSession(filepath.Join(t.TempDir(), "session"))
	if err := s.Save("   "); err == nil {
		t.Error("Expected error for empty token")
	}
}

func TestExpired(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"opaque token", "opaque-session-token", false},
		{"valid jwt", signedToken(t, now.Add(time.Hour)), false},
		{"expired jwt", signedToken(t, now.Add(-time.Minute)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession(filepath.Join(t.TempDir(), "session"))
			if err := s.Save(tt.token); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			if got := s.Expired(now); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}
