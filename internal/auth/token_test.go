package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		UserID: 7,
		Name:   "alice",
		JTI:    "jti-1",
		Exp:    time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.UserID != 7 || claims.Name != "alice" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		UserID: 7,
		Name:   "alice",
		JTI:    "jti-1",
		Exp:    time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	issued, err := IssueToken([]byte("secret"), Claims{UserID: 7, JTI: "jti-1", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	for name, token := range map[string]string{
		"other secret": mustIssue(t, []byte("other"), Claims{UserID: 7, JTI: "jti-1", Exp: time.Now().Add(time.Hour).Unix()}),
		"no signature": "payload",
		"extra part":   issued + ".x",
		"no user":      mustIssue(t, []byte("secret"), Claims{JTI: "jti-1", Exp: time.Now().Add(time.Hour).Unix()}),
	} {
		if _, err := ParseToken([]byte("secret"), token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestParseTokenAtExpiryBoundary(t *testing.T) {
	exp := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	token := mustIssue(t, []byte("secret"), Claims{UserID: 1, JTI: "j", Exp: exp.Unix()})
	if _, err := parseTokenAt([]byte("secret"), token, exp.Add(-time.Second)); err != nil {
		t.Fatalf("token should be valid before expiry: %v", err)
	}
	if _, err := parseTokenAt([]byte("secret"), token, exp); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken at expiry, got %v", err)
	}
}

func mustIssue(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}
