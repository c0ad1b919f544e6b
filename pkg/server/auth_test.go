package server

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndValidate(t *testing.T) {
	a := NewAuthService("secret", 60)
	tok, err := a.Issue("Brock!", true)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := a.ValidateToken(tok)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.User() != "brock" || !claims.Admin || claims.Issuer != "clanwar" {
		t.Errorf("claims = %+v", claims)
	}
	if left := time.Until(claims.ExpiresAt.Time); left <= 0 || left > time.Minute {
		t.Errorf("expiry in %v, want within a minute", left)
	}

	if _, err := a.Issue("!!!", false); err == nil {
		t.Error("Issue with an empty user id should fail")
	}
}

func TestValidateTokenRejects(t *testing.T) {
	a := NewAuthService("secret", 0)
	other := NewAuthService("other", 0)
	foreign, _ := other.Issue("misty", false)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "misty",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "misty"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "abc.def.ghi"},
		{"wrong key", foreign},
		{"expired", expired},
		{"alg none", unsigned},
	}
	for _, tt := range tests {
		if _, err := a.ValidateToken(tt.token); err == nil {
			t.Errorf("%s: token accepted", tt.name)
		} else if !strings.HasPrefix(err.Error(), "invalid token") {
			t.Errorf("%s: error = %v", tt.name, err)
		}
	}
}

func TestRandomKeyWhenSecretEmpty(t *testing.T) {
	a, b := NewAuthService("", 0), NewAuthService("", 0)
	tok, err := a.Issue("misty", false)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := b.ValidateToken(tok); err == nil {
		t.Error("two services with generated keys accepted each other's tokens")
	}
	if s := GenerateJWTSecret(); len(s) != 64 {
		t.Errorf("GenerateJWTSecret length = %d, want 64", len(s))
	}
}
