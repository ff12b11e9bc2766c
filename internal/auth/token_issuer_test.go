package auth

import (
	"testing"
	"time"
)

func TestTokenIssuerTokensPassValidation(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		TokenTTL:      15 * time.Minute,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	token, expiresAt, err := issuer.IssueSessionToken(Identity{
		UserID:      "user-321",
		DisplayName: "Ada",
		Email:       "ada@example.com",
	})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	identity, err := newTestValidator(t, clockNow).Verify(token)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if identity.UserID != "user-321" || identity.DisplayName != "Ada" || identity.Email != "ada@example.com" {
		t.Fatalf("unexpected identity %#v", identity)
	}

	if _, _, err := issuer.IssueSessionToken(Identity{}); err == nil {
		t.Fatalf("expected missing user id to be rejected")
	}
}

func TestNewTokenIssuerRequiresSecretAndIssuer(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{Issuer: testSessionIssuer}); err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}
	if _, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: " "}); err == nil {
		t.Fatalf("expected constructor error for missing issuer")
	}
}
