package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesSignedTokens(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "chronicle-auth",
		Audience:      "chronicle-api",
		TokenTTL:      30 * time.Minute,
	})

	tokenString, expiresIn, err := issuer.IssueToken(context.Background(), "author-123")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}

	if expiresIn <= 0 {
		t.Fatalf("expected positive expiry seconds, got %d", expiresIn)
	}

	parser := jwt.Parser{}
	claims := &jwt.RegisteredClaims{}

	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != "author-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "chronicle-auth" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "chronicle-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		Issuer:   "chronicle-auth",
		Audience: "chronicle-api",
	})

	if _, _, err := issuer.IssueToken(context.Background(), "author-123"); err == nil {
		t.Fatalf("expected issuance error for missing secret")
	}
	if _, err := issuer.ValidateToken("whatever"); err == nil {
		t.Fatalf("expected validation error for missing secret")
	}
}

func TestTokenIssuerRejectsMissingSubject(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "chronicle-auth",
		Audience:      "chronicle-api",
	})

	if _, _, err := issuer.IssueToken(context.Background(), ""); err == nil {
		t.Fatalf("expected issuance error for empty subject")
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        "chronicle-auth",
		Audience:      "chronicle-api",
		TokenTTL:      15 * time.Minute,
	})

	tokenString, _, err := issuer.IssueToken(context.Background(), "author-321")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	subject, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if subject != "author-321" {
		t.Fatalf("unexpected subject %s", subject)
	}

	if _, err := issuer.ValidateToken("invalid.token"); err == nil {
		t.Fatalf("expected validation to fail for malformed token")
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("rotating-secret"),
		Issuer:        "chronicle-auth",
		Audience:      "chronicle-api",
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return now },
	})

	tokenString, _, err := issuer.IssueToken(context.Background(), "author-9")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	late := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("rotating-secret"),
		Issuer:        "chronicle-auth",
		Audience:      "chronicle-api",
		Clock:         func() time.Time { return now.Add(2 * time.Minute) },
	})
	if _, err := late.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}
