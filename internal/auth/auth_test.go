package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var caller = common.HexToAddress("0x00000000000000000000000000000000000000c1")

func TestIssuerGenerateAndValidate(t *testing.T) {
	issuer, err := NewIssuer("test-secret", WithIssuerName("test-issuer"))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, expiresAt, err := issuer.GenerateToken(caller, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expected future expiration, got %v", expiresAt)
	}
	claims, err := issuer.ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Address() != caller {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.ID == "" {
		t.Fatal("expected jti")
	}
}

func TestIssuerRejectsForeignAndExpiredTokens(t *testing.T) {
	a, _ := NewIssuer("secret-a")
	b, _ := NewIssuer("secret-b")
	token, _, err := a.GenerateToken(caller, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	past := time.Now().Add(-2 * time.Hour)
	old, _ := NewIssuer("secret-a", WithIssuerClock(func() time.Time { return past }))
	stale, _, err := old.GenerateToken(caller, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.ParseAndValidate(stale); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	if _, err := NewIssuer("  "); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestGenerateTokenRejectsZeroSubject(t *testing.T) {
	issuer, _ := NewIssuer("s")
	if _, _, err := issuer.GenerateToken(common.Address{}, time.Minute); err == nil {
		t.Fatal("expected error for zero subject")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithCaller(context.Background(), caller)
	got, ok := CallerFromContext(ctx)
	if !ok || got != caller {
		t.Fatalf("unexpected caller: %s, ok=%v", got.Hex(), ok)
	}
	if _, ok := CallerFromContext(context.Background()); ok {
		t.Fatal("expected no caller on empty context")
	}
}
