package httpapi

import (
	"testing"
	"time"

	"puntoventa/backend/internal/domain"
	"puntoventa/backend/internal/store/memory"
)

func newTestAuth(t *testing.T) *AuthManager {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "admin-secret")
	t.Setenv("SEED_CASHIER_PASSWORD", "cashier-secret")
	return NewAuthManager("test-secret-test-secret-test-secret", time.Hour, memory.New())
}

func TestLoginIssuesParseableToken(t *testing.T) {
	auth := newTestAuth(t)

	resp, err := auth.Login(domain.LoginRequest{Username: "admin", Password: "admin-secret"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.Role != "admin" {
		t.Fatalf("role = %s, want admin", resp.Role)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "admin" || actor.Role != "admin" {
		t.Fatalf("actor = %+v", actor)
	}
}

func TestLoginRejectsUnknownUser(t *testing.T) {
	auth := newTestAuth(t)
	if _, err := auth.Login(domain.LoginRequest{Username: "ghost", Password: "whatever"}); err == nil {
		t.Fatal("expected error for unknown user")
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	auth := newTestAuth(t)
	if _, err := auth.ParseToken("not-a-token"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	t.Setenv("SEED_ADMIN_PASSWORD", "admin-secret")
	t.Setenv("SEED_CASHIER_PASSWORD", "cashier-secret")
	repo := memory.New()
	issuer := NewAuthManager("secret-one-secret-one-secret-one", time.Hour, repo)
	verifier := NewAuthManager("secret-two-secret-two-secret-two", time.Hour, repo)

	resp, err := issuer.Login(domain.LoginRequest{Username: "admin", Password: "admin-secret"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := verifier.ParseToken(resp.AccessToken); err == nil {
		t.Fatal("expected signature mismatch")
	}
}

func TestCreateCashier(t *testing.T) {
	auth := newTestAuth(t)

	cashier, err := auth.CreateCashier(domain.CashierCreateRequest{Username: "lupita", Password: "secret123"})
	if err != nil {
		t.Fatalf("create cashier: %v", err)
	}
	if cashier.Role != "cashier" || !cashier.Active {
		t.Fatalf("cashier = %+v", cashier)
	}

	if _, err := auth.Login(domain.LoginRequest{Username: "lupita", Password: "secret123"}); err != nil {
		t.Fatalf("new cashier login: %v", err)
	}

	if _, err := auth.CreateCashier(domain.CashierCreateRequest{Username: "lupita", Password: "secret123"}); err == nil {
		t.Fatal("expected duplicate username error")
	}
	if _, err := auth.CreateCashier(domain.CashierCreateRequest{Username: "ab", Password: "secret123"}); err == nil {
		t.Fatal("expected short username error")
	}
	if _, err := auth.CreateCashier(domain.CashierCreateRequest{Username: "valeria", Password: "123"}); err == nil {
		t.Fatal("expected short password error")
	}
}
