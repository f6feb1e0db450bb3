package httpapi

import (
	"context"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"verduleria/internal/domain"
	"verduleria/internal/store/memory"
)

func seedUser(t *testing.T, repo *memory.Store, username string, password string, role string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	err = repo.CreateUser(context.Background(), domain.UserAccount{
		Username:  username,
		Password:  string(hash),
		Role:      role,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
}

func TestLoginAndParseTokenRoundTrip(t *testing.T) {
	repo := memory.New()
	seedUser(t, repo, "vendedor", "secreto123", "user")
	manager := NewAuthManager("test-secret-key", time.Hour, repo)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "vendedor", Password: "secreto123"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.Role != "user" || resp.AccessToken == "" {
		t.Fatalf("unexpected login response: %+v", resp)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "vendedor" || actor.Role != "user" {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	repo := memory.New()
	seedUser(t, repo, "vendedor", "secreto123", "user")
	manager := NewAuthManager("test-secret-key", time.Hour, repo)

	cases := []domain.LoginRequest{
		{Username: "vendedor", Password: "wrong"},
		{Username: "desconocido", Password: "secreto123"},
		{Username: "", Password: ""},
	}
	for _, req := range cases {
		if _, err := manager.Login(context.Background(), req); err == nil {
			t.Fatalf("expected login failure for %+v", req)
		}
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	repo := memory.New()
	seedUser(t, repo, "vendedor", "secreto123", "user")
	manager := NewAuthManager("test-secret-key", time.Hour, repo)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "vendedor", Password: "secreto123"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	tampered := resp.AccessToken[:len(resp.AccessToken)-2] + "xx"
	if _, err := manager.ParseToken(tampered); err == nil {
		t.Fatalf("expected tampered token rejected")
	}

	other := NewAuthManager("a-different-secret-key", time.Hour, repo)
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret rejected")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	repo := memory.New()
	seedUser(t, repo, "vendedor", "secreto123", "user")
	manager := NewAuthManager("test-secret-key", -time.Minute, repo)
	// NewAuthManager replaces non-positive TTLs with the 8h default, so
	// sign directly with an already-elapsed expiry.
	token, err := manager.sign("vendedor", "user", time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := manager.ParseToken(token); err == nil || !strings.Contains(err.Error(), "invalid or expired") {
		t.Fatalf("expected expired token rejected, got %v", err)
	}
}
