package web

import (
	"testing"
	"time"
)

func TestMintVerifyRoundtrip(t *testing.T) {
	a := NewAuthManager("secret", time.Hour)
	token, err := a.Mint("user-1")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	userID, err := a.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("userID = %q, want user-1", userID)
	}
}

func TestMintRejectsEmptyUser(t *testing.T) {
	a := NewAuthManager("secret", time.Hour)
	if _, err := a.Mint(""); err == nil {
		t.Fatalf("expected error for empty user id")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewAuthManager("secret-a", time.Hour).Mint("user-1")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if _, err := NewAuthManager("secret-b", time.Hour).Verify(token); err == nil {
		t.Fatalf("token verified across secrets")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	a := NewAuthManager("secret", -time.Minute)
	token, err := a.Mint("user-1")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if _, err := a.Verify(token); err == nil {
		t.Fatalf("expired token verified")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	a := NewAuthManager("secret", time.Hour)
	if _, err := a.Verify("not.a.jwt"); err == nil {
		t.Fatalf("garbage token verified")
	}
}
