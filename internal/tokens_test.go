package internal

import (
	"testing"
	"time"
)

func TestIssueAndVerifyRoundtrip(t *testing.T) {
	manager := NewTokenManager("test-secret")
	token, err := manager.Issue("u1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	userID, err := manager.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "u1" {
		t.Fatalf("subject = %q, want u1", userID)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewTokenManager("secret-a").Issue("u1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := NewTokenManager("secret-b").Verify(token); err == nil {
		t.Fatalf("expected verification failure for wrong secret")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	manager := NewTokenManager("test-secret")
	manager.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := manager.Issue("u1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	manager.now = time.Now
	if _, err := manager.Verify(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	if _, err := NewTokenManager("test-secret").Verify("not-a-jwt"); err == nil {
		t.Fatalf("expected rejection of malformed token")
	}
}
