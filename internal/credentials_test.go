package internal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCredentialsSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth", "credentials.json")

	store := NewCredentialStore(path)
	if err := store.SaveTokens("access-1", "refresh-1"); err != nil {
		t.Fatalf("SaveTokens: %v", err)
	}

	reopened := NewCredentialStore(path)
	if got := reopened.AccessToken(); got != "access-1" {
		t.Fatalf("access token after reopen = %q", got)
	}
	if got := reopened.RefreshToken(); got != "refresh-1" {
		t.Fatalf("refresh token after reopen = %q", got)
	}
}

func TestEmptyRefreshKeepsPrevious(t *testing.T) {
	store := NewCredentialStore(filepath.Join(t.TempDir(), "credentials.json"))
	if err := store.SaveTokens("access-1", "refresh-1"); err != nil {
		t.Fatalf("SaveTokens: %v", err)
	}
	if err := store.SaveTokens("access-2", ""); err != nil {
		t.Fatalf("SaveTokens rotate: %v", err)
	}
	if store.AccessToken() != "access-2" {
		t.Fatalf("access token not rotated: %q", store.AccessToken())
	}
	if store.RefreshToken() != "refresh-1" {
		t.Fatalf("refresh token must survive an access-only rotation, got %q", store.RefreshToken())
	}
}

func TestCredentialFileIsPrivate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := NewCredentialStore(path)
	if err := store.SaveTokens("access-1", "refresh-1"); err != nil {
		t.Fatalf("SaveTokens: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("credential file mode = %o, want 600", perm)
	}
}

func TestClearRemovesFileAndTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := NewCredentialStore(path)
	if err := store.SaveTokens("access-1", "refresh-1"); err != nil {
		t.Fatalf("SaveTokens: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if store.AccessToken() != "" || store.RefreshToken() != "" {
		t.Fatalf("tokens remained after Clear")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("credential file still exists after Clear")
	}
}

func TestMissingFileReadsAsSignedOut(t *testing.T) {
	store := NewCredentialStore(filepath.Join(t.TempDir(), "nope", "credentials.json"))
	if store.AccessToken() != "" || store.RefreshToken() != "" {
		t.Fatalf("expected empty tokens for a missing file")
	}
}
