package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func newTestCreds(t *testing.T, access, refresh string) *CredentialStore {
	t.Helper()
	store := NewCredentialStore(filepath.Join(t.TempDir(), "credentials.json"))
	if access != "" || refresh != "" {
		if err := store.SaveTokens(access, refresh); err != nil {
			t.Fatalf("SaveTokens: %v", err)
		}
	}
	return store
}

func TestBearerTokenIsAttached(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"u1","email":"a@b.c","displayName":"A"}`))
	}))
	defer server.Close()

	client := NewRESTClient(server.URL, newTestCreds(t, "access-1", "refresh-1"))
	if _, err := client.Me(context.Background()); err != nil {
		t.Fatalf("Me: %v", err)
	}
	if gotAuth != "Bearer access-1" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
}

func TestRefreshAndRetryExactlyOnce(t *testing.T) {
	var meCalls, refreshCalls int
	var retryAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/me", func(w http.ResponseWriter, r *http.Request) {
		meCalls++
		if r.Header.Get("Authorization") != "Bearer access-2" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"token expired"}`))
			return
		}
		retryAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"u1","email":"a@b.c","displayName":"A"}`))
	})
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls++
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["refreshToken"] != "refresh-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("refresh call must not carry a bearer token")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accessToken":"access-2","refreshToken":"refresh-2"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	creds := newTestCreds(t, "access-1", "refresh-1")
	client := NewRESTClient(server.URL, creds)

	user, err := client.Me(context.Background())
	if err != nil {
		t.Fatalf("Me after refresh: %v", err)
	}
	if user.ID != "u1" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if refreshCalls != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", refreshCalls)
	}
	if meCalls != 2 {
		t.Fatalf("expected original call plus one retry, got %d", meCalls)
	}
	if retryAuth != "Bearer access-2" {
		t.Fatalf("retry must carry the rotated credential, got %q", retryAuth)
	}
	if creds.AccessToken() != "access-2" || creds.RefreshToken() != "refresh-2" {
		t.Fatalf("rotated pair was not persisted")
	}
}

func TestSecond401IsSurfacedWithoutFurtherRetry(t *testing.T) {
	var meCalls, refreshCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/me", func(w http.ResponseWriter, r *http.Request) {
		meCalls++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"nope"}`))
	})
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accessToken":"access-2","refreshToken":"refresh-2"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewRESTClient(server.URL, newTestCreds(t, "access-1", "refresh-1"))

	_, err := client.Me(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected surfaced 401, got %v", err)
	}
	if refreshCalls != 1 {
		t.Fatalf("expected one refresh attempt, got %d", refreshCalls)
	}
	if meCalls != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", meCalls)
	}
}

func TestMissingRefreshTokenSurfacesOriginal401(t *testing.T) {
	var refreshCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/me", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"expired"}`))
	})
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls++
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewRESTClient(server.URL, newTestCreds(t, "access-1", ""))

	_, err := client.Me(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || apiErr.Message != "expired" {
		t.Fatalf("expected the original 401 unchanged, got %v", err)
	}
	if refreshCalls != 0 {
		t.Fatalf("refresh endpoint must not be called without a stored token")
	}
}

func TestSignInSkipsAuthAndSurfacesServerMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/signin", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("sign-in must not attach a bearer token")
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"invalid credentials"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewRESTClient(server.URL, newTestCreds(t, "stale", "stale"))

	_, err := client.SignIn(context.Background(), "a@b.c", "wrong")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "invalid credentials" {
		t.Fatalf("expected verbatim server message, got %v", err)
	}
}

func TestRoomMessagesSendsBoundedLimit(t *testing.T) {
	var gotPath, gotLimit string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotLimit = r.URL.Query().Get("limit")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":"m1","roomId":"r1","senderId":"u2","content":"hey","createdAt":"2024-01-01T10:00:00Z","editedAt":null,"deletedAt":null,"sender":{"id":"u2","displayName":"Other","avatarUrl":null}}]}`))
	}))
	defer server.Close()

	client := NewRESTClient(server.URL, newTestCreds(t, "access-1", "refresh-1"))
	page, err := client.RoomMessages(context.Background(), "r1", HistoryPageSize)
	if err != nil {
		t.Fatalf("RoomMessages: %v", err)
	}
	if gotPath != "/messages/r1" || gotLimit != "50" {
		t.Fatalf("unexpected request: path=%q limit=%q", gotPath, gotLimit)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "m1" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

