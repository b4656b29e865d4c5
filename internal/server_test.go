package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pocketchat/internal/storage"
)

func newIntegrationServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	server := NewServer(store, "integration-secret")
	ts := httptest.NewServer(server.Routes())
	t.Cleanup(func() {
		ts.Close()
		_ = store.Close()
	})
	return server, ts
}

func newIntegrationClient(t *testing.T, ts *httptest.Server) *RESTClient {
	t.Helper()
	creds := NewCredentialStore(filepath.Join(t.TempDir(), "credentials.json"))
	return NewRESTClient(ts.URL, creds)
}

func signUpUser(t *testing.T, client *RESTClient, email, displayName string) *AuthResponse {
	t.Helper()
	auth, err := client.SignUp(context.Background(), email, "hunter22", displayName)
	if err != nil {
		t.Fatalf("SignUp(%s): %v", email, err)
	}
	return auth
}

func TestSignUpSignInAndProfile(t *testing.T) {
	_, ts := newIntegrationServer(t)
	client := newIntegrationClient(t, ts)

	auth := signUpUser(t, client, "alice@example.com", "Alice")
	if auth.User.ID == "" || auth.AccessToken == "" || auth.RefreshToken == "" {
		t.Fatalf("incomplete auth response: %+v", auth)
	}

	profile, err := client.Me(context.Background())
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if profile.Email != "alice@example.com" || profile.DisplayName != "Alice" {
		t.Fatalf("unexpected profile: %+v", profile)
	}

	if _, err := client.SignUp(context.Background(), "alice@example.com", "other", "Clone"); err == nil {
		t.Fatal("duplicate signup should fail")
	} else {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
			t.Fatalf("expected 409, got %v", err)
		}
	}

	second := newIntegrationClient(t, ts)
	signedIn, err := second.SignIn(context.Background(), "alice@example.com", "hunter22")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if signedIn.User.ID != auth.User.ID {
		t.Fatalf("signin returned a different user: %s vs %s", signedIn.User.ID, auth.User.ID)
	}
}

func TestRefreshRotationRejectsConsumedToken(t *testing.T) {
	_, ts := newIntegrationServer(t)
	client := newIntegrationClient(t, ts)
	auth := signUpUser(t, client, "bob@example.com", "Bob")

	refresh := func(token string) (*http.Response, map[string]string) {
		body, _ := json.Marshal(map[string]string{"refreshToken": token})
		resp, err := http.Post(ts.URL+"/auth/refresh", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("refresh request: %v", err)
		}
		defer resp.Body.Close()
		var payload map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return resp, payload
	}

	resp, payload := refresh(auth.RefreshToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first refresh: status %d", resp.StatusCode)
	}
	if payload["accessToken"] == "" || payload["refreshToken"] == "" {
		t.Fatalf("rotation returned incomplete pair: %v", payload)
	}
	if payload["refreshToken"] == auth.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}

	resp, _ = refresh(auth.RefreshToken)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("consumed token should be rejected, got %d", resp.StatusCode)
	}

	resp, _ = refresh(payload["refreshToken"])
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotated token should work, got %d", resp.StatusCode)
	}
}

func TestClientRecoversFromStaleAccessToken(t *testing.T) {
	_, ts := newIntegrationServer(t)
	client := newIntegrationClient(t, ts)
	signUpUser(t, client, "carol@example.com", "Carol")

	// Corrupt the access token but keep the refresh token; the next call
	// should transparently rotate credentials and succeed.
	if err := client.creds.SaveTokens("stale-access-token", ""); err != nil {
		t.Fatalf("SaveTokens: %v", err)
	}
	profile, err := client.Me(context.Background())
	if err != nil {
		t.Fatalf("Me after corrupting access token: %v", err)
	}
	if profile.Email != "carol@example.com" {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if client.creds.AccessToken() == "stale-access-token" {
		t.Fatal("access token was not replaced")
	}
}

func TestChangePassword(t *testing.T) {
	_, ts := newIntegrationServer(t)
	client := newIntegrationClient(t, ts)
	signUpUser(t, client, "dora@example.com", "Dora")

	if err := client.ChangePassword(context.Background(), "wrong-guess", "brand-new"); err == nil {
		t.Fatal("wrong current password must be rejected")
	} else {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
			t.Fatalf("expected 403, got %v", err)
		}
	}

	if err := client.ChangePassword(context.Background(), "hunter22", "brand-new"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	fresh := newIntegrationClient(t, ts)
	if _, err := fresh.SignIn(context.Background(), "dora@example.com", "hunter22"); err == nil {
		t.Fatal("old password must stop working")
	}
	if _, err := fresh.SignIn(context.Background(), "dora@example.com", "brand-new"); err != nil {
		t.Fatalf("SignIn with new password: %v", err)
	}
}

func TestFriendFlowAndDirectRoom(t *testing.T) {
	_, ts := newIntegrationServer(t)
	alice := newIntegrationClient(t, ts)
	bob := newIntegrationClient(t, ts)
	eve := newIntegrationClient(t, ts)
	aliceAuth := signUpUser(t, alice, "alice@example.com", "Alice")
	bobAuth := signUpUser(t, bob, "bob@example.com", "Bob")
	signUpUser(t, eve, "eve@example.com", "Eve")

	if err := alice.SendFriendRequest(context.Background(), "bob@example.com"); err != nil {
		t.Fatalf("SendFriendRequest: %v", err)
	}
	bobFriends, err := bob.Friends(context.Background())
	if err != nil {
		t.Fatalf("Friends: %v", err)
	}
	if len(bobFriends.PendingIncoming) != 1 || bobFriends.PendingIncoming[0].Email != "alice@example.com" {
		t.Fatalf("expected a pending request from alice, got %+v", bobFriends.PendingIncoming)
	}

	if err := bob.RespondFriendRequest(context.Background(), aliceAuth.User.ID, true); err != nil {
		t.Fatalf("RespondFriendRequest: %v", err)
	}
	aliceFriends, err := alice.Friends(context.Background())
	if err != nil {
		t.Fatalf("Friends after accept: %v", err)
	}
	if len(aliceFriends.Accepted) != 1 || aliceFriends.Accepted[0].ID != bobAuth.User.ID {
		t.Fatalf("expected bob in accepted friends, got %+v", aliceFriends.Accepted)
	}

	// Only friends can open a direct room.
	if _, err := eve.OpenDirectRoom(context.Background(), aliceAuth.User.ID); err == nil {
		t.Fatal("non-friend should not open a room")
	} else {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
			t.Fatalf("expected 403, got %v", err)
		}
	}

	room, err := alice.OpenDirectRoom(context.Background(), bobAuth.User.ID)
	if err != nil {
		t.Fatalf("OpenDirectRoom: %v", err)
	}
	if room.Title != "Bob" {
		t.Fatalf("room title should be the peer's name, got %q", room.Title)
	}
	again, err := bob.OpenDirectRoom(context.Background(), aliceAuth.User.ID)
	if err != nil {
		t.Fatalf("OpenDirectRoom (bob): %v", err)
	}
	if again.ID != room.ID {
		t.Fatalf("direct room should be shared: %s vs %s", again.ID, room.ID)
	}

	// History is members-only.
	if _, err := eve.RoomMessages(context.Background(), room.ID, 10); err == nil {
		t.Fatal("non-member should not read history")
	} else {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
			t.Fatalf("expected 403, got %v", err)
		}
	}
}

func TestRealtimeSendAckAndDelivery(t *testing.T) {
	_, ts := newIntegrationServer(t)
	alice := newIntegrationClient(t, ts)
	bob := newIntegrationClient(t, ts)
	aliceAuth := signUpUser(t, alice, "alice@example.com", "Alice")
	bobAuth := signUpUser(t, bob, "bob@example.com", "Bob")

	if err := alice.SendFriendRequest(context.Background(), "bob@example.com"); err != nil {
		t.Fatalf("SendFriendRequest: %v", err)
	}
	if err := bob.RespondFriendRequest(context.Background(), aliceAuth.User.ID, true); err != nil {
		t.Fatalf("RespondFriendRequest: %v", err)
	}
	room, err := alice.OpenDirectRoom(context.Background(), bobAuth.User.ID)
	if err != nil {
		t.Fatalf("OpenDirectRoom: %v", err)
	}

	socketURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	connectChannel := func(token string, onMessage func(MessageDTO), onHistory func(History)) *ChannelManager {
		manager := NewChannelManager(socketURL)
		connected := make(chan struct{}, 1)
		manager.Subscribe(&ChannelHandlers{
			OnConnect: func() {
				select {
				case connected <- struct{}{}:
				default:
				}
			},
			OnMessage: onMessage,
			OnHistory: onHistory,
		})
		manager.Connect(token)
		select {
		case <-connected:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for connect")
		}
		t.Cleanup(manager.Disconnect)
		return manager
	}

	bobMessages := make(chan MessageDTO, 4)
	bobHistory := make(chan History, 1)
	bobChannel := connectChannel(bob.creds.AccessToken(), func(dto MessageDTO) { bobMessages <- dto }, func(page History) { bobHistory <- page })
	aliceChannel := connectChannel(alice.creds.AccessToken(), nil, nil)

	bobChannel.JoinRoom(room.ID)
	select {
	case page := <-bobHistory:
		if len(page.Items) != 0 {
			t.Fatalf("fresh room should have empty history, got %d items", len(page.Items))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for join history")
	}
	aliceChannel.JoinRoom(room.ID)

	acked := make(chan SendAck, 1)
	aliceChannel.SendMessage(room.ID, "hello bob", func(ack SendAck) { acked <- ack })

	var ack SendAck
	select {
	case ack = <-acked:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
	if ack.ID == "" || ack.CreatedAt == "" {
		t.Fatalf("ack should carry the canonical id and timestamp: %+v", ack)
	}

	select {
	case dto := <-bobMessages:
		if dto.ID != ack.ID || dto.Content != "hello bob" || dto.Sender.DisplayName != "Alice" {
			t.Fatalf("unexpected delivery: %+v", dto)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	history, err := bob.RoomMessages(context.Background(), room.ID, 10)
	if err != nil {
		t.Fatalf("RoomMessages: %v", err)
	}
	if len(history.Items) != 1 || history.Items[0].ID != ack.ID {
		t.Fatalf("persisted history should contain the message: %+v", history.Items)
	}
}

func TestWebsocketRejectsMissingOrBadToken(t *testing.T) {
	_, ts := newIntegrationServer(t)

	resp, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token should be 401, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/ws?token=not-a-jwt")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token should be 401, got %d", resp.StatusCode)
	}
}

func TestAuthEndpointsAreRateLimited(t *testing.T) {
	server, ts := newIntegrationServer(t)
	server.authLimiter = NewRateLimiter(2, time.Minute)

	attempt := func() int {
		body, _ := json.Marshal(map[string]string{"email": "ghost@example.com", "password": "nope"})
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/auth/signin", bytes.NewReader(body))
		req.Header.Set("X-Forwarded-For", "203.0.113.9")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("signin request: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := attempt(); code != http.StatusUnauthorized {
		t.Fatalf("first attempt: got %d", code)
	}
	if code := attempt(); code != http.StatusUnauthorized {
		t.Fatalf("second attempt: got %d", code)
	}
	if code := attempt(); code != http.StatusTooManyRequests {
		t.Fatalf("third attempt should be throttled, got %d", code)
	}
}
