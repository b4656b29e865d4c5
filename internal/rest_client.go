package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var restTimeout = 20 * time.Second

// errUnauthorized marks a 401 that survived (or never qualified for) the
// refresh-and-retry path.
var errUnauthorized = errors.New("unauthorized")

// APIError carries the HTTP status and the server-provided message so the
// UI can surface it verbatim.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return errUnauthorized
	}
	return nil
}

// UserProfile mirrors the /auth/me payload.
type UserProfile struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// AuthResponse is returned by sign-in and sign-up.
type AuthResponse struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	User         UserProfile `json:"user"`
}

type tokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// RoomSummary is one entry of the GET /rooms listing.
type RoomSummary struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	LastMessage string      `json:"lastMessage,omitempty"`
	UpdatedAt   string      `json:"updatedAt,omitempty"`
	OtherUser   UserProfile `json:"otherUser"`
}

// FriendsResponse mirrors GET /friends.
type FriendsResponse struct {
	Accepted        []FriendDTO `json:"accepted"`
	PendingIncoming []FriendDTO `json:"pendingIncoming"`
	PendingOutgoing []FriendDTO `json:"pendingOutgoing"`
}

// FriendDTO is a friend (or pending request peer) as the server reports it.
type FriendDTO struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Online      bool   `json:"online"`
}

// RESTClient issues authenticated calls against the backend. It attaches the
// bearer token from the credential store to any call that requires one and,
// on a 401, performs a single refresh-and-retry before surfacing the error.
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	creds      *CredentialStore
}

func NewRESTClient(baseURL string, creds *CredentialStore) *RESTClient {
	return &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: restTimeout},
		creds:      creds,
	}
}

type requestSpec struct {
	method  string
	path    string
	query   url.Values
	payload interface{}
	// noAuth marks pre-authentication calls (sign-in, sign-up, refresh)
	// that must neither attach a bearer token nor trigger a refresh.
	noAuth bool
	// retried guards the refresh path against cycles: a request is retried
	// at most once, no matter what the retry returns.
	retried bool
}

func (c *RESTClient) SignIn(ctx context.Context, email, password string) (*AuthResponse, error) {
	var resp AuthResponse
	spec := requestSpec{method: http.MethodPost, path: "/auth/signin", payload: map[string]string{"email": email, "password": password}, noAuth: true}
	if err := c.do(ctx, spec, &resp); err != nil {
		return nil, err
	}
	if err := c.creds.SaveTokens(resp.AccessToken, resp.RefreshToken); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RESTClient) SignUp(ctx context.Context, email, password, displayName string) (*AuthResponse, error) {
	var resp AuthResponse
	payload := map[string]string{"email": email, "password": password, "displayName": displayName}
	spec := requestSpec{method: http.MethodPost, path: "/auth/signup", payload: payload, noAuth: true}
	if err := c.do(ctx, spec, &resp); err != nil {
		return nil, err
	}
	if err := c.creds.SaveTokens(resp.AccessToken, resp.RefreshToken); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RESTClient) Me(ctx context.Context) (*UserProfile, error) {
	var user UserProfile
	if err := c.do(ctx, requestSpec{method: http.MethodGet, path: "/auth/me"}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *RESTClient) UpdateMe(ctx context.Context, fields map[string]string) (*UserProfile, error) {
	var user UserProfile
	spec := requestSpec{method: http.MethodPatch, path: "/auth/me", payload: fields}
	if err := c.do(ctx, spec, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ChangePassword swaps the account password after proving the current one.
func (c *RESTClient) ChangePassword(ctx context.Context, current, updated string) error {
	payload := map[string]string{"currentPassword": current, "newPassword": updated}
	return c.do(ctx, requestSpec{method: http.MethodPost, path: "/auth/password", payload: payload}, nil)
}

func (c *RESTClient) Rooms(ctx context.Context) ([]RoomSummary, error) {
	var rooms []RoomSummary
	if err := c.do(ctx, requestSpec{method: http.MethodGet, path: "/rooms"}, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (c *RESTClient) Friends(ctx context.Context) (*FriendsResponse, error) {
	var resp FriendsResponse
	if err := c.do(ctx, requestSpec{method: http.MethodGet, path: "/friends"}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RESTClient) SendFriendRequest(ctx context.Context, email string) error {
	spec := requestSpec{method: http.MethodPost, path: "/friends/request", payload: map[string]string{"email": email}}
	return c.do(ctx, spec, nil)
}

// RespondFriendRequest accepts or declines a pending incoming request.
func (c *RESTClient) RespondFriendRequest(ctx context.Context, userID string, accept bool) error {
	path := "/friends/decline"
	if accept {
		path = "/friends/accept"
	}
	spec := requestSpec{method: http.MethodPost, path: path, payload: map[string]string{"userId": userID}}
	return c.do(ctx, spec, nil)
}

// OpenDirectRoom returns the direct-message room shared with a friend,
// creating it on first contact.
func (c *RESTClient) OpenDirectRoom(ctx context.Context, userID string) (*RoomSummary, error) {
	var room RoomSummary
	spec := requestSpec{method: http.MethodPost, path: "/rooms/direct", payload: map[string]string{"userId": userID}}
	if err := c.do(ctx, spec, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// RoomMessages fetches one bounded page of a room's history.
func (c *RESTClient) RoomMessages(ctx context.Context, roomID string, limit int) (*History, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	spec := requestSpec{method: http.MethodGet, path: "/messages/" + url.PathEscape(roomID), query: query}
	var page History
	if err := c.do(ctx, spec, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *RESTClient) do(ctx context.Context, spec requestSpec, out interface{}) error {
	endpoint := c.baseURL + spec.path
	if len(spec.query) > 0 {
		endpoint += "?" + spec.query.Encode()
	}

	var body io.Reader
	if spec.payload != nil {
		encoded, err := json.Marshal(spec.payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, spec.method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", UserAgent)
	if spec.payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !spec.noAuth {
		if token := c.creds.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && !spec.noAuth && !spec.retried {
		original := &APIError{Status: resp.StatusCode, Message: readResponseMessage(resp.Body)}
		if refreshErr := c.refreshTokens(ctx); refreshErr != nil {
			// Refresh failed or no refresh token stored: surface the
			// original 401 unchanged.
			return original
		}
		spec.retried = true
		return c.do(ctx, spec, out)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: readResponseMessage(resp.Body)}
	}
	if out != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// refreshTokens performs the single-shot credential rotation against the
// fixed refresh endpoint and persists the new pair on success.
func (c *RESTClient) refreshTokens(ctx context.Context) error {
	refresh := c.creds.RefreshToken()
	if refresh == "" {
		return errUnauthorized
	}
	var pair tokenPair
	spec := requestSpec{
		method:  http.MethodPost,
		path:    "/auth/refresh",
		payload: map[string]string{"refreshToken": refresh},
		noAuth:  true,
	}
	if err := c.do(ctx, spec, &pair); err != nil {
		return err
	}
	if pair.AccessToken == "" {
		return errUnauthorized
	}
	return c.creds.SaveTokens(pair.AccessToken, pair.RefreshToken)
}

// readResponseMessage pulls a human-readable string out of an error body.
// The backend uses {"message": ...}; {"error": ...} is accepted for
// compatibility with older deployments.
func readResponseMessage(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["message"]; ok && msg != "" {
			return msg
		}
		if msg, ok := parsed["error"]; ok && msg != "" {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}
