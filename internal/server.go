package internal

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"pocketchat/internal/storage"
)

// Server implements the REST API and the realtime gateway. One instance owns
// the store, the token manager, and the connection hub.
type Server struct {
	store       *storage.Store
	tokens      *TokenManager
	hub         *Hub
	metrics     *Metrics
	presence    *PresenceTracker
	authLimiter *RateLimiter
}

func NewServer(store *storage.Store, jwtSecret string) *Server {
	return &Server{
		store:       store,
		tokens:      NewTokenManager(jwtSecret),
		hub:         NewHub(),
		metrics:     NewMetrics(),
		presence:    NewPresenceTracker(),
		authLimiter: NewRateLimiter(10, time.Minute),
	}
}

// Routes builds the full HTTP surface: auth, rooms, friends, message history,
// the websocket endpoint, and metrics.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/signup", s.HandleSignUp)
	mux.HandleFunc("/auth/signin", s.HandleSignIn)
	mux.HandleFunc("/auth/refresh", s.HandleRefresh)
	mux.HandleFunc("/auth/me", s.HandleMe)
	mux.HandleFunc("/auth/password", s.HandleChangePassword)
	mux.HandleFunc("/rooms", s.HandleRooms)
	mux.HandleFunc("/rooms/direct", s.HandleOpenDirectRoom)
	mux.HandleFunc("/friends", s.HandleFriends)
	mux.HandleFunc("/friends/request", s.HandleFriendRequest)
	mux.HandleFunc("/friends/accept", s.HandleAcceptFriendRequest)
	mux.HandleFunc("/friends/decline", s.HandleDeclineFriendRequest)
	mux.HandleFunc("/messages/", s.HandleRoomMessages)
	mux.HandleFunc("/ws", s.ServeWS)
	mux.Handle("/metrics", s.MetricsHandler())
	return mux
}

// MetricsHandler exposes the JSON counters endpoint.
func (s *Server) MetricsHandler() http.Handler {
	return s.metrics
}

type authContext struct {
	UserID string
}

// authenticateRequest validates the bearer access token on a request.
func (s *Server) authenticateRequest(r *http.Request) (*authContext, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, errUnauthorized
	}
	userID, err := s.tokens.Verify(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return nil, errUnauthorized
	}
	return &authContext{UserID: userID}, nil
}

func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) *authContext {
	authCtx, err := s.authenticateRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return nil
	}
	return authCtx
}

func (s *Server) clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders the {"message": ...} error body clients surface verbatim.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"message": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}

func userToProfile(user *storage.User) UserProfile {
	return UserProfile{
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
	}
}

func recordToDTO(rec storage.MessageRecord) MessageDTO {
	dto := MessageDTO{
		ID:        rec.ID,
		RoomID:    rec.RoomID,
		SenderID:  rec.SenderID,
		Content:   rec.Content,
		CreatedAt: FormatWireTime(rec.CreatedAt),
		Sender: Sender{
			ID:          rec.SenderID,
			DisplayName: rec.SenderName,
			AvatarURL:   rec.SenderAvatar,
		},
	}
	if rec.EditedAt.Valid {
		edited := FormatWireTime(rec.EditedAt.Time)
		dto.EditedAt = &edited
	}
	if rec.DeletedAt.Valid {
		deleted := FormatWireTime(rec.DeletedAt.Time)
		dto.DeletedAt = &deleted
	}
	return dto
}
