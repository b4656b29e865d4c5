package internal

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"pocketchat/internal/storage"
)

type signUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type profilePatchRequest struct {
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

type passwordChangeRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type friendRequestBody struct {
	Email string `json:"email"`
}

type friendRespondBody struct {
	UserID string `json:"userId"`
}

type directRoomRequest struct {
	UserID string `json:"userId"`
}

// issueCredentials creates a fresh access/refresh pair for a user. The
// refresh token is opaque and persisted; its successor replaces it on the
// next rotation.
func (s *Server) issueCredentials(ctx context.Context, userID string) (access, refresh string, err error) {
	access, err = s.tokens.Issue(userID)
	if err != nil {
		return "", "", err
	}
	refresh = uuid.NewString()
	if err = s.store.CreateRefreshToken(ctx, refresh, userID, time.Now().Add(RefreshTokenTTL)); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (s *Server) HandleSignUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(s.clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many attempts, slow down"))
		return
	}
	var req signUpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	password := strings.TrimSpace(req.Password)
	displayName := strings.TrimSpace(req.DisplayName)
	if email == "" || password == "" || displayName == "" {
		writeError(w, http.StatusBadRequest, errors.New("email, password, and display name are required"))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	userID := uuid.NewString()
	if err := s.store.CreateUser(r.Context(), userID, email, displayName, hash); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			writeError(w, http.StatusConflict, errors.New("email already registered"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	access, refresh, err := s.issueCredentials(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncSignup()
	writeJSON(w, http.StatusCreated, AuthResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		User:         UserProfile{ID: userID, Email: email, DisplayName: displayName},
	})
}

func (s *Server) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(s.clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many attempts, slow down"))
		return
	}
	var req signInRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	user, err := s.store.GetUserByEmail(r.Context(), email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}
	access, refresh, err := s.issueCredentials(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncLogin()
	writeJSON(w, http.StatusOK, AuthResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		User:         userToProfile(user),
	})
}

// HandleRefresh rotates the credential pair: the presented refresh token is
// consumed and a new pair is returned. A reused or expired token is a 401.
func (s *Server) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	stored, err := s.store.GetRefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if stored == nil || time.Now().After(stored.ExpiresAt) {
		writeError(w, http.StatusUnauthorized, errors.New("invalid refresh token"))
		return
	}
	if err := s.store.DeleteRefreshToken(r.Context(), stored.Token); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	access, refresh, err := s.issueCredentials(r.Context(), stored.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncRefresh()
	writeJSON(w, http.StatusOK, map[string]string{
		"accessToken":  access,
		"refreshToken": refresh,
	})
}

func (s *Server) HandleMe(w http.ResponseWriter, r *http.Request) {
	authCtx := s.requireAuth(w, r)
	if authCtx == nil {
		return
	}
	switch r.Method {
	case http.MethodGet:
		user, err := s.store.GetUserByID(r.Context(), authCtx.UserID)
		if err != nil || user == nil {
			writeError(w, http.StatusInternalServerError, errors.New("failed to load profile"))
			return
		}
		writeJSON(w, http.StatusOK, userToProfile(user))
	case http.MethodPatch:
		var req profilePatchRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.store.UpdateProfile(r.Context(), authCtx.UserID, strings.TrimSpace(req.DisplayName), strings.TrimSpace(req.AvatarURL)); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		user, err := s.store.GetUserByID(r.Context(), authCtx.UserID)
		if err != nil || user == nil {
			writeError(w, http.StatusInternalServerError, errors.New("failed to load profile"))
			return
		}
		writeJSON(w, http.StatusOK, userToProfile(user))
	default:
		methodNotAllowed(w, "GET, PATCH")
	}
}

// HandleChangePassword verifies the current password before storing a new
// hash. Already issued tokens stay valid; only future sign-ins are affected.
func (s *Server) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	authCtx := s.requireAuth(w, r)
	if authCtx == nil {
		return
	}
	var req passwordChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	newPassword := strings.TrimSpace(req.NewPassword)
	if newPassword == "" {
		writeError(w, http.StatusBadRequest, errors.New("new password is required"))
		return
	}
	user, err := s.store.GetUserByID(r.Context(), authCtx.UserID)
	if err != nil || user == nil {
		writeError(w, http.StatusInternalServerError, errors.New("failed to load profile"))
		return
	}
	if bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(req.CurrentPassword)) != nil {
		writeError(w, http.StatusForbidden, errors.New("current password is incorrect"))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.UpdatePassword(r.Context(), authCtx.UserID, hash); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	authCtx := s.requireAuth(w, r)
	if authCtx == nil {
		return
	}
	infos, err := s.store.ListRoomsForUser(r.Context(), authCtx.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	summaries := make([]RoomSummary, 0, len(infos))
	for _, info := range infos {
		summaries = append(summaries, RoomSummary{
			ID:          info.ID,
			Title:       info.OtherUser.DisplayName,
			LastMessage: info.LastMessage,
			UpdatedAt:   FormatWireTime(info.UpdatedAt),
			OtherUser: UserProfile{
				ID:          info.OtherUser.ID,
				Email:       info.OtherUser.Email,
				DisplayName: info.OtherUser.DisplayName,
				AvatarURL:   info.OtherUser.AvatarURL,
			},
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

// HandleOpenDirectRoom returns the direct-message room shared with another
// user, creating it on first contact. Only friends can open rooms.
func (s *Server) HandleOpenDirectRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	authCtx := s.requireAuth(w, r)
	if authCtx == nil {
		return
	}
	var req directRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" || req.UserID == authCtx.UserID {
		writeError(w, http.StatusBadRequest, errors.New("a valid peer user id is required"))
		return
	}
	friends, err := s.store.AreFriends(r.Context(), authCtx.UserID, req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !friends {
		writeError(w, http.StatusForbidden, errors.New("you can only chat with friends"))
		return
	}
	peer, err := s.store.GetUserByID(r.Context(), req.UserID)
	if err != nil || peer == nil {
		writeError(w, http.StatusNotFound, errors.New("user not found"))
		return
	}
	roomID, err := s.store.GetOrCreateDirectRoom(r.Context(), uuid.NewString(), authCtx.UserID, req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, RoomSummary{
		ID:        roomID,
		Title:     peer.DisplayName,
		OtherUser: userToProfile(peer),
	})
}

func (s *Server) HandleFriends(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	authCtx := s.requireAuth(w, r)
	if authCtx == nil {
		return
	}
	accepted, err := s.store.ListFriends(r.Context(), authCtx.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	incoming, err := s.store.ListIncomingFriendRequests(r.Context(), authCtx.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	outgoing, err := s.store.ListOutgoingFriendRequests(r.Context(), authCtx.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := FriendsResponse{
		Accepted:        make([]FriendDTO, 0, len(accepted)),
		PendingIncoming: make([]FriendDTO, 0, len(incoming)),
		PendingOutgoing: make([]FriendDTO, 0, len(outgoing)),
	}
	for _, friend := range accepted {
		resp.Accepted = append(resp.Accepted, s.friendDTO(friend, true))
	}
	for _, peer := range incoming {
		resp.PendingIncoming = append(resp.PendingIncoming, s.friendDTO(peer, false))
	}
	for _, peer := range outgoing {
		resp.PendingOutgoing = append(resp.PendingOutgoing, s.friendDTO(peer, false))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) friendDTO(user storage.User, withPresence bool) FriendDTO {
	dto := FriendDTO{
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
	}
	if withPresence {
		dto.Online = s.presence.Online(user.ID)
	}
	return dto
}

func (s *Server) HandleFriendRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	authCtx := s.requireAuth(w, r)
	if authCtx == nil {
		return
	}
	var req friendRequestBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		writeError(w, http.StatusBadRequest, errors.New("email is required"))
		return
	}
	peer, err := s.store.GetUserByEmail(r.Context(), email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if peer == nil {
		writeError(w, http.StatusNotFound, errors.New("no user with that email"))
		return
	}
	if peer.ID == authCtx.UserID {
		writeError(w, http.StatusBadRequest, errors.New("cannot add yourself"))
		return
	}
	if err := s.store.CreateFriendRequest(r.Context(), authCtx.UserID, peer.ID); err != nil {
		if errors.Is(err, storage.ErrFriendRequestExists) {
			writeError(w, http.StatusConflict, errors.New("request already pending"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) HandleAcceptFriendRequest(w http.ResponseWriter, r *http.Request) {
	s.respondFriendRequest(w, r, true)
}

func (s *Server) HandleDeclineFriendRequest(w http.ResponseWriter, r *http.Request) {
	s.respondFriendRequest(w, r, false)
}

func (s *Server) respondFriendRequest(w http.ResponseWriter, r *http.Request, accept bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	authCtx := s.requireAuth(w, r)
	if authCtx == nil {
		return
	}
	var req friendRespondBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, errors.New("user id is required"))
		return
	}
	if accept {
		if err := s.store.AcceptFriendRequest(r.Context(), req.UserID, authCtx.UserID); err != nil {
			writeError(w, http.StatusNotFound, errors.New("no pending request from that user"))
			return
		}
	} else {
		if err := s.store.DeleteFriendRequest(r.Context(), req.UserID, authCtx.UserID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRoomMessages serves one bounded page of a room's history, newest
// first. Only room members may read it.
func (s *Server) HandleRoomMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	authCtx := s.requireAuth(w, r)
	if authCtx == nil {
		return
	}
	roomID := strings.TrimPrefix(r.URL.Path, "/messages/")
	if roomID == "" || strings.Contains(roomID, "/") {
		writeError(w, http.StatusBadRequest, errors.New("room id is required"))
		return
	}
	member, err := s.store.IsRoomMember(r.Context(), roomID, authCtx.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, errors.New("not a member of this room"))
		return
	}
	limit := HistoryPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 200"))
			return
		}
		limit = parsed
	}
	records, err := s.store.ListRecentMessages(r.Context(), roomID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	items := make([]MessageDTO, 0, len(records))
	for _, rec := range records {
		items = append(items, recordToDTO(rec))
	}
	writeJSON(w, http.StatusOK, History{Items: items})
}
