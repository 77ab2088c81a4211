package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/duet/chat-relay/internal/store"
)

var validate = validator.New()

// Handler holds the dependencies shared by every route.
type Handler struct {
	store store.Store
	log   zerolog.Logger
}

func NewHandler(st store.Store, log zerolog.Logger) *Handler {
	return &Handler{store: st, log: log}
}

// JSON writes data with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Debug().Err(err).Msg("write response")
	}
}

// Error writes {"message": message}.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, errorResponse{Message: message})
}

func (h *Handler) internal(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.log.Error().Err(err).
		Str("op", op).
		Str("path", r.URL.Path).
		Msg("store failure")
	h.Error(w, http.StatusInternalServerError, "internal server error")
}

type errorResponse struct {
	Message string `json:"message"`
}

type roomSummary struct {
	RoomName    string `json:"roomName"`
	AnotherUser string `json:"anotherUser"`
}

type credentialsResponse struct {
	UserID string        `json:"userId"`
	Rooms  []roomSummary `json:"rooms"`
}

// Credentials returns a user's id and their most recent rooms, each with
// the other member's username.
func (h *Handler) Credentials(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()

	username := chi.URLParam(r, "username")
	user, err := h.store.FindUserByUsername(ctx, username)
	if err != nil {
		h.internal(w, r, "find user", err)
		return
	}
	if user == nil {
		h.Error(w, http.StatusNotFound, "user not found")
		return
	}

	rooms, err := h.store.FindRoomsForUser(ctx, user.ID, maxRooms)
	if err != nil {
		h.internal(w, r, "find rooms", err)
		return
	}

	resp := credentialsResponse{UserID: user.ID, Rooms: make([]roomSummary, 0, len(rooms))}
	for _, room := range rooms {
		other := room.Other(user.ID)
		name := user.Username
		if other != user.ID {
			peer, err := h.store.FindUserByID(ctx, other)
			if err != nil {
				h.internal(w, r, "find peer", err)
				return
			}
			if peer != nil {
				name = peer.Username
			}
		}
		resp.Rooms = append(resp.Rooms, roomSummary{RoomName: room.Name, AnotherUser: name})
	}
	h.JSON(w, http.StatusOK, resp)
}

type createUserRequest struct {
	Username  string `json:"username" validate:"required,min=3,max=32"`
	Thumbnail string `json:"thumbnail" validate:"max=2048"`
}

type createUserResponse struct {
	MyID string `json:"myId"`
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if err := validate.Struct(req); err != nil {
		h.Error(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()

	user, err := h.store.CreateUser(ctx, req.Username, req.Thumbnail)
	if errors.Is(err, store.ErrUsernameTaken) {
		h.Error(w, http.StatusConflict, "username already taken")
		return
	}
	if err != nil {
		h.internal(w, r, "create user", err)
		return
	}

	h.log.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("user created")
	h.JSON(w, http.StatusCreated, createUserResponse{MyID: user.ID})
}

type userMatch struct {
	UserID       string `json:"userId"`
	UserUsername string `json:"userUsername"`
}

// SearchUsers matches usernames starting with the searchedUser query.
func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	term := strings.TrimSpace(r.URL.Query().Get("searchedUser"))
	if len([]rune(term)) < minSearchLen {
		h.Error(w, http.StatusBadRequest, "search must be at least 3 characters")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()

	users, err := h.store.SearchUsersByPrefix(ctx, term, maxSearchResults)
	if err != nil {
		h.internal(w, r, "search users", err)
		return
	}
	if len(users) == 0 {
		h.Error(w, http.StatusNotFound, "user not found")
		return
	}

	h.JSON(w, http.StatusOK, lo.Map(users, func(u store.User, _ int) userMatch {
		return userMatch{UserID: u.ID, UserUsername: u.Username}
	}))
}

type roomInfoResponse struct {
	AnotherUserID string `json:"anotherUserId"`
}

// RoomInfo returns the member of roomName that is not myId.
func (h *Handler) RoomInfo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	roomName, myID := q.Get("roomName"), q.Get("myId")
	if roomName == "" {
		h.Error(w, http.StatusBadRequest, "missing required fields")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()

	room, err := h.store.FindRoomByName(ctx, roomName)
	if err != nil {
		h.internal(w, r, "find room", err)
		return
	}
	if room == nil {
		h.Error(w, http.StatusNotFound, "room not found")
		return
	}
	h.JSON(w, http.StatusOK, roomInfoResponse{AnotherUserID: room.Other(myID)})
}

type roomResponse struct {
	RoomName string `json:"roomName"`
}

// Room finds the room shared by myId and anotherUserId.
func (h *Handler) Room(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	myID, anotherID := q.Get("myId"), q.Get("anotherUserId")
	if myID == "" || anotherID == "" {
		h.Error(w, http.StatusBadRequest, "missing required fields")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()

	room, err := h.store.FindRoomByMemberPair(ctx, myID, anotherID)
	if err != nil {
		h.internal(w, r, "find room by members", err)
		return
	}
	if room == nil {
		h.Error(w, http.StatusNotFound, "room not found")
		return
	}
	h.JSON(w, http.StatusOK, roomResponse{RoomName: room.Name})
}

type historyMessage struct {
	MessageID int64  `json:"messageId"`
	Content   string `json:"content"`
	User      string `json:"user"`
}

type messagesResponse struct {
	Messages  []historyMessage `json:"messages"`
	Username  string           `json:"username"`
	Thumbnail *string          `json:"thumbnail"`
}

// Messages returns a room's full history together with the other member's
// profile. Without another member the caller's username is echoed and the
// thumbnail is null. An unknown room yields an empty history.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	roomName := chi.URLParam(r, "roomName")
	myUsername := chi.URLParam(r, "myUsername")

	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()

	resp := messagesResponse{Messages: []historyMessage{}, Username: myUsername}

	room, err := h.store.FindRoomByName(ctx, roomName)
	if err != nil {
		h.internal(w, r, "find room", err)
		return
	}
	if room == nil {
		h.JSON(w, http.StatusOK, resp)
		return
	}

	msgs, err := h.store.FindMessagesAfter(ctx, room.ID, 0)
	if err != nil {
		h.internal(w, r, "find messages", err)
		return
	}
	resp.Messages = lo.Map(msgs, func(m store.Message, _ int) historyMessage {
		return historyMessage{MessageID: m.ID, Content: m.Content, User: m.AuthorUsername}
	})

	peer, err := h.peerOf(ctx, room, myUsername)
	if err != nil {
		h.internal(w, r, "find peer", err)
		return
	}
	if peer != nil {
		resp.Username = peer.Username
		resp.Thumbnail = &peer.Thumbnail
	}
	h.JSON(w, http.StatusOK, resp)
}

// peerOf returns the first room member whose username is not username.
func (h *Handler) peerOf(ctx context.Context, room *store.Room, username string) (*store.User, error) {
	for _, id := range room.Members {
		u, err := h.store.FindUserByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if u != nil && u.Username != username {
			return u, nil
		}
	}
	return nil, nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request body"
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return field + " must be at least " + fe.Param() + " characters"
	case "max":
		return field + " must be at most " + fe.Param() + " characters"
	}
	return field + " is invalid"
}
