package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kolokol/internal/content"
	"kolokol/internal/models"
	"kolokol/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// TokenIssuer signs access tokens for new users.
type TokenIssuer interface {
	Issue(userID string) (string, time.Time, error)
}

// RoomSync keeps live room subscriptions in line with membership changes.
type RoomSync interface {
	JoinChat(chatID, userID string)
	LeaveChat(chatID, userID string)
}

type AdminHandler struct {
	tokens   TokenIssuer
	store    *storage.BboltStorage
	rooms    RoomSync
	baseURL  string
	validate *validator.Validate
	logger   *slog.Logger
}

func NewAdminHandler(tokens TokenIssuer, store *storage.BboltStorage, rooms RoomSync, baseURL string, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		tokens:   tokens,
		store:    store,
		rooms:    rooms,
		baseURL:  baseURL,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

type AddUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty" validate:"omitempty,url"`
}

type AddUserResponse struct {
	Success     bool      `json:"success"`
	Message     string    `json:"message,omitempty"`
	UserID      string    `json:"userId,omitempty"`
	Username    string    `json:"username,omitempty"`
	Token       string    `json:"token,omitempty"`
	TokenExpiry time.Time `json:"tokenExpiry,omitzero"`
	ConnectURL  string    `json:"connectUrl,omitempty"`
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.Join(models.ErrInvalidPayload, err))
		return
	}
	if err := content.ValidateUsername(req.Username); err != nil {
		h.writeError(w, errors.Join(models.ErrInvalidPayload, err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, errors.Join(models.ErrInvalidPayload, err))
		return
	}

	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.writeError(w, models.WrapStorage("list users", err))
		return
	}
	for _, u := range users {
		if u.UserName == req.Username {
			h.writeError(w, fmt.Errorf("user %s already exists: %w", req.Username, models.ErrConflict))
			return
		}
	}

	displayName := content.Sanitize(req.DisplayName)
	if displayName == "" {
		displayName = req.Username
	}

	user := models.User{
		ID:          uuid.NewString(),
		UserName:    req.Username,
		DisplayName: displayName,
		AvatarURL:   req.AvatarURL,
		Presence:    models.Presence{Status: models.PresenceOffline},
	}
	if err := h.store.UpsertUser(r.Context(), user); err != nil {
		h.writeError(w, models.WrapStorage("create user", err))
		return
	}

	token, expires, err := h.tokens.Issue(user.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Info("user created", "user_id", user.ID, "username", user.UserName)
	h.writeJSON(w, http.StatusCreated, AddUserResponse{
		Success:     true,
		UserID:      user.ID,
		Username:    user.UserName,
		Token:       token,
		TokenExpiry: expires,
		ConnectURL:  h.connectURL(token),
	})
}

func (h *AdminHandler) connectURL(token string) string {
	base := strings.TrimRight(h.baseURL, "/")
	base = strings.Replace(base, "http", "ws", 1)
	return fmt.Sprintf("%s/api/chat?token=%s", base, url.QueryEscape(token))
}

type CreateChatRequest struct {
	ID      string   `json:"id,omitempty"`
	Name    string   `json:"name"`
	IsDM    bool     `json:"isDm"`
	Members []string `json:"members" validate:"required,min=1,dive,required"`
}

func (h *AdminHandler) CreateChatHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.Join(models.ErrInvalidPayload, err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, errors.Join(models.ErrInvalidPayload, err))
		return
	}
	if req.IsDM && len(req.Members) != 2 {
		h.writeError(w, fmt.Errorf("a direct chat needs exactly two members: %w", models.ErrInvalidPayload))
		return
	}
	if err := h.ensureUsers(r.Context(), req.Members); err != nil {
		h.writeError(w, err)
		return
	}

	chat := models.Chat{
		ID:      req.ID,
		Name:    content.Sanitize(req.Name),
		IsDM:    req.IsDM,
		Members: req.Members,
	}
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	if err := h.store.UpsertChat(r.Context(), chat); err != nil {
		h.writeError(w, models.WrapStorage("create chat", err))
		return
	}

	for _, userID := range chat.Members {
		h.rooms.JoinChat(chat.ID, userID)
	}
	h.writeJSON(w, http.StatusCreated, chat)
}

type AddMemberRequest struct {
	UserID string `json:"userId" validate:"required"`
}

func (h *AdminHandler) AddMemberHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.Join(models.ErrInvalidPayload, err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, errors.Join(models.ErrInvalidPayload, err))
		return
	}
	if err := h.ensureUsers(r.Context(), []string{req.UserID}); err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.store.AddChatMember(r.Context(), chatID, req.UserID); err != nil {
		h.writeError(w, models.WrapStorage("add chat member", err))
		return
	}

	h.rooms.JoinChat(chatID, req.UserID)
	h.writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (h *AdminHandler) RemoveMemberHandler(w http.ResponseWriter, r *http.Request) {
	chatID, userID := chi.URLParam(r, "chatID"), chi.URLParam(r, "userID")

	if err := h.store.RemoveChatMember(r.Context(), chatID, userID); err != nil {
		h.writeError(w, models.WrapStorage("remove chat member", err))
		return
	}

	h.rooms.LeaveChat(chatID, userID)
	h.writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (h *AdminHandler) ensureUsers(ctx context.Context, userIDs []string) error {
	for _, id := range userIDs {
		if _, err := h.store.GetUser(ctx, id); err != nil {
			return models.WrapStorage("get user", err)
		}
	}
	return nil
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v, h.logger)
}

func (h *AdminHandler) writeError(w http.ResponseWriter, err error) {
	writeError(w, err, h.logger)
}
