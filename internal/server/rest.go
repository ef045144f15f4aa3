package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/Tyrowin/chatd/internal/auth"
	"github.com/Tyrowin/chatd/internal/authz"
	"github.com/Tyrowin/chatd/internal/hub"
	"github.com/Tyrowin/chatd/internal/model"
	"github.com/Tyrowin/chatd/internal/store"
)

const (
	maxBodyBytes    = 64 * 1024
	maxHistoryLimit = 500
)

type messageView struct {
	ID        string     `json:"id"`
	Chat      uuid.UUID  `json:"chat"`
	Sender    model.User `json:"sender"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
}

type chatView struct {
	ID          uuid.UUID    `json:"id"`
	IsGroup     bool         `json:"is_group"`
	Name        *string      `json:"name"`
	DisplayName string       `json:"display_name"`
	CreatedAt   time.Time    `json:"created_at"`
	Members     []model.User `json:"members"`
	LastMessage *messageView `json:"last_message"`
}

type privateChatRequest struct {
	OtherUserID string `json:"other_user_id" validate:"required"`
}

type groupChatRequest struct {
	Name      string   `json:"name" validate:"required,max=255"`
	MemberIDs []string `json:"member_ids" validate:"omitempty,dive,required"`
}

type memberRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

type messageRequest struct {
	Content string `json:"content" validate:"required"`
}

// chatAPI serves the REST surface for chats, memberships and history.
type chatAPI struct {
	store       store.Store
	authorizer  authz.Authorizer
	invalidator authz.Invalidator
	router      *hub.Router
	validate    *validator.Validate
	log         zerolog.Logger
}

func (a *chatAPI) routes(r chi.Router) {
	r.Get("/chats", a.listChats)
	r.Post("/chats/private", a.createPrivateChat)
	r.Post("/chats/group", a.createGroupChat)
	r.Get("/chats/{chatID}", a.getChat)
	r.Post("/chats/{chatID}/add-member", a.addMember)
	r.Post("/chats/{chatID}/remove-member", a.removeMember)
	r.Get("/chats/{chatID}/messages", a.listMessages)
	r.Post("/chats/{chatID}/messages", a.createMessage)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON body into v and validates it. It writes the 400
// response itself and returns false on failure.
func (a *chatAPI) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, strings.ToLower(verrs[0].Field())+" is "+verrs[0].Tag())
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (a *chatAPI) internalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	a.log.Error().Err(err).Str("path", r.URL.Path).Msg(msg)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// memberChat resolves the {chatID} parameter and checks that the caller
// belongs to it. Non-members get deniedStatus.
func (a *chatAPI) memberChat(w http.ResponseWriter, r *http.Request, deniedStatus int) (model.User, uuid.UUID, bool) {
	user, _ := auth.UserFromContext(r.Context())
	chatID, err := uuid.Parse(chi.URLParam(r, "chatID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return user, uuid.Nil, false
	}

	ok, err := a.authorizer.IsMember(r.Context(), user.ID, chatID)
	if err != nil {
		a.internalError(w, r, err, "membership check failed")
		return user, chatID, false
	}
	if !ok {
		if deniedStatus == http.StatusNotFound {
			writeError(w, deniedStatus, "chat not found")
		} else {
			writeError(w, deniedStatus, "you are not a member of this chat")
		}
		return user, chatID, false
	}
	return user, chatID, true
}

func (a *chatAPI) userIndex(ctx context.Context, members []model.User) func(id string) model.User {
	byID := lo.KeyBy(members, func(u model.User) string { return u.ID })
	return func(id string) model.User {
		if u, ok := byID[id]; ok {
			return u
		}
		// Former members still own their messages.
		u, err := a.store.GetUser(ctx, id)
		if err != nil {
			return model.User{ID: id}
		}
		byID[id] = *u
		return *u
	}
}

func toMessageView(m model.Message, sender model.User) messageView {
	return messageView{
		ID:        m.ID,
		Chat:      m.ChatID,
		Sender:    sender,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UTC(),
	}
}

func (a *chatAPI) buildChatView(ctx context.Context, chat model.Chat) (chatView, error) {
	members, err := a.store.ListMembers(ctx, chat.ID)
	if err != nil {
		return chatView{}, err
	}
	view := chatView{
		ID:          chat.ID,
		IsGroup:     chat.IsGroup,
		Name:        chat.Name,
		DisplayName: chat.DisplayName(),
		CreatedAt:   chat.CreatedAt.UTC(),
		Members:     members,
	}

	last, err := a.store.LastMessage(ctx, chat.ID)
	if err != nil {
		return chatView{}, err
	}
	if last != nil {
		mv := toMessageView(*last, a.userIndex(ctx, members)(last.SenderID))
		view.LastMessage = &mv
	}
	return view, nil
}

func (a *chatAPI) writeChat(w http.ResponseWriter, r *http.Request, status int, chatID uuid.UUID) {
	chat, err := a.store.GetChat(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		a.internalError(w, r, err, "failed to load chat")
		return
	}
	view, err := a.buildChatView(r.Context(), *chat)
	if err != nil {
		a.internalError(w, r, err, "failed to render chat")
		return
	}
	writeJSON(w, status, view)
}

func (a *chatAPI) listChats(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	chats, err := a.store.ListChatsForUser(r.Context(), user.ID)
	if err != nil {
		a.internalError(w, r, err, "failed to list chats")
		return
	}

	views := make([]chatView, 0, len(chats))
	for _, chat := range chats {
		view, err := a.buildChatView(r.Context(), chat)
		if err != nil {
			a.internalError(w, r, err, "failed to render chat")
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *chatAPI) getChat(w http.ResponseWriter, r *http.Request) {
	_, chatID, ok := a.memberChat(w, r, http.StatusNotFound)
	if !ok {
		return
	}
	a.writeChat(w, r, http.StatusOK, chatID)
}

func (a *chatAPI) createPrivateChat(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	var req privateChatRequest
	if !a.decodeBody(w, r, &req) {
		return
	}

	chat, created, err := a.store.CreatePrivateChat(r.Context(), user.ID, req.OtherUserID)
	switch {
	case errors.Is(err, model.ErrSelfChat):
		writeError(w, http.StatusBadRequest, "cannot create private chat with yourself")
		return
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "user not found")
		return
	case err != nil:
		a.internalError(w, r, err, "failed to create private chat")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		a.log.Info().Str("chat_id", chat.ID.String()).Str("user_id", user.ID).Msg("private chat created")
	}
	a.writeChat(w, r, status, chat.ID)
}

func (a *chatAPI) createGroupChat(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	var req groupChatRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "group name is required")
		return
	}

	chat, err := a.store.CreateGroupChat(r.Context(), req.Name, user.ID, req.MemberIDs)
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "unknown member id")
		return
	}
	if err != nil {
		a.internalError(w, r, err, "failed to create group chat")
		return
	}
	a.log.Info().Str("chat_id", chat.ID.String()).Str("user_id", user.ID).Msg("group chat created")
	a.writeChat(w, r, http.StatusCreated, chat.ID)
}

// mutateMember handles the shared parsing and error mapping of the
// add/remove-member endpoints.
func (a *chatAPI) mutateMember(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, chatID uuid.UUID, userID string) error) (uuid.UUID, string, bool) {
	_, chatID, ok := a.memberChat(w, r, http.StatusNotFound)
	if !ok {
		return chatID, "", false
	}
	var req memberRequest
	if !a.decodeBody(w, r, &req) {
		return chatID, "", false
	}

	err := apply(r.Context(), chatID, req.UserID)
	switch {
	case errors.Is(err, model.ErrNotGroupChat):
		writeError(w, http.StatusBadRequest, "membership can only change in group chats")
		return chatID, "", false
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "user not found")
		return chatID, "", false
	case err != nil:
		a.internalError(w, r, err, "failed to change membership")
		return chatID, "", false
	}

	a.invalidator.Invalidate(r.Context(), chatID, req.UserID)
	return chatID, req.UserID, true
}

func (a *chatAPI) addMember(w http.ResponseWriter, r *http.Request) {
	chatID, userID, ok := a.mutateMember(w, r, a.store.AddMember)
	if !ok {
		return
	}

	added := hub.MemberAdded{ChatID: chatID, UserID: userID}
	if u, err := a.store.GetUser(r.Context(), userID); err == nil {
		added.Username = u.Username
	}
	a.router.Broadcast(chatID, added)
	a.writeChat(w, r, http.StatusOK, chatID)
}

func (a *chatAPI) removeMember(w http.ResponseWriter, r *http.Request) {
	chatID, userID, ok := a.mutateMember(w, r, a.store.RemoveMember)
	if !ok {
		return
	}

	a.router.EvictUser(chatID, userID, hub.CloseForbidden, hub.ReasonForbidden)
	a.router.Broadcast(chatID, hub.MemberRemoved{ChatID: chatID, UserID: userID})
	a.writeChat(w, r, http.StatusOK, chatID)
}

func parseListOptions(r *http.Request) (store.ListOptions, error) {
	var opts store.ListOptions
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return opts, errors.New("limit must be a positive integer")
		}
		opts.Limit = min(limit, maxHistoryLimit)
	}
	if v := q.Get("before"); v != "" {
		before, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return opts, errors.New("before must be an RFC 3339 timestamp")
		}
		opts.Before = before
	}
	return opts, nil
}

func (a *chatAPI) listMessages(w http.ResponseWriter, r *http.Request) {
	_, chatID, ok := a.memberChat(w, r, http.StatusForbidden)
	if !ok {
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := a.store.ListMessages(r.Context(), chatID, opts)
	if err != nil {
		a.internalError(w, r, err, "failed to list messages")
		return
	}
	members, err := a.store.ListMembers(r.Context(), chatID)
	if err != nil {
		a.internalError(w, r, err, "failed to list members")
		return
	}
	sender := a.userIndex(r.Context(), members)
	writeJSON(w, http.StatusOK, lo.Map(msgs, func(m model.Message, _ int) messageView {
		return toMessageView(m, sender(m.SenderID))
	}))
}

func (a *chatAPI) createMessage(w http.ResponseWriter, r *http.Request) {
	user, chatID, ok := a.memberChat(w, r, http.StatusForbidden)
	if !ok {
		return
	}
	var req messageRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, model.ErrEmptyContent.Error())
		return
	}

	msg, err := a.store.CreateMessage(r.Context(), chatID, user.ID, content, func(m model.Message) {
		a.router.Broadcast(m.ChatID, hub.ChatMessage{Message: m})
	})
	if errors.Is(err, store.ErrNotMember) {
		writeError(w, http.StatusForbidden, "you are not a member of this chat")
		return
	}
	if err != nil {
		a.internalError(w, r, err, "failed to create message")
		return
	}

	writeJSON(w, http.StatusCreated, toMessageView(*msg, user))
}
