package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/voxhall/relayd/pkg/chat"
	"github.com/voxhall/relayd/pkg/models"
	"github.com/voxhall/relayd/pkg/store"
)

type ctxKey int

const ctxKeyUserID ctxKey = iota

// identityMiddleware trusts the authenticating proxy in front of the relay
// to have resolved the caller into the X-User-ID header.
func (s *Server) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "missing user identity")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyUserID, userID)))
	})
}

func requestUserID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}

func writeData(w http.ResponseWriter, message string, data any) {
	body := map[string]any{"success": true, "message": message}
	if data != nil {
		body["data"] = data
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeData(w, "Models fetched successfully", models.Enabled())
}

type chatTurnRequest struct {
	ConversationID         string `json:"conversationId"`
	Model                  string `json:"model"`
	Prompt                 string `json:"prompt"`
	IsTemporaryChatEnabled bool   `json:"isTemporaryChatEnabled"`
}

func (s *Server) handleChatTurn(w http.ResponseWriter, r *http.Request) {
	var body chatTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.turns.Run(r.Context(), &chat.TurnRequest{
		UserID:         requestUserID(r),
		ConversationID: body.ConversationID,
		Model:          body.Model,
		Prompt:         body.Prompt,
		Temporary:      body.IsTemporaryChatEnabled,
	}, newSSEWriter(w))
	if err != nil {
		var te *chat.Error
		if errors.As(err, &te) {
			writeError(w, te.Status, te.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// activeProfile resolves the caller's user and active profile, writing the
// error response itself when either is missing.
func (s *Server) activeProfile(w http.ResponseWriter, r *http.Request) (*store.Profile, bool) {
	userID := requestUserID(r)
	if _, err := s.store.GetUser(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
		} else {
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return nil, false
	}
	profile, err := s.store.GetActiveProfile(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no active profile")
		} else {
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return nil, false
	}
	return profile, true
}

// ownedConversation loads the conversation and checks it belongs to the
// caller's active profile. Missing and foreign conversations are both 403
// so ids cannot be probed.
func (s *Server) ownedConversation(w http.ResponseWriter, r *http.Request, profile *store.Profile) (*store.Conversation, bool) {
	id := chi.URLParam(r, "conversationID")
	conv, err := s.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusForbidden, "conversation not found or does not belong to you")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	if conv.ProfileID != profile.ID {
		writeError(w, http.StatusForbidden, "conversation not found or does not belong to you")
		return nil, false
	}
	return conv, true
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.activeProfile(w, r)
	if !ok {
		return
	}
	convs, err := s.store.ListConversations(r.Context(), &store.FindConversation{ProfileID: profile.ID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	out := make([]conversationView, 0, len(convs))
	for _, c := range convs {
		out = append(out, newConversationView(c))
	}
	writeData(w, "Conversations fetched successfully", out)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.activeProfile(w, r)
	if !ok {
		return
	}
	conv, ok := s.ownedConversation(w, r, profile)
	if !ok {
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), conv.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	view := newConversationView(conv)
	view.Messages = make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		view.Messages = append(view.Messages, messageView{
			ID:        m.ID,
			Role:      m.Role,
			Response:  m.Response,
			ModelName: m.ModelName,
			CreatedTs: m.CreatedTs,
		})
	}
	writeData(w, "Conversation fetched successfully", view)
}

func (s *Server) handleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.activeProfile(w, r)
	if !ok {
		return
	}
	conv, ok := s.ownedConversation(w, r, profile)
	if !ok {
		return
	}
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := s.store.UpdateConversation(r.Context(), &store.UpdateConversation{ID: conv.ID, Title: &body.Title}); err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeData(w, "Conversation title updated successfully", nil)
}

func (s *Server) handleUpdatePin(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.activeProfile(w, r)
	if !ok {
		return
	}
	conv, ok := s.ownedConversation(w, r, profile)
	if !ok {
		return
	}
	var body struct {
		Pinned *bool `json:"pinned"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Pinned == nil {
		writeError(w, http.StatusBadRequest, "pinned value must be boolean")
		return
	}
	if err := s.store.UpdateConversation(r.Context(), &store.UpdateConversation{ID: conv.ID, Pinned: body.Pinned}); err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if *body.Pinned {
		writeData(w, "Conversation pinned successfully", nil)
	} else {
		writeData(w, "Conversation unpinned successfully", nil)
	}
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.activeProfile(w, r)
	if !ok {
		return
	}
	conv, ok := s.ownedConversation(w, r, profile)
	if !ok {
		return
	}
	if err := s.store.DeleteConversation(r.Context(), conv.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeData(w, "Conversation deleted successfully", nil)
}

type messageView struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Response  string `json:"response"`
	ModelName string `json:"modelName"`
	CreatedTs int64  `json:"createdAt"`
}

type conversationView struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Summary   *string       `json:"summary,omitempty"`
	Pinned    bool          `json:"pinned"`
	Archived  bool          `json:"archived"`
	Temporary bool          `json:"temporary"`
	ExpiresTs *int64        `json:"expiresAt,omitempty"`
	CreatedTs int64         `json:"createdAt"`
	UpdatedTs int64         `json:"updatedAt"`
	Messages  []messageView `json:"messages,omitempty"`
}

func newConversationView(c *store.Conversation) conversationView {
	return conversationView{
		ID:        c.ID,
		Title:     c.Title,
		Summary:   c.Summary,
		Pinned:    c.Pinned,
		Archived:  c.Archived,
		Temporary: c.Temporary,
		ExpiresTs: c.ExpiresTs,
		CreatedTs: c.CreatedTs,
		UpdatedTs: c.UpdatedTs,
	}
}
