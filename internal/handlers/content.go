package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"lantern/internal/middleware"
	"lantern/internal/moderation"
	"lantern/internal/pipeline"

	"github.com/rs/zerolog/log"
)

// Content creation limits.
const (
	MaxTitleLength   = 200
	MaxContentLength = 10000
	MaxTags          = 10
)

// PostCreateRequest is the JSON body for creating a post.
type PostCreateRequest struct {
	Title   string   `json:"title,omitempty"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
	Type    string   `json:"type,omitempty"`
}

// ReplyCreateRequest is the JSON body for creating a reply.
type ReplyCreateRequest struct {
	Content string `json:"content"`
}

// HandlePostCreate handles POST /api/posts. The created post runs through the
// moderation pipeline synchronously, so the response reflects any identifier
// gate or profanity decision already applied.
func (h *Handler) HandlePostCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req PostCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if msg := validateContentFields(req.Title, req.Content, req.Tags); msg != "" {
		writeError(w, msg, http.StatusBadRequest)
		return
	}

	post := moderation.Post{
		ID:        generateID(),
		AuthorUID: userID(r),
		Title:     strings.TrimSpace(req.Title),
		Content:   req.Content,
		Tags:      req.Tags,
		Type:      req.Type,
		Status:    moderation.StatusPending,
		CreatedAt: time.Now(),
	}

	// Anonymous posts record the device and network identity for enforcement
	if post.AuthorUID == "" {
		post.GuestID = guestID(r)
		post.ClientIP = middleware.GetClientIP(r)
	}

	env, err := newEnvelope(pipeline.KindPostCreated, post)
	if err != nil {
		writeError(w, "Failed to create post", http.StatusInternalServerError)
		return
	}

	if err := h.engine.HandleEvent(ctx, env); err != nil {
		log.Error().Err(err).Str("post_id", post.ID).Msg("handlers: failed to create post")
		writeError(w, "Failed to create post", http.StatusInternalServerError)
		return
	}

	stored, err := h.store.GetPost(ctx, post.ID)
	if err != nil || stored == nil {
		log.Error().Err(err).Str("post_id", post.ID).Msg("handlers: failed to load created post")
		writeError(w, "Failed to create post", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, stored)
}

// HandleReplyCreate handles POST /api/posts/{id}/replies. Replies are
// independent rows keyed by (post, reply), so the parent row is untouched.
func (h *Handler) HandleReplyCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	postID := r.PathValue("id")
	if postID == "" {
		writeError(w, "Post ID is required", http.StatusBadRequest)
		return
	}

	parent, err := h.store.GetPost(ctx, postID)
	if err != nil {
		writeError(w, "Failed to create reply", http.StatusInternalServerError)
		return
	}
	if parent == nil {
		writeError(w, "Post not found", http.StatusNotFound)
		return
	}

	var req ReplyCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if msg := validateContentFields("", req.Content, nil); msg != "" {
		writeError(w, msg, http.StatusBadRequest)
		return
	}

	reply := moderation.Reply{
		ID:        generateID(),
		PostID:    postID,
		AuthorUID: userID(r),
		Content:   req.Content,
		Status:    moderation.StatusPending,
		CreatedAt: time.Now(),
	}

	if reply.AuthorUID == "" {
		reply.GuestID = guestID(r)
		reply.ClientIP = middleware.GetClientIP(r)
	}

	env, err := newEnvelope(pipeline.KindReplyCreated, reply)
	if err != nil {
		writeError(w, "Failed to create reply", http.StatusInternalServerError)
		return
	}

	if err := h.engine.HandleEvent(ctx, env); err != nil {
		log.Error().Err(err).Str("reply_id", reply.ID).Msg("handlers: failed to create reply")
		writeError(w, "Failed to create reply", http.StatusInternalServerError)
		return
	}

	stored, err := h.store.GetReply(ctx, postID, reply.ID)
	if err != nil || stored == nil {
		log.Error().Err(err).Str("reply_id", reply.ID).Msg("handlers: failed to load created reply")
		writeError(w, "Failed to create reply", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, stored)
}

// HandlePostGet handles GET /api/posts/{id}.
func (h *Handler) HandlePostGet(w http.ResponseWriter, r *http.Request) {
	post, err := h.store.GetPost(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "Failed to load post", http.StatusInternalServerError)
		return
	}
	if post == nil {
		writeError(w, "Post not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

// HandleReplyGet handles GET /api/posts/{id}/replies/{replyID}.
func (h *Handler) HandleReplyGet(w http.ResponseWriter, r *http.Request) {
	reply, err := h.store.GetReply(r.Context(), r.PathValue("id"), r.PathValue("replyID"))
	if err != nil {
		writeError(w, "Failed to load reply", http.StatusInternalServerError)
		return
	}
	if reply == nil {
		writeError(w, "Reply not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// HandleLanternCreate handles POST /api/posts/{id}/lanterns and
// POST /api/posts/{id}/replies/{replyID}/lanterns.
func (h *Handler) HandleLanternCreate(w http.ResponseWriter, r *http.Request) {
	h.handleLantern(w, r, pipeline.KindLanternCreated)
}

// HandleLanternDelete handles DELETE on the same paths.
func (h *Handler) HandleLanternDelete(w http.ResponseWriter, r *http.Request) {
	h.handleLantern(w, r, pipeline.KindLanternDeleted)
}

func (h *Handler) handleLantern(w http.ResponseWriter, r *http.Request, kind string) {
	ctx := r.Context()

	uid := userID(r)
	if uid == "" {
		writeError(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	ev := pipeline.LanternEvent{
		PostID:  r.PathValue("id"),
		ReplyID: r.PathValue("replyID"),
		UserID:  uid,
	}
	if ev.PostID == "" {
		writeError(w, "Post ID is required", http.StatusBadRequest)
		return
	}

	env, err := newEnvelope(kind, ev)
	if err != nil {
		writeError(w, "Failed to record lantern", http.StatusInternalServerError)
		return
	}

	if err := h.engine.HandleEvent(ctx, env); err != nil {
		log.Error().Err(err).Str("post_id", ev.PostID).Msg("handlers: failed to record lantern")
		writeError(w, "Failed to record lantern", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// validateContentFields checks the shared constraints on created content.
// Returns an error message, or empty when valid.
func validateContentFields(title, content string, tags []string) string {
	if strings.TrimSpace(content) == "" {
		return "content is required"
	}
	if len(content) > MaxContentLength {
		return "content is too long"
	}
	if len(title) > MaxTitleLength {
		return "title is too long"
	}
	if len(tags) > MaxTags {
		return "too many tags"
	}
	return ""
}
