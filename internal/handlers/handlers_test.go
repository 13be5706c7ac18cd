package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"lantern/internal/database/boltstore"
	"lantern/internal/moderation"
	"lantern/internal/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestHandler(t *testing.T) (*Handler, *boltstore.Store) {
	t.Helper()

	store, err := boltstore.Open(boltstore.Options{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	policy, err := moderation.NewPolicy(moderation.DefaultPolicyConfig())
	require.NoError(t, err)

	engine, err := pipeline.NewEngine(pipeline.EngineConfig{
		Store:  store,
		Policy: policy,
	})
	require.NoError(t, err)

	return NewHandler(store, engine, Config{AdminToken: "test-token"}), store
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func seedPost(t *testing.T, store *boltstore.Store, post moderation.Post) {
	t.Helper()
	if post.Status == "" {
		post.Status = moderation.StatusPending
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now()
	}
	require.NoError(t, store.Update(func(tx *boltstore.Tx) error {
		return tx.PutPost(&post)
	}))
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestHandleReportSubmit(t *testing.T) {
	t.Run("accepts a valid report and bumps the counter", func(t *testing.T) {
		h, store := setupTestHandler(t)
		seedPost(t, store, moderation.Post{ID: "post-1", AuthorUID: "author-1", Content: "x"})

		req := jsonRequest(t, http.MethodPost, "/api/reports", ReportRequest{
			TargetType: "post",
			PostID:     "post-1",
			Reasons:    []string{"spam"},
		})
		req.Header.Set("X-User-ID", "reporter-1")
		rec := httptest.NewRecorder()

		h.HandleReportSubmit(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decodeBody[ReportResponse](t, rec)
		assert.Equal(t, "received", resp.Status)
		assert.NotEmpty(t, resp.ID)

		post, err := store.GetPost(context.Background(), "post-1")
		require.NoError(t, err)
		assert.Equal(t, 1, post.ReportCount)

		report, err := store.GetReport(context.Background(), resp.ID)
		require.NoError(t, err)
		require.NotNil(t, report)
		assert.Equal(t, "reporter-1", report.ReporterUID)
		assert.Equal(t, "author-1", report.TargetAuthorUID)
	})

	t.Run("requires an identified reporter", func(t *testing.T) {
		h, _ := setupTestHandler(t)

		req := jsonRequest(t, http.MethodPost, "/api/reports", ReportRequest{
			TargetType: "post", PostID: "post-1",
		})
		rec := httptest.NewRecorder()

		h.HandleReportSubmit(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects reports against missing content", func(t *testing.T) {
		h, _ := setupTestHandler(t)

		req := jsonRequest(t, http.MethodPost, "/api/reports", ReportRequest{
			TargetType: "post", PostID: "ghost",
		})
		req.Header.Set("X-User-ID", "reporter-1")
		rec := httptest.NewRecorder()

		h.HandleReportSubmit(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("rejects self reports", func(t *testing.T) {
		h, store := setupTestHandler(t)
		seedPost(t, store, moderation.Post{ID: "post-1", AuthorUID: "author-1", Content: "x"})

		req := jsonRequest(t, http.MethodPost, "/api/reports", ReportRequest{
			TargetType: "post", PostID: "post-1",
		})
		req.Header.Set("X-User-ID", "author-1")
		rec := httptest.NewRecorder()

		h.HandleReportSubmit(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects duplicate reports from the same reporter", func(t *testing.T) {
		h, store := setupTestHandler(t)
		seedPost(t, store, moderation.Post{ID: "post-1", AuthorUID: "author-1", Content: "x"})

		submit := func() *httptest.ResponseRecorder {
			req := jsonRequest(t, http.MethodPost, "/api/reports", ReportRequest{
				TargetType: "post", PostID: "post-1",
			})
			req.Header.Set("X-User-ID", "reporter-1")
			rec := httptest.NewRecorder()
			h.HandleReportSubmit(rec, req)
			return rec
		}

		require.Equal(t, http.StatusOK, submit().Code)
		assert.Equal(t, http.StatusConflict, submit().Code)

		post, err := store.GetPost(context.Background(), "post-1")
		require.NoError(t, err)
		assert.Equal(t, 1, post.ReportCount)
	})

	t.Run("rejects reply targets without a reply id", func(t *testing.T) {
		h, _ := setupTestHandler(t)

		req := jsonRequest(t, http.MethodPost, "/api/reports", ReportRequest{
			TargetType: "reply", PostID: "post-1",
		})
		req.Header.Set("X-User-ID", "reporter-1")
		rec := httptest.NewRecorder()

		h.HandleReportSubmit(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("enforces the hourly rate limit", func(t *testing.T) {
		h, store := setupTestHandler(t)

		for i := 0; i < ReportRateLimitPerHour; i++ {
			id := string(rune('a' + i))
			seedPost(t, store, moderation.Post{ID: "post-" + id, AuthorUID: "author-1", Content: "x"})

			req := jsonRequest(t, http.MethodPost, "/api/reports", ReportRequest{
				TargetType: "post", PostID: "post-" + id,
			})
			req.Header.Set("X-User-ID", "reporter-1")
			rec := httptest.NewRecorder()
			h.HandleReportSubmit(rec, req)
			require.Equal(t, http.StatusOK, rec.Code)
		}

		seedPost(t, store, moderation.Post{ID: "post-final", AuthorUID: "author-1", Content: "x"})
		req := jsonRequest(t, http.MethodPost, "/api/reports", ReportRequest{
			TargetType: "post", PostID: "post-final",
		})
		req.Header.Set("X-User-ID", "reporter-1")
		rec := httptest.NewRecorder()
		h.HandleReportSubmit(rec, req)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})
}

func TestHandlePostCreate(t *testing.T) {
	t.Run("creates a post and returns the stored row", func(t *testing.T) {
		h, store := setupTestHandler(t)

		req := jsonRequest(t, http.MethodPost, "/api/posts", PostCreateRequest{
			Title:   "hello",
			Content: "first post",
		})
		req.Header.Set("X-User-ID", "user-1")
		rec := httptest.NewRecorder()

		h.HandlePostCreate(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		created := decodeBody[moderation.Post](t, rec)
		assert.Equal(t, "user-1", created.AuthorUID)
		assert.Equal(t, moderation.StatusPending, created.Status)
		assert.Empty(t, created.ClientIP, "identified posts do not record network identity")

		stored, err := store.GetPost(context.Background(), created.ID)
		require.NoError(t, err)
		require.NotNil(t, stored)
	})

	t.Run("anonymous posts record guest identifiers", func(t *testing.T) {
		h, _ := setupTestHandler(t)

		req := jsonRequest(t, http.MethodPost, "/api/posts", PostCreateRequest{Content: "anon post"})
		req.Header.Set("X-Guest-ID", "guest-9")
		req.RemoteAddr = "203.0.113.9:4567"
		rec := httptest.NewRecorder()

		h.HandlePostCreate(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)
		created := decodeBody[moderation.Post](t, rec)
		assert.Equal(t, "guest-9", created.GuestID)
		assert.Equal(t, "203.0.113.9", created.ClientIP)
	})

	t.Run("posts from a blocked network identity come back rejected", func(t *testing.T) {
		h, store := setupTestHandler(t)
		require.NoError(t, store.Update(func(tx *boltstore.Tx) error {
			return tx.PutBlockedIP(moderation.BlockedIP{IP: "203.0.113.66", Reason: "report_confirmed", BlockedAt: time.Now()})
		}))

		req := jsonRequest(t, http.MethodPost, "/api/posts", PostCreateRequest{Content: "blocked"})
		req.RemoteAddr = "203.0.113.66:1000"
		rec := httptest.NewRecorder()

		h.HandlePostCreate(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)
		created := decodeBody[moderation.Post](t, rec)
		assert.Equal(t, moderation.StatusRejected, created.Status)
		assert.True(t, created.Hidden)
	})

	t.Run("rejects empty content", func(t *testing.T) {
		h, _ := setupTestHandler(t)

		req := jsonRequest(t, http.MethodPost, "/api/posts", PostCreateRequest{Content: "   "})
		rec := httptest.NewRecorder()

		h.HandlePostCreate(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleReplyCreate(t *testing.T) {
	t.Run("creates a reply under an existing post", func(t *testing.T) {
		h, store := setupTestHandler(t)
		seedPost(t, store, moderation.Post{ID: "post-1", AuthorUID: "author-1", Content: "x"})

		req := jsonRequest(t, http.MethodPost, "/api/posts/post-1/replies", ReplyCreateRequest{Content: "a reply"})
		req.SetPathValue("id", "post-1")
		req.Header.Set("X-User-ID", "user-2")
		rec := httptest.NewRecorder()

		h.HandleReplyCreate(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		created := decodeBody[moderation.Reply](t, rec)
		assert.Equal(t, "post-1", created.PostID)
		assert.Equal(t, "user-2", created.AuthorUID)

		stored, err := store.GetReply(context.Background(), "post-1", created.ID)
		require.NoError(t, err)
		require.NotNil(t, stored)
	})

	t.Run("404s for a missing parent post", func(t *testing.T) {
		h, _ := setupTestHandler(t)

		req := jsonRequest(t, http.MethodPost, "/api/posts/ghost/replies", ReplyCreateRequest{Content: "a reply"})
		req.SetPathValue("id", "ghost")
		rec := httptest.NewRecorder()

		h.HandleReplyCreate(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleLantern(t *testing.T) {
	h, store := setupTestHandler(t)
	seedPost(t, store, moderation.Post{ID: "post-1", AuthorUID: "author-1", Content: "x"})

	lantern := func(method string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/api/posts/post-1/lanterns", nil)
		req.SetPathValue("id", "post-1")
		req.Header.Set("X-User-ID", "user-2")
		rec := httptest.NewRecorder()
		if method == http.MethodPost {
			h.HandleLanternCreate(rec, req)
		} else {
			h.HandleLanternDelete(rec, req)
		}
		return rec
	}

	require.Equal(t, http.StatusNoContent, lantern(http.MethodPost).Code)

	post, err := store.GetPost(context.Background(), "post-1")
	require.NoError(t, err)
	assert.Equal(t, 1, post.LanternCount)

	require.Equal(t, http.StatusNoContent, lantern(http.MethodDelete).Code)

	post, err = store.GetPost(context.Background(), "post-1")
	require.NoError(t, err)
	assert.Equal(t, 0, post.LanternCount)
}

func TestHandleUserGet(t *testing.T) {
	h, store := setupTestHandler(t)

	t.Run("unknown users report the default trust score", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/users/nobody", nil)
		req.SetPathValue("id", "nobody")
		rec := httptest.NewRecorder()

		h.HandleUserGet(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		user := decodeBody[moderation.User](t, rec)
		assert.Equal(t, moderation.DefaultTrustScore, user.TrustScore)
	})

	t.Run("stored users come back as persisted", func(t *testing.T) {
		require.NoError(t, store.Update(func(tx *boltstore.Tx) error {
			_, err := tx.AdjustTrustScore("user-1", -10, moderation.TrustReasonReportConfirmedAuthor)
			return err
		}))

		req := httptest.NewRequest(http.MethodGet, "/api/users/user-1", nil)
		req.SetPathValue("id", "user-1")
		rec := httptest.NewRecorder()

		h.HandleUserGet(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		user := decodeBody[moderation.User](t, rec)
		assert.Equal(t, moderation.DefaultTrustScore-10, user.TrustScore)
	})
}

func TestAdminAuth(t *testing.T) {
	h, _ := setupTestHandler(t)

	protected := h.RequireAdmin(h.HandleReportsList)

	t.Run("rejects missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/admin/reports", nil)
		rec := httptest.NewRecorder()
		protected(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects wrong token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/admin/reports", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		rec := httptest.NewRecorder()
		protected(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("accepts the configured token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/admin/reports", nil)
		req.Header.Set("Authorization", "Bearer test-token")
		rec := httptest.NewRecorder()
		protected(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("disabled when no token is configured", func(t *testing.T) {
		unconfigured, _ := setupTestHandler(t)
		unconfigured.config.AdminToken = ""

		req := httptest.NewRequest(http.MethodGet, "/admin/reports", nil)
		rec := httptest.NewRecorder()
		unconfigured.RequireAdmin(unconfigured.HandleReportsList)(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHandleReportResolve(t *testing.T) {
	submitReport := func(t *testing.T, h *Handler, store *boltstore.Store) string {
		seedPost(t, store, moderation.Post{ID: "post-1", AuthorUID: "author-1", Content: "x"})
		req := jsonRequest(t, http.MethodPost, "/api/reports", ReportRequest{
			TargetType: "post", PostID: "post-1",
		})
		req.Header.Set("X-User-ID", "reporter-1")
		rec := httptest.NewRecorder()
		h.HandleReportSubmit(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		return decodeBody[ReportResponse](t, rec).ID
	}

	t.Run("confirming a report hides content and adjusts trust", func(t *testing.T) {
		h, store := setupTestHandler(t)
		reportID := submitReport(t, h, store)

		req := jsonRequest(t, http.MethodPost, "/admin/reports/"+reportID+"/resolve", resolveRequest{
			Status:     "confirmed",
			ResolvedBy: "mod-1",
		})
		req.SetPathValue("id", reportID)
		rec := httptest.NewRecorder()

		h.HandleReportResolve(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resolved := decodeBody[moderation.Report](t, rec)
		assert.Equal(t, moderation.StatusConfirmed, resolved.Status)
		assert.Equal(t, "mod-1", resolved.ResolvedBy)

		post, err := store.GetPost(context.Background(), "post-1")
		require.NoError(t, err)
		assert.True(t, post.Hidden)

		author, err := store.GetUser(context.Background(), "author-1")
		require.NoError(t, err)
		require.NotNil(t, author)
		assert.Equal(t, moderation.DefaultTrustScore-10, author.TrustScore)
	})

	t.Run("rejects unknown statuses", func(t *testing.T) {
		h, store := setupTestHandler(t)
		reportID := submitReport(t, h, store)

		req := jsonRequest(t, http.MethodPost, "/admin/reports/"+reportID+"/resolve", resolveRequest{
			Status:     "banana",
			ResolvedBy: "mod-1",
		})
		req.SetPathValue("id", reportID)
		rec := httptest.NewRecorder()

		h.HandleReportResolve(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("404s for unknown reports", func(t *testing.T) {
		h, _ := setupTestHandler(t)

		req := jsonRequest(t, http.MethodPost, "/admin/reports/ghost/resolve", resolveRequest{
			Status:     "confirmed",
			ResolvedBy: "mod-1",
		})
		req.SetPathValue("id", "ghost")
		rec := httptest.NewRecorder()

		h.HandleReportResolve(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleAdminStats(t *testing.T) {
	h, store := setupTestHandler(t)
	seedPost(t, store, moderation.Post{ID: "post-1", AuthorUID: "author-1", Content: "x", Hidden: true})

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	rec := httptest.NewRecorder()

	h.HandleAdminStats(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[AdminStats](t, rec)
	assert.Equal(t, 1, stats.HiddenPosts)
	assert.False(t, stats.StreamConnected)
}
