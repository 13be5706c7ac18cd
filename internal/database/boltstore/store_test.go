package boltstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"lantern/internal/moderation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := Open(Options{Path: dbPath})
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func TestPostsAndReplies(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	t.Run("put and get post", func(t *testing.T) {
		post := &moderation.Post{
			ID:        "post-1",
			AuthorUID: "author-1",
			Title:     "Night market tips",
			Content:   "Arrive early.",
			Status:    moderation.StatusPending,
			CreatedAt: time.Now(),
		}

		err := store.Update(func(tx *Tx) error {
			return tx.PutPost(post)
		})
		require.NoError(t, err)

		got, err := store.GetPost(ctx, "post-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Night market tips", got.Title)
		assert.Equal(t, moderation.StatusPending, got.Status)
	})

	t.Run("missing post returns nil", func(t *testing.T) {
		got, err := store.GetPost(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("replies are addressed by post and reply id", func(t *testing.T) {
		reply := &moderation.Reply{
			ID:        "reply-1",
			PostID:    "post-1",
			Content:   "Thanks!",
			Status:    moderation.StatusPending,
			CreatedAt: time.Now(),
		}

		err := store.Update(func(tx *Tx) error {
			return tx.PutReply(reply)
		})
		require.NoError(t, err)

		got, err := store.GetReply(ctx, "post-1", "reply-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Thanks!", got.Content)

		// Same reply ID under a different post is a different row.
		other, err := store.GetReply(ctx, "post-2", "reply-1")
		require.NoError(t, err)
		assert.Nil(t, other)
	})
}

func TestClaimMarker(t *testing.T) {
	store := setupTestStore(t)

	t.Run("first claim succeeds, replay does not", func(t *testing.T) {
		var first, second bool

		err := store.Update(func(tx *Tx) error {
			var err error
			first, err = tx.ClaimMarker("reports/created/rep-1")
			return err
		})
		require.NoError(t, err)
		assert.True(t, first)

		err = store.Update(func(tx *Tx) error {
			var err error
			second, err = tx.ClaimMarker("reports/created/rep-1")
			return err
		})
		require.NoError(t, err)
		assert.False(t, second)
	})

	t.Run("claim rolls back with the transaction", func(t *testing.T) {
		boom := errors.New("boom")
		err := store.Update(func(tx *Tx) error {
			claimed, err := tx.ClaimMarker("reports/created/rep-2")
			require.NoError(t, err)
			require.True(t, claimed)
			return boom
		})
		require.ErrorIs(t, err, boom)

		// The failed transaction must not have persisted the marker.
		var claimed bool
		err = store.Update(func(tx *Tx) error {
			var err error
			claimed, err = tx.ClaimMarker("reports/created/rep-2")
			return err
		})
		require.NoError(t, err)
		assert.True(t, claimed)
	})
}

func TestUpdateRetriesOnConflict(t *testing.T) {
	store := setupTestStore(t)

	t.Run("retries until success", func(t *testing.T) {
		attempts := 0
		err := store.Update(func(tx *Tx) error {
			attempts++
			if attempts < 3 {
				return ErrConflict
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		attempts := 0
		err := store.Update(func(tx *Tx) error {
			attempts++
			return ErrConflict
		})
		require.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, 3, attempts)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		boom := errors.New("boom")
		attempts := 0
		err := store.Update(func(tx *Tx) error {
			attempts++
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 1, attempts)
	})
}

func TestAdjustTrustScore(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	adjust := func(t *testing.T, userID string, delta float64, reason string) float64 {
		t.Helper()
		var score float64
		err := store.Update(func(tx *Tx) error {
			var err error
			score, err = tx.AdjustTrustScore(userID, delta, reason)
			return err
		})
		require.NoError(t, err)
		return score
	}

	t.Run("unknown user starts at default", func(t *testing.T) {
		score := adjust(t, "fresh", -10, "report_confirmed_author")
		assert.Equal(t, moderation.DefaultTrustScore-10, score)

		user, err := store.GetUser(ctx, "fresh")
		require.NoError(t, err)
		require.NotNil(t, user)
		assert.Equal(t, moderation.DefaultTrustScore-10, user.TrustScore)
	})

	t.Run("clamped at zero", func(t *testing.T) {
		adjust(t, "low", -25, "x")
		score := adjust(t, "low", -25, "x")
		assert.Equal(t, 0.0, score)
	})

	t.Run("clamped at one hundred", func(t *testing.T) {
		score := adjust(t, "high", 500, "x")
		assert.Equal(t, 100.0, score)
	})

	t.Run("fractional deltas accumulate", func(t *testing.T) {
		adjust(t, "guide", 0.5, "lantern_received_guide")
		score := adjust(t, "guide", 0.5, "lantern_received_guide")
		assert.InDelta(t, moderation.DefaultTrustScore+1.0, score, 1e-9)
	})

	t.Run("audit entries record prev and new score", func(t *testing.T) {
		adjust(t, "audited", -10, "report_confirmed_author")

		entries, err := store.ListTrustLog(ctx, "audited", 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, -10.0, entries[0].Delta)
		assert.Equal(t, moderation.DefaultTrustScore, entries[0].PrevScore)
		assert.Equal(t, moderation.DefaultTrustScore-10, entries[0].NewScore)
		assert.Equal(t, "report_confirmed_author", entries[0].Reason)
	})

	t.Run("clamped no-op appends no audit entry", func(t *testing.T) {
		adjust(t, "floored", -50, "x") // 30 -> 0
		adjust(t, "floored", -50, "x") // already 0, no-op

		entries, err := store.ListTrustLog(ctx, "floored", 10)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestEnforcementLists(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	t.Run("block and check ip", func(t *testing.T) {
		err := store.Update(func(tx *Tx) error {
			return tx.PutBlockedIP(moderation.BlockedIP{
				IP:        "203.0.113.7",
				Reason:    "report_confirmed",
				BlockedAt: time.Now(),
			})
		})
		require.NoError(t, err)

		blocked, err := store.IsIPBlocked(ctx, "203.0.113.7")
		require.NoError(t, err)
		assert.True(t, blocked)

		blocked, err = store.IsIPBlocked(ctx, "203.0.113.8")
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("reblocking is an overwrite", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			err := store.Update(func(tx *Tx) error {
				return tx.PutBlockedIP(moderation.BlockedIP{
					IP:        "198.51.100.1",
					Reason:    "report_confirmed",
					BlockedAt: time.Now(),
				})
			})
			require.NoError(t, err)
		}

		entries, err := store.ListBlockedIPs(ctx)
		require.NoError(t, err)

		var matches int
		for _, e := range entries {
			if e.IP == "198.51.100.1" {
				matches++
			}
		}
		assert.Equal(t, 1, matches)
	})

	t.Run("suspend and check guest", func(t *testing.T) {
		err := store.Update(func(tx *Tx) error {
			return tx.PutSuspendedGuest(moderation.SuspendedGuest{
				GuestID:     "guest-1",
				Reason:      "ai_rejected",
				SuspendedAt: time.Now(),
			})
		})
		require.NoError(t, err)

		suspended, err := store.IsGuestSuspended(ctx, "guest-1")
		require.NoError(t, err)
		assert.True(t, suspended)
	})
}

func TestReportQueries(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	seed := []moderation.Report{
		{ID: "r-1", TargetType: moderation.TargetPost, TargetID: "p-1", Status: moderation.StatusPending, CreatedAt: time.Now()},
		{ID: "r-2", TargetType: moderation.TargetPost, TargetID: "p-1", Status: moderation.StatusNeedsReview, CreatedAt: time.Now()},
		{ID: "r-3", TargetType: moderation.TargetPost, TargetID: "p-2", Status: moderation.StatusConfirmed, CreatedAt: time.Now()},
	}
	for _, r := range seed {
		r := r
		require.NoError(t, store.Update(func(tx *Tx) error {
			return tx.PutReport(&r)
		}))
	}

	t.Run("pending includes needs_review", func(t *testing.T) {
		pending, err := store.ListPendingReports(ctx)
		require.NoError(t, err)
		assert.Len(t, pending, 2)
	})

	t.Run("all reports", func(t *testing.T) {
		all, err := store.ListAllReports(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
		assert.Equal(t, 2, store.CountPendingReports(ctx))
	})
}

func TestCursor(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	t.Run("defaults to zero", func(t *testing.T) {
		cursor, err := store.GetCursor(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), cursor)
	})

	t.Run("round trips", func(t *testing.T) {
		require.NoError(t, store.SetCursor(ctx, 123456789))
		cursor, err := store.GetCursor(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(123456789), cursor)
	})
}
