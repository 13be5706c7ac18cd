package pipeline

import (
	"encoding/json"
	"testing"

	"lantern/internal/moderation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(t *testing.T, id, kind string, payload any) Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return Envelope{ID: id, TimeUS: 1000, Kind: kind, Payload: data}
}

func TestDecodeEvent(t *testing.T) {
	t.Run("report created", func(t *testing.T) {
		env := envelope(t, "ev-1", KindReportCreated, moderation.Report{
			ID:         "rep-1",
			TargetType: moderation.TargetPost,
			TargetID:   "post-1",
		})

		event, err := DecodeEvent(env)
		require.NoError(t, err)
		assert.Equal(t, KindReportCreated, event.Kind())
		assert.Equal(t, "reports/created/rep-1", event.DedupeKey())
	})

	t.Run("reply report requires parent post id", func(t *testing.T) {
		env := envelope(t, "ev-2", KindReportCreated, moderation.Report{
			ID:         "rep-2",
			TargetType: moderation.TargetReply,
			TargetID:   "reply-1",
		})

		_, err := DecodeEvent(env)
		require.Error(t, err)
	})

	t.Run("report update dedupes per transition", func(t *testing.T) {
		env := envelope(t, "ev-3", KindReportUpdated, ReportUpdatedEvent{
			ReportID: "rep-1",
			ToStatus: moderation.StatusConfirmed,
		})

		event, err := DecodeEvent(env)
		require.NoError(t, err)
		assert.Equal(t, "reports/status/rep-1/confirmed", event.DedupeKey())
	})

	t.Run("report update to arbitrary status is rejected", func(t *testing.T) {
		env := envelope(t, "ev-4", KindReportUpdated, ReportUpdatedEvent{
			ReportID: "rep-1",
			ToStatus: moderation.Status("banana"),
		})

		_, err := DecodeEvent(env)
		require.Error(t, err)
	})

	t.Run("lantern events key on target and user", func(t *testing.T) {
		created, err := DecodeEvent(envelope(t, "ev-5", KindLanternCreated, LanternEvent{
			PostID: "post-1", UserID: "user-1",
		}))
		require.NoError(t, err)
		assert.Equal(t, "lanterns/created/post-1/user-1", created.DedupeKey())

		deleted, err := DecodeEvent(envelope(t, "ev-6", KindLanternDeleted, LanternEvent{
			PostID: "post-1", ReplyID: "reply-1", UserID: "user-1",
		}))
		require.NoError(t, err)
		assert.Equal(t, "lanterns/deleted/post-1/reply-1/user-1", deleted.DedupeKey())
	})

	t.Run("lantern missing user is rejected", func(t *testing.T) {
		_, err := DecodeEvent(envelope(t, "ev-7", KindLanternCreated, LanternEvent{PostID: "post-1"}))
		require.Error(t, err)
	})

	t.Run("unknown kind is rejected", func(t *testing.T) {
		_, err := DecodeEvent(envelope(t, "ev-8", "post_exploded", map[string]string{}))
		require.Error(t, err)
	})

	t.Run("missing envelope id is rejected", func(t *testing.T) {
		env := envelope(t, "", KindPostCreated, moderation.Post{ID: "post-1"})
		_, err := DecodeEvent(env)
		require.Error(t, err)
	})

	t.Run("garbage payload is rejected", func(t *testing.T) {
		env := Envelope{ID: "ev-9", Kind: KindPostCreated, Payload: []byte("][")}
		_, err := DecodeEvent(env)
		require.Error(t, err)
	})

	t.Run("same logical event shares a dedupe key across envelope ids", func(t *testing.T) {
		payload := moderation.Report{ID: "rep-9", TargetType: moderation.TargetPost, TargetID: "post-1"}

		a, err := DecodeEvent(envelope(t, "delivery-1", KindReportCreated, payload))
		require.NoError(t, err)
		b, err := DecodeEvent(envelope(t, "delivery-2", KindReportCreated, payload))
		require.NoError(t, err)

		assert.Equal(t, a.DedupeKey(), b.DedupeKey())
	})
}
