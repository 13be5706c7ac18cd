package moderation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := NewPolicy(DefaultPolicyConfig())
	require.NoError(t, err)
	return p
}

func TestPolicyConfigValidate(t *testing.T) {
	t.Run("default config is valid", func(t *testing.T) {
		require.NoError(t, DefaultPolicyConfig().Validate())
	})

	t.Run("rejects non-positive thresholds", func(t *testing.T) {
		err := PolicyConfig{NeedsReviewThreshold: 0, AutoHideThreshold: 5}.Validate()
		require.Error(t, err)
	})

	t.Run("rejects inverted thresholds", func(t *testing.T) {
		err := PolicyConfig{NeedsReviewThreshold: 5, AutoHideThreshold: 3}.Validate()
		require.Error(t, err)
	})
}

func TestPolicyConfigFromEnv(t *testing.T) {
	t.Setenv("REPORT_NEEDS_REVIEW_THRESHOLD", "2")
	t.Setenv("REPORT_AUTO_HIDE_THRESHOLD", "7")

	cfg := PolicyConfigFromEnv()
	assert.Equal(t, 2, cfg.NeedsReviewThreshold)
	assert.Equal(t, 7, cfg.AutoHideThreshold)
}

func TestDecideReportCount(t *testing.T) {
	p := newTestPolicy(t)
	target := ContentRef{Type: TargetPost, PostID: "post-1"}

	t.Run("below review threshold stays pending", func(t *testing.T) {
		for n := 1; n <= 2; n++ {
			d := p.DecideReportCount(target, false, GuestInfo{}, n)
			assert.Equal(t, StatusPending, d.Status, "count %d", n)
			assert.Equal(t, StatusPending, d.ReportStatus)
			assert.Empty(t, d.Directives)
			assert.False(t, d.AutoHidden)
		}
	})

	t.Run("review threshold escalates with high priority", func(t *testing.T) {
		d := p.DecideReportCount(target, false, GuestInfo{}, 3)
		assert.Equal(t, StatusNeedsReview, d.Status)
		assert.Equal(t, StatusNeedsReview, d.ReportStatus)
		assert.Equal(t, PriorityHigh, d.Priority)
		assert.Empty(t, d.Directives)
	})

	t.Run("between thresholds keeps escalation", func(t *testing.T) {
		d := p.DecideReportCount(target, false, GuestInfo{}, 4)
		assert.Equal(t, StatusNeedsReview, d.Status)
	})

	t.Run("hide threshold hides content", func(t *testing.T) {
		d := p.DecideReportCount(target, false, GuestInfo{}, 5)
		assert.Equal(t, StatusAutoHidden, d.Status)
		assert.True(t, d.AutoHidden)
		require.Len(t, d.Directives, 1)
		assert.Equal(t, DirectiveHideContent, d.Directives[0].Kind)
		assert.Equal(t, HiddenReasonAutoHidden, d.Directives[0].HiddenReason)
		assert.Equal(t, target, d.Directives[0].Target)
	})

	t.Run("counts above hide threshold stay hidden", func(t *testing.T) {
		d := p.DecideReportCount(target, false, GuestInfo{}, 12)
		assert.Equal(t, StatusAutoHidden, d.Status)
	})

	t.Run("hide threshold on anonymous content enforces identifiers", func(t *testing.T) {
		guest := GuestInfo{GuestID: "guest-1", ClientIP: "203.0.113.9"}
		d := p.DecideReportCount(target, true, guest, 5)
		require.Len(t, d.Directives, 3)
		assert.Equal(t, DirectiveHideContent, d.Directives[0].Kind)
		assert.Equal(t, DirectiveSuspendDevice, d.Directives[1].Kind)
		assert.Equal(t, "guest-1", d.Directives[1].GuestID)
		assert.Equal(t, DirectiveBlockIdentifier, d.Directives[2].Kind)
		assert.Equal(t, "203.0.113.9", d.Directives[2].ClientIP)
	})

	t.Run("anonymous content below hide threshold is untouched", func(t *testing.T) {
		guest := GuestInfo{GuestID: "guest-1", ClientIP: "203.0.113.9"}
		d := p.DecideReportCount(target, true, guest, 3)
		assert.Empty(t, d.Directives)
	})

	t.Run("custom thresholds are honored", func(t *testing.T) {
		custom, err := NewPolicy(PolicyConfig{NeedsReviewThreshold: 2, AutoHideThreshold: 2})
		require.NoError(t, err)
		d := custom.DecideReportCount(target, false, GuestInfo{}, 2)
		assert.Equal(t, StatusAutoHidden, d.Status)
	})
}

func TestDecideReportConfirmed(t *testing.T) {
	p := newTestPolicy(t)

	t.Run("authenticated author gets trust penalty", func(t *testing.T) {
		r := &Report{
			ID:              "rep-1",
			TargetType:      TargetPost,
			TargetID:        "post-1",
			ReporterUID:     "reporter",
			TargetAuthorUID: "author",
		}
		d := p.DecideReportConfirmed(r, GuestInfo{})
		assert.Equal(t, StatusConfirmed, d.Status)
		assert.Equal(t, StatusConfirmed, d.ReportStatus)
		require.Len(t, d.Directives, 3)

		assert.Equal(t, DirectiveHideContent, d.Directives[0].Kind)
		assert.Equal(t, HiddenReasonReportConfirmed, d.Directives[0].HiddenReason)

		assert.Equal(t, DirectiveAdjustTrust, d.Directives[1].Kind)
		assert.Equal(t, "author", d.Directives[1].UserID)
		assert.Equal(t, TrustPenaltyConfirmed, d.Directives[1].Delta)

		assert.Equal(t, DirectiveAdjustTrust, d.Directives[2].Kind)
		assert.Equal(t, "reporter", d.Directives[2].UserID)
		assert.Equal(t, TrustRewardReporter, d.Directives[2].Delta)
	})

	t.Run("anonymous author triggers guest enforcement", func(t *testing.T) {
		r := &Report{ID: "rep-2", TargetType: TargetPost, TargetID: "post-2"}
		guest := GuestInfo{GuestID: "guest-9", ClientIP: "203.0.113.4"}
		d := p.DecideReportConfirmed(r, guest)

		kinds := directiveKinds(d)
		assert.Contains(t, kinds, DirectiveSuspendDevice)
		assert.Contains(t, kinds, DirectiveBlockIdentifier)
		assert.NotContains(t, kinds, DirectiveAdjustTrust)
	})

	t.Run("missing guest identifiers yield no enforcement", func(t *testing.T) {
		r := &Report{ID: "rep-3", TargetType: TargetPost, TargetID: "post-3"}
		d := p.DecideReportConfirmed(r, GuestInfo{})
		assert.Equal(t, []DirectiveKind{DirectiveHideContent}, directiveKinds(d))
	})

	t.Run("reply target hides the reply row", func(t *testing.T) {
		r := &Report{
			ID:         "rep-4",
			TargetType: TargetReply,
			TargetID:   "reply-1",
			PostID:     "post-4",
		}
		d := p.DecideReportConfirmed(r, GuestInfo{})
		require.NotEmpty(t, d.Directives)
		assert.Equal(t, ContentRef{Type: TargetReply, PostID: "post-4", ReplyID: "reply-1"}, d.Directives[0].Target)
	})
}

func TestDecideVerdict(t *testing.T) {
	p := newTestPolicy(t)
	target := ContentRef{Type: TargetPost, PostID: "post-1"}

	t.Run("reject hides and enforces guest identifiers", func(t *testing.T) {
		v := Verdict{Recommendation: RecommendationReject, RiskScore: 0.97}
		d := p.DecideVerdict(target, v, true, GuestInfo{GuestID: "g-1", ClientIP: "198.51.100.7"})
		assert.Equal(t, StatusRejected, d.Status)

		kinds := directiveKinds(d)
		assert.Equal(t, []DirectiveKind{DirectiveHideContent, DirectiveSuspendDevice, DirectiveBlockIdentifier}, kinds)
		assert.Equal(t, HiddenReasonOracleReject, d.Directives[0].HiddenReason)
	})

	t.Run("reject on authenticated content skips guest enforcement", func(t *testing.T) {
		v := Verdict{Recommendation: RecommendationReject}
		d := p.DecideVerdict(target, v, false, GuestInfo{GuestID: "g-1", ClientIP: "198.51.100.7"})
		assert.Equal(t, []DirectiveKind{DirectiveHideContent}, directiveKinds(d))
	})

	t.Run("action needed escalates without hiding", func(t *testing.T) {
		d := p.DecideVerdict(target, Verdict{Recommendation: RecommendationActionNeeded}, false, GuestInfo{})
		assert.Equal(t, StatusNeedsReview, d.Status)
		assert.Empty(t, d.Directives)
	})

	t.Run("needs review passes through", func(t *testing.T) {
		d := p.DecideVerdict(target, Verdict{Recommendation: RecommendationNeedsReview}, false, GuestInfo{})
		assert.Equal(t, StatusNeedsReview, d.Status)
		assert.Empty(t, d.Directives)
	})
}

func TestMoreSevere(t *testing.T) {
	tests := []struct {
		a, b, want Status
	}{
		{StatusPending, StatusNeedsReview, StatusNeedsReview},
		{StatusNeedsReview, StatusPending, StatusNeedsReview},
		{StatusAutoHidden, StatusNeedsReview, StatusAutoHidden},
		{StatusConfirmed, StatusAutoHidden, StatusAutoHidden},
		{StatusRejected, StatusAutoHidden, StatusRejected},
		{StatusError, StatusPending, StatusError},
		{StatusError, StatusNeedsReview, StatusNeedsReview},
		{StatusConfirmed, StatusConfirmed, StatusConfirmed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MoreSevere(tt.a, tt.b), "MoreSevere(%s, %s)", tt.a, tt.b)
	}
}

func directiveKinds(d Decision) []DirectiveKind {
	kinds := make([]DirectiveKind, 0, len(d.Directives))
	for _, dir := range d.Directives {
		kinds = append(kinds, dir.Kind)
	}
	return kinds
}
