package moderation

import (
	"fmt"
	"os"
	"strconv"
)

// Trust deltas applied on report confirmation and endorsements.
const (
	TrustPenaltyConfirmed  = -10.0
	TrustRewardReporter    = 1.0
	TrustBonusGuideLantern = 0.5
	TrustBonusReplyLantern = 0.1
)

// Hidden reasons recorded on content.
const (
	HiddenReasonReportConfirmed = "report_confirmed"
	HiddenReasonAutoHidden      = "auto_hidden"
	HiddenReasonOracleReject    = "ai_rejected"
)

// Trust log reasons.
const (
	TrustReasonReportConfirmedAuthor = "report_confirmed_author"
	TrustReasonReportValidReporter   = "report_valid_reporter"
	TrustReasonGuideLantern          = "lantern_received_guide"
	TrustReasonReplyLantern          = "reply_lantern_received"
)

// PolicyConfig carries the report-count thresholds. Thresholds are injected
// at construction so deployments can tune them without a rebuild.
type PolicyConfig struct {
	// NeedsReviewThreshold is the report count at which content and its
	// reports are escalated for human review.
	NeedsReviewThreshold int
	// AutoHideThreshold is the report count at which content is hidden
	// automatically. Must be >= NeedsReviewThreshold.
	AutoHideThreshold int
}

// DefaultPolicyConfig returns the stock thresholds.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		NeedsReviewThreshold: 3,
		AutoHideThreshold:    5,
	}
}

// PolicyConfigFromEnv returns the default config with any threshold
// overrides from the environment applied.
func PolicyConfigFromEnv() PolicyConfig {
	cfg := DefaultPolicyConfig()
	if v := os.Getenv("REPORT_NEEDS_REVIEW_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.NeedsReviewThreshold = n
		}
	}
	if v := os.Getenv("REPORT_AUTO_HIDE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AutoHideThreshold = n
		}
	}
	return cfg
}

// Validate checks that the thresholds are usable.
func (c PolicyConfig) Validate() error {
	if c.NeedsReviewThreshold <= 0 || c.AutoHideThreshold <= 0 {
		return fmt.Errorf("thresholds must be positive: needs_review=%d auto_hide=%d",
			c.NeedsReviewThreshold, c.AutoHideThreshold)
	}
	if c.AutoHideThreshold < c.NeedsReviewThreshold {
		return fmt.Errorf("auto_hide threshold %d below needs_review threshold %d",
			c.AutoHideThreshold, c.NeedsReviewThreshold)
	}
	return nil
}

// DirectiveKind names a side effect the actuator knows how to execute.
type DirectiveKind string

const (
	DirectiveHideContent     DirectiveKind = "hide_content"
	DirectiveAdjustTrust     DirectiveKind = "adjust_trust"
	DirectiveSuspendAccount  DirectiveKind = "suspend_account"
	DirectiveSuspendDevice   DirectiveKind = "suspend_device"
	DirectiveBlockIdentifier DirectiveKind = "block_identifier"
)

// Directive is one enforcement side effect. Fields are populated according
// to Kind; unused fields stay zero.
type Directive struct {
	Kind DirectiveKind

	// HideContent
	Target       ContentRef
	HiddenReason string

	// AdjustTrust, SuspendAccount
	UserID string
	Delta  float64
	Reason string

	// SuspendDevice, BlockIdentifier
	GuestID     string
	ClientIP    string
	TriggeredBy string
}

// Decision is the pure output of the policy engine: the statuses the caller
// should merge into the affected documents plus the side effects to hand to
// the actuator after commit.
type Decision struct {
	// Status to merge into the reported or judged content.
	Status Status
	// ReportStatus to merge into the triggering report(s), when any.
	ReportStatus Status
	// Priority to set on escalated reports.
	Priority string
	// AutoHidden marks reports whose target was hidden by threshold.
	AutoHidden bool
	// Directives for the enforcement actuator.
	Directives []Directive
}

// Policy is the pure threshold policy engine. It reads nothing and writes
// nothing; callers feed it counts and verdicts and apply the Decision.
type Policy struct {
	cfg PolicyConfig
}

// NewPolicy constructs a policy from a validated config.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy config: %w", err)
	}
	return &Policy{cfg: cfg}, nil
}

// Config returns the thresholds the policy was built with.
func (p *Policy) Config() PolicyConfig {
	return p.cfg
}

// DecideReportCount maps a post-increment report count to the statuses and
// side effects it mandates. Crossing the review threshold escalates; crossing
// the hide threshold hides, and for anonymous content also enforces against
// the recorded guest identifiers. Counts between thresholds keep the
// escalated state rather than regressing it.
func (p *Policy) DecideReportCount(target ContentRef, anonymous bool, guest GuestInfo, n int) Decision {
	switch {
	case n >= p.cfg.AutoHideThreshold:
		d := Decision{
			Status:       StatusAutoHidden,
			ReportStatus: StatusNeedsReview,
			Priority:     PriorityHigh,
			AutoHidden:   true,
			Directives: []Directive{{
				Kind:         DirectiveHideContent,
				Target:       target,
				HiddenReason: HiddenReasonAutoHidden,
			}},
		}
		if anonymous {
			d.Directives = append(d.Directives, guestEnforcement(guest, HiddenReasonAutoHidden, target.Key())...)
		}
		return d
	case n >= p.cfg.NeedsReviewThreshold:
		return Decision{
			Status:       StatusNeedsReview,
			ReportStatus: StatusNeedsReview,
			Priority:     PriorityHigh,
		}
	default:
		return Decision{
			Status:       StatusPending,
			ReportStatus: StatusPending,
		}
	}
}

// DecideReportConfirmed maps a reviewer confirmation to its enforcement
// effects: hide the target, penalize the author, reward the reporter, and
// enforce against guest identifiers when the author is anonymous.
func (p *Policy) DecideReportConfirmed(r *Report, guest GuestInfo) Decision {
	d := Decision{
		Status:       StatusConfirmed,
		ReportStatus: StatusConfirmed,
		Directives: []Directive{{
			Kind:         DirectiveHideContent,
			Target:       r.TargetRef(),
			HiddenReason: HiddenReasonReportConfirmed,
		}},
	}
	if r.TargetAuthorUID != "" {
		d.Directives = append(d.Directives, Directive{
			Kind:   DirectiveAdjustTrust,
			UserID: r.TargetAuthorUID,
			Delta:  TrustPenaltyConfirmed,
			Reason: TrustReasonReportConfirmedAuthor,
		})
	} else {
		d.Directives = append(d.Directives, guestEnforcement(guest, HiddenReasonReportConfirmed, r.ID)...)
	}
	if r.ReporterUID != "" {
		d.Directives = append(d.Directives, Directive{
			Kind:   DirectiveAdjustTrust,
			UserID: r.ReporterUID,
			Delta:  TrustRewardReporter,
			Reason: TrustReasonReportValidReporter,
		})
	}
	return d
}

// DecideVerdict maps a normalized oracle verdict on newly created content to
// its pre-publication outcome. A reject verdict on anonymous content also
// enforces against the recorded guest identifiers.
func (p *Policy) DecideVerdict(target ContentRef, v Verdict, anonymous bool, guest GuestInfo) Decision {
	switch v.Recommendation {
	case RecommendationReject:
		d := Decision{
			Status: StatusRejected,
			Directives: []Directive{{
				Kind:         DirectiveHideContent,
				Target:       target,
				HiddenReason: HiddenReasonOracleReject,
			}},
		}
		if anonymous {
			d.Directives = append(d.Directives, guestEnforcement(guest, HiddenReasonOracleReject, target.Key())...)
		}
		return d
	case RecommendationActionNeeded:
		return Decision{Status: StatusNeedsReview}
	default:
		return Decision{Status: StatusNeedsReview}
	}
}

func guestEnforcement(guest GuestInfo, reason, triggeredBy string) []Directive {
	var out []Directive
	if guest.GuestID != "" {
		out = append(out, Directive{
			Kind:        DirectiveSuspendDevice,
			GuestID:     guest.GuestID,
			Reason:      reason,
			TriggeredBy: triggeredBy,
		})
	}
	if guest.ClientIP != "" {
		out = append(out, Directive{
			Kind:        DirectiveBlockIdentifier,
			ClientIP:    guest.ClientIP,
			Reason:      reason,
			TriggeredBy: triggeredBy,
		})
	}
	return out
}
