package moderation

import "time"

// Status is the moderation status of a content item or report.
type Status string

const (
	StatusPending     Status = "pending"
	StatusNeedsReview Status = "needs_review"
	StatusConfirmed   Status = "confirmed"
	StatusAutoHidden  Status = "auto_hidden"
	StatusRejected    Status = "rejected"
	StatusError       Status = "error"
)

// statusSeverity orders statuses for automatic transitions. Automatic paths
// only ever move a status toward a more severe value; manual reviewer
// resolution is the one override.
var statusSeverity = map[Status]int{
	StatusPending:     0,
	StatusError:       1,
	StatusNeedsReview: 2,
	StatusConfirmed:   3,
	StatusAutoHidden:  4,
	StatusRejected:    5,
}

// MoreSevere returns whichever of the two statuses ranks higher. When the
// report-count path and the oracle path race on the same content, the more
// severe outcome wins.
func MoreSevere(a, b Status) Status {
	if statusSeverity[b] > statusSeverity[a] {
		return b
	}
	return a
}

// TargetType identifies what kind of content a report or directive points at.
type TargetType string

const (
	TargetPost  TargetType = "post"
	TargetReply TargetType = "reply"
)

// ContentRef addresses a post or a reply. ReplyID is empty for posts; replies
// are addressed by (PostID, ReplyID).
type ContentRef struct {
	Type    TargetType `json:"type"`
	PostID  string     `json:"post_id"`
	ReplyID string     `json:"reply_id,omitempty"`
}

// Key returns the storage key for the referenced content.
func (r ContentRef) Key() string {
	if r.Type == TargetReply {
		return r.PostID + "/" + r.ReplyID
	}
	return r.PostID
}

// GuestInfo carries the network and device identifiers recorded on anonymous
// content at creation time. Enforcement against anonymous authors uses these,
// never an account identity.
type GuestInfo struct {
	GuestID  string `json:"guest_id,omitempty"`
	ClientIP string `json:"client_ip,omitempty"`
}

// Recommendation is the oracle's judgement of a piece of content.
type Recommendation string

const (
	RecommendationReject       Recommendation = "reject"
	RecommendationNeedsReview  Recommendation = "needs_review"
	RecommendationActionNeeded Recommendation = "action_needed"
)

// Verdict is a normalized oracle response. RiskScore is in [0, 1] and
// Recommendation is one of the known values by the time a Verdict reaches
// the policy engine.
type Verdict struct {
	Summary        string         `json:"summary"`
	Recommendation Recommendation `json:"recommendation"`
	RiskScore      float64        `json:"risk_score"`
	Rationale      string         `json:"rationale"`
	Flags          []string       `json:"flags,omitempty"`
}

// VerdictRecord is an oracle verdict as persisted on the content it judged.
type VerdictRecord struct {
	Verdict
	ModeratedAt time.Time `json:"moderated_at"`
}

// Post is a top-level content item.
type Post struct {
	ID        string   `json:"id"`
	AuthorUID string   `json:"author_uid,omitempty"`
	Title     string   `json:"title,omitempty"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags,omitempty"`
	Type      string   `json:"type,omitempty"`

	// Guest identifiers, set only on anonymous posts.
	GuestID  string `json:"guest_id,omitempty"`
	ClientIP string `json:"client_ip,omitempty"`

	ReportCount  int `json:"report_count"`
	LanternCount int `json:"lantern_count"`

	Status       Status     `json:"status"`
	Hidden       bool       `json:"hidden"`
	HiddenReason string     `json:"hidden_reason,omitempty"`
	AutoHiddenAt *time.Time `json:"auto_hidden_at,omitempty"`

	LastReportedAt *time.Time     `json:"last_reported_at,omitempty"`
	Moderation     *VerdictRecord `json:"moderation,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// IsGuide reports whether the post is a guide post, which earns its author a
// trust bonus for each lantern received.
func (p *Post) IsGuide() bool {
	return p.Type == "guide"
}

// IsAnonymous reports whether the post was created without an account.
func (p *Post) IsAnonymous() bool {
	return p.AuthorUID == ""
}

// Ref returns the content reference for the post.
func (p *Post) Ref() ContentRef {
	return ContentRef{Type: TargetPost, PostID: p.ID}
}

// Guest returns the guest identifiers recorded on the post.
func (p *Post) Guest() GuestInfo {
	return GuestInfo{GuestID: p.GuestID, ClientIP: p.ClientIP}
}

// Reply is a nested content item addressed by (PostID, ReplyID).
type Reply struct {
	ID        string `json:"id"`
	PostID    string `json:"post_id"`
	AuthorUID string `json:"author_uid,omitempty"`
	Content   string `json:"content"`

	GuestID  string `json:"guest_id,omitempty"`
	ClientIP string `json:"client_ip,omitempty"`

	ReportCount  int `json:"report_count"`
	LanternCount int `json:"lantern_count"`

	Status       Status     `json:"status"`
	Hidden       bool       `json:"hidden"`
	HiddenReason string     `json:"hidden_reason,omitempty"`
	AutoHiddenAt *time.Time `json:"auto_hidden_at,omitempty"`

	Moderation *VerdictRecord `json:"moderation,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// IsAnonymous reports whether the reply was created without an account.
func (r *Reply) IsAnonymous() bool {
	return r.AuthorUID == ""
}

// Ref returns the content reference for the reply.
func (r *Reply) Ref() ContentRef {
	return ContentRef{Type: TargetReply, PostID: r.PostID, ReplyID: r.ID}
}

// Guest returns the guest identifiers recorded on the reply.
func (r *Reply) Guest() GuestInfo {
	return GuestInfo{GuestID: r.GuestID, ClientIP: r.ClientIP}
}

// Report priorities.
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Report is a user report against a post or reply.
type Report struct {
	ID              string     `json:"id"`
	TargetType      TargetType `json:"target_type"`
	TargetID        string     `json:"target_id"`
	PostID          string     `json:"post_id,omitempty"` // parent post, set for reply targets
	ReporterUID     string     `json:"reporter_uid,omitempty"`
	TargetAuthorUID string     `json:"target_author_uid,omitempty"`
	Reasons         []string   `json:"reasons,omitempty"`
	Details         string     `json:"details,omitempty"`

	Status     Status `json:"status"`
	Priority   string `json:"priority,omitempty"`
	AutoHidden bool   `json:"auto_hidden,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// TargetRef returns the content reference the report points at.
func (r *Report) TargetRef() ContentRef {
	if r.TargetType == TargetReply {
		return ContentRef{Type: TargetReply, PostID: r.PostID, ReplyID: r.TargetID}
	}
	return ContentRef{Type: TargetPost, PostID: r.TargetID}
}

// DefaultTrustScore is assumed for users whose score was never adjusted.
const DefaultTrustScore = 30.0

// User holds the account state the pipeline mutates. TrustScore is fractional
// to carry the small endorsement bonuses and always stays in [0, 100].
type User struct {
	ID          string     `json:"id"`
	Nickname    string     `json:"nickname,omitempty"`
	TrustScore  float64    `json:"trust_score"`
	IsSuspended bool       `json:"is_suspended"`
	SuspendedAt *time.Time `json:"suspended_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TrustLogEntry is one applied trust-score delta. Entries are append-only and
// written in the same transaction as the score change.
type TrustLogEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Delta     float64   `json:"delta"`
	PrevScore float64   `json:"prev_score"`
	NewScore  float64   `json:"new_score"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// BlockedIP is an enforcement record for a network identifier. Keyed by the
// IP itself, so re-blocking is a harmless overwrite.
type BlockedIP struct {
	IP          string    `json:"ip"`
	Reason      string    `json:"reason"`
	BlockedAt   time.Time `json:"blocked_at"`
	TriggeredBy string    `json:"triggered_by,omitempty"`
}

// SuspendedGuest is an enforcement record for an anonymous device identifier.
type SuspendedGuest struct {
	GuestID     string    `json:"guest_id"`
	Reason      string    `json:"reason"`
	SuspendedAt time.Time `json:"suspended_at"`
	TriggeredBy string    `json:"triggered_by,omitempty"`
}
