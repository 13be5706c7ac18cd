// Package pipeline is the event-triggered moderation engine. It consumes
// document-write events from the platform stream, guards each one with an
// idempotency marker, mutates aggregate counters transactionally, asks the
// policy engine what the new counts mandate, and hands enforcement side
// effects to the actuator after commit.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"lantern/internal/moderation"
)

// ErrInvalidEvent marks envelopes rejected at the ingestion boundary.
// Consumers use it to tell poison events, which retrying cannot fix, from
// transient handler failures, which must be redelivered.
var ErrInvalidEvent = errors.New("invalid event")

// Event kinds carried on the trigger stream.
const (
	KindReportCreated  = "report_created"
	KindReportUpdated  = "report_updated"
	KindLanternCreated = "lantern_created"
	KindLanternDeleted = "lantern_deleted"
	KindPostCreated    = "post_created"
	KindReplyCreated   = "reply_created"
)

// WantedKinds lists every kind the pipeline subscribes to.
var WantedKinds = []string{
	KindReportCreated,
	KindReportUpdated,
	KindLanternCreated,
	KindLanternDeleted,
	KindPostCreated,
	KindReplyCreated,
}

// Envelope is the wire frame of one trigger event.
type Envelope struct {
	ID      string          `json:"id"`
	TimeUS  int64           `json:"time_us"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Event is a validated, typed trigger event.
type Event interface {
	// Kind returns the event kind string.
	Kind() string
	// DedupeKey returns the idempotency marker key derived from the event's
	// business identity. Redeliveries of the same logical event share a key
	// even when the platform assigns them distinct envelope IDs.
	DedupeKey() string
}

// ReportCreatedEvent carries the newly created report document.
type ReportCreatedEvent struct {
	Report moderation.Report
}

func (ReportCreatedEvent) Kind() string { return KindReportCreated }

func (e ReportCreatedEvent) DedupeKey() string {
	return "reports/created/" + e.Report.ID
}

// ReportUpdatedEvent carries a report status transition.
type ReportUpdatedEvent struct {
	ReportID   string            `json:"report_id"`
	FromStatus moderation.Status `json:"from_status"`
	ToStatus   moderation.Status `json:"to_status"`
	ResolvedBy string            `json:"resolved_by,omitempty"`
}

func (ReportUpdatedEvent) Kind() string { return KindReportUpdated }

func (e ReportUpdatedEvent) DedupeKey() string {
	return fmt.Sprintf("reports/status/%s/%s", e.ReportID, e.ToStatus)
}

// LanternEvent carries an endorsement creation or removal. ReplyID is empty
// for post lanterns.
type LanternEvent struct {
	Deleted bool   `json:"-"`
	PostID  string `json:"post_id"`
	ReplyID string `json:"reply_id,omitempty"`
	UserID  string `json:"user_id"`
}

func (e LanternEvent) Kind() string {
	if e.Deleted {
		return KindLanternDeleted
	}
	return KindLanternCreated
}

func (e LanternEvent) DedupeKey() string {
	op := "created"
	if e.Deleted {
		op = "deleted"
	}
	key := e.PostID
	if e.ReplyID != "" {
		key = e.PostID + "/" + e.ReplyID
	}
	return fmt.Sprintf("lanterns/%s/%s/%s", op, key, e.UserID)
}

// PostCreatedEvent carries the newly created post document.
type PostCreatedEvent struct {
	Post moderation.Post
}

func (PostCreatedEvent) Kind() string { return KindPostCreated }

func (e PostCreatedEvent) DedupeKey() string {
	return "posts/created/" + e.Post.ID
}

// ReplyCreatedEvent carries the newly created reply document.
type ReplyCreatedEvent struct {
	Reply moderation.Reply
}

func (ReplyCreatedEvent) Kind() string { return KindReplyCreated }

func (e ReplyCreatedEvent) DedupeKey() string {
	return fmt.Sprintf("replies/created/%s/%s", e.Reply.PostID, e.Reply.ID)
}

// DecodeEvent validates an envelope at the ingestion boundary and returns
// the typed event. Malformed envelopes are rejected here so handlers only
// ever see structurally sound events.
func DecodeEvent(env Envelope) (Event, error) {
	if env.ID == "" {
		return nil, fmt.Errorf("event missing id")
	}

	switch env.Kind {
	case KindReportCreated:
		var report moderation.Report
		if err := json.Unmarshal(env.Payload, &report); err != nil {
			return nil, fmt.Errorf("invalid report payload: %w", err)
		}
		if report.ID == "" {
			return nil, fmt.Errorf("report event missing report id")
		}
		if err := validateTarget(report.TargetType, report.TargetID, report.PostID); err != nil {
			return nil, err
		}
		return ReportCreatedEvent{Report: report}, nil

	case KindReportUpdated:
		var ev ReportUpdatedEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("invalid report update payload: %w", err)
		}
		if ev.ReportID == "" {
			return nil, fmt.Errorf("report update missing report id")
		}
		switch ev.ToStatus {
		case moderation.StatusConfirmed, moderation.StatusRejected, moderation.StatusNeedsReview:
		default:
			return nil, fmt.Errorf("report update to unsupported status %q", ev.ToStatus)
		}
		return ev, nil

	case KindLanternCreated, KindLanternDeleted:
		var ev LanternEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("invalid lantern payload: %w", err)
		}
		if ev.PostID == "" {
			return nil, fmt.Errorf("lantern event missing post id")
		}
		if ev.UserID == "" {
			return nil, fmt.Errorf("lantern event missing user id")
		}
		ev.Deleted = env.Kind == KindLanternDeleted
		return ev, nil

	case KindPostCreated:
		var post moderation.Post
		if err := json.Unmarshal(env.Payload, &post); err != nil {
			return nil, fmt.Errorf("invalid post payload: %w", err)
		}
		if post.ID == "" {
			return nil, fmt.Errorf("post event missing post id")
		}
		return PostCreatedEvent{Post: post}, nil

	case KindReplyCreated:
		var reply moderation.Reply
		if err := json.Unmarshal(env.Payload, &reply); err != nil {
			return nil, fmt.Errorf("invalid reply payload: %w", err)
		}
		if reply.ID == "" || reply.PostID == "" {
			return nil, fmt.Errorf("reply event missing reply or post id")
		}
		return ReplyCreatedEvent{Reply: reply}, nil

	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
}

func validateTarget(targetType moderation.TargetType, targetID, postID string) error {
	switch targetType {
	case moderation.TargetPost:
		if targetID == "" {
			return fmt.Errorf("report missing target id")
		}
	case moderation.TargetReply:
		if targetID == "" || postID == "" {
			return fmt.Errorf("reply report requires target id and parent post id")
		}
	default:
		return fmt.Errorf("unknown report target type %q", targetType)
	}
	return nil
}
