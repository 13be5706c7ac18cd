package pipeline

import (
	"context"
	"fmt"
	"time"

	"lantern/internal/database/boltstore"
	"lantern/internal/metrics"
	"lantern/internal/moderation"
	"lantern/internal/notify"

	"github.com/rs/zerolog/log"
)

// Actuator executes enforcement directives after the primary event
// transaction has committed. Each directive runs in its own transaction and
// fails in isolation: one broken directive never blocks the rest, and every
// operation is idempotent so redelivered events cannot double-punish.
type Actuator struct {
	store    *boltstore.Store
	notifier notify.Dispatcher
}

// NewActuator builds an actuator over the store. notifier may be nil.
func NewActuator(store *boltstore.Store, notifier notify.Dispatcher) *Actuator {
	return &Actuator{store: store, notifier: notifier}
}

// Execute runs every directive, isolating failures. eventKey scopes the
// idempotency markers of non-idempotent directives to the triggering event.
func (a *Actuator) Execute(ctx context.Context, eventKey string, directives []moderation.Directive) {
	for _, d := range directives {
		if err := a.execute(ctx, eventKey, d); err != nil {
			metrics.DirectivesTotal.WithLabelValues(string(d.Kind), "error").Inc()
			log.Error().Err(err).
				Str("directive", string(d.Kind)).
				Str("event_key", eventKey).
				Msg("actuator: directive failed")
			continue
		}
		metrics.DirectivesTotal.WithLabelValues(string(d.Kind), "ok").Inc()
	}
}

func (a *Actuator) execute(ctx context.Context, eventKey string, d moderation.Directive) error {
	switch d.Kind {
	case moderation.DirectiveHideContent:
		return a.hideContent(ctx, d)
	case moderation.DirectiveAdjustTrust:
		return a.adjustTrust(ctx, eventKey, d)
	case moderation.DirectiveSuspendAccount:
		return a.store.Update(func(tx *boltstore.Tx) error {
			return tx.SuspendUser(d.UserID)
		})
	case moderation.DirectiveSuspendDevice:
		return a.store.Update(func(tx *boltstore.Tx) error {
			return tx.PutSuspendedGuest(moderation.SuspendedGuest{
				GuestID:     d.GuestID,
				Reason:      d.Reason,
				SuspendedAt: time.Now(),
				TriggeredBy: d.TriggeredBy,
			})
		})
	case moderation.DirectiveBlockIdentifier:
		return a.store.Update(func(tx *boltstore.Tx) error {
			return tx.PutBlockedIP(moderation.BlockedIP{
				IP:          d.ClientIP,
				Reason:      d.Reason,
				BlockedAt:   time.Now(),
				TriggeredBy: d.TriggeredBy,
			})
		})
	default:
		return fmt.Errorf("unknown directive kind %q", d.Kind)
	}
}

// hideContent sets hidden and status together in one transaction, keeping
// the rule that hidden content always carries a terminal status.
func (a *Actuator) hideContent(ctx context.Context, d moderation.Directive) error {
	var authorUID string

	err := a.store.Update(func(tx *boltstore.Tx) error {
		now := time.Now()
		switch d.Target.Type {
		case moderation.TargetPost:
			post, err := tx.GetPost(d.Target.PostID)
			if err != nil {
				return err
			}
			if post == nil {
				log.Warn().Str("post_id", d.Target.PostID).Msg("actuator: hide target missing")
				return nil
			}
			authorUID = post.AuthorUID
			post.Hidden = true
			post.HiddenReason = d.HiddenReason
			post.Status = moderation.MoreSevere(post.Status, hideStatus(d.HiddenReason))
			if d.HiddenReason == moderation.HiddenReasonAutoHidden && post.AutoHiddenAt == nil {
				post.AutoHiddenAt = &now
			}
			return tx.PutPost(post)

		case moderation.TargetReply:
			reply, err := tx.GetReply(d.Target.PostID, d.Target.ReplyID)
			if err != nil {
				return err
			}
			if reply == nil {
				log.Warn().Str("post_id", d.Target.PostID).Str("reply_id", d.Target.ReplyID).
					Msg("actuator: hide target missing")
				return nil
			}
			authorUID = reply.AuthorUID
			reply.Hidden = true
			reply.HiddenReason = d.HiddenReason
			reply.Status = moderation.MoreSevere(reply.Status, hideStatus(d.HiddenReason))
			if d.HiddenReason == moderation.HiddenReasonAutoHidden && reply.AutoHiddenAt == nil {
				reply.AutoHiddenAt = &now
			}
			return tx.PutReply(reply)

		default:
			return fmt.Errorf("hide directive with unknown target type %q", d.Target.Type)
		}
	})
	if err != nil {
		return err
	}

	if a.notifier != nil && authorUID != "" {
		a.notifier.Notify(ctx, authorUID, notify.TypeContentHidden, notify.Payload{
			SubjectID: d.Target.Key(),
			Title:     "Your content was hidden",
			Body:      d.HiddenReason,
		})
	}
	return nil
}

// hideStatus maps a hide reason to the status the content settles on.
func hideStatus(reason string) moderation.Status {
	switch reason {
	case moderation.HiddenReasonAutoHidden:
		return moderation.StatusAutoHidden
	case moderation.HiddenReasonOracleReject:
		return moderation.StatusRejected
	default:
		return moderation.StatusConfirmed
	}
}

// adjustTrust applies a trust delta behind its own idempotency marker, since
// repeating a delta is not a no-op. A confirmed-report penalty that drives
// an account to zero escalates to suspension.
func (a *Actuator) adjustTrust(ctx context.Context, eventKey string, d moderation.Directive) error {
	var applied bool
	var newScore float64

	err := a.store.Update(func(tx *boltstore.Tx) error {
		claimed, err := tx.ClaimMarker(fmt.Sprintf("trust/%s/%s", eventKey, d.UserID))
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}

		newScore, err = tx.AdjustTrustScore(d.UserID, d.Delta, d.Reason)
		if err != nil {
			return err
		}
		applied = true

		if newScore == 0 && d.Delta < 0 && d.Reason == moderation.TrustReasonReportConfirmedAuthor {
			log.Warn().Str("user_id", d.UserID).
				Msg("actuator: trust exhausted by confirmed report, suspending account")
			return tx.SuspendUser(d.UserID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if applied {
		metrics.TrustAdjustmentsTotal.WithLabelValues(d.Reason).Inc()
		log.Info().Str("user_id", d.UserID).Float64("delta", d.Delta).
			Float64("score", newScore).Str("reason", d.Reason).
			Msg("actuator: trust adjusted")
	}
	return nil
}
