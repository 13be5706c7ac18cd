package pipeline

import (
	"context"
	"fmt"
	"time"

	"lantern/internal/database/boltstore"
	"lantern/internal/metrics"
	"lantern/internal/moderation"
	"lantern/internal/notify"
	"lantern/internal/oracle"
	"lantern/internal/tracing"

	"github.com/rs/zerolog/log"
)

// Engine processes trigger events. Every handler follows the same shape:
// claim the event's idempotency marker, mutate counters and statuses in the
// same transaction, and hand cross-document side effects to the actuator
// once the transaction has committed. Handlers tolerate redelivery, replay
// and reordering; the marker makes reprocessing a no-op.
type Engine struct {
	store     *boltstore.Store
	policy    *moderation.Policy
	oracle    oracle.Classifier
	actuator  *Actuator
	notifier  notify.Dispatcher
	profanity *moderation.ProfanityFilter
}

// EngineConfig wires the engine's collaborators. Oracle, Notifier and
// Profanity are optional; the engine degrades to counting and thresholds
// without them.
type EngineConfig struct {
	Store     *boltstore.Store
	Policy    *moderation.Policy
	Oracle    oracle.Classifier
	Notifier  notify.Dispatcher
	Profanity *moderation.ProfanityFilter
}

// NewEngine builds an engine and its actuator.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("pipeline: policy is required")
	}
	return &Engine{
		store:     cfg.Store,
		policy:    cfg.Policy,
		oracle:    cfg.Oracle,
		actuator:  NewActuator(cfg.Store, cfg.Notifier),
		notifier:  cfg.Notifier,
		profanity: cfg.Profanity,
	}, nil
}

// HandleEvent validates and processes one envelope. Validation failures are
// returned to the caller and never reach a handler.
func (e *Engine) HandleEvent(ctx context.Context, env Envelope) error {
	event, err := DecodeEvent(env)
	if err != nil {
		metrics.EventsTotal.WithLabelValues(env.Kind, metrics.OutcomeInvalid).Inc()
		return fmt.Errorf("pipeline: rejected event %s: %w: %w", env.ID, ErrInvalidEvent, err)
	}

	ctx, span := tracing.EventSpan(ctx, event.Kind(), env.ID)
	defer span.End()

	start := time.Now()
	outcome, err := e.dispatch(ctx, event)
	metrics.EventProcessingDuration.WithLabelValues(event.Kind()).Observe(time.Since(start).Seconds())
	metrics.EventsTotal.WithLabelValues(event.Kind(), outcome).Inc()
	tracing.EndWithError(span, err)

	if err != nil {
		return fmt.Errorf("pipeline: %s handler: %w", event.Kind(), err)
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, event Event) (string, error) {
	var duplicate bool
	var err error

	switch ev := event.(type) {
	case ReportCreatedEvent:
		duplicate, err = e.handleReportCreated(ctx, ev)
	case ReportUpdatedEvent:
		duplicate, err = e.handleReportUpdated(ctx, ev)
	case LanternEvent:
		duplicate, err = e.handleLantern(ctx, ev)
	case PostCreatedEvent:
		duplicate, err = e.handlePostCreated(ctx, ev)
	case ReplyCreatedEvent:
		duplicate, err = e.handleReplyCreated(ctx, ev)
	default:
		return metrics.OutcomeError, fmt.Errorf("no handler for event kind %q", event.Kind())
	}

	switch {
	case err != nil:
		return metrics.OutcomeError, err
	case duplicate:
		log.Debug().Str("dedupe_key", event.DedupeKey()).Msg("pipeline: duplicate event skipped")
		return metrics.OutcomeDuplicate, nil
	default:
		return metrics.OutcomeProcessed, nil
	}
}

// handleReportCreated persists the report, bumps the target's report count
// and applies whatever the thresholds mandate. Counter, marker and status
// all commit in one transaction.
func (e *Engine) handleReportCreated(ctx context.Context, ev ReportCreatedEvent) (bool, error) {
	var duplicate, hid bool
	var authorUID string
	var directives []moderation.Directive

	err := e.store.Update(func(tx *boltstore.Tx) error {
		claimed, err := tx.ClaimMarker(ev.DedupeKey())
		if err != nil {
			return err
		}
		if !claimed {
			duplicate = true
			return nil
		}

		report := ev.Report
		existing, err := tx.GetReport(report.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			report = *existing
		} else {
			if report.Status == "" {
				report.Status = moderation.StatusPending
			}
			if report.Priority == "" {
				report.Priority = moderation.PriorityNormal
			}
			if report.CreatedAt.IsZero() {
				report.CreatedAt = time.Now()
			}
		}

		var decision moderation.Decision
		now := time.Now()

		switch report.TargetType {
		case moderation.TargetPost:
			post, err := tx.GetPost(report.TargetID)
			if err != nil {
				return err
			}
			if post == nil {
				// Target already deleted. The marker stays claimed so a
				// redelivery cannot count against a recreated document.
				log.Warn().Str("post_id", report.TargetID).Msg("pipeline: reported post missing")
				return tx.PutReport(&report)
			}
			post.ReportCount++
			post.LastReportedAt = &now
			decision = e.policy.DecideReportCount(post.Ref(), post.IsAnonymous(), post.Guest(), post.ReportCount)
			post.Status = moderation.MoreSevere(post.Status, decision.Status)
			if decision.AutoHidden && !post.Hidden {
				post.Hidden = true
				post.HiddenReason = moderation.HiddenReasonAutoHidden
				post.AutoHiddenAt = &now
				hid = true
			}
			authorUID = post.AuthorUID
			if err := tx.PutPost(post); err != nil {
				return err
			}

		case moderation.TargetReply:
			reply, err := tx.GetReply(report.PostID, report.TargetID)
			if err != nil {
				return err
			}
			if reply == nil {
				log.Warn().Str("post_id", report.PostID).Str("reply_id", report.TargetID).
					Msg("pipeline: reported reply missing")
				return tx.PutReport(&report)
			}
			reply.ReportCount++
			decision = e.policy.DecideReportCount(reply.Ref(), reply.IsAnonymous(), reply.Guest(), reply.ReportCount)
			reply.Status = moderation.MoreSevere(reply.Status, decision.Status)
			if decision.AutoHidden && !reply.Hidden {
				reply.Hidden = true
				reply.HiddenReason = moderation.HiddenReasonAutoHidden
				reply.AutoHiddenAt = &now
				hid = true
			}
			authorUID = reply.AuthorUID
			if err := tx.PutReply(reply); err != nil {
				return err
			}
		}

		report.Status = moderation.MoreSevere(report.Status, decision.ReportStatus)
		if decision.Priority != "" {
			report.Priority = decision.Priority
		}
		if decision.AutoHidden {
			report.AutoHidden = true
		}
		// The hide itself commits with the counter above; only the remaining
		// enforcement (guest suspension, IP block on anonymous auto-hide)
		// goes to the actuator.
		for _, d := range decision.Directives {
			if d.Kind != moderation.DirectiveHideContent {
				directives = append(directives, d)
			}
		}
		return tx.PutReport(&report)
	})
	if err != nil || duplicate {
		return duplicate, err
	}

	e.actuator.Execute(ctx, ev.DedupeKey(), directives)

	if hid && e.notifier != nil && authorUID != "" {
		e.notifier.Notify(ctx, authorUID, notify.TypeContentHidden, notify.Payload{
			SubjectID: ev.Report.TargetRef().Key(),
			Title:     "Your content was hidden",
			Body:      moderation.HiddenReasonAutoHidden,
		})
	}
	return false, nil
}

// handleReportUpdated applies a reviewer's resolution. Confirmation fans out
// to enforcement through the actuator; rejection only settles the report.
func (e *Engine) handleReportUpdated(ctx context.Context, ev ReportUpdatedEvent) (bool, error) {
	var duplicate bool
	var directives []moderation.Directive
	var reporterUID string

	err := e.store.Update(func(tx *boltstore.Tx) error {
		claimed, err := tx.ClaimMarker(ev.DedupeKey())
		if err != nil {
			return err
		}
		if !claimed {
			duplicate = true
			return nil
		}

		report, err := tx.GetReport(ev.ReportID)
		if err != nil {
			return err
		}
		if report == nil {
			log.Warn().Str("report_id", ev.ReportID).Msg("pipeline: updated report missing")
			return nil
		}
		reporterUID = report.ReporterUID

		now := time.Now()
		switch ev.ToStatus {
		case moderation.StatusConfirmed:
			guest := moderation.GuestInfo{}
			switch report.TargetType {
			case moderation.TargetPost:
				if post, err := tx.GetPost(report.TargetID); err != nil {
					return err
				} else if post != nil {
					guest = post.Guest()
					if report.TargetAuthorUID == "" {
						report.TargetAuthorUID = post.AuthorUID
					}
				}
			case moderation.TargetReply:
				if reply, err := tx.GetReply(report.PostID, report.TargetID); err != nil {
					return err
				} else if reply != nil {
					guest = reply.Guest()
					if report.TargetAuthorUID == "" {
						report.TargetAuthorUID = reply.AuthorUID
					}
				}
			}

			decision := e.policy.DecideReportConfirmed(report, guest)
			directives = decision.Directives
			report.Status = moderation.StatusConfirmed

		case moderation.StatusRejected:
			// Manual reviewer rejection is the one transition allowed to
			// move against the severity order.
			report.Status = moderation.StatusRejected

		default:
			report.Status = moderation.MoreSevere(report.Status, ev.ToStatus)
		}

		if ev.ResolvedBy != "" {
			report.ResolvedBy = ev.ResolvedBy
			report.ResolvedAt = &now
		}
		return tx.PutReport(report)
	})
	if err != nil || duplicate {
		return duplicate, err
	}

	e.actuator.Execute(ctx, ev.DedupeKey(), directives)

	if e.notifier != nil && reporterUID != "" &&
		(ev.ToStatus == moderation.StatusConfirmed || ev.ToStatus == moderation.StatusRejected) {
		e.notifier.Notify(ctx, reporterUID, notify.TypeReportResolved, notify.Payload{
			SubjectID: ev.ReportID,
			Title:     "Your report was reviewed",
			Body:      string(ev.ToStatus),
		})
	}
	return false, nil
}

// handleLantern adjusts endorsement counters and grants the original
// author their trust bonus inside the same guarded transaction.
func (e *Engine) handleLantern(ctx context.Context, ev LanternEvent) (bool, error) {
	var duplicate bool
	var authorUID string

	delta := 1
	if ev.Deleted {
		delta = -1
	}

	err := e.store.Update(func(tx *boltstore.Tx) error {
		claimed, err := tx.ClaimMarker(ev.DedupeKey())
		if err != nil {
			return err
		}
		if !claimed {
			duplicate = true
			return nil
		}

		if ev.ReplyID == "" {
			post, err := tx.GetPost(ev.PostID)
			if err != nil {
				return err
			}
			if post == nil {
				log.Warn().Str("post_id", ev.PostID).Msg("pipeline: lantern target missing")
				return nil
			}
			post.LanternCount += delta
			if post.LanternCount < 0 {
				post.LanternCount = 0
			}
			if err := tx.PutPost(post); err != nil {
				return err
			}
			authorUID = post.AuthorUID

			if !ev.Deleted && post.IsGuide() && post.AuthorUID != "" && post.AuthorUID != ev.UserID {
				if _, err := tx.AdjustTrustScore(post.AuthorUID,
					moderation.TrustBonusGuideLantern, moderation.TrustReasonGuideLantern); err != nil {
					return err
				}
			}
			return nil
		}

		reply, err := tx.GetReply(ev.PostID, ev.ReplyID)
		if err != nil {
			return err
		}
		if reply == nil {
			log.Warn().Str("post_id", ev.PostID).Str("reply_id", ev.ReplyID).
				Msg("pipeline: lantern target missing")
			return nil
		}
		reply.LanternCount += delta
		if reply.LanternCount < 0 {
			reply.LanternCount = 0
		}
		if err := tx.PutReply(reply); err != nil {
			return err
		}
		authorUID = reply.AuthorUID

		if !ev.Deleted && reply.AuthorUID != "" && reply.AuthorUID != ev.UserID {
			if _, err := tx.AdjustTrustScore(reply.AuthorUID,
				moderation.TrustBonusReplyLantern, moderation.TrustReasonReplyLantern); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || duplicate {
		return duplicate, err
	}

	if !ev.Deleted && e.notifier != nil && authorUID != "" && authorUID != ev.UserID {
		subject := ev.PostID
		if ev.ReplyID != "" {
			subject = ev.PostID + "/" + ev.ReplyID
		}
		e.notifier.Notify(ctx, authorUID, notify.TypeLanternReceived, notify.Payload{
			SubjectID: subject,
			Title:     "Someone lit a lantern for you",
		})
	}
	return false, nil
}

// handlePostCreated persists the post, runs the profanity gate and, for
// anonymous content, the pre-publication identifier gate and oracle review.
func (e *Engine) handlePostCreated(ctx context.Context, ev PostCreatedEvent) (bool, error) {
	var duplicate, needsOracle bool

	var profaneWord string
	var profane bool
	if e.profanity != nil {
		profaneWord, profane = e.profanity.Find(ctx, ev.Post.Title+" "+ev.Post.Content)
	}

	err := e.store.Update(func(tx *boltstore.Tx) error {
		claimed, err := tx.ClaimMarker(ev.DedupeKey())
		if err != nil {
			return err
		}
		if !claimed {
			duplicate = true
			return nil
		}

		post := ev.Post
		if existing, err := tx.GetPost(post.ID); err != nil {
			return err
		} else if existing != nil {
			post = *existing
		}
		if post.Status == "" {
			post.Status = moderation.StatusPending
		}
		if post.CreatedAt.IsZero() {
			post.CreatedAt = time.Now()
		}

		if profane && !post.Hidden {
			post.Hidden = true
			post.HiddenReason = "profanity_filter:" + profaneWord
			post.Status = moderation.MoreSevere(post.Status, moderation.StatusAutoHidden)
		}

		if post.IsAnonymous() {
			rejected, err := e.applyIdentifierGate(tx, postGate{post: &post})
			if err != nil {
				return err
			}
			needsOracle = !rejected && e.oracle != nil
		}

		return tx.PutPost(&post)
	})
	if err != nil || duplicate {
		return duplicate, err
	}

	if !needsOracle {
		return false, nil
	}
	return false, e.moderateContent(ctx, ev.Post.Ref(), oracle.Request{
		ContentID:   ev.Post.ID,
		ContentType: "post",
		Title:       ev.Post.Title,
		Content:     ev.Post.Content,
		Tags:        ev.Post.Tags,
		GuestID:     ev.Post.GuestID,
	}, ev.Post.Guest())
}

// handleReplyCreated mirrors post creation for reply rows.
func (e *Engine) handleReplyCreated(ctx context.Context, ev ReplyCreatedEvent) (bool, error) {
	var duplicate, needsOracle bool

	var profaneWord string
	var profane bool
	if e.profanity != nil {
		profaneWord, profane = e.profanity.Find(ctx, ev.Reply.Content)
	}

	err := e.store.Update(func(tx *boltstore.Tx) error {
		claimed, err := tx.ClaimMarker(ev.DedupeKey())
		if err != nil {
			return err
		}
		if !claimed {
			duplicate = true
			return nil
		}

		reply := ev.Reply
		if existing, err := tx.GetReply(reply.PostID, reply.ID); err != nil {
			return err
		} else if existing != nil {
			reply = *existing
		}
		if reply.Status == "" {
			reply.Status = moderation.StatusPending
		}
		if reply.CreatedAt.IsZero() {
			reply.CreatedAt = time.Now()
		}

		if profane && !reply.Hidden {
			reply.Hidden = true
			reply.HiddenReason = "profanity_filter:" + profaneWord
			reply.Status = moderation.MoreSevere(reply.Status, moderation.StatusAutoHidden)
		}

		if reply.IsAnonymous() {
			rejected, err := e.applyIdentifierGate(tx, replyGate{reply: &reply})
			if err != nil {
				return err
			}
			needsOracle = !rejected && e.oracle != nil
		}

		return tx.PutReply(&reply)
	})
	if err != nil || duplicate {
		return duplicate, err
	}

	if !needsOracle {
		return false, nil
	}
	return false, e.moderateContent(ctx, ev.Reply.Ref(), oracle.Request{
		ContentID:   ev.Reply.ID,
		ContentType: "reply",
		Content:     ev.Reply.Content,
		GuestID:     ev.Reply.GuestID,
	}, ev.Reply.Guest())
}

// gated abstracts the fields the identifier gate touches on posts and replies.
type postGate struct{ post *moderation.Post }
type replyGate struct{ reply *moderation.Reply }

type gated interface {
	guest() moderation.GuestInfo
	reject(summary string)
}

func (g postGate) guest() moderation.GuestInfo { return g.post.Guest() }
func (g postGate) reject(summary string) {
	g.post.Status = moderation.StatusRejected
	g.post.Hidden = true
	g.post.HiddenReason = "blocked_identifier"
	g.post.Moderation = &moderation.VerdictRecord{
		Verdict: moderation.Verdict{
			Summary:        summary,
			Recommendation: moderation.RecommendationReject,
			RiskScore:      1,
			Rationale:      "author identifier is on an enforcement list",
		},
		ModeratedAt: time.Now(),
	}
}

func (g replyGate) guest() moderation.GuestInfo { return g.reply.Guest() }
func (g replyGate) reject(summary string) {
	g.reply.Status = moderation.StatusRejected
	g.reply.Hidden = true
	g.reply.HiddenReason = "blocked_identifier"
	g.reply.Moderation = &moderation.VerdictRecord{
		Verdict: moderation.Verdict{
			Summary:        summary,
			Recommendation: moderation.RecommendationReject,
			RiskScore:      1,
			Rationale:      "author identifier is on an enforcement list",
		},
		ModeratedAt: time.Now(),
	}
}

// applyIdentifierGate rejects anonymous content from an already-blocked IP
// or suspended guest before any oracle call is spent on it.
func (e *Engine) applyIdentifierGate(tx *boltstore.Tx, g gated) (bool, error) {
	guest := g.guest()

	if guest.ClientIP != "" {
		blocked, err := tx.IsIPBlocked(guest.ClientIP)
		if err != nil {
			return false, err
		}
		if blocked {
			g.reject("network identifier is blocked")
			return true, nil
		}
	}
	if guest.GuestID != "" {
		suspended, err := tx.IsGuestSuspended(guest.GuestID)
		if err != nil {
			return false, err
		}
		if suspended {
			g.reject("guest device is suspended")
			return true, nil
		}
	}
	return false, nil
}

// moderateContent calls the oracle outside any store transaction and applies
// the verdict in a follow-up transaction. Oracle failure marks the content
// errored and changes nothing else; it never rejects.
func (e *Engine) moderateContent(ctx context.Context, ref moderation.ContentRef, req oracle.Request, guest moderation.GuestInfo) error {
	octx, span := tracing.OracleSpan(ctx, req.ContentType, req.ContentID)
	verdict, err := e.oracle.Classify(octx, req)
	tracing.EndWithError(span, err)
	span.End()

	if err != nil {
		log.Error().Err(err).Str("content_id", req.ContentID).
			Msg("pipeline: oracle failed, marking content errored")
		return e.store.Update(func(tx *boltstore.Tx) error {
			return e.mutateContent(tx, ref, func(status *moderation.Status, _ **moderation.VerdictRecord) {
				*status = moderation.MoreSevere(*status, moderation.StatusError)
			})
		})
	}

	decision := e.policy.DecideVerdict(ref, *verdict, true, guest)
	record := &moderation.VerdictRecord{Verdict: *verdict, ModeratedAt: time.Now()}

	err = e.store.Update(func(tx *boltstore.Tx) error {
		return e.mutateContent(tx, ref, func(status *moderation.Status, rec **moderation.VerdictRecord) {
			*status = moderation.MoreSevere(*status, decision.Status)
			*rec = record
		})
	})
	if err != nil {
		return err
	}

	e.actuator.Execute(ctx, "verdict/"+ref.Key(), decision.Directives)
	return nil
}

// mutateContent loads the referenced post or reply, applies fn to its status
// and moderation record, and writes it back.
func (e *Engine) mutateContent(tx *boltstore.Tx, ref moderation.ContentRef, fn func(*moderation.Status, **moderation.VerdictRecord)) error {
	switch ref.Type {
	case moderation.TargetPost:
		post, err := tx.GetPost(ref.PostID)
		if err != nil {
			return err
		}
		if post == nil {
			return nil
		}
		fn(&post.Status, &post.Moderation)
		return tx.PutPost(post)
	case moderation.TargetReply:
		reply, err := tx.GetReply(ref.PostID, ref.ReplyID)
		if err != nil {
			return err
		}
		if reply == nil {
			return nil
		}
		fn(&reply.Status, &reply.Moderation)
		return tx.PutReply(reply)
	default:
		return fmt.Errorf("unknown content ref type %q", ref.Type)
	}
}
