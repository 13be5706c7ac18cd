package boltstore

import (
	"encoding/json"
	"fmt"
	"time"

	"lantern/internal/moderation"

	bolt "go.etcd.io/bbolt"
)

// Tx is a typed wrapper over a bolt transaction. Accessors return (nil, nil)
// for missing documents so handlers can distinguish absence from failure.
type Tx struct {
	btx *bolt.Tx
}

func (t *Tx) get(bucket []byte, key string, out any) (bool, error) {
	b := t.btx.Bucket(bucket)
	if b == nil {
		return false, fmt.Errorf("bucket not found: %s", bucket)
	}
	data := b.Get([]byte(key))
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (t *Tx) put(bucket []byte, key string, v any) error {
	b := t.btx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket not found: %s", bucket)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", bucket, key, err)
	}
	return b.Put([]byte(key), data)
}

// GetPost returns the post with the given ID, or nil when absent.
func (t *Tx) GetPost(id string) (*moderation.Post, error) {
	var post moderation.Post
	found, err := t.get(BucketPosts, id, &post)
	if err != nil || !found {
		return nil, err
	}
	return &post, nil
}

// PutPost stores the post keyed by its ID.
func (t *Tx) PutPost(post *moderation.Post) error {
	return t.put(BucketPosts, post.ID, post)
}

// GetReply returns the reply addressed by (postID, replyID), or nil.
func (t *Tx) GetReply(postID, replyID string) (*moderation.Reply, error) {
	var reply moderation.Reply
	found, err := t.get(BucketReplies, postID+"/"+replyID, &reply)
	if err != nil || !found {
		return nil, err
	}
	return &reply, nil
}

// PutReply stores the reply keyed by "postID/replyID".
func (t *Tx) PutReply(reply *moderation.Reply) error {
	return t.put(BucketReplies, reply.PostID+"/"+reply.ID, reply)
}

// GetReport returns the report with the given ID, or nil.
func (t *Tx) GetReport(id string) (*moderation.Report, error) {
	var report moderation.Report
	found, err := t.get(BucketReports, id, &report)
	if err != nil || !found {
		return nil, err
	}
	return &report, nil
}

// PutReport stores the report keyed by its ID.
func (t *Tx) PutReport(report *moderation.Report) error {
	return t.put(BucketReports, report.ID, report)
}

// GetUser returns the user with the given ID, or nil.
func (t *Tx) GetUser(id string) (*moderation.User, error) {
	var user moderation.User
	found, err := t.get(BucketUsers, id, &user)
	if err != nil || !found {
		return nil, err
	}
	return &user, nil
}

// PutUser stores the user keyed by its ID.
func (t *Tx) PutUser(user *moderation.User) error {
	return t.put(BucketUsers, user.ID, user)
}

// PutBlockedIP records a network identifier block. Keyed by the IP, so a
// repeat block is an overwrite.
func (t *Tx) PutBlockedIP(entry moderation.BlockedIP) error {
	return t.put(BucketBlockedIPs, entry.IP, entry)
}

// IsIPBlocked checks the enforcement list for a network identifier.
func (t *Tx) IsIPBlocked(ip string) (bool, error) {
	b := t.btx.Bucket(BucketBlockedIPs)
	if b == nil {
		return false, fmt.Errorf("bucket not found: %s", BucketBlockedIPs)
	}
	return b.Get([]byte(ip)) != nil, nil
}

// PutSuspendedGuest records a guest device suspension.
func (t *Tx) PutSuspendedGuest(entry moderation.SuspendedGuest) error {
	return t.put(BucketSuspendedGuests, entry.GuestID, entry)
}

// IsGuestSuspended checks the enforcement list for a guest device.
func (t *Tx) IsGuestSuspended(guestID string) (bool, error) {
	b := t.btx.Bucket(BucketSuspendedGuests)
	if b == nil {
		return false, fmt.Errorf("bucket not found: %s", BucketSuspendedGuests)
	}
	return b.Get([]byte(guestID)) != nil, nil
}

// eventMarker is the value stored for a claimed idempotency key.
type eventMarker struct {
	ClaimedAt time.Time `json:"claimed_at"`
}

// ClaimMarker claims an idempotency key inside the enclosing transaction.
// It returns false when the key was already claimed, meaning the event was
// processed before and the caller must not apply its effects again. The
// claim commits or rolls back together with the rest of the transaction.
func (t *Tx) ClaimMarker(key string) (bool, error) {
	b := t.btx.Bucket(BucketEventMarkers)
	if b == nil {
		return false, fmt.Errorf("bucket not found: %s", BucketEventMarkers)
	}
	if b.Get([]byte(key)) != nil {
		return false, nil
	}
	data, err := json.Marshal(eventMarker{ClaimedAt: time.Now()})
	if err != nil {
		return false, err
	}
	if err := b.Put([]byte(key), data); err != nil {
		return false, err
	}
	return true, nil
}

// AppendTrustLog stores a trust audit entry under a timestamp-ordered key.
func (t *Tx) AppendTrustLog(entry moderation.TrustLogEntry) error {
	key := fmt.Sprintf("%d:%s", entry.CreatedAt.UnixNano(), entry.ID)
	return t.put(BucketTrustAudit, key, entry)
}

// AdjustTrustScore applies a clamped trust delta to the user and appends an
// audit entry in the same transaction. Users never seen before start at the
// default score. A delta clamped to a no-op neither writes the user nor
// appends to the audit log. Returns the resulting score.
func (t *Tx) AdjustTrustScore(userID string, delta float64, reason string) (float64, error) {
	user, err := t.GetUser(userID)
	if err != nil {
		return 0, err
	}
	if user == nil {
		user = &moderation.User{
			ID:         userID,
			TrustScore: moderation.DefaultTrustScore,
			CreatedAt:  time.Now(),
		}
	}

	prev := user.TrustScore
	next := prev + delta
	if next < 0 {
		next = 0
	}
	if next > 100 {
		next = 100
	}
	if next == prev {
		return prev, nil
	}

	user.TrustScore = next
	if err := t.PutUser(user); err != nil {
		return 0, err
	}

	now := time.Now()
	entry := moderation.TrustLogEntry{
		ID:        fmt.Sprintf("%s-%d", userID, now.UnixNano()),
		UserID:    userID,
		Delta:     delta,
		PrevScore: prev,
		NewScore:  next,
		Reason:    reason,
		CreatedAt: now,
	}
	if err := t.AppendTrustLog(entry); err != nil {
		return 0, err
	}
	return next, nil
}

// SuspendUser marks the account suspended. Already-suspended accounts are
// left untouched so the original suspension time survives.
func (t *Tx) SuspendUser(userID string) error {
	user, err := t.GetUser(userID)
	if err != nil {
		return err
	}
	if user == nil {
		user = &moderation.User{
			ID:         userID,
			TrustScore: moderation.DefaultTrustScore,
			CreatedAt:  time.Now(),
		}
	}
	if user.IsSuspended {
		return nil
	}
	now := time.Now()
	user.IsSuspended = true
	user.SuspendedAt = &now
	return t.PutUser(user)
}
