package boltstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"lantern/internal/moderation"

	bolt "go.etcd.io/bbolt"
)

// GetPost retrieves a post by ID, or nil when absent.
func (s *Store) GetPost(ctx context.Context, id string) (*moderation.Post, error) {
	var post *moderation.Post
	err := s.View(func(tx *Tx) error {
		var err error
		post, err = tx.GetPost(id)
		return err
	})
	return post, err
}

// GetReply retrieves a reply by (postID, replyID), or nil when absent.
func (s *Store) GetReply(ctx context.Context, postID, replyID string) (*moderation.Reply, error) {
	var reply *moderation.Reply
	err := s.View(func(tx *Tx) error {
		var err error
		reply, err = tx.GetReply(postID, replyID)
		return err
	})
	return reply, err
}

// GetReport retrieves a report by ID, or nil when absent.
func (s *Store) GetReport(ctx context.Context, id string) (*moderation.Report, error) {
	var report *moderation.Report
	err := s.View(func(tx *Tx) error {
		var err error
		report, err = tx.GetReport(id)
		return err
	})
	return report, err
}

// GetUser retrieves a user by ID, or nil when absent.
func (s *Store) GetUser(ctx context.Context, id string) (*moderation.User, error) {
	var user *moderation.User
	err := s.View(func(tx *Tx) error {
		var err error
		user, err = tx.GetUser(id)
		return err
	})
	return user, err
}

// IsIPBlocked checks the enforcement list for a network identifier.
func (s *Store) IsIPBlocked(ctx context.Context, ip string) (bool, error) {
	var blocked bool
	err := s.View(func(tx *Tx) error {
		var err error
		blocked, err = tx.IsIPBlocked(ip)
		return err
	})
	return blocked, err
}

// IsGuestSuspended checks the enforcement list for a guest device.
func (s *Store) IsGuestSuspended(ctx context.Context, guestID string) (bool, error) {
	var suspended bool
	err := s.View(func(tx *Tx) error {
		var err error
		suspended, err = tx.IsGuestSuspended(guestID)
		return err
	})
	return suspended, err
}

// ListPendingReports returns all reports awaiting review, meaning any report
// not yet resolved by a reviewer.
func (s *Store) ListPendingReports(ctx context.Context) ([]moderation.Report, error) {
	var reports []moderation.Report

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketReports)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var report moderation.Report
			if err := json.Unmarshal(v, &report); err != nil {
				return err
			}
			switch report.Status {
			case moderation.StatusPending, moderation.StatusNeedsReview:
				reports = append(reports, report)
			}
			return nil
		})
	})

	return reports, err
}

// ListAllReports returns all reports regardless of status.
func (s *Store) ListAllReports(ctx context.Context) ([]moderation.Report, error) {
	var reports []moderation.Report

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketReports)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var report moderation.Report
			if err := json.Unmarshal(v, &report); err != nil {
				return err
			}
			reports = append(reports, report)
			return nil
		})
	})

	return reports, err
}

// CountReportsFromReporterSince counts reports a reporter submitted after the
// given time. Used to rate limit report submission per account.
func (s *Store) CountReportsFromReporterSince(ctx context.Context, reporterUID string, since time.Time) (int, error) {
	count := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketReports)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var report moderation.Report
			if err := json.Unmarshal(v, &report); err != nil {
				return err
			}
			if report.ReporterUID == reporterUID && report.CreatedAt.After(since) {
				count++
			}
			return nil
		})
	})

	return count, err
}

// HasReportedTarget reports whether the reporter already has a report against
// the given content.
func (s *Store) HasReportedTarget(ctx context.Context, reporterUID string, ref moderation.ContentRef) (bool, error) {
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketReports)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var report moderation.Report
			if err := json.Unmarshal(v, &report); err != nil {
				return err
			}
			if report.ReporterUID == reporterUID && report.TargetRef() == ref {
				found = true
			}
			return nil
		})
	})

	return found, err
}

// ListBlockedIPs returns all blocked network identifiers.
func (s *Store) ListBlockedIPs(ctx context.Context) ([]moderation.BlockedIP, error) {
	var entries []moderation.BlockedIP

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketBlockedIPs)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var entry moderation.BlockedIP
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})

	return entries, err
}

// ListSuspendedGuests returns all suspended guest devices.
func (s *Store) ListSuspendedGuests(ctx context.Context) ([]moderation.SuspendedGuest, error) {
	var entries []moderation.SuspendedGuest

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketSuspendedGuests)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var entry moderation.SuspendedGuest
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})

	return entries, err
}

// ListTrustLog returns the most recent trust audit entries, optionally
// filtered to one user. Entries are returned newest first.
func (s *Store) ListTrustLog(ctx context.Context, userID string, limit int) ([]moderation.TrustLogEntry, error) {
	var entries []moderation.TrustLogEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketTrustAudit)
		if bucket == nil {
			return nil
		}

		// Keys are "unixnano:id", so a reverse cursor walk is newest first.
		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil && len(entries) < limit; k, v = cursor.Prev() {
			var entry moderation.TrustLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if userID != "" && entry.UserID != userID {
				continue
			}
			entries = append(entries, entry)
		}

		return nil
	})

	return entries, err
}

// CountPendingReports returns the number of reports awaiting review.
func (s *Store) CountPendingReports(ctx context.Context) int {
	reports, err := s.ListPendingReports(ctx)
	if err != nil {
		return -1
	}
	return len(reports)
}

// CountHiddenPosts returns the number of posts currently hidden.
func (s *Store) CountHiddenPosts(ctx context.Context) int {
	count := -1

	s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketPosts)
		if bucket == nil {
			return nil
		}

		count = 0
		return bucket.ForEach(func(k, v []byte) error {
			var post moderation.Post
			if err := json.Unmarshal(v, &post); err != nil {
				return nil
			}
			if post.Hidden {
				count++
			}
			return nil
		})
	})

	return count
}

// CountBlockedIPs returns the size of the blocked IP list.
func (s *Store) CountBlockedIPs(ctx context.Context) int {
	return s.bucketKeyCount(BucketBlockedIPs)
}

// CountSuspendedGuests returns the size of the suspended guest list.
func (s *Store) CountSuspendedGuests(ctx context.Context) int {
	return s.bucketKeyCount(BucketSuspendedGuests)
}

func (s *Store) bucketKeyCount(name []byte) int {
	count := -1

	s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(name)
		if bucket == nil {
			return nil
		}
		count = bucket.Stats().KeyN
		return nil
	})

	return count
}

var cursorKey = []byte("consumer_cursor")

// GetCursor returns the persisted event-stream cursor, or 0 when none is
// stored yet.
func (s *Store) GetCursor(ctx context.Context) (int64, error) {
	var cursor int64

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketMeta)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(cursorKey)
		if data == nil {
			return nil
		}

		parsed, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return err
		}
		cursor = parsed
		return nil
	})

	return cursor, err
}

// SetCursor persists the event-stream cursor.
func (s *Store) SetCursor(ctx context.Context, cursor int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketMeta)
		if bucket == nil {
			return nil
		}
		return bucket.Put(cursorKey, []byte(strconv.FormatInt(cursor, 10)))
	})
}
