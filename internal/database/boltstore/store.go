// Package boltstore provides persistent storage using BoltDB (bbolt).
// It is the transactional document store behind the moderation pipeline:
// content rows, reports, users, enforcement lists, idempotency markers and
// the trust audit log all live here, and a single Update call spans every
// mutation an event handler makes.
package boltstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names for organizing data
var (
	// BucketPosts stores posts keyed by post ID
	BucketPosts = []byte("posts")

	// BucketReplies stores replies keyed by "postID/replyID"
	BucketReplies = []byte("replies")

	// BucketReports stores user reports keyed by report ID
	BucketReports = []byte("reports")

	// BucketUsers stores user accounts keyed by user ID
	BucketUsers = []byte("users")

	// BucketBlockedIPs stores blocked network identifiers keyed by IP
	BucketBlockedIPs = []byte("blocked_ips")

	// BucketSuspendedGuests stores suspended guest devices keyed by guest ID
	BucketSuspendedGuests = []byte("suspended_guests")

	// BucketEventMarkers stores idempotency markers keyed by event key
	BucketEventMarkers = []byte("event_markers")

	// BucketTrustAudit stores applied trust deltas keyed by "timestamp:id"
	BucketTrustAudit = []byte("trust_audit")

	// BucketMeta stores operational state such as the consumer cursor
	BucketMeta = []byte("meta")
)

// ErrConflict signals that a transaction observed state it cannot reconcile
// and should be retried from the top.
var ErrConflict = errors.New("transaction conflict")

// maxTxAttempts bounds the Update retry loop on ErrConflict.
const maxTxAttempts = 3

// Store wraps a BoltDB database and provides transactional access to the
// moderation data model.
type Store struct {
	db *bolt.DB
}

// Options configures the BoltDB store.
type Options struct {
	// Path to the database file. Parent directories will be created if needed.
	Path string

	// Timeout for obtaining a file lock on the database.
	// If zero, a default of 5 seconds is used.
	Timeout time.Duration

	// FileMode for creating the database file.
	// If zero, 0600 is used.
	FileMode os.FileMode
}

// DefaultOptions returns sensible defaults for development.
func DefaultOptions() Options {
	return Options{
		Path:     "lantern.db",
		Timeout:  5 * time.Second,
		FileMode: 0600,
	}
}

// Open creates or opens a BoltDB database at the specified path.
// It creates all necessary buckets if they don't exist.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		opts.Path = "lantern.db"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.FileMode == 0 {
		opts.FileMode = 0600
	}

	// Ensure parent directory exists
	dir := filepath.Dir(opts.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := bolt.Open(opts.Path, opts.FileMode, &bolt.Options{
		Timeout: opts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			BucketPosts,
			BucketReplies,
			BucketReports,
			BucketUsers,
			BucketBlockedIPs,
			BucketSuspendedGuests,
			BucketEventMarkers,
			BucketTrustAudit,
			BucketMeta,
		}

		for _, bucket := range buckets {
			_, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying BoltDB instance for advanced operations.
func (s *Store) DB() *bolt.DB {
	return s.db
}

// Stats returns database statistics.
func (s *Store) Stats() bolt.Stats {
	return s.db.Stats()
}

// Update runs fn in a single read-write transaction. Everything fn does
// through the Tx either commits together or not at all. When fn returns
// ErrConflict the transaction is rolled back and retried, up to
// maxTxAttempts.
func (s *Store) Update(fn func(tx *Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.db.Update(func(btx *bolt.Tx) error {
			return fn(&Tx{btx: btx})
		})
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", maxTxAttempts, err)
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}
