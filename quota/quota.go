// Package quota enforces per-principal, per-metric usage limits (captions
// count, AI-method count, bulk-videos total, jobs-per-day), atomically
// checked and incremented against Postgres. Grounded on
// guest_service.py's check_and_increment_if_allowed (session-id
// generation, per-type limits) re-expressed as one SQL transaction (seed
// the counter row, lock it with SELECT ... FOR UPDATE, update it) instead
// of a check-then-increment RPC pair, and on
// jobstore's connection handling for the SQL shape.
package quota

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/captionscale/transcribe-api/config"
	"github.com/captionscale/transcribe-api/job"
)

// Metric names a countable usage type (§4.10).
type Metric string

const (
	MetricCaptions    Metric = "captions"
	MetricAIMethod    Metric = "ai_method"
	MetricBulkVideos  Metric = "bulk_videos_total"
	MetricJobsPerDay  Metric = "jobs_per_day"
)

// Result is the outcome of a check or check-and-increment call.
type Result struct {
	Allowed   bool
	Used      int64
	Limit     int64
	Remaining int64
}

// Ledger serialises quota counters at the persistence layer: every
// check-and-increment is one SQL transaction that locks the counter row,
// so concurrent callers racing
// on the same (principal, bucket, metric) never both observe "allowed".
type Ledger struct {
	db   *sql.DB
	salt []byte
}

// NewLedger builds a Ledger. salt is the process-wide secret mixed into
// guest session-id hashing (guest_service.py's `app_secret_key` salt).
func NewLedger(db *sql.DB, salt []byte) *Ledger {
	return &Ledger{db: db, salt: salt}
}

const schema = `
CREATE TABLE IF NOT EXISTS quota_counters (
	principal_key text NOT NULL,
	bucket        text NOT NULL,
	metric        text NOT NULL,
	value         bigint NOT NULL DEFAULT 0,
	PRIMARY KEY (principal_key, bucket, metric)
);
`

func (l *Ledger) Migrate() error {
	_, err := l.db.Exec(schema)
	return err
}

// NewGuestSessionID generates a session id for an unauthenticated caller:
// 32 bytes of crypto/rand, hex-encoded, matching generate_session_id's
// secrets.token_hex(32).
func NewGuestSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating guest session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashSessionID folds the salt into the session id before it is used as a
// storage key, the same privacy-preserving construction
// guest_service.py's hash_ip_address uses for IP addresses.
func (l *Ledger) HashSessionID(sessionID string) string {
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write(l.salt)
	return hex.EncodeToString(h.Sum(nil))
}

// dayBucket returns the UTC calendar-day key a counter accrues against.
func dayBucket(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// limitFor resolves the (allowed-count) ceiling for a principal+metric,
// per §4.10: tier registry for authenticated users, config.GuestLimits
// for guests.
func limitFor(owner job.Principal, metric Metric, tier config.Tier) int64 {
	if owner.IsGuest() {
		switch metric {
		case MetricCaptions:
			return config.GuestLimits.CaptionsPerDay
		case MetricAIMethod:
			return config.GuestLimits.AIMethodPerDay
		case MetricBulkVideos:
			return config.GuestLimits.BulkVideosTotal
		case MetricJobsPerDay:
			return config.GuestLimits.JobsPerDay
		default:
			return 0
		}
	}
	switch metric {
	case MetricCaptions:
		return tier.CaptionsPerDay
	case MetricAIMethod:
		return tier.AIMethodPerDay
	default:
		return 1 << 32
	}
}

// principalKey derives the quota_counters storage key for a principal:
// authenticated users key on their user id directly, guests key on the
// salted hash of their session id so the raw token is never persisted.
func (l *Ledger) principalKey(owner job.Principal) string {
	if owner.IsGuest() {
		return "guest:" + l.HashSessionID(owner.SessionID)
	}
	return owner.Key()
}

// CheckAndIncrement atomically checks whether `requested` more units of
// metric are allowed under owner's limit for the current day bucket, and
// if so records the increment. Runs as a single transaction: SELECT ...
// FOR UPDATE takes the row lock first, so two callers racing on the same
// (principal, bucket, metric) serialise and can never both observe
// "allowed" past the limit.
func (l *Ledger) CheckAndIncrement(owner job.Principal, tier config.Tier, metric Metric, requested int64, now time.Time) (Result, error) {
	limit := limitFor(owner, metric, tier)
	bucket := dayBucket(now)
	key := l.principalKey(owner)

	tx, err := l.db.Begin()
	if err != nil {
		return Result{}, fmt.Errorf("beginning quota transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO quota_counters (principal_key, bucket, metric, value)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (principal_key, bucket, metric) DO NOTHING`,
		key, bucket, string(metric),
	); err != nil {
		return Result{}, fmt.Errorf("seeding quota row for %s/%s: %w", key, metric, err)
	}

	var used int64
	if err := tx.QueryRow(`
		SELECT value FROM quota_counters
		WHERE principal_key=$1 AND bucket=$2 AND metric=$3 FOR UPDATE`,
		key, bucket, string(metric),
	).Scan(&used); err != nil {
		return Result{}, fmt.Errorf("locking quota row for %s/%s: %w", key, metric, err)
	}

	allowed := used+requested <= limit
	if allowed {
		if _, err := tx.Exec(`
			UPDATE quota_counters SET value=$1 WHERE principal_key=$2 AND bucket=$3 AND metric=$4`,
			used+requested, key, bucket, string(metric),
		); err != nil {
			return Result{}, fmt.Errorf("incrementing quota for %s/%s: %w", key, metric, err)
		}
		used += requested
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("committing quota transaction: %w", err)
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: allowed, Used: used, Limit: limit, Remaining: remaining}, nil
}

// Check reports current usage without mutating it, for status/UI display.
func (l *Ledger) Check(owner job.Principal, tier config.Tier, metric Metric, now time.Time) (Result, error) {
	limit := limitFor(owner, metric, tier)
	bucket := dayBucket(now)
	key := l.principalKey(owner)

	var used int64
	err := l.db.QueryRow(`SELECT value FROM quota_counters WHERE principal_key=$1 AND bucket=$2 AND metric=$3`,
		key, bucket, string(metric)).Scan(&used)
	if err == sql.ErrNoRows {
		return Result{Allowed: true, Used: 0, Limit: limit, Remaining: limit}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("checking quota for %s/%s: %w", key, metric, err)
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: used < limit, Used: used, Limit: limit, Remaining: remaining}, nil
}
