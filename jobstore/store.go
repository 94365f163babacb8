// Package jobstore persists Job and Task rows to Postgres (§3's
// "Persisted state": bulk_jobs, video_tasks). Grounded on
// pipeline/coordinator.go's `*sql.DB` field + `$N`-placeholder `Exec`
// calls against lib/pq, blank-imported here the same way.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/captionscale/transcribe-api/job"
)

// Store is the Postgres-backed Job/Task persistence layer. Updates are
// single UPDATE statements keyed on id, so repeating one leaves the same
// row. InsertJob and InsertTasks are plain INSERTs with no ON CONFLICT
// clause: inserting an id that already exists fails, and InsertTasks
// issues one INSERT per task. Readers must tolerate stale progress.
type Store struct {
	db *sql.DB
}

func Open(connectionString string) (*Store, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("opening jobstore database: %w", err)
	}
	return &Store{db: db}, nil
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS bulk_jobs (
	id             text PRIMARY KEY,
	owner_key      text NOT NULL,
	source_url     text NOT NULL,
	source_kind    text NOT NULL,
	method         text NOT NULL,
	format         text NOT NULL,
	status         text NOT NULL,
	total_videos   integer NOT NULL,
	pending        integer NOT NULL DEFAULT 0,
	processing     integer NOT NULL DEFAULT 0,
	completed      integer NOT NULL DEFAULT 0,
	failed         integer NOT NULL DEFAULT 0,
	retry          integer NOT NULL DEFAULT 0,
	webhook_url    text NOT NULL DEFAULT '',
	artifact_path  text NOT NULL DEFAULT '',
	metadata       jsonb NOT NULL DEFAULT '{}',
	created_at     timestamptz NOT NULL,
	updated_at     timestamptz NOT NULL,
	completed_at   timestamptz
);

CREATE TABLE IF NOT EXISTS video_tasks (
	id                     text PRIMARY KEY,
	job_id                 text NOT NULL REFERENCES bulk_jobs(id),
	video_id               text NOT NULL,
	title                  text NOT NULL DEFAULT '',
	url                    text NOT NULL,
	duration_seconds       double precision NOT NULL DEFAULT 0,
	order_index            integer NOT NULL,
	status                 text NOT NULL,
	retry_count            integer NOT NULL DEFAULT 0,
	transcript_method_used text NOT NULL DEFAULT '',
	transcript_inline      text NOT NULL DEFAULT '',
	transcript_url         text NOT NULL DEFAULT '',
	error_category         text NOT NULL DEFAULT '',
	error_message          text NOT NULL DEFAULT '',
	started_at             timestamptz,
	completed_at           timestamptz
);
CREATE INDEX IF NOT EXISTS video_tasks_job_id_order_idx ON video_tasks(job_id, order_index);
`

// Migrate creates the tables if they don't already exist.
func (s *Store) Migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

// InsertJob inserts a new job row.
func (s *Store) InsertJob(j job.Job) error {
	metadata, err := json.Marshal(j.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling job metadata: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO bulk_jobs (
			id, owner_key, source_url, source_kind, method, format, status,
			total_videos, pending, processing, completed, failed, retry,
			webhook_url, artifact_path, metadata, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		j.ID, j.Owner.Key(), j.SourceURL, string(j.SourceKind), string(j.Method), string(j.Format), string(j.Status),
		j.TotalVideos, j.Totals.Pending, j.Totals.Processing, j.Totals.Completed, j.Totals.Failed, j.Totals.Retry,
		j.WebhookURL, j.ArtifactPath, metadata, j.CreatedAt, j.UpdatedAt,
	)
	return err
}

// UpdateJobStatus updates a job's status and totals, stamping updated_at
// (and completed_at when status is terminal).
func (s *Store) UpdateJobStatus(jobID string, status job.Status, totals job.Totals, now time.Time) error {
	var completedAt any
	if status.IsTerminal() {
		completedAt = now
	}
	_, err := s.db.Exec(`
		UPDATE bulk_jobs SET status=$1, pending=$2, processing=$3, completed=$4, failed=$5, retry=$6,
			updated_at=$7, completed_at=COALESCE($8, completed_at)
		WHERE id=$9`,
		string(status), totals.Pending, totals.Processing, totals.Completed, totals.Failed, totals.Retry,
		now, completedAt, jobID,
	)
	return err
}

// SetJobArtifact records the path of the completed ZIP artifact.
func (s *Store) SetJobArtifact(jobID, artifactPath string) error {
	_, err := s.db.Exec(`UPDATE bulk_jobs SET artifact_path=$1 WHERE id=$2`, artifactPath, jobID)
	return err
}

// GetJob fetches one job by id.
func (s *Store) GetJob(jobID string) (job.Job, error) {
	row := s.db.QueryRow(`
		SELECT id, owner_key, source_url, source_kind, method, format, status,
			total_videos, pending, processing, completed, failed, retry,
			webhook_url, artifact_path, metadata, created_at, updated_at, completed_at
		FROM bulk_jobs WHERE id=$1`, jobID)
	return scanJob(row)
}

func scanJob(row *sql.Row) (job.Job, error) {
	var j job.Job
	var ownerKey, sourceKind, method, format, status string
	var metadata []byte
	var completedAt sql.NullTime

	err := row.Scan(&j.ID, &ownerKey, &j.SourceURL, &sourceKind, &method, &format, &status,
		&j.TotalVideos, &j.Totals.Pending, &j.Totals.Processing, &j.Totals.Completed, &j.Totals.Failed, &j.Totals.Retry,
		&j.WebhookURL, &j.ArtifactPath, &metadata, &j.CreatedAt, &j.UpdatedAt, &completedAt)
	if err != nil {
		return job.Job{}, err
	}

	j.SourceKind = job.SourceKind(sourceKind)
	j.Method = job.Method(method)
	j.Format = job.Format(format)
	j.Status = job.Status(status)
	j.Owner = principalFromKey(ownerKey)
	if completedAt.Valid {
		j.CompletedAt = completedAt.Time
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &j.Metadata)
	}
	return j, nil
}

func principalFromKey(key string) job.Principal {
	const guestPrefix = "guest:"
	const userPrefix = "user:"
	switch {
	case len(key) > len(guestPrefix) && key[:len(guestPrefix)] == guestPrefix:
		return job.Guest(key[len(guestPrefix):])
	case len(key) > len(userPrefix) && key[:len(userPrefix)] == userPrefix:
		return job.Authenticated(key[len(userPrefix):])
	default:
		return job.Authenticated(key)
	}
}

// InsertTasks bulk-inserts the tasks for a newly created job, in
// order-index order.
func (s *Store) InsertTasks(tasks []job.Task) error {
	for _, t := range tasks {
		if _, err := s.db.Exec(`
			INSERT INTO video_tasks (
				id, job_id, video_id, title, url, duration_seconds, order_index, status
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			t.ID, t.JobID, t.VideoID, t.Title, t.URL, t.DurationSeconds, t.OrderIndex, string(t.Status),
		); err != nil {
			return fmt.Errorf("inserting task %s: %w", t.ID, err)
		}
	}
	return nil
}

// UpdateTask writes back a task's terminal/progress state: status, retry
// count, transcript location, and error info if any.
func (s *Store) UpdateTask(t job.Task) error {
	var category, message string
	if t.Error != nil {
		category, message = t.Error.Category, t.Error.Message
	}
	_, err := s.db.Exec(`
		UPDATE video_tasks SET status=$1, retry_count=$2, transcript_method_used=$3,
			transcript_inline=$4, transcript_url=$5, error_category=$6, error_message=$7,
			started_at=COALESCE($8, started_at), completed_at=COALESCE($9, completed_at)
		WHERE id=$10`,
		string(t.Status), t.RetryCount, t.TranscriptMethodUsed,
		t.TranscriptInline, t.TranscriptURL, category, message,
		nullableTime(t.StartedAt), nullableTime(t.CompletedAt), t.ID,
	)
	return err
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// TasksForJob returns every task for jobID in order-index order.
func (s *Store) TasksForJob(jobID string) ([]job.Task, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, video_id, title, url, duration_seconds, order_index, status,
			retry_count, transcript_method_used, transcript_inline, transcript_url,
			error_category, error_message, started_at, completed_at
		FROM video_tasks WHERE job_id=$1 ORDER BY order_index`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []job.Task
	for rows.Next() {
		var t job.Task
		var status, category, message string
		var startedAt, completedAt sql.NullTime

		if err := rows.Scan(&t.ID, &t.JobID, &t.VideoID, &t.Title, &t.URL, &t.DurationSeconds, &t.OrderIndex, &status,
			&t.RetryCount, &t.TranscriptMethodUsed, &t.TranscriptInline, &t.TranscriptURL,
			&category, &message, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		t.Status = job.Status(status)
		if category != "" || message != "" {
			t.Error = &job.ErrorInfo{Category: category, Message: message}
		}
		if startedAt.Valid {
			t.StartedAt = startedAt.Time
		}
		if completedAt.Valid {
			t.CompletedAt = completedAt.Time
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountActiveJobs returns how many jobs owned by principal are currently
// `processing`, for the tier concurrency cap in §5.
func (s *Store) CountActiveJobs(owner job.Principal) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT count(*) FROM bulk_jobs WHERE owner_key=$1 AND status=$2`,
		owner.Key(), string(job.StatusProcessing)).Scan(&count)
	return count, err
}

func (s *Store) Close() error {
	return s.db.Close()
}
