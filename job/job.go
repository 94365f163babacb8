// Package job holds the data model shared by the acquisition pipeline, the
// transcription engine, and the bulk orchestrator: jobs, tasks, segments,
// chunk plans, and the sum types used to keep control flow out of
// exception handlers (see errors.Kind).
package job

import "time"

// Status is a Job's or a Task's position in its state machine.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessing   Status = "processing"
	StatusPaused       Status = "paused"
	StatusRetryPending Status = "retry_pending"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// IsTerminal reports whether no further transition is expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// SourceKind classifies the URL a job was submitted with.
type SourceKind string

const (
	SourceVideo    SourceKind = "video"
	SourcePlaylist SourceKind = "playlist"
	SourceChannel  SourceKind = "channel"
)

// Method selects which acquisition methods a task may use.
type Method string

const (
	MethodCaptionsOnly Method = "captions_only"
	MethodGroq         Method = "groq"
	MethodOpenAI       Method = "openai"
)

// AllowsAudioFallback reports whether the method may fall back to
// audio download + transcription when captions are unavailable.
func (m Method) AllowsAudioFallback() bool {
	return m == MethodGroq || m == MethodOpenAI
}

// Format is an output transcript format.
type Format string

const (
	FormatTXT  Format = "txt"
	FormatSRT  Format = "srt"
	FormatVTT  Format = "vtt"
	FormatJSON Format = "json"
)

// Principal is the sum type `Authenticated(user_id) | Guest(session_id)`
// from the design notes: all quota checks take a Principal so that UI/auth
// concerns never leak into the core.
type Principal struct {
	UserID    string
	SessionID string
}

func Authenticated(userID string) Principal { return Principal{UserID: userID} }
func Guest(sessionID string) Principal       { return Principal{SessionID: sessionID} }

func (p Principal) IsGuest() bool { return p.UserID == "" }

func (p Principal) Key() string {
	if p.IsGuest() {
		return "guest:" + p.SessionID
	}
	return "user:" + p.UserID
}

// Totals mirrors Job.totals in spec.md §3: the invariant
// completed+failed+pending+processing+retry <= TotalVideos holds at every
// observation, with equality once the job is terminal.
type Totals struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Retry      int
}

func (t Totals) Sum() int {
	return t.Pending + t.Processing + t.Completed + t.Failed + t.Retry
}

// Job is one bulk-transcription submission.
type Job struct {
	ID           string
	Owner        Principal
	SourceURL    string
	SourceKind   SourceKind
	Method       Method
	Format       Format
	Status       Status
	Totals       Totals
	TotalVideos  int
	WebhookURL   string
	ArtifactPath string
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  time.Time
}

// ErrorInfo is a Task's stored failure: a category plus a human message,
// per spec.md §7 ("Every task stores both an error category and a
// human-readable message").
type ErrorInfo struct {
	Category string
	Message  string
}

// Task is one video within a Job.
type Task struct {
	ID                   string
	JobID                string
	VideoID              string
	Title                string
	URL                  string
	DurationSeconds      float64
	OrderIndex           int
	Status               Status
	RetryCount           int
	TranscriptMethodUsed string
	TranscriptInline     string
	TranscriptURL        string
	Error                *ErrorInfo
	StartedAt            time.Time
	CompletedAt           time.Time
}

// HasContent reports whether the task produced transcript content worth
// packaging, either inline or by reference.
func (t Task) HasContent() bool {
	return t.Status == StatusCompleted && (t.TranscriptInline != "" || t.TranscriptURL != "")
}

// Segment is a timestamped fragment of transcript text, the in-memory value
// that flows between CaptionFetcher/TranscriptionEngine and Formatter.
type Segment struct {
	Text     string
	Start    float64
	Duration float64
}

// ChunkPlan is the precomputed cut schedule for long audio (§4.3).
type ChunkPlan struct {
	Chunks  []Chunk
	Model   string
	Workers int
}

// Chunk is one planned cut of audio: Start and Duration in seconds.
type Chunk struct {
	Index    int
	Start    float64
	Duration float64
}

// QuotaCounter is (principal, period bucket, metric) -> integer, §4.10.
type QuotaCounter struct {
	Principal string
	Bucket    string
	Metric    string
	Value     int64
}

// CircuitPhase is one of the three RateGate circuit-breaker states (§4.2).
type CircuitPhase string

const (
	CircuitClosed   CircuitPhase = "closed"
	CircuitOpen     CircuitPhase = "open"
	CircuitHalfOpen CircuitPhase = "half_open"
)
