// Package orchestrator drives the Job/Task state machine (§4.9): job
// creation (URL classification, enumeration, quota check), the per-task
// processing loop (method ladder, tier-paced inter-task delay,
// cancellation), ZIP packaging, and webhook emission on completion.
// Grounded directly on pipeline/coordinator.go's JobInfo/handler-ladder
// shape: a mutex-guarded struct per running job, cancellation handled by
// polling status between steps rather than hard-killing goroutines, and
// recovered[T]'s panic-containment wrapper around each task's work.
package orchestrator

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/captionscale/transcribe-api/config"
	apperrors "github.com/captionscale/transcribe-api/errors"
	"github.com/captionscale/transcribe-api/format"
	"github.com/captionscale/transcribe-api/job"
	"github.com/captionscale/transcribe-api/jobstore"
	"github.com/captionscale/transcribe-api/log"
	"github.com/captionscale/transcribe-api/metrics"
	"github.com/captionscale/transcribe-api/quota"
	"github.com/captionscale/transcribe-api/storage"
	"github.com/captionscale/transcribe-api/webhook"
	"github.com/captionscale/transcribe-api/youtube"
)

// CaptionEngine (captions) and AudioFetcher plus AudioTranscriber (audio
// fallback) cover the two acquisition paths a task can take, each
// narrowed to the methods the orchestrator actually calls so tests
// can substitute fakes without wiring a real youtube.CaptionFetcher or
// transcription.Engine.
type CaptionEngine interface {
	Fetch(ctx context.Context, requestID, videoID string) (youtube.Result, error)
}

type AudioTranscriber interface {
	Transcribe(ctx context.Context, req AudioRequest) ([]job.Segment, error)
}

// AudioRequest is the subset of transcription.Request the orchestrator
// populates; kept separate so this package doesn't import transcription
// just to name a struct literal.
type AudioRequest struct {
	RequestID          string
	AudioPath          string
	Provider           string
	Model              string
	Language           string
	Speed              float64
	LowThroughput      bool
	MaxDurationSeconds float64
}

type AudioFetcher interface {
	Fetch(ctx context.Context, requestID, videoURL, title string) (youtube.AudioResult, bool)
}

// IDGenerator lets tests supply deterministic job/task ids; production
// wiring uses a real uuid generator.
type IDGenerator func() string

// Orchestrator wires persistence, quota enforcement, the two acquisition
// ladders, packaging, and webhook delivery into the job/task lifecycle.
type Orchestrator struct {
	Store    *jobstore.Store
	Quota    *quota.Ledger
	Storage  *storage.Store
	Webhook  webhook.Notifier
	Captions CaptionEngine
	Audio    AudioFetcher
	Speech   AudioTranscriber
	NewID    IDGenerator
	Now      func() time.Time

	// AudioFallbackMaxDurationSec caps how long a video the audio fallback
	// ladder will transcribe (§4.7 step 2); defaults to config.DefaultCli's
	// value and is overridden from the real Cli at production wiring time.
	AudioFallbackMaxDurationSec int

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func New(store *jobstore.Store, ledger *quota.Ledger, st *storage.Store, wh webhook.Notifier,
	captions CaptionEngine, audio AudioFetcher, speech AudioTranscriber, newID IDGenerator) *Orchestrator {
	return &Orchestrator{
		Store:                       store,
		Quota:                       ledger,
		Storage:                     st,
		Webhook:                     wh,
		Captions:                    captions,
		Audio:                       audio,
		Speech:                      speech,
		NewID:                       newID,
		Now:                         time.Now,
		AudioFallbackMaxDurationSec: config.DefaultCli().AudioFallbackMaxDurationSec,
		running:                     map[string]context.CancelFunc{},
	}
}

// SubmitRequest is the inbound job-creation request (§6 "Acquisition
// input" plus the method/format/webhook fields from §3's Job fields).
type SubmitRequest struct {
	Owner       job.Principal
	SourceURL   string
	Method      job.Method
	Format      job.Format
	WebhookURL  string
	Tier        config.Tier
	MaxVideos   int // resolved tier.MaxVideosPerJob, or config.GuestLimits.BulkVideosTotal for guests
}

// Submit classifies the URL, enumerates its videos (capped at
// req.MaxVideos, §8 scenario 3), checks the per-tier concurrency cap and
// the jobs-per-day quota, and persists the new Job and its Tasks.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (job.Job, error) {
	parsed := youtube.Parse(req.SourceURL)
	if parsed.Kind == youtube.KindInvalid {
		return job.Job{}, apperrors.NewTaskError(apperrors.KindInvalidURL, "unrecognised YouTube URL", nil)
	}

	active, err := o.Store.CountActiveJobs(req.Owner)
	if err != nil {
		return job.Job{}, fmt.Errorf("checking active job count: %w", err)
	}
	if active >= req.Tier.MaxConcurrentJobs {
		metrics.Metrics.JobMetrics.QuotaDenials.WithLabelValues("concurrent_jobs").Inc()
		return job.Job{}, apperrors.NewTaskError(apperrors.KindQuotaExceeded, "concurrent job limit reached", nil)
	}

	qr, err := o.Quota.CheckAndIncrement(req.Owner, req.Tier, quota.MetricJobsPerDay, 1, o.Now())
	if err != nil {
		return job.Job{}, fmt.Errorf("checking job quota: %w", err)
	}
	if !qr.Allowed {
		metrics.Metrics.JobMetrics.QuotaDenials.WithLabelValues(string(quota.MetricJobsPerDay)).Inc()
		return job.Job{}, apperrors.NewTaskError(apperrors.KindQuotaExceeded, "daily job limit reached", nil)
	}

	refs, err := o.refsFor(ctx, parsed, req.SourceURL, req.MaxVideos)
	if err != nil {
		return job.Job{}, err
	}
	if req.MaxVideos > 0 && len(refs) > req.MaxVideos {
		refs = refs[:req.MaxVideos]
	}

	now := o.Now()
	j := job.Job{
		ID:          o.NewID(),
		Owner:       req.Owner,
		SourceURL:   req.SourceURL,
		SourceKind:  job.SourceKind(parsed.Kind),
		Method:      req.Method,
		Format:      req.Format,
		Status:      job.StatusPending,
		TotalVideos: len(refs),
		Totals:      job.Totals{Pending: len(refs)},
		WebhookURL:  req.WebhookURL,
		Metadata:    map[string]any{"tier": req.Tier.Name},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Owner.IsGuest() {
		j.Metadata["guest_session_id"] = req.Owner.SessionID
	}

	if err := o.Store.InsertJob(j); err != nil {
		return job.Job{}, fmt.Errorf("persisting job: %w", err)
	}

	tasks := make([]job.Task, 0, len(refs))
	for i, ref := range refs {
		tasks = append(tasks, job.Task{
			ID:         o.NewID(),
			JobID:      j.ID,
			VideoID:    ref.VideoID,
			Title:      ref.Title,
			URL:        ref.URL,
			OrderIndex: i,
			Status:     job.StatusPending,
		})
	}
	if err := o.Store.InsertTasks(tasks); err != nil {
		return job.Job{}, fmt.Errorf("persisting tasks: %w", err)
	}

	metrics.Metrics.JobMetrics.JobsCreated.WithLabelValues(req.Tier.Name).Inc()
	return j, nil
}

func (o *Orchestrator) refsFor(ctx context.Context, parsed youtube.ParsedURL, sourceURL string, limit int) ([]youtube.VideoRef, error) {
	switch parsed.Kind {
	case youtube.KindVideo:
		return []youtube.VideoRef{{VideoID: parsed.VideoID, URL: sourceURL}}, nil
	case youtube.KindPlaylist, youtube.KindChannel:
		refs, err := youtube.Enumerate(ctx, sourceURL, limit)
		if err != nil {
			return nil, apperrors.NewTaskError(apperrors.KindDownloadFailed, "enumerating videos", err)
		}
		if len(refs) == 0 {
			return nil, apperrors.NewTaskError(apperrors.KindNoTranscriptAvail, "no videos found", nil)
		}
		return refs, nil
	default:
		return nil, apperrors.NewTaskError(apperrors.KindInvalidURL, "unrecognised source kind", nil)
	}
}

// Cancel signals a running job's task loop to stop before its next task
// (or during its current inter-task delay); any in-flight task's HTTP
// call is allowed to finish, per §5.
func (o *Orchestrator) Cancel(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.running[jobID]
	if ok {
		cancel()
	}
	return ok
}

// Run drives jobID's task loop to completion, cancellation, or failure.
// It is the long-lived goroutine a worker pool would spawn one of per
// active job (§5 "the orchestrator may drive multiple jobs concurrently,
// each independent").
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.running[jobID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, jobID)
		o.mu.Unlock()
		cancel()
	}()

	j, err := o.Store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("loading job %s: %w", jobID, err)
	}
	tasks, err := o.Store.TasksForJob(jobID)
	if err != nil {
		return fmt.Errorf("loading tasks for job %s: %w", jobID, err)
	}

	j.Status = job.StatusProcessing
	if err := o.Store.UpdateJobStatus(j.ID, j.Status, j.Totals, o.Now()); err != nil {
		return fmt.Errorf("marking job processing: %w", err)
	}
	metrics.Metrics.JobMetrics.JobsInFlight.Inc()
	defer metrics.Metrics.JobMetrics.JobsInFlight.Dec()

	tier := config.ResolveTier(tierNameFromMetadata(j))

	for i, t := range tasks {
		if ctx.Err() != nil {
			j.Status = job.StatusCancelled
			o.failRemaining(j, tasks[i:])
			break
		}

		t = o.runTask(ctx, j, t)
		if err := o.Store.UpdateTask(t); err != nil {
			log.LogError(j.ID, "failed to persist task update", err, "task", t.ID)
		}
		tasks[i] = t
		j.Totals = recomputeTotals(tasks)
		if err := o.Store.UpdateJobStatus(j.ID, job.StatusProcessing, j.Totals, o.Now()); err != nil {
			log.LogError(j.ID, "failed to persist job progress", err)
		}
		metrics.Metrics.JobMetrics.TasksCompleted.WithLabelValues(string(t.Status)).Inc()

		if i < len(tasks)-1 {
			select {
			case <-ctx.Done():
				j.Status = job.StatusCancelled
				o.failRemaining(j, tasks[i+1:])
			case <-time.After(tier.InterTaskDelay):
			}
		}
	}

	if ctx.Err() == nil {
		o.retryFailedTasks(ctx, j, tasks, tier)
	}

	j.Totals = recomputeTotals(tasks)
	if j.Status != job.StatusCancelled {
		j.Status = terminalStatus(tasks)
	}
	j.CompletedAt = o.Now()
	if err := o.Store.UpdateJobStatus(j.ID, j.Status, j.Totals, j.CompletedAt); err != nil {
		return fmt.Errorf("finalising job status: %w", err)
	}

	if err := o.packageArtifact(j, tasks); err != nil {
		log.LogError(j.ID, "failed to package artifact", err)
	} else {
		j, _ = o.Store.GetJob(j.ID)
	}

	if o.Webhook != nil {
		if err := o.Webhook.Notify(j); err != nil {
			log.LogError(j.ID, "webhook notify failed", err)
		}
	}
	return nil
}

// retryFailedTasks is the second pass from §4.9 step 8: any task that ended
// failed with RetryCount still below config.TaskRetryCap is promoted to
// retry_pending, given the tier's inter-task delay, and re-run exactly once.
// Skipped entirely when the job was cancelled, so a cancelled task's
// "cancelled by user" failure is never retried.
func (o *Orchestrator) retryFailedTasks(ctx context.Context, j job.Job, tasks []job.Task, tier config.Tier) {
	for i := range tasks {
		if ctx.Err() != nil {
			return
		}
		if tasks[i].Status != job.StatusFailed || tasks[i].RetryCount >= config.TaskRetryCap {
			continue
		}

		tasks[i].Status = job.StatusRetryPending
		if err := o.Store.UpdateTask(tasks[i]); err != nil {
			log.LogError(j.ID, "failed to persist retry_pending task", err, "task", tasks[i].ID)
		}
		if err := o.Store.UpdateJobStatus(j.ID, job.StatusProcessing, recomputeTotals(tasks), o.Now()); err != nil {
			log.LogError(j.ID, "failed to persist job progress", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(tier.InterTaskDelay):
		}

		tasks[i] = o.runTask(ctx, j, tasks[i])
		if err := o.Store.UpdateTask(tasks[i]); err != nil {
			log.LogError(j.ID, "failed to persist retried task", err, "task", tasks[i].ID)
		}
		if err := o.Store.UpdateJobStatus(j.ID, job.StatusProcessing, recomputeTotals(tasks), o.Now()); err != nil {
			log.LogError(j.ID, "failed to persist job progress", err)
		}
		metrics.Metrics.JobMetrics.TasksCompleted.WithLabelValues(string(tasks[i].Status)).Inc()
	}
}

// runTask executes one task's acquisition ladder (captions, then audio
// fallback if the method allows it) behind a panic-containment wrapper,
// the Go analogue of pipeline/coordinator.go's recovered[T].
func (o *Orchestrator) runTask(ctx context.Context, j job.Job, t job.Task) job.Task {
	if t.Status == job.StatusRetryPending {
		t.RetryCount++
	}
	t.Status = job.StatusProcessing
	t.StartedAt = o.Now()

	segments, methodUsed, err := recovered(func() ([]job.Segment, string, error) {
		return o.acquire(ctx, j, t)
	})

	t.CompletedAt = o.Now()
	if err != nil {
		t.Status = job.StatusFailed
		te := apperrors.AsTaskError(err)
		t.Error = &job.ErrorInfo{Category: string(te.Kind), Message: te.Message}
		return t
	}

	rendered, err := format.Render(segments, j.Format, &format.Header{Title: t.Title, URL: t.URL, ID: t.VideoID})
	if err != nil {
		t.Status = job.StatusFailed
		t.Error = &job.ErrorInfo{Category: string(apperrors.KindInternal), Message: err.Error()}
		return t
	}

	t.Status = job.StatusCompleted
	t.TranscriptMethodUsed = methodUsed
	if o.Storage != nil && len(rendered) > 4096 {
		key := storage.TranscriptKey(j.ID, t.ID)
		if err := o.Storage.PutTranscript(key, rendered); err == nil {
			t.TranscriptURL = key
		} else {
			t.TranscriptInline = rendered
		}
	} else {
		t.TranscriptInline = rendered
	}
	return t
}

// acquire tries captions first; if they're unavailable and the job's
// method allows an audio fallback, it downloads and transcribes instead
// (§4.5/§4.6/§4.7 chained together, the "ladder of ladders" described in
// design notes §9).
func (o *Orchestrator) acquire(ctx context.Context, j job.Job, t job.Task) ([]job.Segment, string, error) {
	if o.Captions != nil {
		res, err := o.Captions.Fetch(ctx, j.ID, t.VideoID)
		if err == nil {
			return res.Segments, "captions:" + res.Method, nil
		}
		if !j.Method.AllowsAudioFallback() {
			return nil, "", err
		}
		log.Log(j.ID, "captions unavailable, falling back to audio transcription", "task", t.ID, "err", err.Error())
	}

	if o.Audio == nil || o.Speech == nil {
		return nil, "", apperrors.NewTaskError(apperrors.KindNoTranscriptAvail, "no audio fallback configured", nil)
	}

	audioResult, ok := o.Audio.Fetch(ctx, j.ID, t.URL, t.Title)
	if !ok {
		return nil, "", apperrors.NewTaskError(apperrors.KindDownloadFailed, "audio download ladder exhausted", nil)
	}

	provider, model := providerModelForMethod(j.Method)
	segments, err := o.Speech.Transcribe(ctx, AudioRequest{
		RequestID:          j.ID,
		AudioPath:          audioResult.Path,
		Provider:           provider,
		Model:              model,
		Language:           "en",
		Speed:              1,
		MaxDurationSeconds: float64(o.AudioFallbackMaxDurationSec),
	})
	if err != nil {
		return nil, "", err
	}
	return segments, string(j.Method) + ":" + audioResult.Strategy, nil
}

func providerModelForMethod(m job.Method) (provider, model string) {
	switch m {
	case job.MethodOpenAI:
		return "openai", "whisper-1"
	default:
		return "groq", "whisper-large-v3-turbo"
	}
}

// packageArtifact zips every completed task's transcript (reading inline
// content or downloading by reference, §6) and uploads the archive,
// recording its storage key on the job.
func (o *Orchestrator) packageArtifact(j job.Job, tasks []job.Task) error {
	if o.Storage == nil {
		return nil
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, 6) // §6: compression level 6
	})

	any := false
	for _, t := range tasks {
		if !t.HasContent() {
			continue
		}
		content := t.TranscriptInline
		if content == "" && t.TranscriptURL != "" {
			fetched, err := o.Storage.FetchTranscript(t.TranscriptURL)
			if err != nil {
				log.LogError(j.ID, "failed to fetch transcript for packaging", err, "task", t.ID)
				continue
			}
			content = fetched
		}
		if content == "" {
			continue
		}
		name := fmt.Sprintf("%s_%s.%s", sanitisedTitleFor(t), t.VideoID, j.Format)
		w, err := zw.Create(name)
		if err != nil {
			return fmt.Errorf("adding zip entry %s: %w", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			return fmt.Errorf("writing zip entry %s: %w", name, err)
		}
		any = true
	}
	if !any {
		return zw.Close()
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("closing zip writer: %w", err)
	}

	key := storage.ArtifactKey(j.ID, o.Now())
	if err := o.Storage.PutArtifact(key, buf.Bytes()); err != nil {
		return err
	}
	return o.Store.SetJobArtifact(j.ID, key)
}

func sanitisedTitleFor(t job.Task) string {
	return youtube.SanitizeTitle(t.Title)
}

// failRemaining marks every not-yet-terminal task in rest as failed with a
// cancellation reason (§5: "tasks not yet started are marked failed with
// reason cancelled by user") and persists each, so Cancel mid-run leaves an
// auditable trail instead of silently stranding pending rows.
func (o *Orchestrator) failRemaining(j job.Job, rest []job.Task) {
	for i := range rest {
		if rest[i].Status.IsTerminal() {
			continue
		}
		rest[i].Status = job.StatusFailed
		rest[i].Error = &job.ErrorInfo{Category: string(apperrors.KindCancelled), Message: "cancelled by user"}
		rest[i].CompletedAt = o.Now()
		if err := o.Store.UpdateTask(rest[i]); err != nil {
			log.LogError(j.ID, "failed to persist cancelled task", err, "task", rest[i].ID)
		}
	}
}

func recomputeTotals(tasks []job.Task) job.Totals {
	var totals job.Totals
	for _, t := range tasks {
		switch t.Status {
		case job.StatusPending:
			totals.Pending++
		case job.StatusProcessing:
			totals.Processing++
		case job.StatusCompleted:
			totals.Completed++
		case job.StatusFailed:
			totals.Failed++
		case job.StatusRetryPending:
			totals.Retry++
		}
	}
	return totals
}

func terminalStatus(tasks []job.Task) job.Status {
	for _, t := range tasks {
		if t.Status == job.StatusCompleted {
			return job.StatusCompleted
		}
	}
	if len(tasks) == 0 {
		return job.StatusFailed
	}
	return job.StatusFailed
}

func tierNameFromMetadata(j job.Job) string {
	if name, ok := j.Metadata["tier"].(string); ok {
		return name
	}
	return "free"
}

// recovered runs f, converting any panic into an error the same way
// pipeline/coordinator.go's recovered[T] does for background pipeline
// handlers.
func recovered(f func() ([]job.Segment, string, error)) (segs []job.Segment, method string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.LogNoRequestID("panic in task handler, recovering", "err", rec, "trace", string(debug.Stack()))
			err = apperrors.NewTaskError(apperrors.KindInternal, "panic during task processing", fmt.Errorf("%v", rec))
		}
	}()
	return f()
}
