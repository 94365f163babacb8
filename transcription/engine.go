// Package transcription implements TranscriptionEngine (§4.7): normalise,
// probe duration, compute a chunk plan, dispatch chunks across a bounded
// worker pool with RateGate admission, and run a second pass over any
// chunk that failed on the first. Grounded on pipeline/coordinator.go's
// job-driver shape and clients/mediaconvert.go's errgroup-bounded worker
// pool (copyDir/eg.Go/eg.Wait), both teacher code.
package transcription

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/captionscale/transcribe-api/audio"
	"github.com/captionscale/transcribe-api/chunker"
	"github.com/captionscale/transcribe-api/errors"
	"github.com/captionscale/transcribe-api/job"
	"github.com/captionscale/transcribe-api/log"
	"github.com/captionscale/transcribe-api/metrics"
	"github.com/captionscale/transcribe-api/ratelimit"
)

// secondPassMaxRetries, secondPassWorkers, and secondPassCooldown are the
// second-pass retry constants from §4.7.
const (
	secondPassMaxRetries = 3
	secondPassWorkers    = 1
	secondPassCooldown   = 60 * time.Second
)

// Request is everything Engine.Transcribe needs for one video's audio.
type Request struct {
	RequestID string
	AudioPath string
	Provider  Provider
	Model     string
	Language  string
	Speed     float64 // tempo multiplier, 1 = no change
	LowThroughput bool

	// MaxDurationSeconds is the audio_fallback.max_duration_seconds ceiling
	// (§4.7 step 2); Transcribe aborts with KindAudioTooLong rather than
	// chunking and dispatching a video longer than this. Zero means no cap.
	MaxDurationSeconds float64
}

// chunkResult is the outcome of transcribing one planned chunk. path is
// the cut FLAC file on disk, kept around until the engine is done with the
// whole request (including any second-pass retries) so a failed upload
// doesn't require re-cutting.
type chunkResult struct {
	index int
	text  string
	path  string
	err   error
}

// Engine drives chunked transcription for one audio file at a time; it is
// safe for concurrent use across different Requests because all shared
// state (RateGate, dedup) lives in the injected Services.
type Engine struct {
	Preprocessor *audio.Preprocessor
	Uploader     *Uploader
	Gates        *ratelimit.Registry
	Dedup        *ratelimit.Dedup
	Metrics      *metrics.ChunkMetrics
}

func NewEngine(pre *audio.Preprocessor, uploader *Uploader, gates *ratelimit.Registry, dedup *ratelimit.Dedup) *Engine {
	return &Engine{
		Preprocessor: pre,
		Uploader:     uploader,
		Gates:        gates,
		Dedup:        dedup,
		Metrics:      &metrics.Metrics.ChunkMetrics,
	}
}

// Transcribe runs the full pipeline for req, returning one job.Segment per
// chunk that succeeded, failed chunks left out (text for the chunk's span;
// chunk index order is preserved
// regardless of completion order, per §5's ordering guarantee).
func (e *Engine) Transcribe(ctx context.Context, req Request) ([]job.Segment, error) {
	normalised, err := e.Preprocessor.Normalise(req.RequestID, req.AudioPath, req.Speed)
	if err != nil {
		return nil, errors.NewTaskError(errors.KindTranscriptionFailed, "normalising audio", err)
	}
	defer os.Remove(normalised)

	duration, err := audio.Probe(normalised)
	if err != nil {
		return nil, errors.NewTaskError(errors.KindTranscriptionFailed, "probing normalised audio", err)
	}
	if req.MaxDurationSeconds > 0 && duration.Seconds() > req.MaxDurationSeconds {
		return nil, errors.NewTaskError(errors.KindAudioTooLong,
			fmt.Sprintf("audio duration %.0fs exceeds fallback cap of %.0fs", duration.Seconds(), req.MaxDurationSeconds), nil)
	}

	gate := e.Gates.Gate(string(req.Provider), req.Model, ModelClass(req.Provider, req.Model))

	plan := chunker.Plan(duration.Seconds(), chunker.Params{
		Model:         req.Model,
		RPM:           gate.EffectiveRPM(),
		LowThroughput: req.LowThroughput,
	})

	results := e.dispatch(ctx, req, normalised, plan, plan.Workers, gate)
	defer cleanupChunks(results)

	failed := failedIndexes(results)
	if len(failed) > 0 {
		e.secondPass(ctx, req, results, failed, gate)
	}

	return assembleSegments(plan, results)
}

// dispatch fans out plan.Chunks across a bounded worker pool the way
// clients/mediaconvert.go's copyDir fans file copies across N goroutines
// reading from a shared channel.
func (e *Engine) dispatch(ctx context.Context, req Request, sourcePath string, plan job.ChunkPlan, workers int, gate *ratelimit.Gate) map[int]chunkResult {
	results := make(map[int]chunkResult, len(plan.Chunks))
	var mu sync.Mutex

	chunks := make(chan job.Chunk, len(plan.Chunks))
	for _, c := range plan.Chunks {
		chunks <- c
	}
	close(chunks)

	eg, egCtx := errgroup.WithContext(ctx)
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		eg.Go(func() error {
			for c := range chunks {
				res := e.transcribeChunk(egCtx, req, sourcePath, c, gate)
				mu.Lock()
				results[c.Index] = res
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait() // worker goroutines never return an error; failures land in chunkResult

	return results
}

func (e *Engine) transcribeChunk(ctx context.Context, req Request, sourcePath string, c job.Chunk, gate *ratelimit.Gate) chunkResult {
	chunkPath, err := e.Preprocessor.Cut(req.RequestID, sourcePath, durationFromSeconds(c.Start), durationFromSeconds(c.Duration))
	if err != nil {
		return chunkResult{index: c.Index, err: err}
	}

	dedupKey := ratelimit.Key(chunkPath, req.Model, req.Language)
	if err := e.Dedup.TryStart(dedupKey); err != nil {
		return chunkResult{index: c.Index, err: err, path: chunkPath}
	}
	defer e.Dedup.Finish(dedupKey)

	lease, ok := gate.Acquire(sleepRespectingContext(ctx))
	if !ok {
		return chunkResult{index: c.Index, err: fmt.Errorf("circuit open for %s/%s", req.Provider, req.Model), path: chunkPath}
	}
	_ = lease

	start := time.Now()
	text, err := e.Uploader.Transcribe(ctx, req.Provider, req.Model, req.Language, chunkPath)
	elapsed := time.Since(start)

	if err != nil {
		gate.RecordFailure(err)
		e.Metrics.Failures.WithLabelValues(string(req.Provider), req.Model, string(errors.AsTaskError(err).Kind)).Inc()
		log.Log(req.RequestID, "chunk transcription failed", "chunk", c.Index, "err", err.Error())
		return chunkResult{index: c.Index, err: err, path: chunkPath}
	}
	gate.RecordSuccess(elapsed)
	e.Metrics.Duration.WithLabelValues(string(req.Provider), req.Model).Observe(elapsed.Seconds())
	return chunkResult{index: c.Index, text: text, path: chunkPath}
}

// secondPass retries failed chunks with a single worker, up to
// secondPassMaxRetries times each, waiting secondPassCooldown between
// rounds (§4.7).
func (e *Engine) secondPass(ctx context.Context, req Request, results map[int]chunkResult, failed []int, gate *ratelimit.Gate) {
	remaining := failed
	for attempt := 0; attempt < secondPassMaxRetries && len(remaining) > 0; attempt++ {
		log.Log(req.RequestID, "second pass retry", "attempt", attempt+1, "chunks", len(remaining))
		select {
		case <-ctx.Done():
			return
		case <-time.After(secondPassCooldown):
		}

		still := remaining[:0:0]
		for _, idx := range remaining {
			prior := results[idx]
			if prior.err == nil {
				continue
			}
			chunkPath := prior.path
			if chunkPath == "" {
				still = append(still, idx)
				continue
			}
			lease, ok := gate.Acquire(sleepRespectingContext(ctx))
			if !ok {
				still = append(still, idx)
				continue
			}
			_ = lease
			text, err := e.Uploader.Transcribe(ctx, req.Provider, req.Model, req.Language, chunkPath)
			if err != nil {
				gate.RecordFailure(err)
				results[idx] = chunkResult{index: idx, err: err, path: chunkPath}
				still = append(still, idx)
				continue
			}
			gate.RecordSuccess(0)
			results[idx] = chunkResult{index: idx, text: text, path: chunkPath}
			e.Metrics.SecondPass.WithLabelValues(string(req.Provider), req.Model, "recovered").Inc()
		}
		remaining = still
	}
	for _, idx := range remaining {
		e.Metrics.SecondPass.WithLabelValues(string(req.Provider), req.Model, "exhausted").Inc()
	}
}

func failedIndexes(results map[int]chunkResult) []int {
	var idx []int
	for i, r := range results {
		if r.err != nil {
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	return idx
}

func assembleSegments(plan job.ChunkPlan, results map[int]chunkResult) ([]job.Segment, error) {
	segments := make([]job.Segment, 0, len(plan.Chunks))
	anySucceeded := false
	for _, c := range plan.Chunks {
		r := results[c.Index]
		if r.err != nil {
			continue
		}
		anySucceeded = true
		segments = append(segments, job.Segment{Text: r.text, Start: c.Start, Duration: c.Duration})
	}
	if !anySucceeded {
		return nil, errors.NewTaskError(errors.KindTranscriptionFailed, "no chunk succeeded after second pass", nil)
	}
	return segments, nil
}

func cleanupChunks(results map[int]chunkResult) {
	for _, r := range results {
		if r.path != "" {
			_ = os.Remove(r.path)
		}
	}
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// sleepRespectingContext adapts ctx cancellation into the sleep callback
// Gate.Acquire expects, per §5: "rate-gate cooldowns ignore cancellation
// only for the chunk already admitted; subsequent chunks observe
// cancellation."
func sleepRespectingContext(ctx context.Context) func(time.Duration) {
	return func(d time.Duration) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
	}
}
