package orchestrator

import (
	"context"

	"github.com/captionscale/transcribe-api/job"
	"github.com/captionscale/transcribe-api/transcription"
)

// EngineAdapter satisfies AudioTranscriber against a real
// transcription.Engine, translating the orchestrator's transport-neutral
// AudioRequest into the engine's own Request type. Kept outside
// orchestrator.go so the package's core logic never needs to import
// transcription directly.
type EngineAdapter struct {
	Engine *transcription.Engine
}

func (a EngineAdapter) Transcribe(ctx context.Context, req AudioRequest) ([]job.Segment, error) {
	return a.Engine.Transcribe(ctx, transcription.Request{
		RequestID:          req.RequestID,
		AudioPath:          req.AudioPath,
		Provider:           transcription.Provider(req.Provider),
		Model:              req.Model,
		Language:           req.Language,
		Speed:              req.Speed,
		LowThroughput:      req.LowThroughput,
		MaxDurationSeconds: req.MaxDurationSeconds,
	})
}
