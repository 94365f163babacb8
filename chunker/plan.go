// Package chunker implements ChunkPlanner (spec.md §4.3): a pure function
// from (duration, model, tier) to a ChunkPlan. Grounded on the teacher's
// pure duration-bucket functions in video/profiles.go, re-expressed for
// audio chunk sizing instead of rendition ladders.
package chunker

import "github.com/captionscale/transcribe-api/job"

// Overlap is the small positive constant subtracted when stepping to each
// non-first chunk's start (next start = start + chunk duration - Overlap),
// so consecutive chunks share Overlap seconds of audio across the boundary.
const Overlap = 0.5

const maxChunkSizeMB = 25

// Params are the inputs ChunkPlanner needs beyond duration: the admission
// rate for the chosen model (drives both chunk-size scaling and worker
// count) and whether the provider is the lower-throughput one (capped at 3
// workers).
type Params struct {
	Model             string
	RPM               int
	LowThroughput     bool
	EstimatedBitrateKbps float64 // used to estimate FLAC size for the single-chunk short-circuit
}

// Plan computes the ChunkPlan for a duration D seconds, following the
// piecewise rules in §4.3.
func Plan(durationSeconds float64, p Params) job.ChunkPlan {
	if durationSeconds <= 0 {
		return job.ChunkPlan{Model: p.Model, Workers: 1}
	}

	if singleChunkFits(durationSeconds, p) {
		return job.ChunkPlan{
			Chunks:  []job.Chunk{{Index: 0, Start: 0, Duration: durationSeconds}},
			Model:   p.Model,
			Workers: 1,
		}
	}

	c := baseChunkSeconds(durationSeconds)
	rpm := p.RPM
	if rpm <= 0 {
		rpm = 400
	}
	c = c * (float64(rpm) / 400.0)
	if c < 30 {
		c = 30
	}

	workers := workerCount(durationSeconds, rpm, p.LowThroughput)

	var chunks []job.Chunk
	start := 0.0
	idx := 0
	for start < durationSeconds {
		duration := c
		if start+duration > durationSeconds {
			duration = durationSeconds - start
		}
		chunks = append(chunks, job.Chunk{Index: idx, Start: start, Duration: duration})
		idx++
		start = start + c - Overlap
	}

	return job.ChunkPlan{Chunks: chunks, Model: p.Model, Workers: workers}
}

// singleChunkFits implements "D <= 180s AND estimated FLAC size < max_chunk_size_mb => single chunk".
func singleChunkFits(durationSeconds float64, p Params) bool {
	if durationSeconds > 180 {
		return false
	}
	// 16kHz mono FLAC at moderate compression runs roughly ~64kbps; estimate
	// conservatively so we only take the single-chunk path when clearly safe.
	bitrate := p.EstimatedBitrateKbps
	if bitrate <= 0 {
		bitrate = 64
	}
	estimatedMB := (bitrate * durationSeconds) / 8 / 1024
	return estimatedMB < maxChunkSizeMB
}

func baseChunkSeconds(durationSeconds float64) float64 {
	switch {
	case durationSeconds > 14400:
		return 120
	case durationSeconds > 7200:
		return 150
	case durationSeconds > 3600:
		return 180
	case durationSeconds > 1800:
		return 240
	default:
		return 300
	}
}

func workerCount(durationSeconds float64, rpm int, lowThroughput bool) int {
	w := rpm / 60
	if w < 2 {
		w = 2
	}
	if w > 10 {
		w = 10
	}

	switch {
	case durationSeconds > 14400:
		w = w / 4
	case durationSeconds > 7200:
		w = w / 3
	case durationSeconds > 3600:
		w = w / 2
	}
	if w < 1 {
		w = 1
	}
	if lowThroughput && w > 3 {
		w = 3
	}
	return w
}
