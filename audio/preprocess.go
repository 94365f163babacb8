// Package audio wraps FFmpeg for the normalise/cut operations of §4.4,
// the way thumbnails.GenerateThumbs and video.Probe wrap it for their own
// media operations.
package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	ffprobe "gopkg.in/vansante/go-ffprobe.v2"

	"github.com/captionscale/transcribe-api/config"
	"github.com/captionscale/transcribe-api/log"
)

// Preprocessor runs the two FFmpeg-backed operations from §4.4: Normalise
// (resample, downmix, re-encode to FLAC, optional tempo change) and Cut
// (extract a timed segment, shrinking it if it doesn't fit under the
// provider's upload limit).
type Preprocessor struct {
	SampleRateHz int
	Channels     int
	WorkDir      string
	MaxBytes     int64
}

func NewPreprocessor(cli *config.Cli) *Preprocessor {
	return &Preprocessor{
		SampleRateHz: cli.AudioSampleRateHz,
		Channels:     cli.AudioChannels,
		WorkDir:      cli.TempDir,
		MaxBytes:     int64(cli.AudioMaxFileSizeMB) * 1024 * 1024,
	}
}

// Probe returns the duration of the file at path, via ffprobe, retried the
// same way video.Probe retries its own ffprobe calls.
func Probe(path string) (time.Duration, error) {
	var data *ffprobe.ProbeData
	var err error
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		data, err = ffprobe.ProbeURL(ctx, path, "-loglevel", "error")
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	if retryErr := backoff.Retry(op, backoff.WithMaxRetries(backOff, 3)); retryErr != nil {
		return 0, fmt.Errorf("error probing %s: %w", path, retryErr)
	}

	seconds, parseErr := strconv.ParseFloat(data.Format.Duration, 64)
	if parseErr != nil {
		return 0, fmt.Errorf("error parsing duration from probe: %w", parseErr)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// tempoFilter builds the chained atempo filter string for a speed
// multiplier. FFmpeg's atempo filter only accepts factors in [0.5, 2.0],
// so 3x and 4x are expressed as chained 2x/1.5x stages (§4.4).
func tempoFilter(speed float64) string {
	switch {
	case speed <= 1:
		return ""
	case speed <= 2:
		return fmt.Sprintf("atempo=%.2f", speed)
	case speed <= 4:
		return fmt.Sprintf("atempo=2.0,atempo=%.2f", speed/2)
	default:
		return "atempo=2.0,atempo=2.0"
	}
}

// Normalise resamples input to the configured sample rate, downmixes to
// mono, re-encodes to FLAC at the lowest compression level, and applies an
// optional tempo filter. Returns the path of the produced FLAC file.
func (p *Preprocessor) Normalise(requestID, inputPath string, speed float64) (string, error) {
	outputPath := filepath.Join(p.WorkDir, requestID+"_normalised.flac")

	outArgs := ffmpeg.KwArgs{
		"ar":                p.SampleRateHz,
		"ac":                p.Channels,
		"compression_level": 0,
	}
	if filter := tempoFilter(speed); filter != "" {
		outArgs["af"] = filter
	}

	var stderr bytes.Buffer
	err := ffmpeg.
		Input(inputPath).
		Output(outputPath, outArgs).
		OverWriteOutput().WithErrorOutput(&stderr).Run()
	if err != nil {
		log.LogError(requestID, "ffmpeg normalise failed", err, "stderr", stderr.String())
		return "", fmt.Errorf("normalise %s: %w", inputPath, err)
	}
	return outputPath, nil
}

// Cut extracts [start, start+duration) from inputPath as a FLAC segment.
// If the result is over maxBytes it halves the duration and retries,
// returning an error once the duration can no longer be halved usefully
// (§4.4: "abort the chunk if it cannot be made small enough").
func (p *Preprocessor) Cut(requestID, inputPath string, start, duration time.Duration) (string, error) {
	const minDuration = 2 * time.Second

	for duration >= minDuration {
		outputPath := filepath.Join(p.WorkDir, fmt.Sprintf("%s_chunk_%d.flac", requestID, start.Milliseconds()))
		_ = os.Remove(outputPath)

		var stderr bytes.Buffer
		err := ffmpeg.
			Input(inputPath, ffmpeg.KwArgs{"ss": formatSeconds(start)}).
			Output(outputPath, ffmpeg.KwArgs{
				"t":  formatSeconds(duration),
				"ar": p.SampleRateHz,
				"ac": p.Channels,
			}).
			OverWriteOutput().WithErrorOutput(&stderr).Run()
		if err != nil {
			log.LogError(requestID, "ffmpeg cut failed", err, "stderr", stderr.String())
			return "", fmt.Errorf("cut %s at %s: %w", inputPath, start, err)
		}

		info, statErr := os.Stat(outputPath)
		if statErr != nil {
			return "", fmt.Errorf("cut %s: stat output: %w", inputPath, statErr)
		}
		if info.Size() <= p.MaxBytes {
			return outputPath, nil
		}

		log.Log(requestID, "chunk over upload limit, halving and retrying", "size", info.Size(), "max", p.MaxBytes)
		_ = os.Remove(outputPath)
		duration /= 2
	}
	return "", fmt.Errorf("cut %s: could not shrink chunk under %d bytes", inputPath, p.MaxBytes)
}

func formatSeconds(d time.Duration) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", d.Seconds()), "0"), ".")
}
