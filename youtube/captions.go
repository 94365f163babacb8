package youtube

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/captionscale/transcribe-api/config"
	"github.com/captionscale/transcribe-api/errors"
	"github.com/captionscale/transcribe-api/job"
	"github.com/captionscale/transcribe-api/log"
)

// CaptionSource fetches the raw caption track list for a video, returning
// segments already selected for the preferred language (see
// SelectTrack). Two concrete sources exist in the real ladder: a
// "modern" caption API and a "legacy" one (spec.md §4.5); both are modeled
// behind this one interface so CaptionFetcher's ladder loop doesn't care
// which library backs a given rung.
type CaptionSource interface {
	Fetch(ctx context.Context, videoID string, proxy *url.URL) ([]job.Segment, string, error)
}

// captionMethod is one rung of the four-method ladder.
type captionMethod struct {
	name   string
	fetch  func(ctx context.Context, videoID string) ([]job.Segment, string, error)
}

// CaptionFetcher executes the four-method ladder from §4.5: modern API via
// proxy, modern API direct, legacy API via proxy (HTTP_PROXY env,
// restored on exit), legacy API direct. First success wins; an empty
// result is treated as a failure so the ladder continues.
type CaptionFetcher struct {
	Modern CaptionSource
	Legacy CaptionSource
	Proxy  *url.URL // nil when no proxy credentials are configured
}

// NewCaptionFetcher wires a fetcher from the two caption sources and the
// optional proxy URL built from config.ProxyURLTemplate.
func NewCaptionFetcher(modern, legacy CaptionSource, proxy *url.URL) *CaptionFetcher {
	return &CaptionFetcher{Modern: modern, Legacy: legacy, Proxy: proxy}
}

func (f *CaptionFetcher) methods() []captionMethod {
	methods := []captionMethod{}
	if f.Proxy != nil {
		methods = append(methods, captionMethod{
			name: "modern/proxy",
			fetch: func(ctx context.Context, videoID string) ([]job.Segment, string, error) {
				return f.Modern.Fetch(ctx, videoID, f.Proxy)
			},
		})
	}
	methods = append(methods, captionMethod{
		name: "modern/direct",
		fetch: func(ctx context.Context, videoID string) ([]job.Segment, string, error) {
			return f.Modern.Fetch(ctx, videoID, nil)
		},
	})
	if f.Proxy != nil {
		methods = append(methods, captionMethod{
			name: "legacy/proxy",
			fetch: func(ctx context.Context, videoID string) ([]job.Segment, string, error) {
				return withHTTPProxyEnv(f.Proxy, func() ([]job.Segment, string, error) {
					return f.Legacy.Fetch(ctx, videoID, nil)
				})
			},
		})
	}
	methods = append(methods, captionMethod{
		name: "legacy/direct",
		fetch: func(ctx context.Context, videoID string) ([]job.Segment, string, error) {
			return f.Legacy.Fetch(ctx, videoID, nil)
		},
	})
	return methods
}

// Result is what CaptionFetcher.Fetch returns on success: the
// time-ordered segments, the language they were captured in, and which
// rung of the ladder produced them (e.g. "modern/direct"; the orchestrator
// records it on the Task's TranscriptMethodUsed with a "captions:" prefix).
type Result struct {
	Segments []job.Segment
	Language string
	Method   string
}

// Fetch runs the ladder, first success wins. The error surfaced to the
// caller is the last method's error, per §4.5.
func (f *CaptionFetcher) Fetch(ctx context.Context, requestID, videoID string) (Result, error) {
	var lastErr error
	for _, m := range f.methods() {
		segments, language, err := f.fetchWithRetry(ctx, m, videoID)
		if err != nil {
			lastErr = err
			log.Log(requestID, "caption method failed, trying next", "method", m.name, "err", err.Error())
			continue
		}
		if len(segments) == 0 {
			lastErr = fmt.Errorf("%s: empty result", m.name)
			continue
		}
		return Result{Segments: segments, Language: language, Method: m.name}, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no caption methods configured")
	}
	return Result{}, errors.NewTaskError(errors.KindNoTranscriptAvail, "all caption methods exhausted", lastErr)
}

// fetchWithRetry applies the retry policy from §7: four attempts, backoff
// starting at 2s, capped at 10s for non-rate-limit classes (caption
// fetching isn't subject to the 503/429 classes' 120s cap).
func (f *CaptionFetcher) fetchWithRetry(ctx context.Context, m captionMethod, videoID string) ([]job.Segment, string, error) {
	var segments []job.Segment
	var language string

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(func(b *backoff.ExponentialBackOff) {
		b.InitialInterval = 2 * time.Second
		b.Multiplier = 2
		b.MaxInterval = 10 * time.Second
	}), 3)

	err := backoff.Retry(func() error {
		s, l, err := m.fetch(ctx, videoID)
		if err != nil {
			return err
		}
		segments, language = s, l
		return nil
	}, b)
	return segments, language, err
}

// withHTTPProxyEnv sets HTTP_PROXY for the duration of fn, restoring the
// previous value on every exit path, for the legacy-library-via-env-var
// workaround in §4.5 rung 3.
func withHTTPProxyEnv(proxy *url.URL, fn func() ([]job.Segment, string, error)) ([]job.Segment, string, error) {
	prev, had := os.LookupEnv("HTTP_PROXY")
	_ = os.Setenv("HTTP_PROXY", proxy.String())
	defer func() {
		if had {
			_ = os.Setenv("HTTP_PROXY", prev)
		} else {
			_ = os.Unsetenv("HTTP_PROXY")
		}
	}()
	return fn()
}

// NewProxyURL builds the Webshare-style residential proxy URL from
// credentials, or nil if unconfigured.
func NewProxyURL(username, password string) *url.URL {
	if username == "" || password == "" {
		return nil
	}
	u, err := url.Parse(fmt.Sprintf(config.ProxyURLTemplate, username, password))
	if err != nil {
		return nil
	}
	return u
}

// preferredLanguages is the order manually-authored English variants are
// preferred in, per §4.5.
var preferredLanguages = []string{"en", "en-US", "en-GB"}

// SelectTrack chooses among available caption tracks per §4.5: prefer
// manually-authored English, else auto-generated English, else the first
// available track, recording the language code either way.
func SelectTrack(tracks []Track) (Track, bool) {
	if best, ok := findTrack(tracks, false); ok {
		return best, true
	}
	if best, ok := findTrack(tracks, true); ok {
		return best, true
	}
	if len(tracks) > 0 {
		return tracks[0], true
	}
	return Track{}, false
}

func findTrack(tracks []Track, generated bool) (Track, bool) {
	for _, lang := range preferredLanguages {
		for _, t := range tracks {
			if t.LanguageCode == lang && t.Generated == generated {
				return t, true
			}
		}
	}
	return Track{}, false
}

// Track describes one available caption track before its segments are
// fetched.
type Track struct {
	LanguageCode string
	Generated    bool
}
