package config

import (
	"math/rand"
	"time"
)

var Version string

// FFmpegPath / FFprobePath let operators point at a non-PATH binary.
var FFmpegPath = "ffmpeg"
var FFprobePath = "ffprobe"
var YtDlpPath = "yt-dlp"

// YtDlpFallbackPath is a second, independently packaged extractor binary
// used by AudioFetcher strategy #4 (§4.6) when the primary one misbehaves.
var YtDlpFallbackPath = "yt-dlp-fallback"

// Webshare-style residential proxy template, credentials lifted from Cli.
const ProxyURLTemplate = "http://%s:%s@p.webshare.io:80"

// TaskRetryCap bounds the orchestrator's second-pass task retry (§4.9 step
// 8): a task that ends failed with RetryCount below this cap is promoted to
// retry_pending and re-run once. RetryCount reaching the cap makes the
// failure permanent.
const TaskRetryCap = 1

// RandomTrailer generates a short lowercase-alphanumeric suffix, used to
// mint a request ID when a caller doesn't supply one of its own.
func RandomTrailer(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	res := make([]byte, length)
	for i := 0; i < length; i++ {
		res[i] = charset[r.Intn(len(charset))]
	}
	return string(res)
}

// Tier is a named quota profile resolved per authenticated user (§5, §4.10).
type Tier struct {
	Name                string
	MaxConcurrentJobs   int
	InterTaskDelay      time.Duration
	MaxVideosPerJob     int
	CaptionsPerDay      int64
	AIMethodPerDay      int64
}

// TierRegistry holds the constants from §5 ("Inter-task delay by tier",
// "Concurrency caps per tier"). Looked up by name through ResolveTier: the
// api package uses the tier named in an authenticated request (there is no
// subscription lookup), and the orchestrator re-resolves the name stored in
// the job's metadata. Kept here as a package-level registry the way the
// teacher keeps MAX_JOBS_IN_FLIGHT-style tunables as config vars.
var TierRegistry = map[string]Tier{
	"free": {
		Name:              "free",
		MaxConcurrentJobs: 1,
		InterTaskDelay:    5 * time.Second,
		MaxVideosPerJob:   5,
		CaptionsPerDay:    20,
		AIMethodPerDay:    3,
	},
	"basic": {
		Name:              "basic",
		MaxConcurrentJobs: 2,
		InterTaskDelay:    4 * time.Second,
		MaxVideosPerJob:   25,
		CaptionsPerDay:    200,
		AIMethodPerDay:    50,
	},
	"pro": {
		Name:              "pro",
		MaxConcurrentJobs: 3,
		InterTaskDelay:    3 * time.Second,
		MaxVideosPerJob:   100,
		CaptionsPerDay:    2000,
		AIMethodPerDay:    500,
	},
	"enterprise": {
		Name:              "enterprise",
		MaxConcurrentJobs: 5,
		InterTaskDelay:    3 * time.Second,
		MaxVideosPerJob:   1000,
		CaptionsPerDay:    1 << 32,
		AIMethodPerDay:    1 << 32,
	},
}

// GuestLimits are the per-type limits enforced for unauthenticated sessions
// (§4.10): captions-method count, AI-method count, bulk-videos total, and a
// one-job-per-day cap enforced at job creation.
type GuestLimitSet struct {
	CaptionsPerDay  int64
	AIMethodPerDay  int64
	BulkVideosTotal int64
	JobsPerDay      int64
}

var GuestLimits = GuestLimitSet{
	CaptionsPerDay:  3,
	AIMethodPerDay:  1,
	BulkVideosTotal: 3,
	JobsPerDay:      1,
}

// ResolveTier looks up a tier by name, falling back to "free" for unknown or
// empty names so callers never have to nil-check.
func ResolveTier(name string) Tier {
	if t, ok := TierRegistry[name]; ok {
		return t
	}
	return TierRegistry["free"]
}

// GuestTier synthesizes a Tier view of GuestLimits for callers (the api
// package's Submit handler) that need a single config.Tier value to pass
// through to Orchestrator.Submit regardless of whether the caller is
// authenticated or a guest. Concurrency/inter-task pacing mirror the free
// tier since GuestLimitSet doesn't carry its own; the per-metric ceilings
// come from GuestLimits and are what quota.limitFor actually consults for
// guest principals (limitFor does not read this Tier's
// CaptionsPerDay/AIMethodPerDay for guests; the orchestrator reads its Name
// and MaxConcurrentJobs, and the api package its MaxVideosPerJob).
func GuestTier() Tier {
	free := TierRegistry["free"]
	return Tier{
		Name:              "guest",
		MaxConcurrentJobs: free.MaxConcurrentJobs,
		InterTaskDelay:    free.InterTaskDelay,
		MaxVideosPerJob:   int(GuestLimits.BulkVideosTotal),
		CaptionsPerDay:    GuestLimits.CaptionsPerDay,
		AIMethodPerDay:    GuestLimits.AIMethodPerDay,
	}
}

// RateModel defaults used by ratelimit.NewGate, keyed by model class (§4.2).
type RateModelDefaults struct {
	RPM              int
	SafetyFactor     float64
	FailureThreshold int
	RecoverySeconds  int
}

var RateModelClasses = map[string]RateModelDefaults{
	"turbo":     {RPM: 400, SafetyFactor: 0.8, FailureThreshold: 3, RecoverySeconds: 60},
	"standard":  {RPM: 300, SafetyFactor: 0.8, FailureThreshold: 3, RecoverySeconds: 45},
	"distilled": {RPM: 100, SafetyFactor: 0.7, FailureThreshold: 2, RecoverySeconds: 30},
}
