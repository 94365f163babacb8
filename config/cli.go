package config

import "time"

// Cli is the flat set of options accepted on the command line / environment,
// parsed by peterbourgon/ff/v3 the way the teacher's config.Cli is (see
// cmd/server/main.go). Mirrors the "Configuration surface" of spec.md §6.
type Cli struct {
	HTTPAddress   string
	PromPort      int
	PprofPort     int
	TempDir       string
	DatabaseURL   string
	WebhookSecret string

	ProxyUsername string
	ProxyPassword string

	ProviderAPIKeys map[string]string

	MaxConcurrentTranscriptions int
	AudioMaxFileSizeMB          int
	AudioChunkOverlapSeconds    float64
	AudioSampleRateHz           int
	AudioChannels               int
	AudioFallbackMaxDurationSec int

	YtDlpCookieFile string

	GuestSessionSalt string

	// AdminToken gates the operator-only /debug/sysinfo route.
	AdminToken string

	// YtDlpUpdateInterval runs `yt-dlp -U` on a ticker when positive; zero
	// disables the background updater entirely.
	YtDlpUpdateInterval time.Duration

	// Object storage, backing storage.Store (transcript-by-reference reads
	// and ZIP artifact writes).
	StorageRegion          string
	StorageEndpoint        string // set for an S3-compatible store other than AWS
	StorageAccessKeyID     string
	StorageAccessKeySecret string
	StorageBucket          string
}

// DefaultCli returns the configuration defaults referenced throughout §6.
func DefaultCli() Cli {
	return Cli{
		HTTPAddress:                 "0.0.0.0:8989",
		PromPort:                    9090,
		PprofPort:                   6060,
		TempDir:                     "/tmp/transcribe-api",
		MaxConcurrentTranscriptions: 10,
		AudioMaxFileSizeMB:          25,
		AudioChunkOverlapSeconds:    0.5,
		AudioSampleRateHz:           16000,
		AudioChannels:               1,
		AudioFallbackMaxDurationSec: 600,
		ProviderAPIKeys:             map[string]string{},
		YtDlpUpdateInterval:         6 * time.Hour,
		StorageRegion:               "us-east-1",
	}
}
