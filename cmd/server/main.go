// transcribe-api serves the bulk YouTube transcription job API: submit a
// video/playlist/channel URL, watch it fan out into per-video tasks across
// the caption and audio-transcription acquisition ladders, and collect a
// packaged ZIP of the results. Flag parsing, the errgroup-driven shutdown,
// and the pprof/metrics side-listeners are grounded directly on the
// teacher's root main.go.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sync/errgroup"

	"github.com/captionscale/transcribe-api/api"
	"github.com/captionscale/transcribe-api/audio"
	"github.com/captionscale/transcribe-api/config"
	"github.com/captionscale/transcribe-api/httpcaller"
	"github.com/captionscale/transcribe-api/job"
	"github.com/captionscale/transcribe-api/jobstore"
	"github.com/captionscale/transcribe-api/log"
	"github.com/captionscale/transcribe-api/metrics"
	"github.com/captionscale/transcribe-api/middleware"
	"github.com/captionscale/transcribe-api/orchestrator"
	"github.com/captionscale/transcribe-api/pprof"
	"github.com/captionscale/transcribe-api/quota"
	"github.com/captionscale/transcribe-api/ratelimit"
	"github.com/captionscale/transcribe-api/storage"
	"github.com/captionscale/transcribe-api/transcription"
	"github.com/captionscale/transcribe-api/webhook"
	"github.com/captionscale/transcribe-api/youtube"
)

func main() {
	fs := flag.NewFlagSet("transcribe-api", flag.ExitOnError)
	cli := config.DefaultCli()

	version := fs.Bool("version", false, "print application version")

	fs.StringVar(&cli.HTTPAddress, "http-addr", cli.HTTPAddress, "Address to bind for the public job API")
	fs.IntVar(&cli.PromPort, "prom-port", cli.PromPort, "Port to serve Prometheus metrics on")
	fs.IntVar(&cli.PprofPort, "pprof-port", cli.PprofPort, "Port to serve pprof profiling endpoints on")
	fs.StringVar(&cli.TempDir, "temp-dir", cli.TempDir, "Scratch directory for downloaded audio and intermediate chunks")
	fs.StringVar(&cli.DatabaseURL, "database-url", cli.DatabaseURL, "Postgres connection string for job/task/quota state")
	fs.StringVar(&cli.WebhookSecret, "webhook-secret", cli.WebhookSecret, "Shared secret for outbound webhooks; parsed but not read: webhook payloads are sent unsigned")
	fs.StringVar(&cli.AdminToken, "admin-token", cli.AdminToken, "Bearer token required for operator-only routes such as /debug/sysinfo")
	fs.StringVar(&cli.GuestSessionSalt, "guest-session-salt", cli.GuestSessionSalt, "Secret mixed into guest session id hashing")

	fs.StringVar(&cli.ProxyUsername, "proxy-username", cli.ProxyUsername, "Residential proxy username for the caption/audio acquisition ladders")
	fs.StringVar(&cli.ProxyPassword, "proxy-password", cli.ProxyPassword, "Residential proxy password")
	fs.StringVar(&cli.YtDlpCookieFile, "yt-dlp-cookie-file", cli.YtDlpCookieFile, "Path to a cookie jar yt-dlp can use for the cookie-file download strategy")
	fs.DurationVar(&cli.YtDlpUpdateInterval, "yt-dlp-update-interval", cli.YtDlpUpdateInterval, "How often to run yt-dlp -U in the background; 0 disables it")

	fs.IntVar(&cli.MaxConcurrentTranscriptions, "max-concurrent-transcriptions", cli.MaxConcurrentTranscriptions, "Upper bound on in-flight chunk transcriptions; parsed but not read: the transcription engine sizes its worker pool from the chunk plan")
	fs.IntVar(&cli.AudioMaxFileSizeMB, "audio-max-file-size-mb", cli.AudioMaxFileSizeMB, "Per-chunk upload size ceiling before a provider rejects it")
	fs.Float64Var(&cli.AudioChunkOverlapSeconds, "audio-chunk-overlap-seconds", cli.AudioChunkOverlapSeconds, "Overlap between consecutive audio chunks; parsed but not read: the chunker uses its fixed 0.5s overlap")
	fs.IntVar(&cli.AudioSampleRateHz, "audio-sample-rate-hz", cli.AudioSampleRateHz, "Sample rate audio is normalised to before chunking")
	fs.IntVar(&cli.AudioChannels, "audio-channels", cli.AudioChannels, "Channel count audio is downmixed to before chunking")
	fs.IntVar(&cli.AudioFallbackMaxDurationSec, "audio-fallback-max-duration-sec", cli.AudioFallbackMaxDurationSec, "Longest video duration the audio-fallback ladder will still attempt")

	fs.StringVar(&cli.StorageRegion, "storage-region", cli.StorageRegion, "Object storage region")
	fs.StringVar(&cli.StorageEndpoint, "storage-endpoint", cli.StorageEndpoint, "Object storage endpoint, for an S3-compatible store other than AWS")
	fs.StringVar(&cli.StorageAccessKeyID, "storage-access-key-id", cli.StorageAccessKeyID, "Object storage access key id")
	fs.StringVar(&cli.StorageAccessKeySecret, "storage-access-key-secret", cli.StorageAccessKeySecret, "Object storage access key secret")
	fs.StringVar(&cli.StorageBucket, "storage-bucket", cli.StorageBucket, "Object storage bucket for transcripts and packaged artifacts")

	groqKey := fs.String("groq-api-key", "", "API key for the Groq transcription provider")
	openAIKey := fs.String("openai-api-key", "", "API key for the OpenAI transcription provider")

	_ = fs.String("config", "", "config file (optional)")

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("TRANSCRIBE_API"),
	); err != nil {
		log.LogNoRequestID("error parsing cli flags", "err", err)
		os.Exit(1)
	}

	if *version {
		fmt.Printf("transcribe-api version: %s\n", config.Version)
		return
	}

	if *groqKey != "" {
		cli.ProviderAPIKeys["groq"] = *groqKey
	}
	if *openAIKey != "" {
		cli.ProviderAPIKeys["openai"] = *openAIKey
	}

	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return pprof.ListenAndServe(cli.PprofPort)
	})
	group.Go(func() error {
		return metrics.ListenAndServe(cli.PromPort)
	})

	deps, err := wireDeps(cli)
	if err != nil {
		log.LogNoRequestID("failed to initialize dependencies", "err", err)
		os.Exit(1)
	}
	defer deps.store.Close()

	if cli.YtDlpUpdateInterval > 0 {
		updater, err := middleware.NewUpdater(cli.YtDlpUpdateInterval, 5*time.Minute, config.YtDlpPath, "-U")
		if err != nil {
			log.LogNoRequestID("failed to configure yt-dlp updater", "err", err)
		} else {
			ticker := updater.RunBg()
			defer ticker.Stop()
		}
	}

	group.Go(func() error {
		return handleSignals(ctx)
	})

	group.Go(func() error {
		return api.ListenAndServe(ctx, &api.Deps{
			Cli:          cli,
			Orchestrator: deps.orchestrator,
			Store:        deps.store,
			Quota:        deps.ledger,
			Storage:      deps.storage,
		})
	})

	log.LogNoRequestID("shutdown complete", "reason", fmt.Sprint(group.Wait()))
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	select {
	case s := <-c:
		return fmt.Errorf("caught signal=%v", s)
	case <-ctx.Done():
		return nil
	}
}

// appDeps bundles the components wireDeps builds, handed off to api.Deps
// and closed/stopped from main.
type appDeps struct {
	store        *jobstore.Store
	ledger       *quota.Ledger
	storage      *storage.Store
	orchestrator *orchestrator.Orchestrator
}

// wireDeps builds the full dependency graph: pooled HTTP clients per
// downstream (captions, providers), the caption and audio
// acquisition ladders, the chunked transcription engine, object storage,
// webhook delivery, and the orchestrator that ties persistence, quota, and
// the two ladders together.
func wireDeps(cli config.Cli) (*appDeps, error) {
	db, err := sql.Open("postgres", cli.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	store := jobstore.NewStore(db)
	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("migrating job store: %w", err)
	}

	ledger := quota.NewLedger(db, []byte(cli.GuestSessionSalt))
	if err := ledger.Migrate(); err != nil {
		return nil, fmt.Errorf("migrating quota ledger: %w", err)
	}

	st, err := storage.NewStore(storage.Options{
		Region:          cli.StorageRegion,
		Endpoint:        cli.StorageEndpoint,
		AccessKeyID:     cli.StorageAccessKeyID,
		AccessKeySecret: cli.StorageAccessKeySecret,
		Bucket:          cli.StorageBucket,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring object storage: %w", err)
	}

	captionClient := httpcaller.NewClient(metrics.Metrics.CaptionClient)
	providerClient := httpcaller.NewClient(metrics.Metrics.ProviderClient)

	var proxy *url.URL
	if cli.ProxyUsername != "" && cli.ProxyPassword != "" {
		proxy = youtube.NewProxyURL(cli.ProxyUsername, cli.ProxyPassword)
	}

	captionFetcher := youtube.NewCaptionFetcher(
		&youtube.ModernCaptionSource{Client: captionClient},
		&youtube.LegacyCaptionSource{Client: captionClient},
		proxy,
	)
	audioFetcher := youtube.NewAudioFetcher(cli.YtDlpCookieFile, cli.TempDir)

	providerAPIKeys := map[transcription.Provider]string{}
	for provider, key := range cli.ProviderAPIKeys {
		providerAPIKeys[transcription.Provider(provider)] = key
	}

	preprocessor := audio.NewPreprocessor(&cli)
	uploader := transcription.NewUploader(providerClient, providerAPIKeys)
	gates := ratelimit.NewRegistry()
	dedup := ratelimit.NewDedup()
	engine := transcription.NewEngine(preprocessor, uploader, gates, dedup)

	webhookClient := webhook.NewClient()

	orch := orchestrator.New(store, ledger, st, webhookClient, captionFetcher, audioFetcher, &engineAdapter{engine}, newJobID)
	orch.AudioFallbackMaxDurationSec = cli.AudioFallbackMaxDurationSec

	return &appDeps{store: store, ledger: ledger, storage: st, orchestrator: orch}, nil
}

// engineAdapter satisfies orchestrator.AudioTranscriber by translating the
// orchestrator's narrowed AudioRequest into transcription.Request, so the
// orchestrator package doesn't need to import transcription just to name a
// struct literal.
type engineAdapter struct {
	engine *transcription.Engine
}

func (a *engineAdapter) Transcribe(ctx context.Context, req orchestrator.AudioRequest) ([]job.Segment, error) {
	return a.engine.Transcribe(ctx, transcription.Request{
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

func newJobID() string {
	return uuid.NewString()
}
