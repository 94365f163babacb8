package metrics

import (
	"github.com/captionscale/transcribe-api/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ClientMetrics is the per-client trio every HTTP-calling component
// exposes: retry count, failure count, request duration, all broken down
// by host.
type ClientMetrics struct {
	RetryCount      *prometheus.GaugeVec
	FailureCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// RateGateMetrics tracks the per-(provider,model) RateGate and circuit
// breaker state from §4.2.
type RateGateMetrics struct {
	Admitted       *prometheus.CounterVec
	Cooldowns      *prometheus.CounterVec
	CircuitState   *prometheus.GaugeVec
	CircuitOpens   *prometheus.CounterVec
}

// ChunkMetrics tracks TranscriptionEngine chunk dispatch from §4.7.
type ChunkMetrics struct {
	Duration  *prometheus.HistogramVec
	Failures  *prometheus.CounterVec
	SecondPass *prometheus.CounterVec
}

// JobMetrics tracks bulk job/task lifecycle counts from §4.9.
type JobMetrics struct {
	JobsCreated       *prometheus.CounterVec
	JobsInFlight      prometheus.Gauge
	TasksCompleted    *prometheus.CounterVec
	QuotaDenials      *prometheus.CounterVec
}

type TranscribeAPIMetrics struct {
	Version *prometheus.CounterVec

	CaptionClient       ClientMetrics
	AudioDownloadClient ClientMetrics
	ProviderClient      ClientMetrics
	WebhookClient       ClientMetrics
	StorageClient       ClientMetrics

	RateGateMetrics RateGateMetrics
	ChunkMetrics    ChunkMetrics
	JobMetrics      JobMetrics
}

func newClientMetrics(prefix, help string, extraLabels ...string) ClientMetrics {
	hostLabels := append([]string{"host"}, extraLabels...)
	failureLabels := append([]string{"host", "status_code"}, extraLabels...)
	return ClientMetrics{
		RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_retry_count",
			Help: "The number of retried " + help + " requests",
		}, hostLabels),
		FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_failure_count",
			Help: "The total number of failed " + help + " requests",
		}, failureLabels),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_request_duration_seconds",
			Help:    "Time taken to send " + help + " requests",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, hostLabels),
	}
}

func NewMetrics() *TranscribeAPIMetrics {
	m := &TranscribeAPIMetrics{
		Version: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "version",
			Help: "Current Git SHA / Tag that's running. Incremented once on app startup.",
		}, []string{"app", "version"}),

		CaptionClient:       newClientMetrics("caption_client", "caption fetch"),
		AudioDownloadClient: newClientMetrics("audio_download_client", "audio download"),
		ProviderClient:      newClientMetrics("provider_client", "transcription provider", "provider", "model"),
		WebhookClient:       newClientMetrics("webhook_client", "webhook delivery"),
		StorageClient:       newClientMetrics("storage_client", "object store", "operation", "bucket"),

		RateGateMetrics: RateGateMetrics{
			Admitted: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "rategate_admitted_total",
				Help: "Number of leases admitted by the rate gate",
			}, []string{"provider", "model"}),
			Cooldowns: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "rategate_cooldowns_total",
				Help: "Number of times the rate gate entered a failure cooldown",
			}, []string{"provider", "model"}),
			CircuitState: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "rategate_circuit_state",
				Help: "Current circuit breaker phase (0=closed, 1=half_open, 2=open)",
			}, []string{"provider", "model"}),
			CircuitOpens: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "rategate_circuit_opens_total",
				Help: "Number of times the circuit breaker transitioned to open",
			}, []string{"provider", "model"}),
		},

		ChunkMetrics: ChunkMetrics{
			Duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "chunk_transcription_duration_seconds",
				Help:    "Time taken to transcribe one audio chunk",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
			}, []string{"provider", "model"}),
			Failures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "chunk_transcription_failures_total",
				Help: "Number of chunk transcription failures by error kind",
			}, []string{"provider", "model", "kind"}),
			SecondPass: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "chunk_transcription_second_pass_total",
				Help: "Number of chunks retried in the second pass",
			}, []string{"provider", "model", "outcome"}),
		},

		JobMetrics: JobMetrics{
			JobsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "jobs_created_total",
				Help: "Number of bulk jobs created",
			}, []string{"tier"}),
			JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "jobs_in_flight",
				Help: "A count of the bulk jobs currently processing",
			}),
			TasksCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tasks_completed_total",
				Help: "Number of video tasks reaching a terminal state",
			}, []string{"status"}),
			QuotaDenials: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "quota_denials_total",
				Help: "Number of job/task creations refused by the quota ledger",
			}, []string{"metric"}),
		},
	}

	m.Version.WithLabelValues("transcribe-api", config.Version).Inc()

	return m
}

var Metrics = NewMetrics()
