// Package webhook POSTs a job-completion notification to the URL the
// caller supplied at submission time. Grounded on
// clients/callback_client.go's retryablehttp-backed client and
// doWithRetries shape, simplified from a periodic resend loop to a
// single best-effort POST: spec.md §6 defines exactly one completion
// event per job, not a recurring status stream.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/captionscale/transcribe-api/job"
	"github.com/captionscale/transcribe-api/log"
	"github.com/captionscale/transcribe-api/metrics"
)

const timeout = 30 * time.Second

// Payload is the JSON document posted on job completion (§6).
type Payload struct {
	JobID         string    `json:"job_id"`
	Owner         string    `json:"owner"`
	Status        string    `json:"status"`
	Totals        Totals    `json:"totals"`
	SuccessRate   float64   `json:"success_rate"`
	ArtifactReady bool      `json:"artifact_ready"`
	CompletedAt   time.Time `json:"completed_at"`
}

type Totals struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Retry      int `json:"retry"`
}

// Notifier sends the completion payload. Kept as an interface so the
// orchestrator can be tested without a real HTTP round trip.
type Notifier interface {
	Notify(j job.Job) error
}

type Client struct {
	httpClient *http.Client
}

func NewClient() *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0 // best-effort: a non-200 is logged, never retried (§6)
	rc.HTTPClient = &http.Client{Timeout: timeout}
	return &Client{httpClient: rc.StandardClient()}
}

// Notify POSTs the completion payload to j.WebhookURL. A non-200 response
// or transport error is logged and swallowed: the webhook is advisory,
// never a condition for marking the job itself failed.
func (c *Client) Notify(j job.Job) error {
	if j.WebhookURL == "" {
		return nil
	}

	payload := Payload{
		JobID:  j.ID,
		Owner:  j.Owner.Key(),
		Status: string(j.Status),
		Totals: Totals{
			Pending:    j.Totals.Pending,
			Processing: j.Totals.Processing,
			Completed:  j.Totals.Completed,
			Failed:     j.Totals.Failed,
			Retry:      j.Totals.Retry,
		},
		SuccessRate:   successRate(j),
		ArtifactReady: j.ArtifactPath != "",
		CompletedAt:   j.CompletedAt,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling webhook payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, j.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := metrics.MonitorRequest(metrics.Metrics.WebhookClient, c.httpClient, req)
	if err != nil {
		log.LogError(j.ID, "failed to send completion webhook", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Log(j.ID, "webhook returned non-200 response, not retrying", "status", resp.StatusCode)
	}
	return nil
}

func successRate(j job.Job) float64 {
	total := j.Totals.Completed + j.Totals.Failed
	if total == 0 {
		return 0
	}
	return float64(j.Totals.Completed) / float64(total)
}
