// Package storage reads transcript-by-reference content and writes the
// packaged ZIP artifact to S3-compatible object storage. Grounded on
// clients/s3.go's thin *s3.S3-wrapping struct and
// clients/mediaconvert.go's session.NewSession/aws.NewConfig setup,
// using github.com/aws/aws-sdk-go directly (teacher dependency).
package storage

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/captionscale/transcribe-api/metrics"
)

// Options configures the S3-compatible endpoint transcripts and
// artifacts are stored against.
type Options struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
}

type Store struct {
	bucket string
	host   string
	client *s3.S3
}

func NewStore(opts Options) (*Store, error) {
	cfg := aws.NewConfig().
		WithRegion(opts.Region).
		WithCredentials(credentials.NewStaticCredentials(opts.AccessKeyID, opts.AccessKeySecret, ""))
	host := "s3." + opts.Region + ".amazonaws.com"
	if opts.Endpoint != "" {
		cfg = cfg.WithEndpoint(opts.Endpoint).WithS3ForcePathStyle(true)
		host = opts.Endpoint
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating object storage session: %w", err)
	}
	return &Store{bucket: opts.Bucket, host: host, client: s3.New(sess)}, nil
}

// track records StorageClient duration/failure metrics around op, labeled
// by host/operation/bucket the same way ClientMetrics is labeled for the
// retryablehttp-backed clients, since the AWS SDK doesn't hand us the
// *http.Request metrics.MonitorRequest expects.
func (s *Store) track(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	if err != nil {
		status := "error"
		if aerr, ok := err.(interface{ Code() string }); ok {
			status = aerr.Code()
		}
		metrics.Metrics.StorageClient.FailureCount.WithLabelValues(s.host, status, op, s.bucket).Inc()
		return err
	}
	metrics.Metrics.StorageClient.RequestDuration.WithLabelValues(s.host, op, s.bucket).Observe(time.Since(start).Seconds())
	return nil
}

// FetchTranscript downloads a transcript previously stored by reference
// (§6: "when fetching for packaging, the orchestrator reads inline if
// present, else downloads from the referenced URL").
func (s *Store) FetchTranscript(key string) (string, error) {
	var body string
	err := s.track("get_transcript", func() error {
		out, err := s.client.GetObject(&s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("fetching transcript %s: %w", key, err)
		}
		defer out.Body.Close()

		raw, err := io.ReadAll(out.Body)
		if err != nil {
			return fmt.Errorf("reading transcript %s: %w", key, err)
		}
		body = string(raw)
		return nil
	})
	return body, err
}

// PutTranscript stores a task's transcript content under key, used when
// inline storage would bloat the task row beyond what's worth keeping in
// Postgres. The caller chooses the key (see TranscriptKey).
func (s *Store) PutTranscript(key, content string) error {
	return s.track("put_transcript", func() error {
		_, err := s.client.PutObject(&s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader([]byte(content)),
		})
		if err != nil {
			return fmt.Errorf("storing transcript %s: %w", key, err)
		}
		return nil
	})
}

// PutArtifact uploads the assembled ZIP archive under key, which the
// caller chooses (see ArtifactKey) (§6: "Artifact archive").
func (s *Store) PutArtifact(key string, data []byte) error {
	return s.track("put_artifact", func() error {
		_, err := s.client.PutObject(&s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/zip"),
		})
		if err != nil {
			return fmt.Errorf("storing artifact %s: %w", key, err)
		}
		return nil
	})
}

// Presign returns a time-limited download URL for a stored object,
// mirroring clients/s3.go's PresignS3.
func (s *Store) Presign(key string) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return req.Presign(time.Hour)
}

// ArtifactKey builds the storage key for a job's ZIP archive, following
// §6's filename grammar: bulk_job_{id}_{YYYYMMDD_HHMMSS}.zip.
func ArtifactKey(jobID string, at time.Time) string {
	return fmt.Sprintf("artifacts/bulk_job_%s_%s.zip", jobID, at.UTC().Format("20060102_150405"))
}

// TranscriptKey builds the storage key a single task's by-reference
// transcript is written under.
func TranscriptKey(jobID, taskID string) string {
	return fmt.Sprintf("transcripts/%s/%s.txt", jobID, taskID)
}
