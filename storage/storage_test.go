package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestArtifactKeyFormat(t *testing.T) {
	at := time.Date(2026, 7, 30, 14, 5, 9, 0, time.UTC)
	require.Equal(t, "artifacts/bulk_job_job-1_20260730_140509.zip", ArtifactKey("job-1", at))
}

func TestTranscriptKeyFormat(t *testing.T) {
	require.Equal(t, "transcripts/job-1/task-2.txt", TranscriptKey("job-1", "task-2"))
}
