package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/captionscale/transcribe-api/config"
	"github.com/captionscale/transcribe-api/job"
	"github.com/captionscale/transcribe-api/jobstore"
	"github.com/captionscale/transcribe-api/quota"
	"github.com/captionscale/transcribe-api/youtube"
)

func TestRecomputeTotalsCountsEachStatus(t *testing.T) {
	tasks := []job.Task{
		{Status: job.StatusCompleted},
		{Status: job.StatusCompleted},
		{Status: job.StatusFailed},
		{Status: job.StatusPending},
	}
	totals := recomputeTotals(tasks)
	require.Equal(t, job.Totals{Pending: 1, Completed: 2, Failed: 1}, totals)
}

func TestTerminalStatusCompletedIfAnyTaskSucceeded(t *testing.T) {
	tasks := []job.Task{{Status: job.StatusFailed}, {Status: job.StatusCompleted}}
	require.Equal(t, job.StatusCompleted, terminalStatus(tasks))
}

func TestTerminalStatusFailedIfNoneSucceeded(t *testing.T) {
	tasks := []job.Task{{Status: job.StatusFailed}, {Status: job.StatusFailed}}
	require.Equal(t, job.StatusFailed, terminalStatus(tasks))
}

func TestProviderModelForMethod(t *testing.T) {
	p, m := providerModelForMethod(job.MethodOpenAI)
	require.Equal(t, "openai", p)
	require.Equal(t, "whisper-1", m)

	p, m = providerModelForMethod(job.MethodGroq)
	require.Equal(t, "groq", p)
	require.Equal(t, "whisper-large-v3-turbo", m)
}

func TestRecoveredCatchesPanic(t *testing.T) {
	_, _, err := recovered(func() ([]job.Segment, string, error) {
		panic("boom")
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "panic during task processing")
}

type fakeCaptions struct {
	result youtube.Result
	err    error
}

func (f fakeCaptions) Fetch(ctx context.Context, requestID, videoID string) (youtube.Result, error) {
	return f.result, f.err
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, sqlmock.Sqlmock, sqlmock.Sqlmock) {
	t.Helper()
	jobDB, jobMock, err := sqlmock.New()
	require.NoError(t, err)
	quotaDB, quotaMock, err := sqlmock.New()
	require.NoError(t, err)

	store := jobstore.NewStore(jobDB)
	ledger := quota.NewLedger(quotaDB, []byte("salt"))

	counter := 0
	newID := func() string {
		counter++
		return fmt.Sprintf("id-%d", counter)
	}

	o := New(store, ledger, nil, nil, nil, nil, nil, newID)
	o.Now = func() time.Time { return time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC) }
	return o, jobMock, quotaMock
}

func TestSubmitRejectsInvalidURL(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	_, err := o.Submit(context.Background(), SubmitRequest{
		Owner:     job.Authenticated("u1"),
		SourceURL: "not a url at all \x00",
		Tier:      config.ResolveTier("free"),
	})
	require.Error(t, err)
}

func TestSubmitSingleVideoHappyPath(t *testing.T) {
	o, jobMock, quotaMock := newTestOrchestrator(t)
	tier := config.ResolveTier("free")

	jobMock.ExpectQuery("SELECT count").
		WithArgs("user:u1", "processing").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	quotaMock.ExpectBegin()
	quotaMock.ExpectExec("INSERT INTO quota_counters").
		WithArgs("user:u1", "2026-07-30", "jobs_per_day").
		WillReturnResult(sqlmock.NewResult(0, 1))
	quotaMock.ExpectQuery("SELECT value FROM quota_counters").
		WithArgs("user:u1", "2026-07-30", "jobs_per_day").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(int64(0)))
	quotaMock.ExpectExec("UPDATE quota_counters").
		WithArgs(int64(1), "user:u1", "2026-07-30", "jobs_per_day").
		WillReturnResult(sqlmock.NewResult(0, 1))
	quotaMock.ExpectCommit()

	jobMock.ExpectExec("INSERT INTO bulk_jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	jobMock.ExpectExec("INSERT INTO video_tasks").WillReturnResult(sqlmock.NewResult(1, 1))

	got, err := o.Submit(context.Background(), SubmitRequest{
		Owner:     job.Authenticated("u1"),
		SourceURL: "https://www.youtube.com/watch?v=abc123",
		Method:    job.MethodCaptionsOnly,
		Format:    job.FormatTXT,
		Tier:      tier,
		MaxVideos: tier.MaxVideosPerJob,
	})
	require.NoError(t, err)
	require.Equal(t, job.SourceVideo, got.SourceKind)
	require.Equal(t, 1, got.TotalVideos)
	require.NoError(t, jobMock.ExpectationsWereMet())
	require.NoError(t, quotaMock.ExpectationsWereMet())
}

func TestSubmitDeniesOverConcurrencyCap(t *testing.T) {
	o, jobMock, _ := newTestOrchestrator(t)
	tier := config.ResolveTier("free")

	jobMock.ExpectQuery("SELECT count").
		WithArgs("user:u1", "processing").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	_, err := o.Submit(context.Background(), SubmitRequest{
		Owner:     job.Authenticated("u1"),
		SourceURL: "https://www.youtube.com/watch?v=abc123",
		Tier:      tier,
	})
	require.Error(t, err)
	require.NoError(t, jobMock.ExpectationsWereMet())
}
