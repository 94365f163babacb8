package transcription

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/captionscale/transcribe-api/errors"
	"github.com/stretchr/testify/require"
)

type fakeDoer struct {
	status int
	body   string
	err    error
	lastReq *http.Request
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: f.status,
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, nil
}

func writeTempChunk(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "chunk-*.flac")
	require.NoError(t, err)
	_, err = f.WriteString("fake-audio-bytes")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestUploaderTranscribeSuccess(t *testing.T) {
	doer := &fakeDoer{status: http.StatusOK, body: "hello world"}
	u := NewUploader(doer, map[Provider]string{ProviderGroq: "key"})

	text, err := u.Transcribe(context.Background(), ProviderGroq, "whisper-large-v3-turbo", "en", writeTempChunk(t))
	require.NoError(t, err)
	require.Equal(t, "hello world", text)
	require.Contains(t, doer.lastReq.Header.Get("Content-Type"), "multipart/form-data")
	require.Equal(t, "Bearer key", doer.lastReq.Header.Get("Authorization"))
}

func TestUploaderClassifiesRateLimited(t *testing.T) {
	doer := &fakeDoer{status: http.StatusTooManyRequests, body: "slow down"}
	u := NewUploader(doer, map[Provider]string{ProviderGroq: "key"})

	_, err := u.Transcribe(context.Background(), ProviderGroq, "whisper-large-v3-turbo", "en", writeTempChunk(t))
	require.Error(t, err)
	require.Equal(t, errors.KindRateLimited, errors.AsTaskError(err).Kind)
}

func TestUploaderClassifiesServiceUnavailable(t *testing.T) {
	doer := &fakeDoer{status: http.StatusServiceUnavailable, body: "down"}
	u := NewUploader(doer, map[Provider]string{ProviderGroq: "key"})

	_, err := u.Transcribe(context.Background(), ProviderGroq, "whisper-large-v3-turbo", "en", writeTempChunk(t))
	require.Error(t, err)
	require.Equal(t, errors.KindUpstreamUnavailable, errors.AsTaskError(err).Kind)
}
