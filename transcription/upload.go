package transcription

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/captionscale/transcribe-api/errors"
)

// httpDoer is the minimal surface Uploader needs, mirrored from
// youtube.httpDoer so this package also stays decoupled from a concrete
// *httpcaller.Client in its tests.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Uploader builds and sends the chunk transcription request described in
// §4.1/§6: multipart upload of the FLAC chunk, model name, language code,
// temperature 0.0, response_format "text". mime/multipart is stdlib; no
// example in the pack constructs a multipart request body, so this is
// necessarily a direct implementation against the standard library.
//
// APIKeys is keyed by Provider since Groq and OpenAI are two independent
// accounts with two independent bearer tokens (§6's "Provider A"/"Provider
// B" each carry their own credential).
type Uploader struct {
	Client  httpDoer
	APIKeys map[Provider]string
}

func NewUploader(client httpDoer, apiKeys map[Provider]string) *Uploader {
	return &Uploader{Client: client, APIKeys: apiKeys}
}

// Transcribe uploads one chunk to provider/model and returns the plain-text
// transcription.
func (u *Uploader) Transcribe(ctx context.Context, provider Provider, model, language, chunkPath string) (string, error) {
	body, contentType, err := buildMultipart(chunkPath, model, language)
	if err != nil {
		return "", errors.NewTaskError(errors.KindInternal, "building upload body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.Endpoint(), body)
	if err != nil {
		return "", errors.NewTaskError(errors.KindInternal, "building upload request", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+u.APIKeys[provider])

	resp, err := u.Client.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.NewTaskError(errors.KindInternal, "reading upload response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatusError(resp.StatusCode, string(raw))
	}
	return string(raw), nil
}

func buildMultipart(chunkPath, model, language string) (*bytes.Buffer, string, error) {
	f, err := os.Open(chunkPath)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	part, err := w.CreateFormFile("file", chunkPath)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}

	for field, value := range map[string]string{
		"model":           model,
		"language":        language,
		"temperature":     "0.0",
		"response_format": "text",
	} {
		if err := w.WriteField(field, value); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

func classifyTransportError(err error) error {
	return errors.NewTaskError(errors.KindUpstreamUnavailable, "transport error calling provider", err)
}

func classifyStatusError(status int, body string) error {
	switch status {
	case http.StatusTooManyRequests:
		return errors.NewTaskError(errors.KindRateLimited, "provider rate limited", fmt.Errorf("status %d: %s", status, body))
	case http.StatusServiceUnavailable:
		return errors.NewTaskError(errors.KindUpstreamUnavailable, "provider unavailable", fmt.Errorf("status %d: %s", status, body))
	default:
		return errors.NewTaskError(errors.KindTranscriptionFailed, "provider returned non-200", fmt.Errorf("status %d: %s", status, body))
	}
}
