package youtube

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/captionscale/transcribe-api/job"
)

// httpDoer is the minimal surface CaptionSource implementations need from
// httpcaller.Client, so this package doesn't import it directly and stays
// a leaf the way the teacher's clients/ package leaves are leaves.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ModernCaptionSource talks to YouTube's JSON-based caption listing surface
// (the "get_transcript" style API used by modern caption libraries).
type ModernCaptionSource struct {
	Client httpDoer
}

func (m *ModernCaptionSource) Fetch(ctx context.Context, videoID string, proxy *url.URL) ([]job.Segment, string, error) {
	tracks, err := m.listTracks(ctx, videoID, proxy)
	if err != nil {
		return nil, "", err
	}
	track, ok := SelectTrack(tracks)
	if !ok {
		return nil, "", fmt.Errorf("no caption tracks available for %s", videoID)
	}
	segments, err := m.fetchTrack(ctx, videoID, track, proxy)
	return segments, track.LanguageCode, err
}

func (m *ModernCaptionSource) listTracks(ctx context.Context, videoID string, proxy *url.URL) ([]Track, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("https://www.youtube.com/api/timedtext?type=list&v=%s&fmt=json3", url.QueryEscape(videoID)), nil)
	if err != nil {
		return nil, err
	}
	applyProxy(req, proxy)

	resp, err := m.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("timedtext list returned status %d", resp.StatusCode)
	}

	var body struct {
		Tracks []struct {
			LangCode string `json:"languageCode"`
			Kind     string `json:"kind"`
		} `json:"tracks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	tracks := make([]Track, len(body.Tracks))
	for i, t := range body.Tracks {
		tracks[i] = Track{LanguageCode: t.LangCode, Generated: t.Kind == "asr"}
	}
	return tracks, nil
}

type json3Event struct {
	TStartMs int64 `json:"tStartMs"`
	DDurMs   int64 `json:"dDurMs"`
	Segs     []struct {
		Utf8 string `json:"utf8"`
	} `json:"segs"`
}

func (m *ModernCaptionSource) fetchTrack(ctx context.Context, videoID string, track Track, proxy *url.URL) ([]job.Segment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("https://www.youtube.com/api/timedtext?v=%s&lang=%s&fmt=json3", url.QueryEscape(videoID), url.QueryEscape(track.LanguageCode)), nil)
	if err != nil {
		return nil, err
	}
	applyProxy(req, proxy)

	resp, err := m.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("timedtext fetch returned status %d", resp.StatusCode)
	}

	var body struct {
		Events []json3Event `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	segments := make([]job.Segment, 0, len(body.Events))
	for _, e := range body.Events {
		var text string
		for _, s := range e.Segs {
			text += s.Utf8
		}
		if text == "" {
			continue
		}
		segments = append(segments, job.Segment{
			Text:     text,
			Start:    float64(e.TStartMs) / 1000,
			Duration: float64(e.DDurMs) / 1000,
		})
	}
	return segments, nil
}

// LegacyCaptionSource talks to the older XML timedtext surface, used as
// the fallback ladder rungs (§4.5 #3/#4).
type LegacyCaptionSource struct {
	Client httpDoer
}

type legacyTranscript struct {
	XMLName xml.Name    `xml:"transcript"`
	Texts   []legacyRow `xml:"text"`
}

type legacyRow struct {
	Start float64 `xml:"start,attr"`
	Dur   float64 `xml:"dur,attr"`
	Text  string  `xml:",chardata"`
}

func (l *LegacyCaptionSource) Fetch(ctx context.Context, videoID string, proxy *url.URL) ([]job.Segment, string, error) {
	for _, lang := range append(append([]string{}, preferredLanguages...), "") {
		segments, err := l.fetchLang(ctx, videoID, lang, proxy)
		if err == nil && len(segments) > 0 {
			if lang == "" {
				lang = "und"
			}
			return segments, lang, nil
		}
	}
	return nil, "", fmt.Errorf("legacy timedtext: no usable track for %s", videoID)
}

func (l *LegacyCaptionSource) fetchLang(ctx context.Context, videoID, lang string, proxy *url.URL) ([]job.Segment, error) {
	u := fmt.Sprintf("https://www.youtube.com/api/timedtext?v=%s", url.QueryEscape(videoID))
	if lang != "" {
		u += "&lang=" + url.QueryEscape(lang)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	applyProxy(req, proxy)

	resp, err := l.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("legacy timedtext returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty legacy timedtext response")
	}

	var parsed legacyTranscript
	if err := xml.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}

	segments := make([]job.Segment, 0, len(parsed.Texts))
	for _, row := range parsed.Texts {
		segments = append(segments, job.Segment{Text: row.Text, Start: row.Start, Duration: row.Dur})
	}
	return segments, nil
}

// applyProxy is a no-op placeholder: proxying for http.Client-level
// requests is configured on the Transport (httpcaller.Client), not per
// request; this hook exists so call sites read the same regardless of
// which rung (proxy vs direct) is active.
func applyProxy(req *http.Request, proxy *url.URL) {
	if proxy != nil {
		req.Header.Set("X-Routed-Via-Proxy", proxy.Redacted())
	}
}
