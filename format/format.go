// Package format implements the Formatter (spec.md §4.8): a pure function
// from segments to TXT/SRT/WebVTT/JSON, and the reverse SRT parse used both
// for round-tripping and for ingesting caption-library output that arrives
// pre-formatted.
package format

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/captionscale/transcribe-api/job"
)

// Header is the optional TXT header the caller may prepend (§4.8).
type Header struct {
	Title string
	URL   string
	ID    string
}

func (h *Header) render() string {
	if h == nil {
		return ""
	}
	var b strings.Builder
	if h.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", h.Title)
	}
	if h.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", h.URL)
	}
	if h.ID != "" {
		fmt.Fprintf(&b, "Video ID: %s\n", h.ID)
	}
	if b.Len() > 0 {
		b.WriteString(strings.Repeat("-", 40))
		b.WriteString("\n\n")
	}
	return b.String()
}

// TXT concatenates segment texts with single spaces, optionally prefixed by
// a header.
func TXT(segments []job.Segment, header *Header) string {
	texts := make([]string, 0, len(segments))
	for _, s := range segments {
		if strings.TrimSpace(s.Text) == "" {
			continue
		}
		texts = append(texts, strings.TrimSpace(s.Text))
	}
	return header.render() + strings.Join(texts, " ")
}

// SRT renders `index\nHH:MM:SS,mmm --> HH:MM:SS,mmm\ntext\n\n` blocks.
func SRT(segments []job.Segment) string {
	var b strings.Builder
	for i, s := range segments {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", srtTimestamp(s.Start), srtTimestamp(s.Start+s.Duration))
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(s.Text))
	}
	return b.String()
}

// VTT renders a WEBVTT document.
func VTT(segments []job.Segment) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, s := range segments {
		fmt.Fprintf(&b, "%s --> %s\n", vttTimestamp(s.Start), vttTimestamp(s.Start+s.Duration))
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(s.Text))
	}
	return b.String()
}

type jsonSegment struct {
	Text     string  `json:"text"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// JSON renders a pretty-printed array of {text, start, duration}.
func JSON(segments []job.Segment) (string, error) {
	out := make([]jsonSegment, len(segments))
	for i, s := range segments {
		out[i] = jsonSegment{Text: s.Text, Start: s.Start, Duration: s.Duration}
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Render dispatches on job.Format.
func Render(segments []job.Segment, f job.Format, header *Header) (string, error) {
	switch f {
	case job.FormatTXT:
		return TXT(segments, header), nil
	case job.FormatSRT:
		return SRT(segments), nil
	case job.FormatVTT:
		return VTT(segments), nil
	case job.FormatJSON:
		return JSON(segments)
	default:
		return "", fmt.Errorf("unknown format %q", f)
	}
}

func srtTimestamp(seconds float64) string {
	return formatTimestamp(seconds, ",")
}

func vttTimestamp(seconds float64) string {
	return formatTimestamp(seconds, ".")
}

func formatTimestamp(seconds float64, fracSep string) string {
	if seconds < 0 {
		seconds = 0
	}
	totalMs := int64(seconds*1000 + 0.5)
	ms := totalMs % 1000
	totalSec := totalMs / 1000
	s := totalSec % 60
	totalMin := totalSec / 60
	m := totalMin % 60
	h := totalMin / 60
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", h, m, s, fracSep, ms)
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

// stripTags removes inline markup from SRT/VTT text cues.
func stripTags(s string) string {
	return strings.TrimSpace(tagRe.ReplaceAllString(s, ""))
}

var timestampLineRe = regexp.MustCompile(`^(\d{2}):(\d{2}):(\d{2})[,.](\d{3})\s*-->\s*(\d{2}):(\d{2}):(\d{2})[,.](\d{3})`)

// ParseSRT is the reverse of SRT: parse blocks separated by blank lines,
// ignore the index line, parse the timestamp line (`,` or `.` as the
// fractional separator), strip inline markup from the text, and discard
// empty texts. This is property P3's round-trip target.
func ParseSRT(input string) ([]job.Segment, error) {
	input = strings.ReplaceAll(input, "\r\n", "\n")
	blocks := strings.Split(strings.TrimSpace(input), "\n\n")

	var segments []job.Segment
	for _, block := range blocks {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) == 0 {
			continue
		}

		// Drop a leading numeric index line if present.
		idx := 0
		if _, err := strconv.Atoi(strings.TrimSpace(lines[0])); err == nil {
			idx = 1
		}
		if idx >= len(lines) {
			continue
		}

		m := timestampLineRe.FindStringSubmatch(lines[idx])
		if m == nil {
			continue
		}
		start := parseTimeParts(m[1], m[2], m[3], m[4])
		end := parseTimeParts(m[5], m[6], m[7], m[8])

		text := stripTags(strings.Join(lines[idx+1:], " "))
		if text == "" {
			continue
		}

		segments = append(segments, job.Segment{
			Text:     text,
			Start:    start,
			Duration: end - start,
		})
	}
	return segments, nil
}

func parseTimeParts(hh, mm, ss, ms string) float64 {
	h, _ := strconv.Atoi(hh)
	m, _ := strconv.Atoi(mm)
	s, _ := strconv.Atoi(ss)
	milli, _ := strconv.Atoi(ms)
	return float64(h*3600+m*60+s) + float64(milli)/1000
}
