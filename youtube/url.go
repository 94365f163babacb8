// Package youtube implements the acquisition input parsing (spec.md §6),
// CaptionFetcher (§4.5), and AudioFetcher (§4.6).
package youtube

import (
	"net/url"
	"strings"
)

var videoHosts = map[string]bool{
	"www.youtube.com": true,
	"youtube.com":     true,
	"m.youtube.com":   true,
	"music.youtube.com": true,
}

// ParsedURL is the classification result of §6: a video id when the source
// is a single video, and a SourceKind telling the caller how to enumerate
// it (single video, playlist, or channel).
type ParsedURL struct {
	Kind    Kind
	VideoID string
}

type Kind string

const (
	KindVideo    Kind = "video"
	KindPlaylist Kind = "playlist"
	KindChannel  Kind = "channel"
	KindInvalid  Kind = ""
)

// Parse classifies a URL per §6. URL parsing is strict: leading/trailing
// whitespace is stripped, and a video id is taken up to the first `&`.
func Parse(raw string) ParsedURL {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ParsedURL{Kind: KindInvalid}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ParsedURL{Kind: KindInvalid}
	}

	if u.Hostname() == "youtu.be" {
		id := firstPathSegment(u.Path)
		if id == "" {
			return ParsedURL{Kind: KindInvalid}
		}
		return ParsedURL{Kind: KindVideo, VideoID: id}
	}

	if !videoHosts[u.Hostname()] {
		return ParsedURL{Kind: KindInvalid}
	}

	if isPlaylist(u) {
		return ParsedURL{Kind: KindPlaylist}
	}
	if isChannel(u) {
		return ParsedURL{Kind: KindChannel}
	}

	if id := videoIDFromPath(u); id != "" {
		return ParsedURL{Kind: KindVideo, VideoID: id}
	}

	return ParsedURL{Kind: KindInvalid}
}

func videoIDFromPath(u *url.URL) string {
	if u.Path == "/watch" {
		v := u.Query().Get("v")
		return upToAmpersand(v)
	}
	for _, prefix := range []string{"/embed/", "/v/", "/shorts/", "/live/"} {
		if strings.HasPrefix(u.Path, prefix) {
			rest := strings.TrimPrefix(u.Path, prefix)
			return upToAmpersand(firstPathSegmentOf(rest))
		}
	}
	return ""
}

func isPlaylist(u *url.URL) bool {
	if u.Query().Get("list") != "" {
		return true
	}
	return strings.HasPrefix(u.Path, "/playlist")
}

func isChannel(u *url.URL) bool {
	for _, prefix := range []string{"/channel/", "/c/", "/@", "/user/"} {
		if strings.HasPrefix(u.Path, prefix) {
			return true
		}
	}
	return false
}

func firstPathSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	return upToAmpersand(firstPathSegmentOf(path))
}

func firstPathSegmentOf(s string) string {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	return s
}

func upToAmpersand(s string) string {
	if i := strings.IndexByte(s, '&'); i >= 0 {
		s = s[:i]
	}
	return s
}
