package youtube

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/captionscale/transcribe-api/config"
)

// VideoRef is one entry produced by enumerating a playlist or channel:
// just enough to build a Task before any per-video work starts.
type VideoRef struct {
	VideoID string
	Title   string
	URL     string
}

const enumerateTimeout = 2 * time.Minute

// Enumerate lists the videos behind a playlist or channel URL using
// yt-dlp's flat-playlist extraction (extract_flat in the original's
// youtube_service.py get_playlist_info/extract_playlist_videos): fast,
// metadata-only, no per-video network round trip. limit caps how many
// entries are returned, since free-tier jobs stop well short of a full
// playlist (§8 scenario 3).
func Enumerate(ctx context.Context, sourceURL string, limit int) ([]VideoRef, error) {
	ctx, cancel := context.WithTimeout(ctx, enumerateTimeout)
	defer cancel()

	args := []string{"--flat-playlist", "--dump-json", "--no-warnings"}
	if limit > 0 {
		args = append(args, "--playlist-end", fmt.Sprintf("%d", limit))
	}
	args = append(args, sourceURL)

	cmd := exec.CommandContext(ctx, config.YtDlpPath, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("enumerating %s: %w: %s", sourceURL, err, stderr.String())
	}

	var refs []VideoRef
	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry struct {
			ID    string `json:"id"`
			Title string `json:"title"`
			URL   string `json:"url"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry.ID == "" {
			continue
		}
		url := entry.URL
		if url == "" {
			url = "https://www.youtube.com/watch?v=" + entry.ID
		}
		refs = append(refs, VideoRef{VideoID: entry.ID, Title: entry.Title, URL: url})
		if limit > 0 && len(refs) >= limit {
			break
		}
	}
	return refs, scanner.Err()
}
