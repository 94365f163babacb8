package youtube

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/captionscale/transcribe-api/config"
	"github.com/captionscale/transcribe-api/log"
	"github.com/captionscale/transcribe-api/subprocess"
)

// downloadStrategy is one rung of the seven-strategy ladder (§4.6). Each
// strategy shells out to the extractor binary (config.YtDlpPath) with a
// distinct client impersonation / cookie source / format selector, and all
// of them converge on the same contract: a single MP3 at outputPath.
type downloadStrategy struct {
	name string
	run  func(ctx context.Context, f *AudioFetcher, videoURL, outputPath string) error
}

// AudioFetcher runs the seven-strategy audio acquisition ladder from §4.6.
// First strategy to produce a non-empty file at the target path wins; if
// every strategy fails, Fetch returns a null result rather than an error,
// so the caller can distinguish "no audio obtainable" from a transient
// infrastructure fault.
type AudioFetcher struct {
	CookieFile string // optional operator-supplied cookie jar, strategy #1
	WorkDir    string
}

func NewAudioFetcher(cookieFile, workDir string) *AudioFetcher {
	return &AudioFetcher{CookieFile: cookieFile, WorkDir: workDir}
}

func (f *AudioFetcher) strategies() []downloadStrategy {
	return []downloadStrategy{
		{"browser-cookies/multi-client", (*AudioFetcher).runBrowserCookieMultiClient},
		{"cookie-file", (*AudioFetcher).runCookieFile},
		{"ios-client", (*AudioFetcher).runIOSClient},
		{"tv-embedded", (*AudioFetcher).runTVEmbedded},
		{"library-fallback", (*AudioFetcher).runLibraryFallback},
		{"web-embedded", (*AudioFetcher).runWebEmbedded},
		{"low-bitrate-video", (*AudioFetcher).runLowBitrateVideo},
	}
}

// AudioResult is the outcome of a successful AudioFetcher.Fetch.
type AudioResult struct {
	Path     string
	Strategy string
}

// Fetch runs the ladder against videoURL, writing the resulting MP3 under
// f.WorkDir named from the sanitised title. A zero AudioResult with ok=false
// means every strategy failed; it is not an error the caller should
// surface directly, since any individual strategy's failure is expected
// and unremarkable (§4.6).
func (f *AudioFetcher) Fetch(ctx context.Context, requestID, videoURL, title string) (AudioResult, bool) {
	safeTitle := SanitizeTitle(title)
	outputPath := filepath.Join(f.WorkDir, safeTitle+".mp3")

	for _, s := range f.strategies() {
		_ = os.Remove(outputPath)
		if err := s.run(ctx, f, videoURL, outputPath); err != nil {
			log.Log(requestID, "audio download strategy failed", "strategy", s.name, "err", err.Error())
			continue
		}
		if info, statErr := os.Stat(outputPath); statErr == nil && info.Size() > 0 {
			return AudioResult{Path: outputPath, Strategy: s.name}, true
		}
		log.Log(requestID, "audio download strategy produced no file", "strategy", s.name)
	}
	return AudioResult{}, false
}

// runBrowserCookieMultiClient is strategy #0: the current (2025) highest
// success-rate path. Picks up cookies from the operator's browser profile
// and rotates the web/android/ios player clients, skipping DASH/HLS
// manifests and binding to IPv4 to dodge IPv6 throttling.
func (f *AudioFetcher) runBrowserCookieMultiClient(ctx context.Context, videoURL, outputPath string) error {
	args := []string{
		"--extract-audio", "--audio-format", "mp3", "--audio-quality", "0",
		"--cookies-from-browser", "chrome",
		"--extractor-args", "youtube:player_client=web,android,ios",
		"--extractor-args", "youtube:skip=dash,hls",
		"--force-ipv4",
		"-o", outputPath,
		videoURL,
	}
	return f.runYtDlp(ctx, args)
}

// runCookieFile is strategy #1: authenticate with an operator-supplied
// cookie jar file rather than pulling from a local browser profile.
func (f *AudioFetcher) runCookieFile(ctx context.Context, videoURL, outputPath string) error {
	if f.CookieFile == "" {
		return fmt.Errorf("no cookie file configured")
	}
	args := []string{
		"--extract-audio", "--audio-format", "mp3", "--audio-quality", "0",
		"--cookies", f.CookieFile,
		"-o", outputPath,
		videoURL,
	}
	return f.runYtDlp(ctx, args)
}

// runIOSClient is strategy #2: impersonate the iOS YouTube app's player
// client and user agent, bypassing the web player's token requirements.
func (f *AudioFetcher) runIOSClient(ctx context.Context, videoURL, outputPath string) error {
	args := []string{
		"--extract-audio", "--audio-format", "mp3", "--audio-quality", "0",
		"--extractor-args", "youtube:player_client=ios",
		"--user-agent", "com.google.ios.youtube/19.29.1 (iPhone14,3; U; CPU iOS 17_1 like Mac OS X)",
		"-o", outputPath,
		videoURL,
	}
	return f.runYtDlp(ctx, args)
}

// runTVEmbedded is strategy #3: the TV embedded player client, used when
// the iOS client is blocked for a given video or IP range.
func (f *AudioFetcher) runTVEmbedded(ctx context.Context, videoURL, outputPath string) error {
	args := []string{
		"--extract-audio", "--audio-format", "mp3", "--audio-quality", "0",
		"--extractor-args", "youtube:player_client=tv_embedded",
		"-o", outputPath,
		videoURL,
	}
	return f.runYtDlp(ctx, args)
}

// runLibraryFallback is strategy #4: an independent code path through a
// second extractor binary, for when the primary extractor misbehaves on a
// particular video. Grounded on config.YtDlpFallbackPath so operators can
// point it at a differently-packaged build of the same tool.
func (f *AudioFetcher) runLibraryFallback(ctx context.Context, videoURL, outputPath string) error {
	args := []string{
		"--extract-audio", "--audio-format", "mp3", "--audio-quality", "192K",
		"-o", outputPath,
		videoURL,
	}
	return f.runExtractor(ctx, config.YtDlpFallbackPath, args)
}

// runWebEmbedded is strategy #5: the web-embedded player client, a
// different player config surface than the plain web client.
func (f *AudioFetcher) runWebEmbedded(ctx context.Context, videoURL, outputPath string) error {
	args := []string{
		"--extract-audio", "--audio-format", "mp3", "--audio-quality", "0",
		"--extractor-args", "youtube:player_client=web_embedded,player_skip=webpage",
		"-o", outputPath,
		videoURL,
	}
	return f.runYtDlp(ctx, args)
}

// runLowBitrateVideo is strategy #6: download the lowest-bitrate video
// rendition available and extract its audio track locally with ffmpeg,
// for videos that withhold direct audio-only formats entirely.
func (f *AudioFetcher) runLowBitrateVideo(ctx context.Context, videoURL, outputPath string) error {
	tempVideo := strings.TrimSuffix(outputPath, ".mp3") + "_temp.%(ext)s"
	args := []string{
		"--format", "worst[height<=480]/worst",
		"--user-agent", "Mozilla/5.0 (Linux; Android 10; SM-G973F) AppleWebKit/537.36",
		"-o", tempVideo,
		videoURL,
	}
	if err := f.runYtDlp(ctx, args); err != nil {
		return err
	}

	matches, err := filepath.Glob(strings.TrimSuffix(outputPath, ".mp3") + "_temp.*")
	if err != nil || len(matches) == 0 {
		return fmt.Errorf("low-bitrate video download produced no file")
	}
	defer os.Remove(matches[0])

	cmd := exec.CommandContext(ctx, config.FFmpegPath,
		"-y", "-i", matches[0], "-vn", "-acodec", "libmp3lame", "-ab", "192k", outputPath)
	if err := subprocess.LogOutputs(cmd); err != nil {
		return err
	}
	return cmd.Run()
}

func (f *AudioFetcher) runYtDlp(ctx context.Context, args []string) error {
	return f.runExtractor(ctx, config.YtDlpPath, args)
}

func (f *AudioFetcher) runExtractor(ctx context.Context, bin string, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = f.WorkDir
	if err := subprocess.LogOutputs(cmd); err != nil {
		return err
	}
	return cmd.Run()
}

var (
	reservedChars  = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	runsWhitespace = regexp.MustCompile(`\s+`)
)

// SanitizeTitle implements the filename sanitisation rule from §4.6: strip
// filesystem-reserved characters, collapse runs of whitespace, trim
// leading/trailing dots and spaces, cap at 200 characters.
func SanitizeTitle(title string) string {
	s := reservedChars.ReplaceAllString(title, "")
	s = runsWhitespace.ReplaceAllString(s, " ")
	s = strings.Trim(s, " .")
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		s = "untitled"
	}
	return s
}
