package middleware

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/captionscale/transcribe-api/log"
)

// Updater runs an external command on a fixed interval with a bounded
// timeout. The one production use is keeping the bundled yt-dlp binary
// current (YouTube's extractor frequently bitrots), by periodically
// shelling out to `yt-dlp -U`.
type Updater struct {
	mu           sync.Mutex
	Cmd          string
	Args         []string
	IntervalSecs time.Duration
	TimeoutSecs  time.Duration
}

func NewUpdater(interval, timeout time.Duration, cmd string, args ...string) (*Updater, error) {
	if interval < 0 {
		return &Updater{}, fmt.Errorf("updater needs to be set with a valid interval value")
	}
	if timeout < 0 {
		return &Updater{}, fmt.Errorf("updater needs a valid timeout value")
	}
	return &Updater{
		Cmd:          cmd,
		Args:         args,
		IntervalSecs: interval,
		TimeoutSecs:  timeout,
	}, nil
}

// RunBg schedules Run on a ticker until the returned ticker is stopped.
func (s *Updater) RunBg() *time.Ticker {
	ticker := time.NewTicker(s.IntervalSecs)
	go func() {
		defer ticker.Stop()
		for range ticker.C {
			if err := s.Run(); err != nil {
				log.LogNoRequestID("updater command failed", "cmd", s.Cmd, "err", err)
				break
			}
		}
	}()
	return ticker
}

func (s *Updater) Run() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.TimeoutSecs)
	defer cancel()

	log.LogNoRequestID("updater running", "cmd", s.Cmd, "args", s.Args, "interval", s.IntervalSecs, "timeout", s.TimeoutSecs)
	cmd := exec.CommandContext(ctx, s.Cmd, s.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("updater: failed to run %s: %w", s.Cmd, err)
	}
	log.LogNoRequestID("updater output", "cmd", s.Cmd, "output", string(out))

	return nil
}
