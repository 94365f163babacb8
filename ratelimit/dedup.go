package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Dedup deduplicates concurrent identical chunk requests on (file path,
// model, language), per spec.md §7: "the second caller is refused with a
// duplicate marker and must await the first." Grounded on
// performance_optimizations/advanced_rate_limiter.py's RequestTracker,
// re-implemented on top of patrickmn/go-cache the way log/logger.go keys
// its request-logger cache, instead of the original's manual TTL deque.
type Dedup struct {
	inFlight *gocache.Cache
}

const dedupTTL = 5 * time.Minute

func NewDedup() *Dedup {
	return &Dedup{inFlight: gocache.New(dedupTTL, time.Minute)}
}

// Key hashes (path, model, language) into the dedup marker.
func Key(path, model, language string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", path, model, language)
	return hex.EncodeToString(h.Sum(nil))
}

// ErrDuplicate is returned by TryStart when an identical request is already
// in flight.
var ErrDuplicate = fmt.Errorf("duplicate request already in flight")

// TryStart marks key as in-flight, returning ErrDuplicate if another caller
// already holds it. Callers must call Finish when done, on every exit path.
func (d *Dedup) TryStart(key string) error {
	if err := d.inFlight.Add(key, true, dedupTTL); err != nil {
		return ErrDuplicate
	}
	return nil
}

func (d *Dedup) Finish(key string) {
	d.inFlight.Delete(key)
}
