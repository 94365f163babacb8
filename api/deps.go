// Package api is the thin HTTP contract surface named in §6: job
// submission, status polling, and cancellation. Grounded on the teacher's
// api/http.go shape (a Deps-style collection of handler dependencies wired
// into an httprouter.Router by NewRouter/ListenAndServe) but replacing its
// entire cluster/balancer/mapic/playback domain surface with the job
// lifecycle this service actually exposes.
package api

import (
	"github.com/captionscale/transcribe-api/config"
	"github.com/captionscale/transcribe-api/jobstore"
	"github.com/captionscale/transcribe-api/orchestrator"
	"github.com/captionscale/transcribe-api/quota"
	"github.com/captionscale/transcribe-api/storage"
)

// Deps bundles everything the HTTP handlers need, mirroring the teacher's
// CatalystAPIHandlersCollection-style dependency grouping.
type Deps struct {
	Cli          config.Cli
	Orchestrator *orchestrator.Orchestrator
	Store        *jobstore.Store
	Quota        *quota.Ledger
	Storage      *storage.Store
}
