package api

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"

	apperrors "github.com/captionscale/transcribe-api/errors"
	"github.com/captionscale/transcribe-api/middleware"
)

// Sysinfo handles GET /debug/sysinfo, gated behind middleware.IsAuthorized
// with config.Cli.AdminToken. Surfaces host CPU/mem/disk/load so an
// operator chasing a stuck job can rule out host-capacity exhaustion
// before suspecting a provider outage.
func (d *Deps) Sysinfo() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		info, err := middleware.GetSystemInfo()
		if err != nil {
			apperrors.WriteHTTPInternalServerError(w, "failed to collect system info", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(info)
	}
}
