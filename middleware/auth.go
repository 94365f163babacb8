package middleware

import (
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/captionscale/transcribe-api/errors"
)

// IsAuthorized gates an operator-only route (diagnostics, circuit-breaker
// reset) behind a static bearer token from config.Cli.AdminToken. It has
// nothing to do with job.Principal/job ownership, which the orchestrator's
// own handlers resolve from the session header instead.
func IsAuthorized(apiToken string, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		authHeader := r.Header.Get("Authorization")

		if authHeader == "" {
			errors.WriteHTTPUnauthorized(w, "No authorization header", nil)
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")

		if token != apiToken {
			errors.WriteHTTPUnauthorized(w, "Invalid Token", nil)
			return
		}

		next(w, r, ps)
	}
}
