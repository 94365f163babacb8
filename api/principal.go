package api

import (
	"net/http"
	"strings"

	"github.com/captionscale/transcribe-api/job"
	"github.com/captionscale/transcribe-api/quota"
)

// guestSessionHeader is how an unauthenticated caller carries its session
// id across requests (§4.10's "guess-usage rows by session id"). Callers
// that don't send one get a fresh session minted and echoed back on this
// same header, the way a Set-Cookie would, without committing this
// service to any particular cookie-jar/session-store design.
const guestSessionHeader = "X-Guest-Session-Id"

// resolvePrincipal turns a request into a job.Principal. A Bearer token is
// trusted as an already-authenticated user id: full OAuth/session
// validation is an external collaborator's job (§1's non-goals), and this
// service only ever sees a token after an upstream gateway has verified
// it. Its absence falls through to the guest path.
func resolvePrincipal(w http.ResponseWriter, r *http.Request) (job.Principal, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		userID := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if userID != "" {
			return job.Authenticated(userID), nil
		}
	}

	sessionID := r.Header.Get(guestSessionHeader)
	if sessionID == "" {
		fresh, err := quota.NewGuestSessionID()
		if err != nil {
			return job.Principal{}, err
		}
		sessionID = fresh
	}
	w.Header().Set(guestSessionHeader, sessionID)
	return job.Guest(sessionID), nil
}
