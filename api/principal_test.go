package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePrincipalAuthenticated(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer user-42")
	rr := httptest.NewRecorder()

	owner, err := resolvePrincipal(rr, req)
	require.NoError(t, err)
	require.False(t, owner.IsGuest())
	require.Equal(t, "user-42", owner.UserID)
	require.Empty(t, rr.Header().Get(guestSessionHeader))
}

func TestResolvePrincipalGuestMintsSession(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
	rr := httptest.NewRecorder()

	owner, err := resolvePrincipal(rr, req)
	require.NoError(t, err)
	require.True(t, owner.IsGuest())
	require.NotEmpty(t, owner.SessionID)
	require.Equal(t, owner.SessionID, rr.Header().Get(guestSessionHeader))
}

func TestResolvePrincipalGuestReusesSession(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
	req.Header.Set(guestSessionHeader, "existing-session")
	rr := httptest.NewRecorder()

	owner, err := resolvePrincipal(rr, req)
	require.NoError(t, err)
	require.Equal(t, "existing-session", owner.SessionID)
}
