package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

func ok(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	w.WriteHeader(http.StatusOK)
}

func TestIsAuthorizedNoHeader(t *testing.T) {
	req, _ := http.NewRequest("GET", "/debug/sysinfo", nil)
	rr := httptest.NewRecorder()
	IsAuthorized("secret", ok)(rr, req, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, `{"error":"No authorization header","error_detail":""}`, strings.TrimRight(rr.Body.String(), "\n"))
}

func TestIsAuthorizedWrongToken(t *testing.T) {
	req, _ := http.NewRequest("GET", "/debug/sysinfo", nil)
	req.Header.Set("Authorization", "Bearer gibberish")
	rr := httptest.NewRecorder()
	IsAuthorized("secret", ok)(rr, req, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestIsAuthorizedGoodToken(t *testing.T) {
	req, _ := http.NewRequest("GET", "/debug/sysinfo", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rr := httptest.NewRecorder()
	IsAuthorized("secret", ok)(rr, req, nil)
	require.Equal(t, http.StatusOK, rr.Code)
}
