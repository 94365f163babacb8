package api

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/captionscale/transcribe-api/config"
)

func TestNewRouterRegistersRoutes(t *testing.T) {
	router := NewRouter(&Deps{Cli: config.DefaultCli()})

	handle, _, _ := router.Lookup("GET", "/healthz")
	require.NotNil(t, handle)

	handle, _, _ = router.Lookup("POST", "/v1/jobs")
	require.NotNil(t, handle)

	handle, _, _ = router.Lookup("GET", "/v1/jobs/abc")
	require.NotNil(t, handle)

	handle, _, _ = router.Lookup("POST", "/v1/jobs/abc/cancel")
	require.NotNil(t, handle)

	handle, _, _ = router.Lookup("GET", "/debug/sysinfo")
	require.NotNil(t, handle)
}
