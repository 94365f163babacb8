package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/captionscale/transcribe-api/config"
	"github.com/captionscale/transcribe-api/log"
	"github.com/captionscale/transcribe-api/middleware"
)

// ListenAndServe starts the HTTP contract surface and blocks until ctx is
// cancelled, then drains in-flight requests with a bounded shutdown
// timeout. Mirrors the teacher's api.ListenAndServe shape.
func ListenAndServe(ctx context.Context, d *Deps) error {
	router := NewRouter(d)
	server := http.Server{Addr: d.Cli.HTTPAddress, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoRequestID("starting transcribe-api HTTP server", "version", config.Version, "host", d.Cli.HTTPAddress)

	var serveErr error
	go func() {
		serveErr = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if serveErr != nil && serveErr != http.ErrServerClosed {
		return serveErr
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// NewRouter wires the job-submission/status/cancel routes plus the
// ambient /healthz, /metrics, and operator-only /debug/sysinfo endpoints.
func NewRouter(d *Deps) *httprouter.Router {
	router := httprouter.New()

	withLogging := middleware.LogRequest()
	withCORS := middleware.AllowCORS()

	router.GET("/healthz", withLogging(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
	}))
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	router.POST("/v1/jobs", withLogging(withCORS(d.SubmitJob())))
	router.GET("/v1/jobs/:id", withLogging(withCORS(d.GetJob())))
	router.POST("/v1/jobs/:id/cancel", withLogging(withCORS(d.CancelJob())))

	router.GET("/debug/sysinfo", withLogging(middleware.IsAuthorized(d.Cli.AdminToken, d.Sysinfo())))

	return router
}
