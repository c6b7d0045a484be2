// Package httpapi implements the control plane: a small JSON API for
// listing, creating, and removing jobs, inspecting branch build history,
// forcing or aborting builds, and tailing build logs, plus a /metrics
// endpoint and an optional static UI.
package httpapi

import (
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buildkite/thingy/internal/engine"
	"github.com/buildkite/thingy/logger"
)

// Server holds the dependencies needed to build the control-plane router.
type Server struct {
	root   *engine.Root
	logger logger.Logger
	static fs.FS // nil disables the UI routes
}

// New constructs the control-plane HTTP handler. static, if non-nil, is
// served at "/".
func New(root *engine.Root, log logger.Logger, static fs.FS) http.Handler {
	s := &Server{root: root, logger: log, static: static}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware())
	r.Use(loggerMiddleware(log))

	r.Group(func(r chi.Router) {
		r.Use(headersMiddleware(http.Header{"Content-Type": []string{"application/json"}}))

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/", s.createJob)
			r.Route("/{jobId}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Delete("/", s.deleteJob)
				r.Post("/poll", s.pollJob)
				r.Route("/branches/{branch}", func(r chi.Router) {
					r.Get("/", s.getBranch)
					r.Route("/builds", func(r chi.Router) {
						r.Post("/", s.startBuild)
						r.Route("/{build_num}", func(r chi.Router) {
							r.Get("/log", s.getLog)
							r.Delete("/", s.abortBuild)
						})
					})
				})
			})
		})

		r.Handle("/metrics", promhttp.Handler())
	})

	if static != nil {
		fileServer := http.FileServer(http.FS(static))
		r.Get("/", fileServer.ServeHTTP)
		r.Get("/*", fileServer.ServeHTTP)
	}

	return r
}
