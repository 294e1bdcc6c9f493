// Package service exposes the webhook endpoint that turns GitHub events
// into queued analysis jobs.
package service

import (
	"context"
	"net/http"
	"time"

	"github.com/evergreen-ci/gimlet"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	rla "github.com/rust-lang/rust-log-analyzer"
)

// GetServer produces an HTTP server instance for a handler.
func GetServer(addr string, handler http.Handler) *http.Server {
	grip.Notice(message.Fields{
		"action":  "starting service",
		"service": addr,
		"version": rla.ClientVersion,
	})

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       time.Minute,
		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      time.Minute,
	}
}

// GetRouter builds the application router: a liveness check on GET / and
// the GitHub webhook receiver on POST /.
func GetRouter(env rla.Environment) (http.Handler, error) {
	app := gimlet.NewApp()
	app.NoVersions = true

	app.AddRoute("/").Get().RouteHandler(makeStatusRoute(env))
	app.AddRoute("/").Post().RouteHandler(makeGithubHookRoute(env))

	handler, err := app.Handler()
	return handler, errors.WithStack(err)
}

type statusHandler struct {
	env rla.Environment
}

func makeStatusRoute(env rla.Environment) gimlet.RouteHandler {
	return &statusHandler{env: env}
}

func (h *statusHandler) Factory() gimlet.RouteHandler {
	return &statusHandler{env: h.env}
}

func (h *statusHandler) Parse(_ context.Context, _ *http.Request) error { return nil }

func (h *statusHandler) Run(_ context.Context) gimlet.Responder {
	return gimlet.NewJSONResponse(struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}{
		Status:  "ok",
		Version: rla.ClientVersion,
	})
}
