package operations

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	rla "github.com/rust-lang/rust-log-analyzer"
	"github.com/rust-lang/rust-log-analyzer/service"
	"github.com/urfave/cli"
)

const shutdownTimeout = 15 * time.Second

// Service returns the command running the webhook service: the HTTP
// listener plus the queue worker that analyzes builds.
func Service() cli.Command {
	return cli.Command{
		Name:  "service",
		Usage: "run the webhook service",
		Flags: addrFlag(serviceConfigFlags()...),
		Action: func(c *cli.Context) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			env, err := setupEnv(ctx, c, rla.EnvironmentOptions{RequireIndex: true})
			if err != nil {
				return err
			}
			defer func() {
				grip.Error(errors.Wrap(env.Close(context.Background()), "closing environment"))
			}()

			router, err := service.GetRouter(env)
			if err != nil {
				return errors.Wrap(err, "building router")
			}

			addr := c.String(addrFlagName)
			if addr == "" {
				addr = env.Settings().Server.Addr
			}

			srv := service.GetServer(addr, router)

			serverErr := make(chan error, 1)
			go func() {
				serverErr <- srv.ListenAndServe()
			}()

			select {
			case err := <-serverErr:
				if err != nil && err != http.ErrServerClosed {
					return errors.Wrap(err, "running server")
				}
			case <-ctx.Done():
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()

			catcher := grip.NewBasicCatcher()
			catcher.Wrap(srv.Shutdown(shutdownCtx), "shutting down server")
			catcher.Wrap(env.SaveIndex(shutdownCtx, true), "saving index on shutdown")
			return catcher.Resolve()
		},
	}
}
