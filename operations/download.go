package operations

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	rla "github.com/rust-lang/rust-log-analyzer"
	"github.com/rust-lang/rust-log-analyzer/ci"
	"github.com/urfave/cli"
)

// Download returns the command that bulk-downloads recent build logs from
// the configured CI platform into a local directory, as training material
// for the learn command.
func Download() cli.Command {
	return cli.Command{
		Name:  "download",
		Usage: "download recent build logs for offline training",
		Flags: serviceConfigFlags(
			cli.IntFlag{
				Name:  countFlagName + ", n",
				Usage: "number of builds to download",
				Value: 10,
			},
			cli.IntFlag{
				Name:  offsetFlagName,
				Usage: "number of recent builds to skip",
			},
			cli.StringFlag{
				Name:  outputFlagName + ", o",
				Usage: "directory to write the logs into",
				Value: "logs",
			},
			cli.StringFlag{
				Name:  "outcome",
				Usage: "only download builds with this outcome: 'passed' or 'failed'",
			},
		),
		Action: func(c *cli.Context) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			env, err := setupEnv(ctx, c, rla.EnvironmentOptions{})
			if err != nil {
				return err
			}
			defer func() {
				grip.Error(errors.Wrap(env.Close(ctx), "closing environment"))
			}()

			filter, err := outcomeFilter(c.String("outcome"))
			if err != nil {
				return err
			}

			output := c.String(outputFlagName)
			if err := os.MkdirAll(output, 0o755); err != nil {
				return errors.Wrapf(err, "creating output directory '%s'", output)
			}

			builds, err := env.Platform().QueryBuilds(ctx, c.Int(countFlagName), c.Int(offsetFlagName), filter)
			if err != nil {
				return errors.Wrap(err, "listing builds")
			}

			catcher := grip.NewBasicCatcher()
			downloaded := 0
			for _, build := range builds {
				for _, job := range build.Jobs() {
					if !job.Outcome().IsFinished() {
						continue
					}

					data, err := env.Platform().QueryLog(ctx, job)
					if err != nil {
						catcher.Wrapf(err, "downloading log for job '%s'", job.Name())
						continue
					}

					path := filepath.Join(output, job.LogFileName())
					if err := os.WriteFile(path, data, 0o644); err != nil {
						catcher.Wrapf(err, "writing '%s'", path)
						continue
					}

					downloaded++
					grip.Info(message.Fields{
						"operation": "download",
						"ci_job":    job.Name(),
						"path":      path,
						"size":      len(data),
					})
				}

				if ctx.Err() != nil {
					break
				}
			}

			grip.Info(message.Fields{
				"operation": "download",
				"builds":    len(builds),
				"logs":      downloaded,
			})
			catcher.Add(ctx.Err())
			return catcher.Resolve()
		},
	}
}

func outcomeFilter(outcome string) (func(ci.Build) bool, error) {
	switch outcome {
	case "":
		return func(b ci.Build) bool { return b.Outcome().IsFinished() }, nil
	case "passed":
		return func(b ci.Build) bool { return b.Outcome().IsPassed() }, nil
	case "failed":
		return func(b ci.Build) bool { return b.Outcome().IsFailed() }, nil
	default:
		return nil, errors.Errorf("unknown outcome '%s', expected 'passed' or 'failed'", outcome)
	}
}
