package operations

import (
	"context"
	"fmt"
	"os"

	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	rla "github.com/rust-lang/rust-log-analyzer"
	"github.com/rust-lang/rust-log-analyzer/analysis"
	"github.com/urfave/cli"
)

// Extract returns the command that runs the extractor against a local log
// file and prints the anomalous blocks, for tuning thresholds offline.
func Extract() cli.Command {
	return cli.Command{
		Name:      "extract",
		Usage:     "extract anomalous blocks from a local log file",
		ArgsUsage: "<logfile>",
		Flags:     serviceConfigFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("expected exactly one log file")
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			env, err := setupEnv(ctx, c, rla.EnvironmentOptions{
				RequireIndex:    true,
				DisablePlatform: true,
			})
			if err != nil {
				return err
			}
			defer func() {
				grip.Error(errors.Wrap(env.Close(ctx), "closing environment"))
			}()

			data, err := os.ReadFile(c.Args().First())
			if err != nil {
				return errors.Wrapf(err, "reading '%s'", c.Args().First())
			}
			lines := analysis.SanitizeLines(data)

			var blocks []analysis.Block
			err = env.WithIndex(func(idx *analysis.Index) error {
				var extractErr error
				blocks, extractErr = analysis.Extract(env.ExtractConfig(), idx, lines)
				return extractErr
			})
			if err != nil {
				return errors.Wrap(err, "extracting anomalies")
			}

			if len(blocks) == 0 {
				grip.Info("no anomalous blocks found")
				return nil
			}

			for i, block := range blocks {
				if i > 0 {
					fmt.Println("---")
				}
				for _, line := range block {
					fmt.Println(string(line.Sanitized()))
				}
			}
			return nil
		},
	}
}
