package operations

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	rla "github.com/rust-lang/rust-log-analyzer"
	"github.com/rust-lang/rust-log-analyzer/analysis"
	"github.com/urfave/cli"
)

// Learn returns the command that trains the index from local log files,
// typically ones fetched earlier with the download command.
func Learn() cli.Command {
	return cli.Command{
		Name:      "learn",
		Usage:     "train the index from local log files",
		ArgsUsage: "<logfile|directory>...",
		Flags: serviceConfigFlags(cli.IntFlag{
			Name:  multiplierFlagName + ", m",
			Usage: "count each log line this many times",
			Value: 1,
		}),
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return errors.New("no log files or directories given")
			}
			multiplier := c.Int(multiplierFlagName)
			if multiplier <= 0 {
				return errors.Errorf("multiplier must be positive, got %d", multiplier)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			env, err := setupEnv(ctx, c, rla.EnvironmentOptions{DisablePlatform: true})
			if err != nil {
				return err
			}
			defer func() {
				grip.Error(errors.Wrap(env.Close(ctx), "closing environment"))
			}()

			files, err := collectLogFiles(c.Args())
			if err != nil {
				return err
			}

			catcher := grip.NewBasicCatcher()
			learned := 0
			for _, path := range files {
				data, err := os.ReadFile(path)
				if err != nil {
					catcher.Wrapf(err, "reading '%s'", path)
					continue
				}

				lines := analysis.SanitizeLines(data)
				catcher.Add(env.WithIndex(func(idx *analysis.Index) error {
					for _, line := range lines {
						idx.Learn(line, uint32(multiplier))
					}
					return nil
				}))
				learned++
			}

			if learned > 0 {
				catcher.Wrap(env.SaveIndex(ctx, true), "saving index")
			}

			catcher.Add(env.WithIndex(func(idx *analysis.Index) error {
				grip.Info(message.Fields{
					"operation": "learn",
					"files":     learned,
					"ngrams":    idx.Len(),
				})
				return nil
			}))

			return catcher.Resolve()
		},
	}
}

func collectLogFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, errors.Wrapf(err, "inspecting '%s'", arg)
		}

		if !info.IsDir() {
			files = append(files, arg)
			continue
		}

		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "walking '%s'", arg)
		}
	}
	return files, nil
}
