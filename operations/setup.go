package operations

import (
	"context"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/level"
	"github.com/pkg/errors"
	rla "github.com/rust-lang/rust-log-analyzer"
	"github.com/urfave/cli"
)

func loadSettings(c *cli.Context) (*rla.Settings, error) {
	path := c.String(confFlagName)
	if path == "" {
		path = c.GlobalString(confFlagName)
	}

	settings, err := rla.LoadSettings(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading configuration from '%s'", path)
	}
	return settings, nil
}

func setupEnv(ctx context.Context, c *cli.Context, opts rla.EnvironmentOptions) (rla.Environment, error) {
	settings, err := loadSettings(c)
	if err != nil {
		return nil, err
	}

	if err := applyLogLevel(settings.LogLevel); err != nil {
		return nil, errors.Wrap(err, "applying configured log level")
	}

	env, err := rla.NewEnvironment(ctx, settings, opts)
	if err != nil {
		return nil, errors.Wrap(err, "configuring application environment")
	}
	rla.SetEnvironment(env)

	return env, nil
}

// applyLogLevel lowers or raises the global grip threshold to the level
// named in the configuration file.
func applyLogLevel(l string) error {
	sender := grip.GetSender()
	info := sender.Level()
	info.Threshold = level.FromString(l)
	return sender.SetLevel(info)
}
