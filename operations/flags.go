package operations

import (
	rla "github.com/rust-lang/rust-log-analyzer"
	"github.com/urfave/cli"
)

const (
	confFlagName       = "conf"
	addrFlagName       = "addr"
	countFlagName      = "count"
	offsetFlagName     = "offset"
	outputFlagName     = "output"
	multiplierFlagName = "multiplier"
)

func serviceConfigFlags(flags ...cli.Flag) []cli.Flag {
	return append(flags, cli.StringFlag{
		Name:   confFlagName + ", config, c",
		Usage:  "path to the service configuration file",
		Value:  rla.DefaultConfigFileName,
		EnvVar: "RLA_CONFIG",
	})
}

func addrFlag(flags ...cli.Flag) []cli.Flag {
	return append(flags, cli.StringFlag{
		Name:  addrFlagName,
		Usage: "address to listen on, overriding the configuration file",
	})
}
