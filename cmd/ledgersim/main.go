package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/nmxmxh/ledgersim/kernel/utils"
)

func main() {
	app := &cli.App{
		Name:           "ledgersim",
		Usage:          "multi-process ledger simulation over shared memory",
		DefaultCommand: "run",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				Value:   "info",
				EnvVars: []string{"LEDGERSIM_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			runCmd,
			agentCmd,
			pokeCmd,
			configCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERR: %v\n", err) // nolint: errcheck
		os.Exit(1)
	}
}

// newLogger logs to stderr so reports on stdout stay readable.
func newLogger(c *cli.Context, component string) (*utils.Logger, error) {
	level, err := utils.ParseLevel(c.String("log-level"))
	if err != nil {
		return nil, err
	}
	return utils.NewLogger(utils.LoggerConfig{
		Level:      level,
		Component:  component,
		Output:     os.Stderr,
		Colorize:   true,
		TimeFormat: "15:04:05.000",
	}), nil
}
