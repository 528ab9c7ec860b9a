package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/nmxmxh/ledgersim/kernel/threads/agent"
	"github.com/nmxmxh/ledgersim/kernel/utils"
)

var agentCmd = &cli.Command{
	Name:   "agent",
	Usage:  "run one user or node of a run (spawned by run)",
	Hidden: true,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "kind", Required: true},
		&cli.IntFlag{Name: "index"},
		&cli.StringFlag{Name: "run-dir", Required: true},
	},
	Action: func(c *cli.Context) error {
		kind, err := agent.ParseKind(c.String("kind"))
		if err != nil {
			return err
		}
		log, err := newLogger(c, fmt.Sprintf("%s#%d", kind, c.Int("index")))
		if err != nil {
			return err
		}
		defer log.Sync() // nolint: errcheck

		log.Debug("Agent starting", utils.String("run_dir", c.String("run-dir")))
		if code := agent.RunProcess(kind, c.String("run-dir"), log); code != 0 {
			return cli.Exit("", code)
		}
		return nil
	},
}
