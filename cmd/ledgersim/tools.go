package main

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/nmxmxh/ledgersim/internal/config"
	"github.com/nmxmxh/ledgersim/kernel/threads/agent"
	"github.com/nmxmxh/ledgersim/kernel/threads/foundation"
)

var pokeCmd = &cli.Command{
	Name:      "poke",
	Usage:     "ask a user process to produce one transaction now",
	ArgsUsage: "<pid>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.ShowSubcommandHelp(c)
		}
		pid, err := strconv.Atoi(c.Args().First())
		if err != nil || pid <= 0 {
			return fmt.Errorf("invalid pid %q", c.Args().First())
		}
		return agent.ProcessNotifier{Pid: pid}.Notify(foundation.EventProduce)
	},
}

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "print the validated configuration snapshot",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "config"},
	},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		for i, p := range config.Params {
			fmt.Fprintf(c.App.Writer, "%2d  %-24s %d\n", i, p.Env, p.Value(cfg))
		}
		return nil
	},
}
