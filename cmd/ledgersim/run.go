package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/nmxmxh/ledgersim/internal/config"
	"github.com/nmxmxh/ledgersim/kernel/threads/foundation"
	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
	"github.com/nmxmxh/ledgersim/kernel/threads/supervisor"
	"github.com/nmxmxh/ledgersim/kernel/utils"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "provision a run, spawn users and nodes and supervise them",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "TOML file with SO_* parameters; the environment overrides it",
		},
		&cli.BoolFlag{
			Name:  "local",
			Usage: "run every agent inside this process over in-memory regions",
		},
		&cli.StringFlag{
			Name:  "output-dir",
			Usage: "directory for the ledger dump and metrics file",
		},
		&cli.BoolFlag{
			Name:  "compress",
			Usage: "brotli compress the ledger dump",
		},
		&cli.IntFlag{
			Name:  "top",
			Usage: "richest and poorest actors listed in periodic reports",
			Value: config.DefaultRunOptions().TopN,
		},
		&cli.DurationFlag{
			Name:  "stats-interval",
			Value: config.DefaultRunOptions().StatsInterval,
		},
		&cli.DurationFlag{
			Name:  "grace",
			Usage: "how long agents get to exit before they are killed",
			Value: config.DefaultRunOptions().Grace,
		},
	},
	Action: func(c *cli.Context) error {
		log, err := newLogger(c, "supervisor")
		if err != nil {
			return err
		}
		defer log.Sync() // nolint: errcheck

		cfg, err := config.Load(c.String("config"))
		if err != nil {
			log.Error("Invalid configuration", utils.Err(err))
			return cli.Exit(err.Error(), 1)
		}
		run := config.RunOptions{
			StatsInterval: c.Duration("stats-interval"),
			Grace:         c.Duration("grace"),
			OutputDir:     c.String("output-dir"),
			Compress:      c.Bool("compress"),
			TopN:          c.Int("top"),
		}

		events := foundation.NewEventFlags()
		stop := foundation.ForwardSignals(events, foundation.SupervisorEventFor, foundation.SupervisorSignals...)
		defer stop()

		runID := utils.NewRunID()
		var (
			ns      sab.Namespace
			spawner supervisor.Spawner
		)
		if c.Bool("local") {
			mem := sab.NewMemNamespace(runID)
			ns, spawner = mem, supervisor.NewLocalSpawner(mem, log)
		} else {
			dir := filepath.Join(sab.DefaultSharedMemoryRoot(), "ledgersim-"+runID)
			fns, err := sab.CreateFileNamespace(dir)
			if err != nil {
				log.Error("Cannot create run namespace", utils.String("dir", dir), utils.Err(err))
				return cli.Exit(err.Error(), 1)
			}
			exec, err := supervisor.NewExecSpawner(dir, log)
			if err != nil {
				_ = fns.Destroy()
				return cli.Exit(err.Error(), 1)
			}
			ns, spawner = fns, exec
		}
		log.Info("Starting run", utils.String("id", runID), utils.String("namespace", ns.String()))

		res := supervisor.New(supervisor.Options{
			Namespace: ns,
			Config:    cfg,
			Run:       run,
			Spawner:   spawner,
			Events:    events,
			Log:       log,
			Out:       os.Stdout,
			Colorize:  !color.NoColor,
		}).Run(c.Context)

		if res.ExitCode != 0 {
			msg := fmt.Sprintf("run ended: %s", res.Reason)
			if res.Err != nil {
				msg = fmt.Sprintf("%s: %v", msg, res.Err)
			}
			return cli.Exit(msg, res.ExitCode)
		}
		return nil
	},
}
