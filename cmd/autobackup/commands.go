package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"autobackup/internal/app"
	"autobackup/internal/config"
	"autobackup/internal/schedule"
	"autobackup/internal/storage"
	logx "autobackup/pkg/logx"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the daemon: one cycle now, then one every wakeup_frequency seconds",
		Action: func(c *cli.Context) error {
			a, err := app.NewApp(c.String("config"))
			if err != nil {
				return err
			}
			if err := a.Start(c.Context); err != nil {
				_ = a.Stop(context.Background())
				return err
			}
			<-a.Done()

			// A backup in flight is never interrupted, so Stop is not bounded.
			if err := a.Stop(context.Background()); err != nil {
				return err
			}
			return a.Err()
		},
	}
}

func onceCommand() *cli.Command {
	return &cli.Command{
		Name:  "once",
		Usage: "Run a single wake cycle and exit",
		Action: func(c *cli.Context) error {
			a, err := app.NewApp(c.String("config"))
			if err != nil {
				return err
			}
			rep, err := a.RunOnce(c.Context)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			fmt.Fprintln(c.App.Writer, rep.Summary())
			if rep.Failed > 0 {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Validate the configuration and print what the next cycle would do",
		Action: func(c *cli.Context) error {
			cfgm := config.NewConfigManager(c.String("config"))
			_, snap, _, err := cfgm.Parse()
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			g := snap.Globals
			now := time.Now()

			out := c.App.Writer
			fmt.Fprintf(out, "wakeup every %s, destination %s, frequency %s\n",
				g.WakeupInterval, g.Destination, g.Frequency)
			for _, k := range snap.Defaulted {
				fmt.Fprintf(out, "note: common.%s missing; the next run writes its default\n", k)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tMETHOD\tFREQUENCY\tLAST BACKUP\tFAILS\tDECISION\tREASON")
			for _, nt := range snap.Tasks {
				rt := nt.Task.Resolve(g)
				d := schedule.Evaluate(nt.Name, rt, g, now)
				last := "never"
				if rt.HasLastBackup() {
					last = humanize.RelTime(rt.LastBackup, now, "ago", "from now")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					nt.Name, rt.Method, rt.Frequency, last, rt.FailCount, d.Kind, d.Reason)
			}
			return tw.Flush()
		},
	}
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write the default configuration document",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "Overwrite an existing file"},
		},
		Action: func(c *cli.Context) error {
			path := c.String("config")
			cfgm := config.NewConfigManager(path)
			if err := cfgm.WriteDefault(c.Bool("force")); err != nil {
				if errors.Is(err, os.ErrExist) {
					return cli.Exit(path+" already exists; use --force to overwrite", 1)
				}
				return err
			}
			fmt.Fprintln(c.App.Writer, "wrote", path)
			return nil
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List recent runs from the history store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "task", Aliases: []string{"t"}, Usage: "Only runs of this task"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum runs to list", Value: storage.DefaultLimit},
		},
		Action: func(c *cli.Context) error {
			cfgm := config.NewConfigManager(c.String("config"))
			_, snap, _, err := cfgm.Parse()
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			hc := snap.Globals.History
			st, err := storage.Open(storage.Config{Driver: hc.Driver, Path: hc.Path}, logx.NewConsole("WARN"))
			if err != nil {
				return err
			}
			if st == nil {
				return cli.Exit("history is disabled (common.history.driver)", 1)
			}
			defer st.Close()

			runs, err := st.RecentRuns(c.Context, c.String("task"), c.Int("limit"))
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tTASK\tSTATUS\tFILES\tSIZE\tTOOK\tREASON")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					humanize.Time(r.StartedAt), r.Task, r.Status, r.Files,
					humanize.IBytes(uint64(r.Bytes)), r.Duration.Round(time.Millisecond), r.Reason)
			}
			return tw.Flush()
		},
	}
}
