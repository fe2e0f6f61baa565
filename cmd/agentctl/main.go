package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/AgentZ2077/game/sdk/go/gameclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "agentctl",
		Usage:     "drive the game agents through a running gamed",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Value:   "http://127.0.0.1:8080",
				Usage:   "base URL of the gamed API",
				EnvVars: []string{"GAME_SERVER"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: gameclient.DefaultHTTPTimeout,
				Usage: "per request timeout",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print raw JSON instead of tables",
			},
		},
		Commands: []*cli.Command{
			dispatchCommand(),
			runCommand(),
			runsCommand(),
			simulateCommand(),
			memoriesCommand(),
			logCommand(),
		},
	}
}

func client(c *cli.Context) (*gameclient.Client, error) {
	return gameclient.NewClient(c.String("server"), nil)
}

func withTimeout(c *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context, c.Duration("timeout"))
}

func dispatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "dispatch",
		Usage: "run a single agent for a player",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "agent", Required: true},
			&cli.StringFlag{Name: "player", Value: "guest"},
		},
		Action: func(c *cli.Context) error {
			cl, err := client(c)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(c)
			defer cancel()
			out, err := cl.Dispatch(ctx, c.String("agent"), c.String("player"), nil)
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, out)
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run the roster, or selected agents, for a player",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "player", Required: true},
			&cli.StringSliceFlag{Name: "agent", Usage: "restrict the run to these agents"},
			&cli.BoolFlag{Name: "async", Usage: "queue the run and return its id"},
		},
		Action: func(c *cli.Context) error {
			cl, err := client(c)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(c)
			defer cancel()
			req := gameclient.RunRequest{Player: c.String("player"), Agents: c.StringSlice("agent")}
			if c.Bool("async") {
				run, err := cl.Submit(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "queued run %s (%s)\n", run.ID, run.Status)
				return nil
			}
			report, err := cl.Run(ctx, req)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return printJSON(c.App.Writer, report)
			}
			renderReport(c.App.Writer, report)
			return nil
		},
	}
}

func runsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "list queued runs",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "status"},
			&cli.StringFlag{Name: "player"},
			&cli.IntFlag{Name: "limit", Value: 20},
		},
		Action: func(c *cli.Context) error {
			cl, err := client(c)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(c)
			defer cancel()
			runs, err := cl.ListRuns(ctx, gameclient.RunFilter{
				Statuses: c.StringSlice("status"),
				Player:   c.String("player"),
				Limit:    c.Int("limit"),
			})
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return printJSON(c.App.Writer, runs)
			}
			table := newTable(c.App.Writer, "ID", "PLAYER", "STATUS", "ATTEMPTS", "UPDATED", "ERROR")
			for _, run := range runs {
				table.Append([]string{
					run.ID,
					run.Player,
					run.Status,
					strconv.Itoa(run.Attempts),
					time.Unix(run.UpdatedAt, 0).Format(time.DateTime),
					run.LastError,
				})
			}
			table.Render()
			return nil
		},
	}
}

func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "run scripted decision rounds",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "rounds"},
			&cli.StringSliceFlag{Name: "agent"},
			&cli.StringFlag{Name: "topic"},
		},
		Action: func(c *cli.Context) error {
			cl, err := client(c)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(c)
			defer cancel()
			steps, err := cl.Simulate(ctx, gameclient.Simulation{
				Rounds: c.Int("rounds"),
				Agents: c.StringSlice("agent"),
				Topic:  c.String("topic"),
			})
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return printJSON(c.App.Writer, steps)
			}
			table := newTable(c.App.Writer, "ROUND", "TIME", "AGENT", "SKILL", "RESULT", "DIGEST")
			for _, step := range steps {
				table.Append([]string{
					strconv.Itoa(step.Round),
					step.Time,
					step.Agent,
					step.Skill,
					compact(step.Result),
					shorten(step.Digest, 12),
				})
			}
			table.Render()
			return nil
		},
	}
}

func memoriesCommand() *cli.Command {
	return &cli.Command{
		Name:  "memories",
		Usage: "query stored memories",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "topic"},
			&cli.StringSliceFlag{Name: "agent"},
			&cli.StringFlag{Name: "tag", Usage: "comma separated tags, all must match"},
			&cli.DurationFlag{Name: "since", Usage: "only entries newer than this age"},
			&cli.IntFlag{Name: "limit", Value: 20},
		},
		Action: func(c *cli.Context) error {
			cl, err := client(c)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(c)
			defer cancel()
			query := gameclient.MemoryQuery{
				Topics: c.StringSlice("topic"),
				Agents: c.StringSlice("agent"),
				Limit:  c.Int("limit"),
			}
			if raw := c.String("tag"); raw != "" {
				query.Tags = strings.Split(raw, ",")
			}
			if age := c.Duration("since"); age > 0 {
				query.Since = time.Now().Add(-age)
			}
			entries, err := cl.Memories(ctx, query)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return printJSON(c.App.Writer, entries)
			}
			renderMemories(c.App.Writer, entries)
			return nil
		},
	}
}

func logCommand() *cli.Command {
	return &cli.Command{
		Name:  "log",
		Usage: "print the latest journal records",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 20},
		},
		Action: func(c *cli.Context) error {
			cl, err := client(c)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(c)
			defer cancel()
			records, err := cl.Journal(ctx, c.Int("limit"))
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, records)
		},
	}
}

func renderReport(w io.Writer, report gameclient.Report) {
	table := newTable(w, "AGENT", "STATUS", "DETAIL")
	for _, name := range report.Agents {
		result := report.Results[name]
		status := "ok"
		detail := compact(result["actions"])
		if msg, failed := result["error"]; failed {
			status = "failed"
			detail = fmt.Sprint(msg)
		}
		table.Append([]string{name, status, detail})
	}
	table.Render()
}

func renderMemories(w io.Writer, entries []gameclient.Memory) {
	table := newTable(w, "ID", "DATETIME", "TOPIC", "AGENT", "TAGS", "CONTENT")
	for _, e := range entries {
		tags := append([]string(nil), e.Tags...)
		sort.Strings(tags)
		table.Append([]string{
			shorten(e.ID, 8),
			e.Datetime,
			e.Topic,
			e.Agent,
			strings.Join(tags, ","),
			shorten(compact(e.Content), 60),
		})
	}
	table.Render()
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	return table
}

func compact(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
