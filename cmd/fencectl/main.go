// Command fencectl is the operator CLI for the fence store: it runs
// migrations, reconciles hand-written commands, runs bulk syncs against a
// fence list and prints local state.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/fence-sync/internal/app"
	"github.com/and161185/fence-sync/internal/command"
	"github.com/and161185/fence-sync/internal/config"
	"github.com/and161185/fence-sync/internal/errs"
	"github.com/and161185/fence-sync/internal/migrate"
	"github.com/and161185/fence-sync/internal/model"
	"github.com/and161185/fence-sync/internal/service"
)

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, `fencectl
Usage:
  fencectl [-config file] [-dry-run] <cmd> [args]

Commands:
  version
  migrate    [-down | -status]
  apply      [-raw] [-local <uuid>] <file>...     (YAML command, or encoded with -raw; "-" reads stdin)
  sync       -file <fences.yaml>                  (bulk sync: members + invited lists)
  show       [-fid <id>]
  resync     -fid <id>
  leave      -fid <id> [-cleanup]
`)
	os.Exit(2)
}

// ---- views ----

type groupRow struct {
	FenceID  int64    `json:"fid"`
	LocalID  string   `json:"local_id"`
	Cname    string   `json:"cname,omitempty"`
	Title    string   `json:"title,omitempty"`
	Mode     string   `json:"mode"`
	Active   bool     `json:"active"`
	Members  []string `json:"members,omitempty"`
	Invited  []string `json:"invited,omitempty"`
	ThreadID int64    `json:"thread_id,omitempty"`
	LastEID  int64    `json:"last_eid,omitempty"`
}

type applyRow struct {
	Source   string `json:"source"`
	Command  string `json:"command,omitempty"`
	Outcome  string `json:"outcome"`
	ThreadID int64  `json:"thread_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

func toRow(g *model.GroupRecord, th *model.ThreadRecord) groupRow {
	r := groupRow{
		FenceID: g.FenceID,
		LocalID: g.LocalID.String(),
		Cname:   g.CanonicalName,
		Title:   g.Title,
		Mode:    g.Mode.String(),
		Active:  g.Active,
		Members: g.Members.Strings(),
		Invited: g.InvitedMembers.Strings(),
	}
	if th != nil {
		r.ThreadID, r.LastEID = th.ThreadID, th.LastEventID
	}
	return r
}

// ---- commands ----

// envelopeFrom loads one apply source into an envelope.
func envelopeFrom(path string, raw bool, local uuid.UUID) (service.Envelope, string, error) {
	b, err := readAll(path)
	if err != nil {
		return service.Envelope{}, "", err
	}
	env := service.Envelope{ID: path, LocalID: local}
	if raw {
		env.Payload = b
		return env, "", nil
	}
	cmd, pinned, err := parseCommand(b)
	if err != nil {
		return service.Envelope{}, "", err
	}
	if pinned != uuid.Nil {
		env.LocalID = pinned
	}
	env.Payload = command.Encode(cmd)
	return env, cmd.Label(), nil
}

func cmdApply(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("apply", flag.ExitOnError)
	raw := fs.Bool("raw", false, "files hold encoded commands")
	localID := fs.String("local", "", "pin commands to this local group id")
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		return errors.New("apply: no input files")
	}

	local := uuid.Nil
	if *localID != "" {
		id, err := uuid.FromString(*localID)
		if err != nil {
			return fmt.Errorf("bad -local: %w", err)
		}
		local = id
	}

	rows := make([]applyRow, 0, fs.NArg())
	for _, p := range fs.Args() {
		env, label, err := envelopeFrom(p, *raw, local)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		res, err := a.Pipeline.Process(ctx, env)
		row := applyRow{Source: p, Command: label, Outcome: res.Outcome.String(), ThreadID: res.ThreadID}
		if err != nil {
			row.Error = err.Error()
		}
		rows = append(rows, row)
	}
	printJSON(out, rows)
	return nil
}

func cmdSync(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	file := fs.String("file", "", "fence list (YAML)")
	_ = fs.Parse(args)
	if *file == "" {
		return errors.New("sync: need -file")
	}
	b, err := readAll(*file)
	if err != nil {
		return err
	}
	members, invited, err := parseFenceList(b)
	if err != nil {
		return err
	}
	rep, err := a.Bulk.Run(ctx, members, invited)
	if err != nil {
		return err
	}
	printJSON(out, rep)
	return nil
}

func cmdShow(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	fid := fs.Int64("fid", 0, "fence id (all groups when 0)")
	_ = fs.Parse(args)

	var groups []model.GroupRecord
	if *fid > 0 {
		g, err := a.Groups.GetByFenceID(ctx, *fid)
		if err != nil {
			return fmt.Errorf("fid %d: %w", *fid, err)
		}
		groups = append(groups, *g)
	} else {
		var err error
		if groups, err = a.Groups.List(ctx); err != nil {
			return err
		}
	}

	rows := make([]groupRow, 0, len(groups))
	for i := range groups {
		th, err := a.Threads.GetByLocalID(ctx, groups[i].LocalID)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		rows = append(rows, toRow(&groups[i], th))
	}
	printJSON(out, rows)
	return nil
}

func cmdRequest(ctx context.Context, a *app.App, name string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fid := fs.Int64("fid", 0, "fence id")
	cleanup := fs.Bool("cleanup", false, "delete the group once the leave is confirmed")
	_ = fs.Parse(args)
	if *fid <= 0 {
		return fmt.Errorf("%s: need -fid", name)
	}

	var (
		tid int64
		err error
	)
	if name == "resync" {
		tid, err = a.Requests.StateSync(ctx, *fid)
	} else {
		tid, err = a.Requests.Leave(ctx, *fid, *cleanup)
	}
	if err != nil {
		return err
	}
	printJSON(out, map[string]int64{"fid": *fid, "thread_id": tid})
	return nil
}

// dumpRecorded prints what a dry run would have sent.
func dumpRecorded(a *app.App, out io.Writer) {
	if a.Sent == nil {
		return
	}
	type sent struct {
		To      string `json:"to"`
		Command string `json:"command"`
		FenceID int64  `json:"fid"`
	}
	rows := []sent{}
	for _, s := range a.Sent.Sent() {
		row := sent{To: s.To.String(), Command: s.Command.Label()}
		if f := s.Command.Fence(); f != nil {
			row.FenceID = f.FenceID
		}
		rows = append(rows, row)
	}
	printJSON(out, map[string]any{"requests": rows, "events": a.Events.Events()})
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// run executes one subcommand against a freshly built app.
func run(ctx context.Context, cfg config.Config, dry bool, cmd string, args []string, out io.Writer, log *zap.Logger) error {
	a, err := app.Build(ctx, cfg, app.Options{DryRun: dry}, log)
	if err != nil {
		return err
	}
	defer a.Close()

	switch cmd {
	case "apply":
		err = cmdApply(ctx, a, args, out)
	case "sync":
		err = cmdSync(ctx, a, args, out)
	case "show":
		err = cmdShow(ctx, a, args, out)
	case "resync", "leave":
		err = cmdRequest(ctx, a, cmd, args, out)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	if err == nil {
		dumpRecorded(a, out)
	}
	return err
}

// main dispatches subcommands.
func main() {
	cfgPath := flag.String("config", "", "YAML config file (optional)")
	dry := flag.Bool("dry-run", false, "in-memory store, requests and events are printed instead of sent")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	if cmd == "version" {
		fmt.Printf("fencectl %s (%s)\n", version, buildDate)
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fail(err)
	}
	logger, _ := app.NewLogger(cfg.Log.Level)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cmd == "migrate" {
		fs := flag.NewFlagSet("migrate", flag.ExitOnError)
		down := fs.Bool("down", false, "roll back the last migration")
		status := fs.Bool("status", false, "print migration status")
		_ = fs.Parse(args)
		switch {
		case *down:
			err = migrate.Down(ctx, cfg.Database.DSN)
		case *status:
			err = migrate.Status(ctx, cfg.Database.DSN)
		default:
			err = migrate.Up(ctx, cfg.Database.DSN)
		}
		if err != nil {
			fail(err)
		}
		fmt.Println("ok")
		return
	}

	if err := run(ctx, cfg, *dry, cmd, args, os.Stdout, logger); err != nil {
		fail(err)
	}
}
