// Binary loom runs agent threads against an OpenAI-compatible model.
//
// Usage:
//
//	loom run [-config file] "prompt"
//	loom resume [-config file] <thread-id>
//	loom threads [-config file] [-status suspended] [-limit 20]
//	loom mcp [-config file]
//
// Tools that need approval are confirmed on the terminal. When input ends
// first, the thread stays suspended in the store and can be picked up later
// with resume.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nevindra/loom"
	"github.com/nevindra/loom/internal/config"
	"github.com/nevindra/loom/mcp"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "run":
		err = runCmd(ctx, args)
	case "resume":
		err = resumeCmd(ctx, args)
	case "threads":
		err = threadsCmd(ctx, args)
	case "mcp":
		err = mcpCmd(ctx, args)
	case "version":
		fmt.Println("loom", version)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "loom:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  loom run [-config file] "prompt"
  loom resume [-config file] <thread-id>
  loom threads [-config file] [-status s] [-limit n]
  loom mcp [-config file]`)
}

// setup parses the common -config flag and loads configuration.
func setup(fs *flag.FlagSet, args []string) (config.Config, *slog.Logger, error) {
	path := fs.String("config", os.Getenv("LOOM_CONFIG"), "config file (.toml, .yaml)")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load(*path)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, newLogger(os.Stderr, cfg.Log.Level), nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func runCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	cfg, logger, err := setup(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New(`run takes exactly one prompt argument`)
	}

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	th := loom.NewThread(rt.agent, loom.Prompt(fs.Arg(0)), rt.threadOpts()...)
	logger.Debug("thread started", "thread", th.ID())
	res, err := rt.execute(ctx, th)
	return finish(ctx, rt, th, res, err, bufio.NewReader(os.Stdin), os.Stdout)
}

func resumeCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	cfg, logger, err := setup(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("resume takes exactly one thread id")
	}

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()
	if rt.store == nil {
		return errors.New("resume needs a store; set [store] driver")
	}

	snap, err := rt.store.LoadThread(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	th, err := loom.RestoreThread(rt.agent, snap, rt.threadOpts()...)
	if err != nil {
		return err
	}

	in, out := bufio.NewReader(os.Stdin), os.Stdout
	switch st := th.State(); {
	case st.Status == loom.StatusSuspended:
		return finish(ctx, rt, th, loom.Result{ThreadID: th.ID(), State: st}, nil, in, out)
	case st.Status.Terminal():
		return fmt.Errorf("thread %s already %s", th.ID(), st.Status)
	default:
		res, err := rt.execute(ctx, th)
		return finish(ctx, rt, th, res, err, in, out)
	}
}

// finish drives a run to an end: it answers approval requests from in until
// the thread completes, fails or input runs out, then prints the outcome.
func finish(ctx context.Context, rt *runtime, th *loom.Thread, res loom.Result, err error, in *bufio.Reader, out io.Writer) error {
	for err == nil && res.Suspended() {
		resp, askErr := askApproval(in, out, res.Pending())
		if askErr != nil {
			fmt.Fprintf(out, "\nthread %s is waiting for approval; continue with: loom resume %s\n", th.ID(), th.ID())
			return nil
		}
		res, err = rt.resume(ctx, th, resp)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && rt.store != nil {
			fmt.Fprintf(out, "\ninterrupted; continue with: loom resume %s\n", th.ID())
		}
		return err
	}
	return printOutput(out, res.Output)
}

func printOutput(w io.Writer, output any) error {
	if s, ok := output.(string); ok {
		_, err := fmt.Fprintln(w, s)
		return err
	}
	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func threadsCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("threads", flag.ContinueOnError)
	status := fs.String("status", "", "only threads with this status")
	limit := fs.Int("limit", 20, "maximum number of threads")
	cfg, logger, err := setup(fs, args)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("no store configured")
	}
	defer store.Close()

	list, err := store.ListThreads(ctx, loom.RunStatus(*status), *limit)
	if err != nil {
		return err
	}
	return printThreads(os.Stdout, list)
}

func printThreads(w io.Writer, list []loom.ThreadSummary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "THREAD\tAGENT\tSTATUS\tTICK\tUPDATED")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.ThreadID, s.AgentID, s.Status, s.Tick,
			time.Unix(s.UpdatedAt, 0).Format(time.DateTime))
	}
	return tw.Flush()
}

// mcpCmd serves the built-in tools over stdio. Tools that need approval are
// listed but refused on call.
func mcpCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	cfg, logger, err := setup(fs, args)
	if err != nil {
		return err
	}
	srv := mcp.New("loom", version, mcp.WithServerLogger(logger))
	srv.AddToolkit(builtinTools(notesPath(cfg), nil), func() *loom.RunContext {
		return loom.NewRunContext("mcp", nil)
	})
	logger.Info("serving mcp over stdio", "version", version)
	return srv.Serve(ctx)
}
