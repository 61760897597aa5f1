// Command jobcore runs the job execution service: the work-stealing
// scheduler, the job manager with its report store, the HTTP control API
// and optionally a terminal dashboard.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/jobcore/internal/config"
	"github.com/aristath/jobcore/internal/events"
	"github.com/aristath/jobcore/internal/indexer"
	"github.com/aristath/jobcore/internal/jobs"
	"github.com/aristath/jobcore/internal/logging"
	"github.com/aristath/jobcore/internal/tui"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	tui        bool
	indexRoot  string
	skipHidden bool
	wait       bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("jobcore", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "config file layered over the global config (default "+config.ProjectPath+")")
	fs.BoolVar(&opts.tui, "tui", false, "show the terminal dashboard")
	fs.StringVar(&opts.indexRoot, "index", "", "dispatch an indexer job for this directory")
	fs.BoolVar(&opts.skipHidden, "skip-hidden", false, "with -index, ignore dot files and directories")
	fs.BoolVar(&opts.wait, "wait", false, "with -index, wait for the job, print its report and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.wait && opts.indexRoot == "" {
		return opts, errors.New("-wait requires -index")
	}
	if opts.wait && opts.tui {
		return opts, errors.New("-wait and -tui are mutually exclusive")
	}
	return opts, nil
}

func run(args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	globalPath, err := config.GlobalPath()
	if err != nil {
		return err
	}
	projectPath := config.ProjectPath
	if opts.configPath != "" {
		projectPath = opts.configPath
	}
	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return err
	}

	// The dashboard owns the terminal, so logs go to a file.
	if opts.tui && cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(filepath.Dir(cfg.Store.Path), "jobcore.log")
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0755); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if serr := a.shutdown(); serr != nil {
			log.Error("shutdown", zap.Error(serr))
		}
		log.Info("shutdown complete")
	}()

	a.resume(ctx)

	var indexID jobs.JobID
	if opts.indexRoot != "" {
		var iopts []indexer.Option
		if opts.skipHidden {
			iopts = append(iopts, indexer.SkipHidden())
		}
		root, err := filepath.Abs(opts.indexRoot)
		if err != nil {
			return err
		}
		indexID, err = a.manager.Dispatch(ctx, indexer.New(root, iopts...),
			jobs.WithMetadata(map[string]string{"root": root}))
		if err != nil {
			return fmt.Errorf("dispatching indexer: %w", err)
		}
		log.Info("dispatched indexer", zap.Stringer("job", indexID), zap.String("root", root))
	}

	if opts.wait {
		return waitAndPrint(ctx, a.manager, indexID, stdout)
	}
	return a.serve(ctx, opts.tui, globalPath, projectPath)
}

// serve runs the long-lived goroutines until ctx is done or the dashboard
// exits.
func (a *app) serve(ctx context.Context, withTUI bool, globalPath, projectPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return publishWorkerLoad(gctx, a.manager, a.bus, workerLoadInterval, a.log)
	})

	if kc := a.cfg.Events.Kafka; len(kc.Brokers) > 0 {
		sub := a.bus.SubscribeAll(a.cfg.Events.BufferSize)
		sink := events.NewKafkaSink(events.NewKafkaWriter(kc.Brokers, kc.Topic), a.log.Named("kafka"))
		g.Go(func() error {
			defer a.bus.Unsubscribe(sub)
			return sink.Run(gctx, sub)
		})
	}

	srv := a.httpServer()
	g.Go(func() error {
		a.log.Info("starting api server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if withTUI {
		g.Go(func() error {
			// Quitting the dashboard stops the process.
			defer cancel()
			model := tui.New(a.manager, a.bus, a.cfg, globalPath, projectPath)
			p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(gctx))
			if _, err := p.Run(); err != nil && gctx.Err() == nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// waiter is the part of the manager -wait needs.
type waiter interface {
	Wait(ctx context.Context, id jobs.JobID) (jobs.Report, error)
}

// waitAndPrint blocks until the job finishes and writes a summary. A failed
// or canceled job is returned as an error.
func waitAndPrint(ctx context.Context, m waiter, id jobs.JobID, w io.Writer) error {
	rep, err := m.Wait(ctx, id)
	if err != nil {
		return fmt.Errorf("waiting for job %s: %w", id, err)
	}

	fmt.Fprintf(w, "job %s %s: %s\n", rep.ID, rep.Status, rep.Progress.Message)
	fmt.Fprintf(w, "progress %d/%d\n", rep.Progress.Completed, rep.Progress.Total)
	for _, e := range rep.NonCriticalErrors {
		fmt.Fprintf(w, "  error: %s\n", e.Message)
	}

	switch rep.Status {
	case jobs.StatusFailed:
		return fmt.Errorf("job %s failed: %s", rep.ID, rep.CriticalError)
	case jobs.StatusCanceled:
		return fmt.Errorf("job %s was canceled", rep.ID)
	}
	return nil
}
