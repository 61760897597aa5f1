package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/aristath/jobcore/internal/api"
	"github.com/aristath/jobcore/internal/config"
	"github.com/aristath/jobcore/internal/events"
	"github.com/aristath/jobcore/internal/indexer"
	"github.com/aristath/jobcore/internal/jobs"
	"github.com/aristath/jobcore/internal/metrics"
	"github.com/aristath/jobcore/internal/persistence"
	"github.com/aristath/jobcore/internal/scheduler"
)

// workerLoadInterval is how often worker queue snapshots are published.
const workerLoadInterval = time.Second

// app holds the wired components of one process.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    persistence.Store
	bus      *events.EventBus
	exporter *metrics.Exporter
	sys      *scheduler.System
	manager  *jobs.Manager
}

// newApp opens the store and starts the scheduler and job manager.
func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	exporter, err := metrics.NewExporter("jobcore", nil, metrics.ExporterOptions{})
	if err != nil {
		return nil, fmt.Errorf("creating metrics exporter: %w", err)
	}

	sqlite, err := persistence.NewSQLiteStore(ctx, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	store := persistence.NewResilientStore(sqlite, cfg.RetryConfig(), log.Named("store"))
	store.OnRetry(exporter.StoreRetried)

	bus := events.NewEventBus()
	sys := scheduler.NewSystem(cfg.SchedulerConfig(),
		scheduler.WithLogger(log.Named("scheduler")),
		scheduler.WithMetrics(exporter))

	registry := jobs.NewRegistry()
	indexer.Register(registry)

	manager := jobs.NewManager(sys, store, bus, cfg.JobsConfig(),
		jobs.WithLogger(log.Named("jobs")),
		jobs.WithMetrics(exporter),
		jobs.WithRegistry(registry))

	return &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		bus:      bus,
		exporter: exporter,
		sys:      sys,
		manager:  manager,
	}, nil
}

// resume restarts the jobs left unfinished by the previous process.
func (a *app) resume(ctx context.Context) {
	if !a.cfg.Jobs.AutoResume {
		return
	}
	ids, err := a.manager.ResumeAll(ctx)
	for _, id := range ids {
		a.log.Info("resumed job", zap.Stringer("job", id))
	}
	if err != nil {
		a.log.Warn("resuming jobs", zap.Error(err))
	}
}

// buildJob creates jobs submitted through the API.
func buildJob(name string, params map[string]string) (jobs.Job, error) {
	switch name {
	case indexer.Name:
		root := params["root"]
		if root == "" {
			return nil, fmt.Errorf("%w: indexer requires root", api.ErrInvalidParams)
		}
		var opts []indexer.Option
		if skip, _ := strconv.ParseBool(params["skip_hidden"]); skip {
			opts = append(opts, indexer.SkipHidden())
		}
		return indexer.New(root, opts...), nil
	default:
		return nil, fmt.Errorf("%w: %s", jobs.ErrUnknownJobName, name)
	}
}

// httpServer mounts the control API and the metrics endpoint.
func (a *app) httpServer() *http.Server {
	srv := api.NewServer(a.manager, a.log.Named("api"),
		api.WithJobBuilder(buildJob),
		api.WithEvents(a.bus))

	mux := http.NewServeMux()
	mux.Handle("/api/", srv.Handler())
	mux.Handle(a.cfg.API.MetricsPath, a.exporter.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: a.cfg.API.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	return &http.Server{
		Addr:              a.cfg.API.Addr,
		Handler:           c.Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// statsSource is the part of the manager the load publisher polls.
type statsSource interface {
	Stats(ctx context.Context) ([]scheduler.WorkerStats, error)
}

// publishWorkerLoad publishes one WorkerLoadEvent per worker every interval
// until ctx is done.
func publishWorkerLoad(ctx context.Context, src statsSource, bus *events.EventBus, interval time.Duration, log *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		stats, err := src.Stats(ctx)
		if err != nil {
			if errors.Is(err, scheduler.ErrSystemShutdown) || ctx.Err() != nil {
				return nil
			}
			log.Debug("polling worker stats", zap.Error(err))
			continue
		}
		now := time.Now()
		for _, st := range stats {
			bus.Publish(events.TopicWorker, events.WorkerLoadEvent{
				WorkerID:  int(st.ID),
				Queued:    st.Queued,
				Weight:    st.Weight,
				Idle:      st.Idle,
				Timestamp: now,
			})
		}
	}
}

// shutdown pauses running jobs, stops the scheduler and closes the store.
func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	err := a.manager.Shutdown(ctx)
	a.bus.Close()
	if cerr := a.store.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("closing store: %w", cerr))
	}
	return err
}
