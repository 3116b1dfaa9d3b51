package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"spool/internal/admission"
	"spool/internal/codec"
	"spool/internal/config"
	"spool/internal/constants"
	"spool/internal/decoding"
	"spool/internal/dispatch"
	"spool/internal/input/udp"
	"spool/internal/journal"
	"spool/internal/logger"
	"spool/internal/output"
	"spool/internal/pipeline"
	"spool/internal/processor"
	"spool/internal/resolve"
	"spool/pkg/bootstrap"
	"spool/pkg/health"
	"spool/pkg/logging"
	"spool/pkg/metrics"
	"spool/pkg/middleware"
	"spool/pkg/models"
	"spool/pkg/tracing"
)

const (
	serviceName     = "ingest-service"
	resolverWorkers = 4
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	stores *bootstrap.Stores

	gate     *admission.Gate
	writer   *journal.Writer
	reader   *journal.Reader
	pipeline *pipeline.Pipeline
	buffer   *output.Buffer
	resolver *resolve.Resolver
	inputs   []*udp.Input

	tracerProvider *tracing.TracerProvider
	server         *http.Server
	ready          atomic.Bool

	cancelWork   context.CancelFunc
	pipelineDone chan error
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(serviceName)
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(ctx, a.Config.Tracing, serviceName, a.Config.Node.ID)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterAll()

	stores, err := a.dbConnector.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}
	a.stores = stores

	if err := a.InitBackend(); err != nil {
		return err
	}

	if err := a.initPipeline(); err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	if err := a.initInputs(ctx); err != nil {
		return fmt.Errorf("failed to initialize inputs: %w", err)
	}

	a.initHTTPServer()
	return nil
}

func (a *App) initPipeline() error {
	cfg := a.Config
	a.gate = admission.NewGate()
	a.writer = journal.NewWriter(a.Backend, cfg.Journal.Writer, a.Logger)

	registry, err := codec.NewRegistry(codec.DefaultFactories(), cfg.Codecs)
	if err != nil {
		return err
	}

	deps := processor.Deps{
		Logger:         a.Logger,
		CircuitBreaker: cfg.CircuitBreaker,
	}
	if a.stores.Redis != nil {
		deps.Redis = a.stores.Redis
	}
	chain, err := processor.Build(processor.DefaultFactories(), cfg.Processors, deps)
	if err != nil {
		return err
	}

	sink, err := output.NewSink(cfg.Output, output.SinkDeps{
		Postgres: a.stores.Postgres,
		Mongo:    a.stores.MongoDB,
		Logger:   a.Logger,
	})
	if err != nil {
		return err
	}
	a.buffer = output.NewBuffer(cfg.Output, sink, a.gate, a.Logger)

	dispatcher := dispatch.NewDispatcher(cfg.Pipeline.DefaultStream, chain, a.buffer, a.Logger)

	a.reader = journal.NewReader(a.Backend, cfg.Journal.Reader, a.gate, a.enqueue, a.Logger)
	stage := decoding.NewStage(registry, a.reader, a.Logger)

	a.pipeline = pipeline.New(pipeline.Options{
		Workers:       cfg.Pipeline.Workers,
		Capacity:      cfg.Pipeline.IntakeCapacity,
		HighWatermark: cfg.Output.HighWatermark,
		LowWatermark:  cfg.Output.LowWatermark,
	}, stage, dispatcher, a.reader, a.gate, a.Logger)

	a.Logger.Infow("Pipeline assembled",
		"backend", a.Backend.Name(),
		"codecs", registry.Names(),
		"processors", chain.Names(),
		"sink", sink.Name(),
	)
	return nil
}

func (a *App) enqueue(ctx context.Context, env *models.Envelope) error {
	return a.pipeline.Enqueue(ctx, env)
}

func (a *App) initInputs(ctx context.Context) error {
	var hostnames udp.HostnameCache
	if a.Config.Resolver.Enabled {
		a.resolver = resolve.New(a.Config.Resolver, a.Logger)
		hostnames = a.resolver
	}

	for _, inCfg := range a.Config.Inputs.UDP {
		in := udp.New(inCfg, a.Config.Node.ID, a.writer, hostnames, a.Logger)
		if err := in.Listen(ctx); err != nil {
			return err
		}
		a.inputs = append(a.inputs, in)
	}
	return nil
}

func (a *App) initHTTPServer() {
	mux := http.NewServeMux()

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewFuncChecker("pipeline", func(ctx context.Context) error {
		if !a.ready.Load() {
			return errors.New("pipeline not ready")
		}
		return nil
	}))
	healthRegistry.Register(health.NewFuncChecker("broker_"+a.Backend.Name(), a.Backend.Ping))
	if a.stores.Postgres != nil {
		healthRegistry.Register(health.NewPostgreSQLChecker(a.stores.Postgres))
	}
	if a.stores.Redis != nil {
		healthRegistry.Register(health.NewRedisChecker(a.stores.Redis))
	}
	if a.stores.Mongo != nil {
		healthRegistry.Register(health.NewMongoDBChecker(a.stores.Mongo))
	}

	mux.Handle("/health", healthRegistry.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	httpLog := a.Logger.Named("http")
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           middleware.Chain(mux, middleware.RequestID, middleware.Logger(httpLog), middleware.Recovery(httpLog)),
		ReadTimeout:       a.Config.Server.ReadTimeout,
		ReadHeaderTimeout: constants.DefaultHTTPTimeout,
		WriteTimeout:      a.Config.Server.WriteTimeout,
	}
}

// Run starts every stage and blocks until ctx is done. Draining happens in
// Shutdown so that queued work outlives the signal.
func (a *App) Run(ctx context.Context) error {
	runCtx := logging.WithServiceName(ctx, serviceName)

	// Stages that must keep running while Shutdown drains them.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(runCtx))
	a.cancelWork = cancelWork

	groupCtx, abort := context.WithCancel(runCtx)
	defer abort()
	g, gCtx := errgroup.WithContext(groupCtx)

	g.Go(func() error {
		a.Logger.InfowCtx(runCtx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if err := a.writer.Start(gCtx); err != nil {
		a.Logger.ErrorwCtx(runCtx, "Durable queue unavailable at startup", "error", err)
		abort()
		_ = g.Wait()
		return err
	}

	a.buffer.Start(workCtx)

	a.pipelineDone = make(chan error, 1)
	go func() {
		a.pipelineDone <- a.pipeline.Run(workCtx)
	}()

	if err := a.reader.Start(workCtx); err != nil {
		abort()
		_ = g.Wait()
		return err
	}

	if a.resolver != nil {
		a.resolver.Start(resolverWorkers)
	}

	for _, in := range a.inputs {
		g.Go(func() error {
			return in.Run(gCtx)
		})
	}

	a.ready.Store(true)
	a.Logger.InfowCtx(runCtx, "Ingest pipeline ready",
		"inputs", len(a.inputs),
		"backend", a.Backend.Name(),
	)

	return g.Wait()
}

// Shutdown stops intake first and then drains every stage downstream of it.
func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, serviceName)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down ingest service")
	a.ready.Store(false)

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.writer != nil {
			a.writer.Stop()
		}
		if a.reader != nil {
			a.reader.Stop()
		}

		if a.pipeline != nil {
			a.pipeline.Stop()
			if a.pipelineDone != nil {
				select {
				case err := <-a.pipelineDone:
					if err != nil {
						errs = append(errs, fmt.Errorf("pipeline error: %w", err))
					}
				case <-ctx.Done():
					errs = append(errs, fmt.Errorf("pipeline drain: %w", ctx.Err()))
				}
			}
		}

		if a.buffer != nil && a.pipelineDone != nil {
			if err := a.buffer.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("output shutdown error: %w", err))
			}
		}

		if a.cancelWork != nil {
			a.cancelWork()
		}
		if a.resolver != nil {
			a.resolver.Close()
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.stores.Close(ctx)...)

		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
