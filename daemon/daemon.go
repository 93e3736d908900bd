// Package daemon wires the agent together and runs it until shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"edgeagent/config"
	"edgeagent/internal/adapter/sqlite"
	"edgeagent/internal/bootstrap"
	"edgeagent/internal/configtree"
	"edgeagent/internal/deployment"
	"edgeagent/internal/graph"
	"edgeagent/internal/lifecycle"
	"edgeagent/internal/telemetry"
)

const closeTimeout = 30 * time.Second

// Option configures Run.
type Option func(*options)

type options struct {
	registry *lifecycle.Registry
	launcher lifecycle.Launcher
	runner   bootstrap.TaskRunner
	logger   *slog.Logger
}

// WithRegistry supplies the in-process plugin factories.
func WithRegistry(r *lifecycle.Registry) Option { return func(o *options) { o.registry = r } }

// WithLauncher replaces how externally managed components are launched.
func WithLauncher(l lifecycle.Launcher) Option { return func(o *options) { o.launcher = l } }

// WithTaskRunner replaces how bootstrap steps run.
func WithTaskRunner(r bootstrap.TaskRunner) Option { return func(o *options) { o.runner = r } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// Run resumes any deployment in flight, launches the configured components
// and executes deployments until ctx is cancelled. A
// *deployment.ShutdownError is returned when the host must relaunch the
// agent; every other return is a normal stop or a startup failure.
func Run(ctx context.Context, cfg *config.Config, opts ...Option) error {
	o := options{
		registry: lifecycle.NewRegistry(),
		launcher: lifecycle.ExternalLauncher{},
		runner:   bootstrap.NewDeclared(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger

	store, err := sqlite.Open(cfg.StatePath())
	if err != nil {
		return err
	}
	defer store.Close()

	plan, err := bootstrap.New(store, o.runner, bootstrap.WithLogger(log)).Resume(ctx)
	if err != nil {
		return err
	}
	initial, err := initialConfig(store, cfg, plan)
	if err != nil {
		return err
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn("Failed to shut down tracer provider.", "err", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := deployment.NewMetrics(reg)

	g := graph.New()
	tree := configtree.New(configtree.WithLogger(log))
	manager := lifecycle.New(g, tree,
		lifecycle.WithRegistry(o.registry),
		lifecycle.WithLauncher(o.launcher),
		lifecycle.WithLogger(log),
		lifecycle.WithStateListener(metrics.StateListener()),
	)

	status := deployment.NewStatusKeeper(
		deployment.WithStatusHistory(store),
		deployment.WithStatusLogger(log),
	)
	deployment.NewHealthReporter(g, log).Register(status)

	activator := deployment.NewActivator(g, tree, manager,
		deployment.WithCapabilities(cfg.Capabilities),
		deployment.WithDefaultTimeout(cfg.DeploymentTimeout),
		deployment.WithTracer(tp.Tracer(telemetry.TracerName)),
		deployment.WithActivatorLogger(log),
	)
	service := deployment.NewService(activator, status,
		deployment.WithStore(store),
		deployment.WithMetrics(metrics),
		deployment.WithServiceLogger(log),
	)

	// Notifications queue until the tree runs.
	if _, err := tree.Replace(time.Now(), initial); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return tree.Run(ctx) })

	log.Info("Launching components.", "count", len(initial))
	if err := manager.Launch(ctx); err != nil {
		log.Warn("Some components failed to launch.", "err", err)
	}
	if plan.Deployment != nil {
		id := service.Submit(*plan.Deployment)
		log.Info("Resuming deployment after restart.", "deployment_id", id, "stage", plan.Deployment.Stage.String())
	}

	eg.Go(func() error { return service.Run(ctx) })
	eg.Go(func() error { return NewInbox(cfg.InboxDir(), service, cfg.PollInterval, log).Run(ctx) })
	if cfg.MetricsAddr != "" {
		eg.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, reg, log) })
	}

	if _, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
		log.Error("Failed to notify systemd that the daemon is ready.", "err", err)
	}
	err = eg.Wait()
	if _, nerr := systemd.SdNotify(false, systemd.SdNotifyStopping); nerr != nil {
		log.Error("Failed to notify systemd that the daemon is stopping.", "err", nerr)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if cerr := manager.Close(closeCtx); cerr != nil {
		log.Warn("Failed to stop every component.", "err", cerr)
	}

	if se, ok := deployment.IsShutdown(err); ok {
		log.Info("Agent relaunch requested.", "kind", se.Kind.String(), "reason", se.Reason)
		return se
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// initialConfig picks the configuration to launch with: the one a resumed
// deployment carries, else what the last deployment left, else the
// agent configuration.
func initialConfig(store *sqlite.Store, cfg *config.Config, plan bootstrap.Plan) (map[string]configtree.Component, error) {
	if plan.Config != nil {
		return plan.Config, nil
	}
	data, ok, err := store.EffectiveConfig()
	if err != nil {
		return nil, err
	}
	if ok {
		return configtree.Decode(data)
	}
	return cfg.Components, nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Serving metrics.", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics on %s: %w", addr, err)
	}
	return nil
}
