package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/m3rciful/shophost/core/bootstrap"
	coreconfig "github.com/m3rciful/shophost/core/config"
	"github.com/m3rciful/shophost/core/logger"
)

const defaultShutdownTimeout = 15 * time.Second

// Options describe how to load configuration, bootstrap the host, and serve it.
type Options struct {
	ConfigEnvVar      string
	DefaultConfigPath string

	LoadConfig func(path string) (*coreconfig.Config, error)
	Bootstrap  func(ctx context.Context, cfg *coreconfig.Config) (*bootstrap.App, error)

	ShutdownLogger  func() error
	ShutdownTimeout time.Duration
	// Signals stop the host; defaults to SIGINT and SIGTERM.
	Signals []os.Signal
}

// Run loads configuration, bootstraps the host and serves the webhook and
// control listeners until a stop signal arrives.
func Run(opts Options) error {
	if opts.LoadConfig == nil {
		opts.LoadConfig = coreconfig.Load
	}
	if opts.Bootstrap == nil {
		return fmt.Errorf("cmd: Bootstrap is required")
	}

	env := opts.ConfigEnvVar
	if env == "" {
		env = "CONFIG_PATH"
	}
	cfgPath := os.Getenv(env)
	if cfgPath == "" {
		cfgPath = opts.DefaultConfigPath
	}

	log.Printf("loading config: %s", cfgPath)
	cfg, err := opts.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("cmd: failed to load config: %w", err)
	}

	sigs := opts.Signals
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ctx, cancel := signal.NotifyContext(context.Background(), sigs...)
	defer cancel()

	startedAt := time.Now()
	app, err := opts.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("cmd: bootstrap failed: %w", err)
	}

	shutdownLogger := opts.ShutdownLogger
	if shutdownLogger == nil {
		shutdownLogger = logger.Shutdown
	}
	defer func() {
		if err := shutdownLogger(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()
	defer func() {
		if err := app.Close(); err != nil {
			logger.L.With("component", "app").Warn("close failed",
				slog.String("event", "shutdown"),
				slog.String("err", err.Error()),
			)
		}
	}()

	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	return Serve(ctx, app, timeout, startedAt)
}

// Serve runs the scheduler and both listeners until ctx ends or a listener fails,
// then drains them within timeout.
func Serve(ctx context.Context, app *bootstrap.App, timeout time.Duration, startedAt time.Time) error {
	cfg := app.Config
	// A webhook request may sleep through one flood wait before it is acknowledged.
	hookWrite := time.Duration(cfg.Backoff.MaxSeconds)*time.Second + 30*time.Second
	webhook := newServer(ctx, cfg.WebhookAddr(), app.Gateway.Routes(), hookWrite)
	ctrl := newServer(ctx, cfg.ControlAddr(), app.Control.Routes(), 60*time.Second)

	if err := app.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("cmd: scheduler start: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if cfg.TLS.Enabled() {
			err = webhook.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = webhook.ListenAndServe()
		}
		return listenErr("webhook", err)
	})
	g.Go(func() error {
		return listenErr("control", ctrl.ListenAndServe())
	})

	appLog := logger.L.With("component", "app")
	appLog.Info("app ready",
		slog.String("event", "ready"),
		slog.String("webhook_addr", webhook.Addr),
		slog.String("control_addr", ctrl.Addr),
		slog.Bool("tls", cfg.TLS.Enabled()),
		slog.Duration("startup_duration", logger.RoundMS(time.Since(startedAt))),
	)

	g.Go(func() error {
		<-gctx.Done()
		appLog.Info("shutting down...", slog.String("event", "shutdown"))

		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		// Stop ingress first so no new events reach a stopping scheduler.
		errs := []error{
			webhook.Shutdown(stopCtx),
			ctrl.Shutdown(stopCtx),
			app.Scheduler.Shutdown(stopCtx),
		}
		return errors.Join(errs...)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newServer(ctx context.Context, addr string, h http.Handler, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
		// In-flight events finish during graceful shutdown.
		BaseContext: func(_ net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
}

func listenErr(name string, err error) error {
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("cmd: %s listener: %w", name, err)
}
