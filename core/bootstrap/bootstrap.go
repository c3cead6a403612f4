package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shophost/core/botstore"
	coreconfig "github.com/m3rciful/shophost/core/config"
	"github.com/m3rciful/shophost/core/control"
	"github.com/m3rciful/shophost/core/convstate"
	coredatabase "github.com/m3rciful/shophost/core/database"
	"github.com/m3rciful/shophost/core/gateway"
	"github.com/m3rciful/shophost/core/jobs"
	"github.com/m3rciful/shophost/core/lifecycle"
	"github.com/m3rciful/shophost/core/logger"
	"github.com/m3rciful/shophost/core/report"
	"github.com/m3rciful/shophost/core/scheduler"
	"github.com/m3rciful/shophost/core/secrets"
	"github.com/m3rciful/shophost/core/telegram"
	"github.com/m3rciful/shophost/core/telegram/middleware"
	"github.com/m3rciful/shophost/core/telegram/router"
	"github.com/m3rciful/shophost/core/telegram/sender"
)

// Options control the bootstrap pipeline. Nil hooks select the production defaults.
type Options struct {
	Config  *coreconfig.Config
	Modules Modules

	LoggerInit func(*coreconfig.Config) error
	Connect    func(ctx context.Context, opts coredatabase.Options) (*sqlx.DB, error)
	Migrate    func(ctx context.Context, dsn string, wait time.Duration) error
	// AWS loads the SDK configuration for the DynamoDB state backend and SSM secrets.
	AWS func(ctx context.Context) (AWSClients, error)
}

// AWSClients exposes service clients built from one loaded SDK configuration.
type AWSClients interface {
	DynamoDB() *dynamodb.Client
	SSM() *ssm.Client
}

type sdkClients struct {
	dynamo *dynamodb.Client
	ssm    *ssm.Client
}

func (a sdkClients) DynamoDB() *dynamodb.Client { return a.dynamo }
func (a sdkClients) SSM() *ssm.Client           { return a.ssm }

func loadAWS(ctx context.Context) (AWSClients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sdkClients{dynamo: dynamodb.NewFromConfig(cfg), ssm: ssm.NewFromConfig(cfg)}, nil
}

// App is the wired host. Close releases it in reverse order of construction.
type App struct {
	Config    *coreconfig.Config
	DB        *sqlx.DB
	JobsDB    *sqlx.DB
	Registry  *botstore.SQLRegistry
	State     convstate.Store
	Signals   *convstate.SignalStore
	Scheduler *scheduler.Scheduler
	Router    *router.Router
	Gateway   *gateway.Gateway
	Lifecycle *lifecycle.Manager
	Control   *control.API
	Outbox    *sender.Dispatcher
	Reporter  report.Reporter
	Metrics   *prometheus.Registry

	closers []func() error
}

// Close releases infrastructure owned by the app.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Run initializes the logger, connects to the databases, applies migrations
// and wires every host component.
func Run(ctx context.Context, opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bootstrap: nil config provided")
	}
	cfg := opts.Config

	loggerInit := opts.LoggerInit
	if loggerInit == nil {
		loggerInit = logger.InitLogger
	}
	if err := loggerInit(cfg); err != nil {
		return nil, fmt.Errorf("bootstrap: logger init failed: %w", err)
	}

	app := &App{Config: cfg, Metrics: prometheus.NewRegistry()}
	app.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := app.openDatabases(ctx, opts); err != nil {
		_ = app.Close()
		return nil, err
	}
	for _, s := range opts.Modules.Seeders {
		if err := s.Seed(ctx, app.DB); err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("bootstrap: seeding failed: %w", err)
		}
	}

	var aws AWSClients
	if cfg.State.Backend == coreconfig.StateBackendDynamo || cfg.Operator.TokenParam != "" {
		load := opts.AWS
		if load == nil {
			load = loadAWS
		}
		var err error
		if aws, err = load(ctx); err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
	}

	if err := app.wire(ctx, opts.Modules, aws); err != nil {
		_ = app.Close()
		return nil, err
	}
	logger.L.With("component", "app").Info("bootstrap complete",
		slog.String("event", "bootstrap"),
		slog.String("state_backend", cfg.State.Backend),
		slog.Int("commands", len(app.Router.ListCommands(false))),
		slog.Any("callbacks", app.Scheduler.Callbacks()),
	)
	return app, nil
}

func (a *App) openDatabases(ctx context.Context, opts Options) error {
	cfg := a.Config
	connect := opts.Connect
	if connect == nil {
		connect = coredatabase.Connect
	}
	migrate := opts.Migrate
	if migrate == nil {
		migrate = coredatabase.RunMigrations
	}
	wait := time.Duration(cfg.Database.WaitSeconds) * time.Second

	if err := migrate(ctx, cfg.Database.DSN, wait); err != nil {
		return fmt.Errorf("bootstrap: migrations failed: %w", err)
	}
	db, err := connect(ctx, coredatabase.Options{Name: "main", DSN: cfg.Database.DSN, MaxConnections: cfg.Database.MaxConnections})
	if err != nil {
		return fmt.Errorf("bootstrap: database initialization failed: %w", err)
	}
	a.DB = db
	a.onClose(db.Close)

	a.JobsDB = db
	if cfg.Database.SchedulerDSN != "" && cfg.Database.SchedulerDSN != cfg.Database.DSN {
		if err := migrate(ctx, cfg.Database.SchedulerDSN, wait); err != nil {
			return fmt.Errorf("bootstrap: job store migrations failed: %w", err)
		}
		jobsDB, err := connect(ctx, coredatabase.Options{Name: "jobs", DSN: cfg.Database.SchedulerDSN, MaxConnections: cfg.Database.MaxConnections})
		if err != nil {
			return fmt.Errorf("bootstrap: job store initialization failed: %w", err)
		}
		a.JobsDB = jobsDB
		a.onClose(jobsDB.Close)
	}
	return nil
}

func (a *App) wire(ctx context.Context, mods Modules, aws AWSClients) error {
	cfg := a.Config
	a.Registry = botstore.NewSQLRegistry(a.DB)
	a.Signals = convstate.NewSignalStore(a.DB)

	state, err := buildStateStore(cfg, a.DB, aws)
	if err != nil {
		return err
	}
	a.State = state

	// Module jobs scheduled without WithNamespace land in the default store.
	namespaces := append([]string{scheduler.DefaultNamespace}, jobs.Namespaces()...)
	stores := make([]scheduler.Store, 0, len(namespaces))
	for _, ns := range namespaces {
		stores = append(stores, scheduler.NewSQLStore(a.JobsDB, ns))
	}
	a.Scheduler, err = scheduler.New(scheduler.Options{
		Tick:          time.Duration(cfg.Scheduler.TickSeconds) * time.Second,
		Batch:         cfg.Scheduler.Batch,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		Metrics:       scheduler.NewMetrics(a.Metrics),
	}, stores...)
	if err != nil {
		return fmt.Errorf("bootstrap: scheduler: %w", err)
	}
	if err := jobs.RegisterAll(a.Scheduler, mods.Jobs); err != nil {
		return fmt.Errorf("bootstrap: register jobs: %w", err)
	}
	signals := a.Signals
	if err := a.Scheduler.Every("signals.purge", time.Minute, func(ctx context.Context) error {
		_, err := signals.Purge(ctx, time.Now())
		return err
	}); err != nil {
		return fmt.Errorf("bootstrap: schedule signal purge: %w", err)
	}

	client := telegram.BuildHTTPClient(time.Duration(cfg.Provider.TimeoutSeconds) * time.Second)
	connector := telegram.NewConnector(cfg.Provider.APIURL, client)

	a.Outbox = sender.NewDispatcher(sender.Options{})
	a.Reporter, err = a.buildReporter(ctx, connector, aws)
	// The outbox drains before the broker connection it may publish through is closed.
	a.onClose(func() error { a.Outbox.Close(); return nil })
	if err != nil {
		return err
	}

	a.Router = router.New()
	svc := &Services{
		Config:    cfg,
		Router:    a.Router,
		Scheduler: a.Scheduler,
		Signals:   a.Signals,
		Registry:  a.Registry,
		Reporter:  a.Reporter,
		Outbox:    a.Outbox,
	}
	for _, m := range mods.Handlers {
		if err := m.Install(ctx, svc); err != nil {
			return fmt.Errorf("bootstrap: install module: %w", err)
		}
	}

	chain := telegram.DefaultMiddlewares(cfg, telegram.ChainOptions{
		Reporter:  a.Reporter,
		Metrics:   middleware.NewMetrics(a.Metrics),
		Authorize: mods.Authorize,
		OnLimited: mods.OnLimited,
	})
	a.Gateway, err = gateway.New(gateway.Options{
		Registry:     a.Registry,
		Clients:      connector,
		Store:        a.State,
		Router:       a.Router,
		Middlewares:  chain,
		Outbox:       a.Outbox,
		Metrics:      gateway.NewMetrics(a.Metrics),
		SecretKey:    cfg.Webhook.SecretKey,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
	})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	gw := a.Gateway
	rt := a.Router
	a.Lifecycle, err = lifecycle.New(a.Registry, connector, lifecycle.Options{
		BaseURL:   cfg.Webhook.BaseURL,
		SecretKey: cfg.Webhook.SecretKey,
		Commands:  func() []tele.Command { return rt.ListCommands(true) },
		OnStop:    func(b botstore.Bot) { gw.Forget(b.Token) },
	})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	db := a.DB
	a.Control, err = control.New(control.Options{
		Lifecycle: a.Lifecycle,
		Submitter: a.Gateway,
		Gatherer:  a.Metrics,
		Health:    db.PingContext,
	})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	return nil
}

func buildStateStore(cfg *coreconfig.Config, db *sqlx.DB, aws AWSClients) (convstate.Store, error) {
	switch cfg.State.Backend {
	case coreconfig.StateBackendMemory:
		logger.STATE.Warn("conversation state kept in memory",
			slog.String("event", "state.backend"),
			slog.String("backend", coreconfig.StateBackendMemory),
		)
		return convstate.NewMemoryStore(), nil
	case coreconfig.StateBackendDynamo:
		if aws == nil {
			return nil, errors.New("bootstrap: dynamodb state backend needs aws configuration")
		}
		store, err := convstate.NewDynamoStore(aws.DynamoDB(), cfg.State.DynamoTable)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		return store, nil
	default:
		return convstate.NewSQLStore(db), nil
	}
}

// buildReporter fans incidents out to the log, the operator chat and the
// broker, delivering through the outbox.
func (a *App) buildReporter(ctx context.Context, connector *telegram.Connector, aws AWSClients) (report.Reporter, error) {
	op := a.Config.Operator
	reporters := report.Multi{report.LogReporter{}}

	var getter secrets.Getter
	if aws != nil && op.TokenParam != "" {
		ps, err := secrets.NewParamStore(aws.SSM())
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		getter = ps
	}
	token, err := secrets.Resolve(ctx, getter, op.Token, op.TokenParam)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: operator token: %w", err)
	}
	if token != "" && op.ChatID != 0 {
		bot, err := connector.Bot(token)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: operator bot: %w", err)
		}
		tg, err := report.NewTelegramReporter(bot, op.ChatID)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		reporters = append(reporters, tg)
	}

	if op.AMQPURL != "" {
		mq, err := report.DialAMQP(op.AMQPURL, op.AMQPExchange)
		switch {
		case err != nil:
			// Hosting goes on without the broker; incidents still reach the log.
			logger.RPT.Warn("amqp reporter disabled",
				slog.String("event", "amqp.connect"),
				slog.String("status", "fail"),
				slog.String("err", logger.RedactSecrets(err.Error())),
			)
		default:
			a.onClose(mq.Close)
			reporters = append(reporters, mq)
		}
	}
	return report.NewAsync(a.Outbox, reporters), nil
}
