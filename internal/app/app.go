package app

import (
	"context"
	"database/sql"
	"os"
	"time"

	"go.uber.org/zap"

	"guardline/internal/compliance"
	"guardline/internal/config"
	"guardline/internal/db"
	"guardline/internal/migrate"
	"guardline/internal/notify"
	"guardline/internal/payment"
	"guardline/internal/rating"
	"guardline/internal/repo"
	"guardline/internal/workflow"
)

// Options configure the composition root. Zero-value fields fall back to the
// workspace config file and environment-driven collaborators.
type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *zap.Logger

	Verifier  compliance.Verifier
	Initiator payment.Initiator
	Notifier  notify.Notifier
	Threads   notify.ThreadFactory
}

// App wires the storage, engine, ledger, coordinator and side-effect
// dispatcher together.
type App struct {
	DB          *sql.DB
	Config      *config.Config
	Log         *zap.Logger
	Repo        repo.Repo
	Engine      *workflow.Engine
	Ledger      *rating.Ledger
	Coordinator *payment.Coordinator
	Dispatcher  *notify.Dispatcher
}

// New opens the workspace database, applies migrations and wires every
// component. The caller owns Close.
func New(opts Options) (*App, error) {
	log := opts.Logger
	if log == nil {
		var err error
		log, err = zap.NewProduction()
		if err != nil {
			return nil, err
		}
	}
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.Load(opts.Workspace)
		if err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	gate := &compliance.Gate{
		Verifier:    verifier(opts, log),
		MinimumRate: cfg.Compliance.StatutoryMinimumRate,
		SnapshotTTL: cfg.SnapshotTTL(),
		Timeout:     cfg.VerifyTimeout(),
	}
	engine := workflow.New(conn, gate, log)
	coordinator := &payment.Coordinator{
		Engine:    engine,
		Initiator: initiator(opts, log),
		Timeout:   cfg.InitiateTimeout(),
		Log:       log,
	}
	ledger := &rating.Ledger{
		Engine:      engine,
		Coordinator: coordinator,
		Min:         cfg.Rating.Min,
		Max:         cfg.Rating.Max,
		Window:      cfg.RatingWindow(),
		Log:         log,
	}
	dispatcher := &notify.Dispatcher{
		Engine:   engine,
		Notifier: notifier(opts, log),
		Threads:  threads(opts),
		Log:      log,
	}
	engine.Effects = dispatcher

	return &App{
		DB:          conn,
		Config:      cfg,
		Log:         log,
		Repo:        engine.Repo,
		Engine:      engine,
		Ledger:      ledger,
		Coordinator: coordinator,
		Dispatcher:  dispatcher,
	}, nil
}

// StartBackground launches the webhook dispatcher and the rating-window
// sweeper. They stop when ctx is cancelled.
func (a *App) StartBackground(ctx context.Context) {
	notify.StartWebhookDispatcher(ctx, a.Repo, a.Config.Webhooks, a.Log)
	go a.Ledger.RunSweeper(ctx, time.Hour)
}

func (a *App) Close() error {
	return a.DB.Close()
}

func verifier(opts Options, log *zap.Logger) compliance.Verifier {
	if opts.Verifier != nil {
		return opts.Verifier
	}
	if url := os.Getenv("GUARDLINE_VERIFIER_URL"); url != "" {
		return &compliance.HTTPVerifier{BaseURL: url}
	}
	log.Warn("no verifier configured; approving all compliance checks")
	return compliance.StaticVerifier{}
}

func initiator(opts Options, log *zap.Logger) payment.Initiator {
	if opts.Initiator != nil {
		return opts.Initiator
	}
	if url := os.Getenv("GUARDLINE_PAYMENT_URL"); url != "" {
		return &payment.HTTPInitiator{BaseURL: url}
	}
	log.Warn("no payment rail configured; accepting all payouts locally")
	return payment.StaticInitiator{}
}

func notifier(opts Options, log *zap.Logger) notify.Notifier {
	if opts.Notifier != nil {
		return opts.Notifier
	}
	if url := os.Getenv("GUARDLINE_MESSAGING_URL"); url != "" {
		return &notify.HTTPNotifier{BaseURL: url}
	}
	return notify.LogNotifier{Log: log}
}

func threads(opts Options) notify.ThreadFactory {
	if opts.Threads != nil {
		return opts.Threads
	}
	if url := os.Getenv("GUARDLINE_MESSAGING_URL"); url != "" {
		return &notify.HTTPThreadFactory{BaseURL: url}
	}
	return nil
}
