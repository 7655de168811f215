// Package app wires the venues, stores, and the cycle controller together
// and owns process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"dn-cycle-bot/internal/alerts"
	"dn-cycle-bot/internal/config"
	"dn-cycle-bot/internal/cycle"
	"dn-cycle-bot/internal/exec"
	"dn-cycle-bot/internal/fills"
	"dn-cycle-bot/internal/hedge"
	"dn-cycle-bot/internal/journal"
	"dn-cycle-bot/internal/metrics"
	"dn-cycle-bot/internal/safety"
	"dn-cycle-bot/internal/settings"
	"dn-cycle-bot/internal/state"
	"dn-cycle-bot/internal/state/sqlite"
	"dn-cycle-bot/internal/venue/lighter"
	"dn-cycle-bot/internal/venue/zerone"

	"go.uber.org/zap"
)

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    state.Store
	maker    *zerone.Client
	taker    *lighter.Client
	stream   *zerone.FillStream
	settings *settings.Store
	safety   *safety.Monitor
	ctrl     *cycle.Controller
	alerts   *alerts.Telegram
	journal  *journal.Writer
	prom     *metrics.Prometheus

	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	maker, err := zerone.New(cfg.Maker, log.Named("maker"))
	if err != nil {
		return nil, fmt.Errorf("maker venue: %w", err)
	}
	taker, err := lighter.New(cfg.Taker, log.Named("taker"))
	if err != nil {
		return nil, fmt.Errorf("taker venue: %w", err)
	}
	tg := alerts.NewTelegram(cfg.Telegram, log.Named("telegram"))

	settingsStore := settings.New(cfg.Strategy, store, log.Named("settings"))

	var m *metrics.Metrics
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	} else {
		m = metrics.NewNoop()
	}

	jw, err := journal.New(cfg.Journal, log.Named("journal"))
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}

	mon := safety.NewMonitor(maker, taker, settingsStore, cfg.Safety, tg, log.Named("safety"))

	makerExec := exec.New(maker, store, log.Named("exec.maker"))
	takerExec := exec.New(taker, store, log.Named("exec.taker"))
	hedger := hedge.New(takerExec, log.Named("hedge"))
	tracker := fills.NewTracker(log.Named("fills"))

	ctrl := cycle.NewController(
		makerExec, takerExec, hedger, tracker,
		settingsStore, mon, store, jw, m, tg,
		log.Named("cycle"),
	)

	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		maker:    maker,
		taker:    taker,
		settings: settingsStore,
		safety:   mon,
		ctrl:     ctrl,
		alerts:   tg,
		journal:  jw,
		prom:     prom,
	}, nil
}

// Run initializes the venues and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if err := a.settings.Load(ctx); err != nil {
		return err
	}
	if !a.settings.Snapshot().DryRun {
		if err := a.maker.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize maker venue: %w", err)
		}
		a.stream = zerone.NewFillStream(a.cfg.Maker.WSURL, a.maker.AccountID(),
			5*time.Second, 30*time.Second, a.log.Named("maker.ws"))
		go func() {
			if err := a.stream.Run(ctx, a.ctrl.OnFill); err != nil && ctx.Err() == nil {
				a.log.Error("fill stream stopped", zap.Error(err))
			}
		}()
	}

	a.journal.Start(ctx)
	go a.safety.Run(ctx)
	a.startMetricsServer(ctx)
	a.startOperator(ctx)

	a.alerts.Send(ctx, "Bot started")
	a.ctrl.Run(ctx)
	a.alerts.Send(context.Background(), "Bot stopped")
	return nil
}

func (a *App) startMetricsServer(ctx context.Context) {
	if a.prom == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux}
	go func() {
		a.log.Info("metrics server listening", zap.String("address", a.cfg.Metrics.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
}

func (a *App) close() {
	if a.journal != nil {
		_ = a.journal.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
