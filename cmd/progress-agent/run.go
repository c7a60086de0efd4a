package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dar-k-dev/p-progress/internal/audit"
	"github.com/dar-k-dev/p-progress/internal/auth"
	"github.com/dar-k-dev/p-progress/internal/config"
	"github.com/dar-k-dev/p-progress/internal/delivery"
	"github.com/dar-k-dev/p-progress/internal/dispatcher"
	"github.com/dar-k-dev/p-progress/internal/logging"
	"github.com/dar-k-dev/p-progress/internal/metrics"
	"github.com/dar-k-dev/p-progress/internal/orchestrator"
	"github.com/dar-k-dev/p-progress/internal/push"
	"github.com/dar-k-dev/p-progress/internal/reminders"
	"github.com/dar-k-dev/p-progress/internal/store"
	"github.com/dar-k-dev/p-progress/internal/updater"
	"github.com/dar-k-dev/p-progress/internal/websocket"
)

var log = logging.L("main")

const (
	syncInterval     = 5 * time.Minute
	maxPendingTries  = 20
	shutdownTimeout  = 10 * time.Second
	resubscribeDelay = 5 * time.Second
)

func newOrchestrator(cfg *config.Config, st *store.Store) *orchestrator.Orchestrator {
	fetcher := orchestrator.NewHTTPFetcher(cfg.BaseURL, time.Duration(cfg.FetchTimeoutSeconds)*time.Second)

	var installer orchestrator.Installer
	if cfg.PackagePath != "" {
		installer = updater.New(updater.Config{PackagePath: cfg.PackagePath})
	}

	return orchestrator.New(orchestrator.Config{
		Client: orchestrator.ClientContext{
			ClientID: clientID(cfg),
			Region:   cfg.Region,
		},
		Prefs:          orchestrator.Preferences{AutoUpdate: cfg.AutoUpdate},
		CurrentVersion: cfg.CurrentVersion,
		CheckInterval:  time.Duration(cfg.CheckIntervalSeconds) * time.Second,
		AutoApplyDelay: time.Duration(cfg.AutoApplyDelaySeconds) * time.Second,
	}, fetcher, installer, st)
}

func runAgent() error {
	var orch atomic.Pointer[orchestrator.Orchestrator]

	cfg, err := config.Watch(cfgFile, func(next *config.Config, err error) {
		if err != nil {
			log.Warn("config reload failed, keeping previous settings", logging.KeyError, err)
			return
		}
		if o := orch.Load(); o != nil {
			o.SetPreferences(orchestrator.Preferences{AutoUpdate: next.AutoUpdate})
			log.Info("preferences reloaded", "autoUpdate", next.AutoUpdate)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return err
	}

	closeLog, err := initLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	log.Info("starting agent", logging.KeyVersion, version, "base", cfg.BaseURL)

	st, err := store.Open(store.Config{Path: cfg.DataDir, SyncWrites: true})
	if err != nil {
		return err
	}
	defer st.Close()

	auditLog, err := audit.Open(filepath.Join(cfg.DataDir, "audit.jsonl"))
	if err != nil {
		log.Warn("audit log unavailable", logging.KeyError, err)
		auditLog = nil
	}
	defer auditLog.Close()
	auditLog.Log(audit.EventAgentStart, version, nil)
	defer auditLog.Log(audit.EventAgentStop, version, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o := newOrchestrator(cfg, st)
	defer o.Close()
	orch.Store(o)

	var deliverer dispatcher.Deliverer
	if cfg.DeliveryURL != "" {
		deliverer = dispatcher.NewHTTPDeliverer(15 * time.Second)
	}
	tray := dispatcher.NewTray()
	d, err := dispatcher.New(dispatcher.Options{
		Origin:     cfg.AppURL,
		Notifier:   tray,
		Queue:      delivery.NewQueue(st),
		Deliverer:  deliverer,
		Checker:    o,
		ReceiptURL: cfg.DeliveryURL,
		QueueSize:  cfg.EventQueueSize,
		Drain:      delivery.DrainOptions{MaxAttempts: maxPendingTries},
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	goRun := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			log.Debug("stopped", "task", name)
		}()
	}

	d.Dispatch(dispatcher.Event{Kind: dispatcher.EventInstall})
	d.Dispatch(dispatcher.Event{Kind: dispatcher.EventActivate})

	goRun("update-notices", func() { announceUpdates(ctx, o, d, auditLog) })
	goRun("orchestrator", func() { o.Run(ctx) })
	goRun("sync", func() { syncLoop(ctx, d) })

	if cfg.PushURL != "" {
		mgr := newPushManager(cfg, st, nil)
		mgr.SetupMessageListener(func(msg websocket.Message) {
			if err := d.Dispatch(dispatcher.Event{Kind: dispatcher.EventPush, MessageID: msg.ID, Body: msg.Body}); err != nil {
				log.Warn("push dropped", logging.KeyError, err)
			}
		})
		goRun("push", func() { listenPush(ctx, mgr) })
	}

	if cfg.Reminders.Enabled {
		var goals reminders.GoalSource
		if cfg.AppURL != "" {
			goals = reminders.NewHTTPGoalSource(cfg.AppURL, time.Duration(cfg.FetchTimeoutSeconds)*time.Second)
		}
		sched, err := reminders.New(cfg.Reminders, auth.StaticUser(cfg.UserID), goals, d, st)
		if err != nil {
			return err
		}
		sched.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			sched.Stop(sctx)
		}()
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		goRun("metrics", func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", logging.KeyError, err)
			}
		})
	}

	var controlSrv *http.Server
	if cfg.ControlAddr != "" {
		controlSrv = &http.Server{Addr: cfg.ControlAddr, Handler: dispatcher.ControlHandler(d, tray), ReadHeaderTimeout: 5 * time.Second}
		goRun("control", func() {
			if err := controlSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("control server failed", logging.KeyError, err)
			}
		})
	}

	<-ctx.Done()
	log.Info("shutting down agent")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	if controlSrv != nil {
		controlSrv.Shutdown(shutdownCtx)
	}
	if err := d.Close(shutdownCtx); err != nil {
		log.Warn("dispatcher did not drain", logging.KeyError, err)
	}
	wg.Wait()
	return nil
}

func initLogging(cfg *config.Config) (func(), error) {
	if cfg.LogFile == "" {
		logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
		return func() {}, nil
	}
	w, err := logging.NewFileWriter(logging.FileConfig{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	}, hasConsole())
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, w)
	return func() { w.Close() }, nil
}

// announceUpdates shows one notification per newly available version and
// audits install outcomes.
func announceUpdates(ctx context.Context, o *orchestrator.Orchestrator, d *dispatcher.Dispatcher, auditLog *audit.Logger) {
	states, cancel := o.Subscribe()
	defer cancel()

	announced, applied := "", ""
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			if st.Phase == orchestrator.PhaseApplied {
				if st.InstalledVersion != applied {
					applied = st.InstalledVersion
					auditLog.Log(audit.EventUpdateApplied, applied, nil)
				}
				continue
			}
			if st.Phase == orchestrator.PhaseAvailable && st.LastError != nil && st.LastError != lastErr {
				auditLog.Log(audit.EventUpdateFailed, st.Available.Version, map[string]any{"error": st.LastError.Error()})
			}
			lastErr = st.LastError
			if st.Phase != orchestrator.PhaseAvailable || st.Available == nil || st.Available.Version == announced {
				continue
			}
			announced = st.Available.Version
			p := dispatcher.UpdatePayload(st.Available.Version, st.Available.Changes)
			d.Dispatch(dispatcher.Event{
				Kind:    dispatcher.EventMessage,
				Command: dispatcher.Command{Type: dispatcher.CommandShowNotification, Payload: &p},
			})
		}
	}
}

// syncLoop is the recovery trigger for the pending-delivery queue.
func syncLoop(ctx context.Context, d *dispatcher.Dispatcher) {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for {
		d.Dispatch(dispatcher.Event{Kind: dispatcher.EventSync})
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// listenPush keeps the push listener running. A revoked endpoint is never
// retried as-is: the subscription is recreated and listening resumes.
func listenPush(ctx context.Context, mgr *push.Manager) {
	if err := mgr.Validate(ctx); err != nil {
		if errors.Is(err, push.ErrSubscriptionRevoked) || errors.Is(err, push.ErrNotSubscribed) {
			if !resubscribe(ctx, mgr) {
				return
			}
		} else {
			log.Warn("could not validate push subscription", logging.KeyError, err)
		}
	}
	for {
		err := mgr.Listen(ctx)
		if ctx.Err() != nil {
			return
		}
		if !errors.Is(err, push.ErrSubscriptionRevoked) {
			if err != nil {
				log.Error("push listener stopped", logging.KeyError, err)
			}
			return
		}
		log.Warn("push endpoint revoked, subscribing again")
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
		if !resubscribe(ctx, mgr) {
			return
		}
	}
}

func resubscribe(ctx context.Context, mgr *push.Manager) bool {
	if _, err := mgr.Subscribe(ctx); err != nil {
		log.Warn("push unavailable", logging.KeyError, err)
		return false
	}
	return true
}

func hasConsole() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
