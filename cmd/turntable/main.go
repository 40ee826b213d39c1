package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/amalloy/turntable/internal/config"
	"github.com/amalloy/turntable/internal/db"
	"github.com/amalloy/turntable/internal/period"
	"github.com/amalloy/turntable/internal/registry"
	"github.com/amalloy/turntable/internal/render"
	"github.com/amalloy/turntable/internal/schedule"
	"github.com/amalloy/turntable/internal/server"
	"github.com/amalloy/turntable/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./turntable.yaml", "path to config yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return err
	}

	logSvc, log := logx.New(cfg.LogxConfig())
	defer logSvc.Close()
	mgr.SetLogger(log.With(logx.String("svc", "config")))

	dbOpts, err := cfg.DatabaseOptions()
	if err != nil {
		return err
	}
	dbs := db.NewRegistry(dbOpts, log.With(logx.String("svc", "db")))
	defer dbs.Close()

	defaultPeriod, err := period.Parse(cfg.Scheduler.DefaultPeriod)
	if err != nil {
		return err
	}
	sched := schedule.New(schedule.Config{
		Timezone:      cfg.Scheduler.Timezone,
		DefaultPeriod: defaultPeriod,
	}, log.With(logx.String("svc", "schedule")))
	sched.Start(ctx)

	reg := registry.New(registry.Options{
		SnapshotPath:  cfg.Registry.Path,
		ResultsWindow: cfg.Registry.ResultsWindow,
	}, dbs, sched, log.With(logx.String("svc", "registry")))
	if err := reg.Restore(ctx); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}

	renderer := render.New(reg, dbs, log.With(logx.String("svc", "render")))
	srv := server.New(ctx, reg, renderer, dbs,
		server.Options{StageRatePerSec: cfg.Stage.RatePerSec},
		log.With(logx.String("svc", "http")),
	)

	// Config hot reload: only the logging section is dynamically safe;
	// database and listen changes need a restart.
	updates := mgr.Subscribe(1)
	go func() {
		_ = mgr.Watch(ctx)
	}()
	go func() {
		for next := range updates {
			logSvc.Apply(next.LogxConfig())
			log.Info("logging config re-applied", logx.String("level", next.Logging.Level))
		}
	}()

	err = serve(ctx, cfg.Listen, srv.Router(), log)

	// Orderly teardown: stop accepting work, then stop firing, then drop
	// the schedule handles. The snapshot stays for the next start.
	mgr.Unsubscribe(updates)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	sched.Stop(stopCtx)
	reg.Close()
	return err
}

// serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests.
func serve(ctx context.Context, addr string, handler http.Handler, log logx.Logger) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", logx.String("addr", addr))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
