// secureusbd is the USB authorization daemon. It blocks newly attached
// USB devices until the user confirms them with a TOTP or recovery code,
// keeps a whitelist of trusted devices and records every decision.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"secureusb/internal/api"
	"secureusb/internal/config"
	"secureusb/internal/credstore"
	"secureusb/internal/db"
	"secureusb/internal/devctl"
	"secureusb/internal/engine"
	"secureusb/internal/eventlog"
	"secureusb/internal/events"
	"secureusb/internal/logging"
	"secureusb/internal/monitor"
	"secureusb/internal/notify"
	"secureusb/internal/version"
	"secureusb/internal/whitelist"
)

func main() {
	stateDir := flag.String("state-dir", config.DefaultStateDir, "State directory")
	configPath := flag.String("config", "", "Config file path (default <state-dir>/config.json)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("secureusbd v%s\n", version.Current)
		os.Exit(0)
	}

	logger := logging.New(*debug)
	defer logger.Sync()

	if err := run(*stateDir, *configPath, logger); err != nil {
		logger.Fatal("daemon failed", zap.Error(err))
	}
}

func run(stateDir, configPath string, logger *zap.Logger) error {
	logger.Info("starting", zap.String("version", version.Current))

	if os.Geteuid() != 0 {
		return fmt.Errorf("must run as root to control sysfs authorization")
	}

	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	// A second daemon fighting over sysfs would race decisions; refuse to
	// start if another instance holds the lock.
	unlock, err := acquireLock(filepath.Join(stateDir, "daemon.lock"))
	if err != nil {
		return err
	}
	defer unlock()

	if configPath == "" {
		configPath = config.DefaultPath(stateDir)
	}
	cfg, warns, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, w := range warns {
		logger.Warn("config value rejected", zap.Error(w))
	}
	if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
		cfg.StateDir = stateDir
		if err := config.Save(configPath, cfg); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		logger.Info("wrote default config", zap.String("path", configPath))
	}

	database, err := db.Open(filepath.Join(stateDir, "secureusb.db"))
	if err != nil {
		return err
	}
	defer database.Close()

	wl, err := whitelist.New(database)
	if err != nil {
		return err
	}
	retention := time.Duration(cfg.LogRetentionDays) * 24 * time.Hour
	elog, pruned, err := eventlog.Open(database, retention)
	if err != nil {
		if elog == nil {
			return err
		}
		// Schema is in place; a failed prune only delays retention until
		// the daily pruner retries.
		logger.Error("startup audit prune failed", zap.Error(err))
	}
	if pruned > 0 {
		logger.Info("pruned expired audit records", zap.Int64("count", pruned))
	}

	creds, err := credstore.Open(stateDir)
	if err != nil {
		return err
	}

	armed := cfg.Enabled && creds.IsConfigured()
	switch {
	case !creds.IsConfigured():
		logger.Warn("authentication not configured, devices will be allowed through; run secureusbctl setup")
	case !cfg.Enabled:
		logger.Warn("protection disabled in config, devices will be allowed through")
	}

	bus := events.NewBus()
	ctrl := devctl.NewSysfsController()
	eng := engine.New(engine.Options{
		Enabled:                   cfg.Enabled,
		Timeout:                   time.Duration(cfg.TimeoutSeconds) * time.Second,
		RequireTOTPForWhitelisted: cfg.RequireTOTPForWhitelisted,
		DriftWindow:               1,
	}, ctrl, wl, creds, elog, bus, logger)

	dispatcher := notify.NewDispatcher(cfg.Notify, bus, nil, logger)
	dispatcher.Start()
	defer dispatcher.Stop()

	// With the daemon armed, the kernel must not auto-authorize devices
	// that attach before the netlink watcher sees them.
	if armed {
		if err := ctrl.SetDefaultAuthorization("0"); err != nil {
			return fmt.Errorf("set default authorization: %w", err)
		}
		defer func() {
			if err := ctrl.SetDefaultAuthorization("1"); err != nil {
				logger.Error("restore default authorization failed", zap.Error(err))
			}
		}()
		logger.Info("usb default authorization disabled while daemon runs")
	}

	mon := monitor.New()
	devCh, err := mon.Start()
	if err != nil {
		return fmt.Errorf("start usb monitor: %w", err)
	}
	defer mon.Stop()

	ln, err := listenSocket(cfg.SocketPath)
	if err != nil {
		return err
	}
	srv := api.New(cfg, eng, wl, elog, creds, bus, logger)
	go func() {
		if err := srv.Serve(ln); err != nil {
			logger.Error("api server failed", zap.Error(err))
		}
	}()
	defer srv.Close()
	defer os.Remove(cfg.SocketPath)
	logger.Info("control socket listening", zap.String("path", cfg.SocketPath))

	pruneStop := startPruner(elog, retention, logger)
	defer close(pruneStop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("watching for usb devices",
		zap.Bool("armed", armed),
		zap.Int("timeout_seconds", cfg.TimeoutSeconds))

	for {
		select {
		case ev, ok := <-devCh:
			if !ok {
				return fmt.Errorf("usb monitor stopped unexpectedly")
			}
			switch ev.Type {
			case monitor.Attach:
				logger.Info("device attached",
					zap.String("bus", ev.BusPath),
					zap.String("device", ev.Identity.Label()))
				go eng.HandleAttach(ev.Identity)
			case monitor.Detach:
				logger.Debug("device detached", zap.String("bus", ev.BusPath))
				go eng.HandleDetach(ev.BusPath)
			}
		case sig := <-sigCh:
			logger.Info("shutting down", zap.String("signal", sig.String()))
			eng.Shutdown()
			return nil
		}
	}
}

// acquireLock takes an exclusive flock on path, failing fast when another
// daemon holds it.
func acquireLock(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another instance is already running (lock %s held)", path)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		os.Remove(path)
	}, nil
}

// listenSocket binds the control socket, replacing a stale one left by a
// crashed daemon. Socket permissions are the API's access control: root
// only.
func listenSocket(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// startPruner trims the audit log once a day so retention holds for
// long-running daemons, not just across restarts.
func startPruner(elog *eventlog.Log, retention time.Duration, logger *zap.Logger) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := elog.Prune(time.Now().Add(-retention))
				if err != nil {
					logger.Error("audit prune failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("pruned expired audit records", zap.Int64("count", n))
				}
			case <-stop:
				return
			}
		}
	}()
	return stop
}
