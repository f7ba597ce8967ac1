package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kargono/kgnet/internal/api"
	"github.com/kargono/kgnet/internal/cli"
	"github.com/kargono/kgnet/internal/db"
	"github.com/kargono/kgnet/internal/events"
	"github.com/kargono/kgnet/internal/health"
	"github.com/kargono/kgnet/internal/metrics"
	"github.com/kargono/kgnet/internal/network"
	"github.com/kargono/kgnet/internal/scheduler"
	"github.com/kargono/kgnet/internal/server"
	"github.com/kargono/kgnet/internal/telemetry"
	"github.com/kargono/kgnet/internal/util"
)

func serverCmd() *cobra.Command {
	var (
		noConsole bool
		debug     bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the game transport server",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf(Banner, api.Version)
			fmt.Println()
			return runServer(!noConsole, debug)
		},
	}

	cmd.Flags().BoolVar(&noConsole, "no-console", false, "do not read console commands from stdin")
	cmd.Flags().BoolVar(&debug, "debug", false, "run the REST API in gin debug mode")

	return cmd
}

func runServer(console, debug bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	netCfg := cfg.GetNetwork()
	app := cfg.GetApplicationData()

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("version", api.Version).
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("starting kgnet server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewEventBus(1024)
	bus.Start(ctx)

	var collector *metrics.Collector
	if app.Metrics.Enabled {
		collector = metrics.New(metrics.WithRuntimeCollectors())
	}

	// Session history subscribes before the socket opens so no connection
	// goes unrecorded.
	var store *db.SessionStore
	if app.Database.Enabled {
		store, err = db.NewSessionStore(app.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to open session history: %w", err)
		}
		defer store.Close()
		if n, err := store.CloseOpen("restart", time.Now()); err != nil {
			log.Warn().Err(err).Msg("failed to close stale sessions")
		} else if n > 0 {
			log.Info().Int64("sessions", n).Msg("closed sessions left open by a previous run")
		}
		store.Subscribe(bus)
	}

	sc := network.NewSocketContext()
	srv, err := server.New(netCfg, sc, bus, collector)
	if err != nil {
		return err
	}
	if err := srv.Open(); err != nil {
		if network.ErrorCode(err) == network.SocketErrorAddressInUse {
			return fmt.Errorf("%w (is another kgnet server running?)", err)
		}
		return err
	}

	var (
		wg    sync.WaitGroup
		errCh = make(chan error, 4)
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil {
			errCh <- fmt.Errorf("server loop: %w", err)
		}
	}()

	var history scheduler.Pruner
	if store != nil {
		history = store
	}
	sched := scheduler.NewScheduler(app, history, scheduler.StatsFunc(func() scheduler.Stats {
		return scheduler.Stats{
			Clients:    srv.NumClients(),
			MaxClients: srv.MaxClients(),
			Uptime:     srv.Uptime(),
			Dropped:    srv.Dropped(),
		}
	}))
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	diskPath := "."
	if store != nil {
		diskPath = filepath.Dir(app.Database.Path)
	}
	checks := health.NewManager(srv, bus, netCfg, app.Timers, diskPath)
	wg.Add(1)
	go func() {
		defer wg.Done()
		checks.Start(ctx)
	}()

	if app.MQTT.Enabled {
		mqttHandler, err := telemetry.NewMQTTHandler(app.MQTT)
		if err != nil {
			log.Warn().Err(err).Msg("MQTT telemetry disabled")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := mqttHandler.Start(ctx, bus); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry stopped")
				}
			}()
		}
	}

	if app.API.Enabled {
		opts := []api.Option{api.WithHealth(checks)}
		if store != nil {
			opts = append(opts, api.WithHistory(store))
		}
		if collector != nil {
			opts = append(opts, api.WithMetrics(collector))
		}
		apiServer := api.NewServer(app.API, srv, debug, opts...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	quit := make(chan struct{})
	if console {
		var consoleHistory cli.History
		if store != nil {
			consoleHistory = store
		}
		var once sync.Once
		operator := cli.NewCLI(srv, consoleHistory, os.Stdin, os.Stdout, func() {
			once.Do(func() { close(quit) })
		})
		// The console blocks on stdin, so it is not waited for.
		go operator.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quit:
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	// Closing the server queues the disconnect and shutdown events; stopping
	// the bus delivers them to the session store and the MQTT broker while
	// both are still up.
	if err := srv.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close server socket")
	}
	bus.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	log.Info().Msg("kgnet stopped")
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
