package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lattice-edge/fairshare/pkg/config"
	"github.com/lattice-edge/fairshare/pkg/events"
	"github.com/lattice-edge/fairshare/pkg/log"
	"github.com/lattice-edge/fairshare/pkg/metrics"
	"github.com/lattice-edge/fairshare/pkg/monitor"
	"github.com/lattice-edge/fairshare/pkg/runtime"
	"github.com/lattice-edge/fairshare/pkg/scheduler"
	"github.com/lattice-edge/fairshare/pkg/server"
	"github.com/lattice-edge/fairshare/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "fairshared",
	Short:   "fairshared runs an edge node's fair-share job scheduler",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("fairshared version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, monitor, and request server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		adapter, err := runtime.NewDockerAdapter()
		if err != nil {
			return fmt.Errorf("connect to container runtime: %w", err)
		}

		sched := scheduler.New(cfg, store, adapter)
		mon := monitor.New(cfg, store, adapter)
		srv := server.New(cfg, store)

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		sched.SetEvents(broker)
		mon.SetEvents(broker)
		srv.SetEvents(broker)

		eventLog := broker.Subscribe()
		go func() {
			for evt := range eventLog {
				log.WithComponent("events").Info().
					Str("type", string(evt.Type)).
					Str("job_id", evt.Metadata["job_id"]).
					Msg(evt.Message)
			}
		}()
		defer broker.Unsubscribe(eventLog)

		collector := metrics.NewCollector(store, sched)
		collector.Start()
		defer collector.Stop()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("store", true, "")
		metrics.RegisterComponent("runtime", true, "")
		metrics.RegisterComponent("api", true, "")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())

		go func() {
			log.WithComponent("main").Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
			if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
				log.WithComponent("main").Error().Err(err).Msg("metrics server error")
			}
		}()

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 3)

		go func() { errCh <- sched.Start(ctx) }()
		go func() { errCh <- mon.Start(ctx) }()
		go func() { errCh <- srv.Start(ctx) }()

		log.WithComponent("main").Info().
			Int("max_jobs", cfg.MaxJobs).
			Str("host", cfg.Host).
			Int("port", cfg.Port).
			Msg("fairshared started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		remaining := 3
		select {
		case <-sigCh:
			log.WithComponent("main").Info().Msg("shutdown signal received")
		case err := <-errCh:
			log.WithComponent("main").Error().Err(err).Msg("a component exited unexpectedly")
			remaining--
		}

		cancel()
		srv.Stop()
		mon.Stop()
		sched.Stop()

		for i := 0; i < remaining; i++ {
			<-errCh
		}

		log.WithComponent("main").Info().Msg("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "./fairshared.yaml", "Path to the node configuration file")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the Prometheus metrics endpoint")
}
