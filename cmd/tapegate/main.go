package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quantfeed/tapegate/internal/app"
	"github.com/quantfeed/tapegate/internal/config"
	"github.com/quantfeed/tapegate/internal/feed"
	"github.com/quantfeed/tapegate/internal/httpapi"
	"github.com/quantfeed/tapegate/internal/journal"
	"github.com/quantfeed/tapegate/internal/metrics"
	"github.com/quantfeed/tapegate/internal/subs"
)

const (
	appName = "tapegate"
	version = "v1.0.0"
)

var (
	flagConfig string
	flagMock   bool
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Order-flow triage engine for depth-gated trading signals",
		Version: version,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine against the market-data gateway",
		RunE:  runEngine,
	}
	runCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config")
	runCmd.Flags().BoolVar(&flagMock, "mock", false, "use the in-memory feed instead of the gateway")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runEngine(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	j, err := buildJournal(ctx, cfg.Journal)
	if err != nil {
		return err
	}
	defer j.Close()

	var mirror subs.Mirror
	if cfg.Mirror.Enabled {
		rm, err := subs.NewRedisMirror(ctx, cfg.Mirror.Addr, cfg.Mirror.Key,
			time.Duration(cfg.Mirror.TTLSec)*time.Second)
		if err != nil {
			return err
		}
		defer rm.Close()
		mirror = rm
	}

	reg := metrics.NewRegistry()

	var engine *app.Engine
	feedErr := make(chan error, 1)
	if flagMock {
		mock := feed.NewMockFeed()
		engine = app.New(cfg, mock, mock.Transport(), j, mirror, reg)
		mock.SetHandler(engine)
		log.Warn().Msg("Running with the in-memory mock feed")
	} else {
		client := feed.NewClient(cfg.Feed, reg)
		engine = app.New(cfg, client, client.Transport(), j, mirror, reg)
		client.SetHandler(engine)
		go func() { feedErr <- client.Run(ctx) }()
	}

	api := httpapi.New(cfg.HTTP.Addr, engine, reg)
	api.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = api.Shutdown(shutdownCtx)
	}()

	log.Info().Str("version", version).Str("session_id", engine.SessionID()).
		Msg("tapegate starting")

	runErr := engine.Run(ctx)
	select {
	case err := <-feedErr:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Feed terminated")
		}
	default:
	}
	if runErr == context.Canceled {
		return nil
	}
	return runErr
}

func buildJournal(ctx context.Context, cfg config.JournalConfig) (journal.Journaler, error) {
	switch cfg.Backend {
	case "file":
		return journal.NewFileJournal(cfg.Dir)
	case "postgres":
		return journal.NewPostgresJournal(ctx, cfg.DSN)
	case "none":
		return journal.Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown journal backend %q", cfg.Backend)
	}
}
