// nicehash-bridge polls NiceHash accounts and exposes their rigs and devices
// as sensor and switch entities over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/powerhive/nicehash-bridge/internal/config"
	"github.com/powerhive/nicehash-bridge/internal/events"
	"github.com/powerhive/nicehash-bridge/internal/integration"
	"github.com/powerhive/nicehash-bridge/internal/logging"
	"github.com/powerhive/nicehash-bridge/internal/server"
	"github.com/powerhive/nicehash-bridge/pkg/database"
	"github.com/powerhive/nicehash-bridge/pkg/nicehash"
)

const usage = `nicehash-bridge - NiceHash rig monitoring and control

Usage: nicehash-bridge <command> [config.toml]

Commands:
  start [file]   Load entries and serve the HTTP API (default)
  status [file]  Probe every configured entry and print its state
  help           Show this message

Environment Variables:
  NICEHASH_DB               SQLite entry store (default: nicehash.db)
  NICEHASH_API_URL          API base URL (default: https://api2.nicehash.com)
  NICEHASH_NAME             Entry name for the env-configured account
  NICEHASH_ORG_ID           Organization id
  NICEHASH_API_KEY          API key
  NICEHASH_API_SECRET       API secret
  NICEHASH_FIAT             Fiat currency for balances (default: USD)
  NICEHASH_UPDATE_INTERVAL  Refresh interval in minutes, 1-30 (default: 1)
  SETTLE_DELAY              Wait after a mutation before refreshing (default: 20s)
  REQUEST_TIMEOUT           Per-request timeout (default: 10s)
  LISTEN_ADDR               HTTP listen address (default: :8089)
  NATS_URL                  Publish refresh events to NATS when set
  NATS_SUBJECT_PREFIX       Subject prefix (default: nicehash)
  LOG_LEVEL                 debug, info, warn, error (default: info)
  LOG_FORMAT                json or console (default: json)
`

func main() {
	command := "start"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	path := ""
	if len(os.Args) > 2 {
		path = os.Args[2]
	}

	var err error
	switch command {
	case "start":
		err = runStart(path)
	case "status":
		err = runStatus(path)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		fmt.Print(usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func load(path string) (*config.Config, zerolog.Logger, *database.SQLiteRepository, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	repo, err := database.NewSQLiteRepository(cfg.DBPath)
	if err != nil {
		return nil, log, nil, err
	}
	return cfg, log, repo, nil
}

func integrationOptions(cfg *config.Config, log zerolog.Logger) integration.Options {
	return integration.Options{
		BaseURL:        cfg.APIURL,
		RequestTimeout: cfg.RequestTimeout,
		SettleDelay:    cfg.SettleDelay,
		AsyncSettle:    true,
		SubjectPrefix:  cfg.NATSSubjectPrefix,
		Logger:         log,
	}
}

func runStart(path string) error {
	cfg, log, repo, err := load(path)
	if err != nil {
		return err
	}
	defer repo.Close()

	log.Info().
		Str("db", cfg.DBPath).
		Str("api", cfg.APIURL).
		Int("entries", len(cfg.Entries)).
		Msg("boot")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := integrationOptions(cfg, log)
	if cfg.NATSURL != "" {
		pub, err := events.Connect(cfg.NATSURL, log)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer pub.Close()
		opts.Publisher = pub
	}

	mgr := integration.NewManager(repo, opts)
	defer mgr.Close()

	if err := mgr.Seed(ctx, cfg.Entries); err != nil {
		return err
	}
	if err := mgr.LoadAll(ctx); err != nil {
		// entries that failed stay visible through /api/entries
		log.Warn().Err(err).Msg("some entries failed to load")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(mgr, repo, logging.Component(log, "http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("listen", cfg.ListenAddr).Msg("HTTP up")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info().Msg("bye")
	return err
}

func runStatus(path string) error {
	cfg, log, repo, err := load(path)
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx := context.Background()
	mgr := integration.NewManager(repo, integrationOptions(cfg, log))
	if err := mgr.Seed(ctx, cfg.Entries); err != nil {
		return err
	}

	entries, err := repo.ListEntries(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No entries configured.")
		return nil
	}

	prober := nicehash.NewProber(cfg.APIURL, nicehash.WithProberTimeout(cfg.RequestTimeout), nicehash.WithProberLogger(log))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENTRY\tNAME\tFIAT\tINTERVAL\tCREDENTIALS")
	for _, e := range entries {
		state := "ok"
		if err := prober.Probe(ctx, e.Credentials()); err != nil {
			state = err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.EntryID, e.Name, e.Fiat, e.Interval(), state)
	}
	return w.Flush()
}
