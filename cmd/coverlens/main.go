// Package main provides the entry point for the coverlens server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/coverlens/coverlens/internal/server"
	"github.com/coverlens/coverlens/pkg/config"
	"github.com/coverlens/coverlens/pkg/consent"
	consentpg "github.com/coverlens/coverlens/pkg/consent/postgres"
	"github.com/coverlens/coverlens/pkg/database/migrate"
	"github.com/coverlens/coverlens/pkg/extract"
	"github.com/coverlens/coverlens/pkg/health"
	"github.com/coverlens/coverlens/pkg/insight"
	"github.com/coverlens/coverlens/pkg/pipeline"
	"github.com/coverlens/coverlens/pkg/privacy"
	"github.com/coverlens/coverlens/pkg/progress"
	"github.com/coverlens/coverlens/pkg/report"
	"github.com/coverlens/coverlens/pkg/score"
	"github.com/coverlens/coverlens/pkg/session"
	sessionpg "github.com/coverlens/coverlens/pkg/session/postgres"
	"github.com/coverlens/coverlens/pkg/vault"
	vaultpg "github.com/coverlens/coverlens/pkg/vault/postgres"
)

// Version is set at build time.
var Version = "dev"

// cleanupInterval is how often expired sessions and vault entries are
// reclaimed.
const cleanupInterval = 5 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	showVersion bool
}

func parseFlags() serverOptions {
	opts := serverOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.address, "address", "", "Override listen address")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// stores bundles the persistence layer behind one lifecycle.
type stores struct {
	sessions session.Store
	entries  vault.EntryStore
	ledger   consent.Ledger
	db       *sql.DB
}

func (s *stores) close() {
	_ = s.sessions.Close()
	if s.db != nil {
		_ = s.db.Close()
	}
}

func openStores(cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("using in-memory stores; data will not survive a restart")
		sessions := session.NewMemoryStore()
		sessions.StartCleanupRoutine(cleanupInterval)
		return &stores{
			sessions: sessions,
			entries:  vault.NewMemoryEntries(),
			ledger:   consent.NewMemoryLedger(),
		}, nil
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := migrate.Run(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	sessions := sessionpg.New(db)
	sessions.StartCleanupRoutine(cleanupInterval)

	return &stores{
		sessions: sessions,
		entries:  vaultpg.New(db),
		ledger:   consentpg.New(db),
		db:       db,
	}, nil
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("coverlens version %s\n", Version)
		return nil
	}

	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.LoadConfig(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx := setupSignalHandler()

	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	catalog, err := score.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		return err
	}

	signer, err := vault.NewTokenSigner([]byte(cfg.Privacy.SigningKey))
	if err != nil {
		return err
	}

	v := vault.New(st.entries)
	engine := privacy.NewEngine(privacy.NewRegexDetector(), v, logger)
	extractor := extract.NewClient(extract.ClientConfig{
		BaseURL:  cfg.Extractor.BaseURL,
		APIToken: cfg.Extractor.APIKey,
		Timeout:  cfg.Extractor.Timeout,
	})
	insightSvc := insight.NewClient(insight.ClientConfig{
		BaseURL: cfg.Insight.BaseURL,
		APIKey:  cfg.Insight.APIKey,
		Model:   cfg.Insight.Model,
		Timeout: cfg.Insight.Timeout,
	})

	orch := pipeline.New(st.sessions, engine, st.ledger, extractor, insightSvc, catalog, signer, pipeline.Options{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		RetryBase:   cfg.Pipeline.RetryBase,
		Logger:      logger,
	})
	defer orch.Close()

	probes := map[string]health.Probe{}
	if st.db != nil {
		probes["database"] = st.db.PingContext
	}
	checker := health.NewChecker(probes)

	srv := server.New(cfg, server.Deps{
		Store:        st.sessions,
		Vault:        v,
		Ledger:       st.ledger,
		Orchestrator: orch,
		Publisher:    progress.NewPublisher(st.sessions, cfg.Server.StreamInterval, logger),
		Signer:       signer,
		Reports:      report.NewBuilder(v, st.ledger, logger),
		Checker:      checker,
		Logger:       logger,
	})

	startVaultSweep(ctx, v, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("coverlens listening", "address", cfg.Server.Address, "version", Version)
		if cfg.Server.TLS.Enabled {
			errCh <- httpServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			return
		}
		errCh <- httpServer.ListenAndServe()
	}()
	checker.SetReady()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	checker.SetDraining()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// startVaultSweep reclaims expired vault entries in the background
// until ctx is canceled. Session stores run their own cleanup routine.
func startVaultSweep(ctx context.Context, v *vault.Vault, logger *slog.Logger) {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := v.Sweep(ctx); err != nil {
					logger.Warn("vault sweep failed", "error", err)
				}
			}
		}
	}()
}
