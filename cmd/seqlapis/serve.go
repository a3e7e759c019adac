package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/loculus-project/seqlapis/internal/config"
	"github.com/loculus-project/seqlapis/internal/etl"
	"github.com/loculus-project/seqlapis/internal/freshness"
	"github.com/loculus-project/seqlapis/internal/lineage"
	"github.com/loculus-project/seqlapis/internal/metadata"
	"github.com/loculus-project/seqlapis/internal/refgenome"
	"github.com/loculus-project/seqlapis/internal/server"
	"github.com/loculus-project/seqlapis/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the query service",
	RunE:  runServe,
}

var (
	serveConfigPath string
	serveBackendURL string
	servePort       int
	serveRefDir     string
	serveOrganisms  string
	serveDBURL      string
	serveDataDir    string
	serveRefresh    int
	serveLogLevel   string
)

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "seqlapis.yaml", "Config file path")
	serveCmd.Flags().StringVar(&serveBackendURL, "backend-url", "", "Backend base URL")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on")
	serveCmd.Flags().StringVar(&serveRefDir, "reference-genomes-dir", "", "Reference genome directory")
	serveCmd.Flags().StringVar(&serveOrganisms, "organisms", "", "Comma-separated organism list (default: discover)")
	serveCmd.Flags().StringVar(&serveDBURL, "database-url", "", "Metadata database URL")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Columnar store directory")
	serveCmd.Flags().IntVar(&serveRefresh, "refresh-interval-secs", 0, "Freshness poll interval")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "Log level (debug|info|warn|error)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	meta, err := metadata.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer meta.Close()
	logrus.Info("connected to metadata store")

	organisms := cfg.OrganismList(serveOrganisms)
	if len(organisms) == 0 {
		organisms, err = refgenome.Discover(cfg.ReferenceGenomesDir)
		if err != nil {
			return err
		}
	}
	logrus.WithField("organisms", organisms).Info("serving organisms")

	catalog := store.NewCatalog()
	pipeline := etl.NewPipeline(cfg.BackendURL, cfg.DataDir)
	pipeline.InlineSetLimit = cfg.Store.InlineSetLimit
	controller := &freshness.Controller{
		Catalog:      catalog,
		Upstream:     meta,
		Ingester:     pipeline,
		RefGenomeDir: cfg.ReferenceGenomesDir,
		Organisms:    organisms,
		Interval:     time.Duration(cfg.RefreshIntervalSecs) * time.Second,
	}

	// Organisms with a populated store file serve immediately; the rest
	// come online as the background initial load works through the list.
	controller.PublishCached()
	go func() {
		controller.InitialLoad(ctx)
		controller.Run(ctx)
	}()

	defs := lineage.Load(ctx, os.Getenv("LINEAGE_CONFIG"), func(ctx context.Context, organism string) (string, bool) {
		v, ok, err := meta.PipelineVersion(ctx, organism)
		if err != nil || !ok {
			return "", false
		}
		return fmt.Sprintf("%d", v), true
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: server.New(catalog, meta, defs, cfg.Query.StrictLiterals).Router(),
	}

	go func() {
		logrus.WithField("addr", srv.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func applyFlagOverrides(cfg *config.Config) {
	if serveBackendURL != "" {
		cfg.BackendURL = serveBackendURL
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	if serveRefDir != "" {
		cfg.ReferenceGenomesDir = serveRefDir
	}
	if serveDBURL != "" {
		cfg.DatabaseURL = serveDBURL
	}
	if serveDataDir != "" {
		cfg.DataDir = serveDataDir
	}
	if serveRefresh != 0 {
		cfg.RefreshIntervalSecs = serveRefresh
	}
	if serveLogLevel != "" {
		cfg.LogLevel = serveLogLevel
	}
}
