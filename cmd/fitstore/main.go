package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openfitlab/fitstore/internal/config"
	"github.com/openfitlab/fitstore/internal/database"
	"github.com/openfitlab/fitstore/internal/domain"
	"github.com/openfitlab/fitstore/internal/importer"
	"github.com/openfitlab/fitstore/internal/logging"
	"github.com/openfitlab/fitstore/internal/merge"
	"github.com/openfitlab/fitstore/internal/query"
	"github.com/openfitlab/fitstore/internal/server"
	"github.com/openfitlab/fitstore/internal/summary"
)

var (
	cfgFile    string
	sourceFlag string
)

var errBatchesFailed = errors.New("one or more file imports failed")

func main() {
	rootCmd := &cobra.Command{
		Use:   "fitstore",
		Short: "Consolidated fitness and health data store",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newImportCmd(),
		newRebuildCmd(),
		newSummaryCmd(),
		newServeCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("data-dir", defaults.GetString("data.dir"), "Directory holding the per-source databases")
	cmd.PersistentFlags().String("import-dir", defaults.GetString("import.dir"), "Directory the downloader drops export files in")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address for the query API")
	cmd.PersistentFlags().Int("workers", defaults.GetInt("import.workers"), "Concurrent file decoders")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&sourceFlag, "source", "", "Limit the command to one source")

	bindFlag(cmd, "data.dir", "data-dir")
	bindFlag(cmd, "import.dir", "import-dir")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "import.workers", "workers")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

// selectedSources resolves the --source flag against the configured set.
func selectedSources(appConfig config.AppConfig) ([]domain.Source, error) {
	if sourceFlag == "" {
		return appConfig.Sources, nil
	}
	source, err := domain.NewSource(sourceFlag)
	if err != nil {
		return nil, err
	}
	for _, configured := range appConfig.Sources {
		if configured == source {
			return []domain.Source{source}, nil
		}
	}
	return nil, fmt.Errorf("source %s is not configured", source)
}

func newImporter(appConfig config.AppConfig, db *gorm.DB, source domain.Source, logger *zap.Logger) (*importer.Importer, error) {
	engine, err := merge.NewEngine(merge.EngineConfig{
		Database: db,
		Source:   source,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return importer.New(importer.Config{
		Database:     db,
		Provider:     importer.DirectoryProvider{Root: appConfig.ImportDir},
		Engine:       engine,
		Aggregator:   summary.New(db, logger),
		IDProvider:   importer.NewUUIDProvider(),
		Logger:       logger,
		Workers:      appConfig.Workers,
		BatchTimeout: appConfig.BatchTimeout,
	})
}

func withSourceDB(appConfig config.AppConfig, source domain.Source, logger *zap.Logger, fn func(*gorm.DB) error) error {
	if err := os.MkdirAll(appConfig.DataDir, 0o755); err != nil {
		return err
	}
	db, err := database.Open(appConfig.DataDir, source, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	return fn(db)
}

func reportRun(logger *zap.Logger, source domain.Source, run importer.RunResult) {
	for _, file := range run.Files {
		if file.Err != nil {
			logger.Warn("file failed",
				zap.String("source", source.String()),
				zap.String("file", file.Name),
				zap.Error(file.Err))
		}
	}
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Import new export files into the per-source databases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOverSources(cmd.Context(), func(ctx context.Context, imp *importer.Importer) (importer.RunResult, error) {
				return imp.Run(ctx)
			})
		},
	}
}

func newRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Drop and fully reconstruct a source's canonical and summary tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOverSources(cmd.Context(), func(ctx context.Context, imp *importer.Importer) (importer.RunResult, error) {
				return imp.Rebuild(ctx)
			})
		},
	}
}

func runOverSources(ctx context.Context, run func(context.Context, *importer.Importer) (importer.RunResult, error)) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	sources, err := selectedSources(appConfig)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	anyFailed := false
	for _, source := range sources {
		err := withSourceDB(appConfig, source, logger, func(db *gorm.DB) error {
			imp, err := newImporter(appConfig, db, source, logger)
			if err != nil {
				return err
			}
			result, err := run(signalCtx, imp)
			if err != nil {
				return err
			}
			reportRun(logger, source, result)
			if result.Failed > 0 {
				anyFailed = true
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if anyFailed {
		return errBatchesFailed
	}
	return nil
}

func newSummaryCmd() *cobra.Command {
	var daysBack int
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Recompute summary tables over a recent window",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			sources, err := selectedSources(appConfig)
			if err != nil {
				return err
			}

			to := time.Now().UTC()
			from := to.AddDate(0, 0, -daysBack)
			for _, source := range sources {
				err := withSourceDB(appConfig, source, logger, func(db *gorm.DB) error {
					return summary.New(db, logger).RecomputeAll(cmd.Context(), source, from, to)
				})
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&daysBack, "days", 90, "Days back to recompute")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			sources, err := selectedSources(appConfig)
			if err != nil {
				return err
			}

			services := map[domain.Source]*query.Service{}
			var closers []func() error
			defer func() {
				for _, closeDB := range closers {
					closeDB() //nolint:errcheck
				}
			}()

			for _, source := range sources {
				db, err := database.Open(appConfig.DataDir, source, logger)
				if err != nil {
					return err
				}
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				closers = append(closers, sqlDB.Close)

				service, err := query.NewService(query.ServiceConfig{Database: db, Logger: logger})
				if err != nil {
					return err
				}
				services[source] = service
			}

			handler, err := server.NewHTTPHandler(server.Dependencies{
				Services: services,
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			httpServer := &http.Server{
				Addr:    appConfig.HTTPAddress,
				Handler: handler,
			}

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("query API starting", zap.String("address", appConfig.HTTPAddress))
				err := httpServer.ListenAndServe()
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-signalCtx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			case err := <-errCh:
				return err
			}
		},
	}
}
