// Command etl runs the multi-zone ETL pipeline: scheduled ingestion from
// configured sources, staged transforms, quality gating and zone commits.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/baanu007/aws-serverless-etl/internal/orchestrator"
	"github.com/baanu007/aws-serverless-etl/pkg/compression"
	"github.com/baanu007/aws-serverless-etl/pkg/config"
	"github.com/baanu007/aws-serverless-etl/pkg/errors"
	"github.com/baanu007/aws-serverless-etl/pkg/formats"
	"github.com/baanu007/aws-serverless-etl/pkg/ingest"
	"github.com/baanu007/aws-serverless-etl/pkg/logger"
	"github.com/baanu007/aws-serverless-etl/pkg/metrics"
	"github.com/baanu007/aws-serverless-etl/pkg/observability"
	"github.com/baanu007/aws-serverless-etl/pkg/storage"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "etl",
		Short:         "Multi-zone ETL pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "etl.yaml", "path to the pipeline config file")
	root.PersistentFlags().String("log-level", "", "override the configured log level")

	viper.SetEnvPrefix("ETL")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(newVersionCmd(), newValidateCmd(), newRunCmd(), newIngestCmd(), newSourcesCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "etl %s (%s)\n", version, commit)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the pipeline config and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.GetString("config"))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: pipeline %q, %d sources, %d quality rules\n",
				cfg.Pipeline, len(cfg.Sources), len(cfg.Quality))
			return nil
		},
	}
}

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured sources and registered source types",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.GetString("config"))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered types: %v\n", ingest.Types())
			names := make([]string, 0, len(cfg.Sources))
			for _, s := range cfg.Sources {
				names = append(names, fmt.Sprintf("%s (%s)", s.Name, s.Type))
			}
			sort.Strings(names)
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <source>",
		Short: "Run the pipeline once for a single source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, o, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			runs, err := o.RunPipeline(cmd.Context(), args[0])
			for _, run := range runs {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-10s attempts=%d outputs=%d\n",
					run.StageName, run.Status, run.AttemptCount, len(run.OutputBatchIDs))
			}
			return err
		},
	}
}

func newRunCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler with webhook and metrics endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, o, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if err := o.Start(); err != nil {
				return err
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			for name, handler := range o.Webhooks() {
				mux.Handle("/hooks/"+name, handler)
			}
			srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("http server stopped", zap.Error(err))
				}
			}()
			logger.Info("pipeline running", zap.String("listen", listen))

			sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-sigCtx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			o.Shutdown()
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8080", "address for webhook and metrics endpoints")
	return cmd
}

// setup loads config and assembles the orchestrator with its storage
// backend, logging and tracing.
func setup(ctx context.Context) (*config.Config, *orchestrator.Orchestrator, func(), error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, nil, nil, err
	}

	level := cfg.Log.Level
	if override := viper.GetString("log_level"); override != "" {
		level = override
	}
	if err := logger.Init(logger.Config{Level: level, Development: cfg.Log.Development}); err != nil {
		return nil, nil, nil, err
	}

	shutdownTracing, err := observability.Init(ctx, cfg.Log.Development)
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := buildObjectStore(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	format, err := formats.ParseFormat(cfg.Output.Format)
	if err != nil {
		return nil, nil, nil, err
	}
	algo, err := compression.ParseAlgorithm(cfg.Output.Compression)
	if err != nil {
		return nil, nil, nil, err
	}
	zones := storage.NewZoneStore(store, logger.Get(),
		storage.WithOutputFormat(format), storage.WithCompression(algo))

	o, err := orchestrator.New(cfg, zones, ingest.NewObjectWatermarkStore(store), ingest.EnvSecretStore{})
	if err != nil {
		return nil, nil, nil, err
	}

	cleanup := func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("flush traces", zap.Error(err))
		}
		_ = logger.Sync()
	}
	return cfg, o, cleanup, nil
}

func buildObjectStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "filesystem":
		return storage.NewFilesystemStore(cfg.Storage.Root)
	case "s3":
		return storage.NewS3Store(ctx, storage.S3Options{
			Bucket: cfg.Storage.Bucket,
			Region: cfg.Storage.Region,
			Prefix: cfg.Pipeline,
		})
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown storage backend %q", cfg.Storage.Backend)
	}
}
