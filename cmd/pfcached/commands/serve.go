package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/objectfs/pfcache/internal/adapter"
)

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve [s3://bucket/prefix]",
	Short: "Run the cache daemon",
	Long: `Run the cache engine in the foreground until interrupted.

The origin comes from origin.bucket and origin.prefix in the config file,
or from the optional s3:// argument.

Examples:
  # Serve with a config file
  pfcached serve --config /etc/pfcache/pfcache.yaml

  # Override the origin bucket
  pfcached serve s3://physics-data/store --config /etc/pfcache/pfcache.yaml

  # Environment overrides
  PFCACHE_RAM=8GiB PFCACHE_DISK_HWM=0.9 pfcached serve`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second,
		"time allowed for pending writes to drain on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closer, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	var originURI string
	if len(args) == 1 {
		originURI = args[0]
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := adapter.New(ctx, originURI, cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("shutting down", "timeout", shutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Stop(shutdownCtx)
}
