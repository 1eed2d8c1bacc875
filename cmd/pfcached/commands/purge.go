package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/objectfs/pfcache/internal/adapter"
	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/utils"
)

var purgeCmd = &cobra.Command{
	Use:   "purge [path...]",
	Short: "Remove cached files",
	Long: `Remove cached files from the storage directory.

With paths, each named file is removed. Without, one purge pass runs
against the configured watermarks, as the daemon would.

Purging while a daemon serves the same directory is safe for files it is
not reading, but the daemon does not learn about the freed space until its
next pass.

Examples:
  # Enforce the watermarks now
  pfcached purge --config /etc/pfcache/pfcache.yaml

  # Drop two files
  pfcached purge /store/run1/a.root /store/run1/b.root`,
	RunE: runPurge,
}

func runPurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closer, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := cmd.Context()
	a, err := adapter.New(ctx, "", cfg, adapter.WithOrigin(offlineOrigin{}))
	if err != nil {
		return err
	}
	defer a.Stop(context.WithoutCancel(ctx))

	c, err := a.Cache(ctx)
	if err != nil {
		return err
	}

	if len(args) > 0 {
		for _, path := range args {
			if err := c.Unlink(ctx, path); err != nil {
				return err
			}
			cmd.Printf("removed %s\n", path)
		}
		return nil
	}

	res, err := c.Purge(ctx)
	if err != nil {
		return err
	}
	cmd.Printf("disk used %s of %s, cached files %s\n",
		utils.FormatBytes(res.Usage.UsedBytes), utils.FormatBytes(res.Usage.TotalBytes),
		utils.FormatBytes(res.FileUsage))
	cmd.Printf("removed %d files, %s", len(res.Removed), utils.FormatBytes(res.BytesRemoved))
	if res.Skipped > 0 || res.Errors > 0 {
		cmd.Printf(" (%d skipped, %d failed)", res.Skipped, res.Errors)
	}
	cmd.Println()
	return nil
}

// offlineOrigin stands in for the origin in commands that only touch
// local storage.
type offlineOrigin struct{}

func (offlineOrigin) Fetch(ctx context.Context, path string, offset int64, buf []byte) (int, error) {
	return 0, errors.NewError(errors.ErrCodeOriginFetch, "origin not available offline").
		WithComponent("cli").WithPath(path)
}

func (offlineOrigin) Size(ctx context.Context, path string) (int64, error) {
	return 0, errors.NewError(errors.ErrCodeOriginFetch, "origin not available offline").
		WithComponent("cli").WithPath(path)
}
