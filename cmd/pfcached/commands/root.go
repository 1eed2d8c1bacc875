// Package commands implements the pfcached command line.
package commands

import (
	stderrors "errors"
	"io"

	"github.com/spf13/cobra"

	"github.com/objectfs/pfcache/internal/config"
	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/utils"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "pfcached",
	Short: "pfcached - proxy file cache for S3 origins",
	Long: `pfcached caches files read from an S3 origin on local disk, block by
block, and keeps the cache within its disk watermarks.

Use "pfcached [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override global.log_level (DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(statsCmd)
}

// ReportError prints the error a command failed with to stderr. Cache
// errors are expanded into their full diagnostic.
func ReportError(err error) {
	var ce *errors.CacheError
	if stderrors.As(err, &ce) {
		if ce.Error() != err.Error() {
			rootCmd.PrintErrf("Error: %v\n\n", err)
		}
		rootCmd.PrintErrln(ce.DetailedDiagnostic())
		return
	}
	rootCmd.PrintErrf("Error: %v\n", err)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("pfcached %s (commit %s, built %s)\n", Version, Commit, Date)
	},
}

// loadConfig builds the configuration from defaults, the config file and
// PFCACHE_* environment variables, in that order.
func loadConfig() (*config.Configuration, error) {
	cfg := config.NewDefault()
	if cfgFile != "" {
		if err := cfg.LoadFromFile(cfgFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Global.LogLevel = logLevel
	}
	return cfg, nil
}

// setupLogging installs the default logger described by cfg
func setupLogging(cfg *config.Configuration) (io.Closer, error) {
	return utils.SetupLogging(cfg.Global.LogLevel, cfg.Global.LogFormat, cfg.Global.LogFile)
}
