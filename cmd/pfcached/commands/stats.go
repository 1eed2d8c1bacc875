package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/objectfs/pfcache/pkg/types"
	"github.com/objectfs/pfcache/pkg/utils"
)

var (
	statsAddr   string
	statsJSON   bool
	statsClient = &http.Client{Timeout: 10 * time.Second}
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show statistics of a running daemon",
	Long: `Fetch the latest statistics snapshot from a running daemon's metrics
server.

Examples:
  pfcached stats
  pfcached stats --addr cache01:9100 --json`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsAddr, "addr", "", "metrics server address (default: localhost:<global.metrics_port>)")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print raw JSON")
}

type statsResponse struct {
	Exports int64       `json:"exports"`
	Stats   types.Stats `json:"stats"`
}

func runStats(cmd *cobra.Command, args []string) error {
	addr := statsAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr = fmt.Sprintf("localhost:%d", cfg.Global.MetricsPort)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, "http://"+addr+"/debug/stats", nil)
	if err != nil {
		return err
	}
	resp, err := statsClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon at %s answered %s", addr, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if statsJSON {
		cmd.Println(string(body))
		return nil
	}

	var sr statsResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return fmt.Errorf("invalid stats response: %w", err)
	}
	if sr.Exports == 0 {
		cmd.Println("no statistics exported yet")
		return nil
	}
	printStats(cmd.OutOrStdout(), sr.Stats)
	return nil
}

func printStats(w io.Writer, s types.Stats) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(name, value string) { _, _ = fmt.Fprintf(tw, "%s\t%s\n", name, value) }

	row("Snapshot", s.Timestamp.Format(time.RFC3339))
	row("RAM", fmt.Sprintf("%s used, %s queued of %s",
		utils.FormatBytes(s.RAMUsed), utils.FormatBytes(s.RAMQueued), utils.FormatBytes(s.RAMBudget)))
	row("Write queue", fmt.Sprintf("%d blocks, %s written, %d failures",
		s.WriteQueueDepth, utils.FormatBytes(s.BytesWritten), s.WriteFailures))
	row("Active files", fmt.Sprintf("%d", s.ActiveFiles))
	row("Hit / miss / bypass", fmt.Sprintf("%s / %s / %s",
		utils.FormatBytes(s.BytesHit), utils.FormatBytes(s.BytesMissed), utils.FormatBytes(s.BytesBypassed)))
	row("Prefetch", fmt.Sprintf("%d blocks, %d in flight", s.PrefetchBlocks, s.PrefetchInFlight))
	row("Disk", fmt.Sprintf("%s of %s, cached files %s",
		utils.FormatBytes(s.DiskUsed), utils.FormatBytes(s.DiskTotal), utils.FormatBytes(s.FileUsage)))
	row("Purge", fmt.Sprintf("%d passes, %d files, %s",
		s.PurgeCycles, s.FilesPurged, utils.FormatBytes(s.BytesPurged)))
	_ = tw.Flush()
}
