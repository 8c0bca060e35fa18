package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/config"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/store"
	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
)

var (
	dbPathOverride string
	jsonOutput     bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show relay database statistics",
	Long:  "Inspect the relay database without running the server.",
	RunE:  runStats,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPathOverride, "db", "",
		"Relay database path (overrides config and BETTERBASE_DB_PATH)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")
}

// loadMaintenanceConfig loads configuration and resolves the database path
// from --db or the configuration.
func loadMaintenanceConfig() (string, *config.Config, error) {
	cfg, err := config.LoadForMaintenance()
	if err != nil {
		return "", nil, fmt.Errorf("load config: %w", err)
	}
	path := dbPathOverride
	if path == "" {
		path = cfg.Database.Path
	}
	return path, cfg, nil
}

// openStore opens the relay database.
func openStore() (*store.SQLiteStore, *config.Config, error) {
	path, cfg, err := loadMaintenanceConfig()
	if err != nil {
		return nil, nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("relay database %s: %w", path, err)
	}
	st, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.GetStats(ctx)
	if err != nil {
		return err
	}
	lastSnapshot, _ := st.GetSyncMeta(ctx, bbsync.SyncMetaLastSnapshotAt)
	lastCleanup, _ := st.GetSyncMeta(ctx, bbsync.SyncMetaLastCleanupAt)

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"stats":            stats,
			"last_snapshot_at": lastSnapshot,
			"last_cleanup_at":  lastCleanup,
		})
	}

	tw := newTabWriter(out)
	fmt.Fprintf(tw, "Identities:\t%s\n", humanize.Comma(stats.Identities))
	fmt.Fprintf(tw, "Spaces:\t%s\n", humanize.Comma(stats.Spaces))
	fmt.Fprintf(tw, "Joined members:\t%s\n", humanize.Comma(stats.JoinedMembers))
	fmt.Fprintf(tw, "Change log:\t%s entries\n", humanize.Comma(stats.ChangeLogEntries))
	fmt.Fprintf(tw, "Latest sequence:\t%d\n", stats.LatestSequence)
	fmt.Fprintf(tw, "Size:\t%s\n", humanize.Bytes(uint64(stats.DatabaseBytes)))
	fmt.Fprintf(tw, "Last snapshot:\t%s\n", since(lastSnapshot))
	fmt.Fprintf(tw, "Last cleanup:\t%s\n", since(lastCleanup))
	return tw.Flush()
}

// since renders an RFC 3339 timestamp as a relative time.
func since(ts string) string {
	if ts == "" {
		return "never"
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}
