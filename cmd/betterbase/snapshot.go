package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/snapshot"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/worker"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create and share relay database snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Write a snapshot now and upload it when storage is configured",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotCreate,
}

var snapshotURLCmd = &cobra.Command{
	Use:   "url [object-key]",
	Short: "Print a presigned download URL for a snapshot",
	Long:  "Print a presigned URL for the given object key, or the current snapshot.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSnapshotURL,
}

func init() {
	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotURLCmd)
}

func runSnapshotCreate(cmd *cobra.Command, args []string) error {
	st, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	uploader, err := snapshot.NewUploader(cfg.Snapshot)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Log)
	coord := worker.NewSnapshotCoordinator(st, cfg.Worker.SnapshotDir, cfg.Worker.SnapshotInterval.Std(), uploader, logger)
	if !coord.RunOnce(cmd.Context()) {
		return errors.New("snapshot failed")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Snapshot written to %s\n", coord.Path())
	return nil
}

func runSnapshotURL(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadMaintenanceConfig()
	if err != nil {
		return err
	}
	uploader, err := snapshot.NewUploader(cfg.Snapshot)
	if err != nil {
		return err
	}
	key := snapshot.CurrentKey
	if len(args) == 1 {
		key = args[0]
	}
	url, _, err := uploader.PresignedURL(cmd.Context(), key)
	if errors.Is(err, snapshot.ErrNotConfigured) {
		return fmt.Errorf("snapshot storage is not configured: set BETTERBASE_SNAPSHOT_BUCKET")
	}
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]string{"key": key, "url": url})
	}
	fmt.Fprintln(cmd.OutOrStdout(), url)
	return nil
}
