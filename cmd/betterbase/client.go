package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/config"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/syncer"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/transport"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/pkg/betterbase"
)

var (
	replicaPath  string
	relayURL     string
	clientHandle string
	putSpace     string
	querySpace   string
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Work with a local replica",
	Long:  "Read and write a local encrypted replica and sync it through a relay.",
}

var clientSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push and pull every joined space",
	Args:  cobra.NoArgs,
	RunE:  runClientSync,
}

var clientPutCmd = &cobra.Command{
	Use:   "put <collection> <field=value>...",
	Short: "Create a record",
	Long:  "Create a record. Values parse as JSON when they can and as strings otherwise.",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runClientPut,
}

var clientQueryCmd = &cobra.Command{
	Use:   "query <collection>",
	Short: "List the live records of a collection",
	Args:  cobra.ExactArgs(1),
	RunE:  runClientQuery,
}

var clientSpacesCmd = &cobra.Command{
	Use:   "spaces",
	Short: "List joined spaces and pending invitations",
	Args:  cobra.NoArgs,
	RunE:  runClientSpaces,
}

var clientCreateSpaceCmd = &cobra.Command{
	Use:   "create-space",
	Short: "Create a shared space",
	Args:  cobra.NoArgs,
	RunE:  runClientCreateSpace,
}

var clientInviteCmd = &cobra.Command{
	Use:   "invite <space-id> <handle>",
	Short: "Invite an identity into a space",
	Args:  cobra.ExactArgs(2),
	RunE:  runClientInvite,
}

var clientAcceptCmd = &cobra.Command{
	Use:   "accept <invitation-id>",
	Short: "Accept an invitation",
	Args:  cobra.ExactArgs(1),
	RunE:  runClientAccept,
}

func init() {
	clientCmd.PersistentFlags().StringVar(&replicaPath, "replica", "betterbase.db", "Replica database path")
	clientCmd.PersistentFlags().StringVar(&relayURL, "relay", "http://localhost:8080", "Relay base URL")
	clientCmd.PersistentFlags().StringVar(&clientHandle, "handle", "", "Handle to register when the replica is new")
	clientPutCmd.Flags().StringVar(&putSpace, "space", "", "Target space (default personal)")
	clientQueryCmd.Flags().StringVar(&querySpace, "space", "", "Restrict to one space")

	clientCmd.AddCommand(clientSyncCmd)
	clientCmd.AddCommand(clientPutCmd)
	clientCmd.AddCommand(clientQueryCmd)
	clientCmd.AddCommand(clientSpacesCmd)
	clientCmd.AddCommand(clientCreateSpaceCmd)
	clientCmd.AddCommand(clientInviteCmd)
	clientCmd.AddCommand(clientAcceptCmd)
}

// withClient opens the replica, runs fn and closes it.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *betterbase.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.LoadForMaintenance()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Log)

	c, err := betterbase.Open(ctx, betterbase.Config{
		Path:   replicaPath,
		Relay:  transport.NewHTTP(relayURL, transport.WithTimeout(cfg.Sync.Timeout.Std())),
		Handle: clientHandle,
		Sync: syncer.Config{
			Timeout:      cfg.Sync.Timeout.Std(),
			PullLimit:    cfg.Sync.PullLimit,
			MaxPushBatch: cfg.Sync.MaxPushBatch,
			Concurrency:  cfg.Sync.Concurrency,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			slog.Warn("replica close failed", "error", err)
		}
	}()
	return fn(ctx, c)
}

func runClientSync(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *betterbase.Client) error {
		report, err := c.Sync(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, report)
		}
		tw := newTabWriter(out)
		fmt.Fprintln(tw, "SPACE\tPUSHED\tPULLED\tAPPLIED\tSKIPPED\tCURSOR\tERROR")
		for _, s := range report.Spaces {
			errText := ""
			if s.Err != nil {
				errText = s.Err.Error()
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
				s.SpaceID, s.Pushed, s.Pulled, s.Applied, s.Skipped, s.Cursor, errText)
		}
		return tw.Flush()
	})
}

// parseFields turns field=value pairs into record values.
func parseFields(pairs []string) (map[string]any, error) {
	values := make(map[string]any, len(pairs))
	for _, p := range pairs {
		name, raw, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid field %q: want name=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		values[name] = v
	}
	return values, nil
}

func runClientPut(cmd *cobra.Command, args []string) error {
	values, err := parseFields(args[1:])
	if err != nil {
		return err
	}
	return withClient(cmd, func(ctx context.Context, c *betterbase.Client) error {
		var opts []betterbase.PutOption
		if putSpace != "" {
			opts = append(opts, betterbase.InSpace(putSpace))
		}
		id, err := c.Put(ctx, args[0], values, opts...)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	})
}

func runClientQuery(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *betterbase.Client) error {
		var opts []betterbase.QueryOption
		if querySpace != "" {
			opts = append(opts, betterbase.FromSpace(querySpace))
		}
		recs, err := c.Query(ctx, args[0], opts...)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			rows := make([]map[string]any, 0, len(recs))
			for _, r := range recs {
				rows = append(rows, map[string]any{"id": r.ID, "space_id": r.SpaceID, "values": r.Values()})
			}
			return printJSON(out, rows)
		}
		tw := newTabWriter(out)
		fmt.Fprintln(tw, "ID\tSPACE\tVALUES")
		for _, r := range recs {
			data, _ := json.Marshal(r.Values())
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, r.SpaceID, data)
		}
		fmt.Fprintf(tw, "\n%s record(s)\n", humanize.Comma(int64(len(recs))))
		return tw.Flush()
	})
}

func runClientSpaces(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *betterbase.Client) error {
		rec, err := c.CheckInvitations(ctx)
		if err != nil {
			return err
		}
		spaces, err := c.ActiveSpaces(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, map[string]any{"did": c.DID(), "spaces": spaces, "pending": rec.Pending})
		}
		tw := newTabWriter(out)
		fmt.Fprintf(tw, "Identity:\t%s\n\n", c.DID())
		fmt.Fprintln(tw, "SPACE\tKIND\tROLE\tEPOCH")
		for _, sp := range spaces {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", sp.ID, sp.Kind, sp.Role, sp.CurrentEpoch)
		}
		if len(rec.Pending) > 0 {
			fmt.Fprintln(tw, "\nINVITATION\tSPACE\tFROM\tRECEIVED")
			for _, inv := range rec.Pending {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", inv.ID, inv.SpaceID, inv.InvitedBy, humanize.Time(inv.CreatedAt))
			}
		}
		return tw.Flush()
	})
}

func runClientCreateSpace(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *betterbase.Client) error {
		sp, err := c.CreateSpace(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sp.ID)
		return nil
	})
}

func runClientInvite(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *betterbase.Client) error {
		inv, err := c.Invite(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), inv.ID)
		return nil
	})
}

func runClientAccept(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *betterbase.Client) error {
		if _, err := c.CheckInvitations(ctx); err != nil {
			return err
		}
		sp, err := c.Accept(ctx, args[0])
		if err != nil {
			return err
		}
		if sp.Status != types.StatusJoined {
			return fmt.Errorf("space %s is %s", sp.ID, sp.Status)
		}
		fmt.Fprintln(cmd.OutOrStdout(), sp.ID)
		return nil
	})
}
