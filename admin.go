package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"clusterd/cluster"
	"clusterd/logging"
)

func init() {
	nodesCmd.Flags().Bool("json", false, "Print the listing as JSON")
	purgeCmd.Flags().Duration("max-age", 0, "Purge records whose heartbeat is older than this (defaults to the node purge interval)")
}

// withStorage opens the configured backend for a one-shot command.
func withStorage(cmd *cobra.Command, fn func(ctx context.Context, conf config, store *storage) error) error {
	conf, err := setup(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	store, err := openStorage(ctx, conf, logging.WithComponent("storage"))
	if err != nil {
		return fmt.Errorf("failed to open %s backend: %w", conf.Backend, err)
	}
	defer store.close(context.Background())

	return fn(ctx, conf, store)
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List the nodes in the shared store and the elected master",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		return withStorage(cmd, func(ctx context.Context, conf config, store *storage) error {
			if store.provider == nil {
				return cluster.ErrBackendDisabled
			}
			settings := conf.settings()

			readCtx, cancel := context.WithTimeout(ctx, settings.OperationTimeout)
			records, err := store.provider.ReadAll(readCtx)
			cancel()
			if err != nil {
				return err
			}

			now := time.Now()
			view := cluster.NewView()
			view.Replace(records, nil, now)
			master, _ := view.Elect(now, settings.NodeTimeout)
			nodes := view.Nodes(now, settings.NodeTimeout, master, "", conf.hash())

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(nodes)
			}
			return printNodes(cmd.OutOrStdout(), nodes, now)
		})
	},
}

func printNodes(out io.Writer, nodes []cluster.NodeInfo, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE ID\tSTATE\tLAST HEARTBEAT\tSTARTED\tCONFIG")
	for _, n := range nodes {
		started := "-"
		if n.StartupTimestamp != nil {
			started = n.StartupTimestamp.Format(time.RFC3339)
		}
		match := "match"
		if !n.ConfigMatches {
			match = "differs"
		}
		fmt.Fprintf(w, "%s\t%s\t%s ago\t%s\t%s\n",
			n.InstanceID, n.State, now.Sub(n.LastHeartbeat).Truncate(time.Second), started, match)
	}
	return w.Flush()
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete records whose heartbeat is older than --max-age",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAge, _ := cmd.Flags().GetDuration("max-age")

		return withStorage(cmd, func(ctx context.Context, conf config, store *storage) error {
			if store.provider == nil {
				return cluster.ErrBackendDisabled
			}
			settings := conf.settings()
			if maxAge <= 0 {
				maxAge = settings.NodePurgeInterval
			}
			if maxAge <= settings.NodeTimeout {
				return fmt.Errorf("max age %v must exceed the node timeout %v: %w", maxAge, settings.NodeTimeout, cluster.ErrPurgeTooSmall)
			}

			purgeCtx, cancel := context.WithTimeout(ctx, settings.OperationTimeout)
			defer cancel()
			purged, err := store.provider.PurgeOlderThan(purgeCtx, maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d record(s) older than %v\n", purged, maxAge)
			return nil
		})
	},
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create the table or directory entry the backend writes to",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(cmd, func(ctx context.Context, conf config, store *storage) error {
			if err := store.provision(ctx); err != nil {
				return fmt.Errorf("failed to provision %s backend: %w", conf.Backend, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Provisioned %s backend for cluster %s\n", conf.Backend, conf.ClusterName)
			return nil
		})
	},
}
