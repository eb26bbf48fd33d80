package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/tablease"
	"pkt.systems/tablease/internal/clock"
	"pkt.systems/tablease/internal/storage"
	"pkt.systems/tablease/internal/storage/pebbledb"
)

func newInspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Dump the primary lease and client heartbeats of a store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFromViper()
			if cfg.DataDir == "" {
				return fmt.Errorf("inspect requires --data-dir")
			}
			backend, err := pebbledb.Open(filepath.Join(cfg.DataDir, "db"))
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()
			now := time.Now().UTC()
			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			defer w.Flush()
			return storageDump(cmd, backend, w, now)
		},
	}
	return cmd
}

func storageDump(cmd *cobra.Command, backend storage.Backend, w *tabwriter.Writer, now time.Time) error {
	tx, err := backend.Begin(cmd.Context(), storage.ReadOnly, storage.AllStores)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	lease, err := storage.GetPrimaryLease(tx)
	if err != nil {
		return err
	}
	if lease == nil {
		fmt.Fprintln(w, "primary lease:\tnone")
	} else {
		age := now.Sub(clock.FromUnixMilli(lease.LeaseTimestampMs))
		state := "valid"
		if age > tablease.ClientMetadataMaxAge {
			state = "expired"
		}
		fmt.Fprintf(w, "primary lease:\t%s\t%s (%s ago, %s)\n",
			lease.OwnerID, state, humanize.Time(now.Add(-age)), age.Round(time.Millisecond))
	}
	metas, err := storage.ListClientMetadata(tx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "clients:\t%d\n", len(metas))
	for _, meta := range metas {
		age := now.Sub(clock.FromUnixMilli(meta.UpdateTimeMs))
		fmt.Fprintf(w, "  %s\tnetwork=%t foreground=%t\tchange_id=%d\theartbeat %s\n",
			meta.ClientID, meta.NetworkEnabled, meta.InForeground,
			meta.LastProcessedDocumentChangeID, humanize.Time(now.Add(-age)))
	}
	return nil
}
