package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/tablease"
	"pkt.systems/tablease/internal/lifecycle"
)

func newRunCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one or more coordinator clients until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := loggerAtLevel(baseLogger)
			cfg := configFromViper()
			clients := viper.GetInt("clients")
			if clients < 1 {
				clients = 1
			}
			ctx := cmd.Context()
			signals := lifecycle.NewSignals()
			defer signals.Close()
			coords := make([]*tablease.Coordinator, 0, clients)
			for i := 0; i < clients; i++ {
				coord, err := tablease.New(cfg,
					tablease.WithLogger(logger),
					tablease.WithLifecycleObserver(signals),
				)
				if err != nil {
					return err
				}
				if err := coord.Start(ctx); err != nil {
					return err
				}
				id := coord.ClientID()
				err = coord.SetPrimaryStateListener(ctx, func(ctx context.Context, primary bool) error {
					logger.Info("client.primary-state", "client_id", id, "primary", primary)
					return nil
				})
				if err != nil {
					return err
				}
				coords = append(coords, coord)
			}
			logger.Info("run.ready", "clients", len(coords), "data_dir", cfg.DataDir)
			<-ctx.Done()
			var firstErr error
			for _, coord := range coords {
				if err := coord.Shutdown(context.Background(), false); err != nil && firstErr == nil {
					firstErr = fmt.Errorf("shutdown %s: %w", coord.ClientID(), err)
				}
			}
			return firstErr
		},
	}
	cmd.Flags().Int("clients", 1, "number of sibling clients to simulate in this process")
	cmd.Flags().Bool("offline", false, "start with network disabled")
	cmd.Flags().Bool("allow-tab-synchronization", true, "opt into shared access with sibling clients")
	bindFlags(cmd.Flags())
	return cmd
}
