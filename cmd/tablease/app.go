package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/tablease"
)

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		defer signal.Stop(ch)
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tablease",
		Short:         "Multi-client primary-lease coordinator for shared embedded databases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.String("data-dir", "", "root directory for the pebble store and side channel (empty = in-memory)")
	flags.String("persistence-key", "main", "application persistence key")
	flags.String("project", "local", "project id (DNS label)")
	flags.String("database", "", "database id within the project (optional)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	bindFlags(flags)
	viper.SetEnvPrefix("TABLEASE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	cmd.AddCommand(newRunCommand(baseLogger))
	cmd.AddCommand(newInspectCommand())
	cmd.AddCommand(newConfigCommand())
	return cmd
}

func bindFlags(flags *pflag.FlagSet) {
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := viper.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})
}

func configFromViper() tablease.Config {
	return tablease.Config{
		PersistenceKey:          viper.GetString("persistence-key"),
		ProjectID:               viper.GetString("project"),
		DatabaseID:              viper.GetString("database"),
		DataDir:                 viper.GetString("data-dir"),
		NetworkEnabled:          !viper.GetBool("offline"),
		AllowTabSynchronization: viper.GetBool("allow-tab-synchronization"),
	}
}

func loggerAtLevel(baseLogger pslog.Logger) pslog.Logger {
	if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
		return baseLogger.LogLevel(level)
	}
	return baseLogger.LogLevel(pslog.InfoLevel)
}
