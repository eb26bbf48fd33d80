package main

import (
	"context"
	"os"

	"pkt.systems/pslog"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("TABLEASE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "tablease")
	cmd := newRootCommand(baseLogger)
	if err := cmd.ExecuteContext(withSignalCancel(ctx)); err != nil {
		if err != context.Canceled {
			baseLogger.Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}
