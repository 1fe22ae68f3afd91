package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmynk/payflow/internal/config"
	"github.com/mmynk/payflow/pkg/logging"
)

var cfg config.Config

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "payflow",
		Short: "Payment orchestration server",
		Long: `payflow drives payments through compliance screening, transfer
execution with retries, and settlement, and serves the PaymentService API.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			cfg = loaded
			logging.Setup(cfg.LogFormat)
			return nil
		},
	}
	root.AddCommand(serveCmd(), screenCmd(), verifyCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
