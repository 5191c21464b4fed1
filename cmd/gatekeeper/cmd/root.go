package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/terraconstructs/gatekeeper/internal/config"
	"github.com/terraconstructs/gatekeeper/internal/logging"
)

var (
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "gatekeeper",
	Short: "Access gatekeeper for the infrastructure operations API",
	Long: `Gatekeeper sits in front of the operations service. It validates browser
origins, verifies bearer tokens from the identity provider, resolves permissions,
records audit events and forwards authorized requests downstream.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			viper.SetConfigFile(path)
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		logger, err = logging.New(cfg.Debug)
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (default ./gatekeeper.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging (env: GATEKEEPER_DEBUG)")
	rootCmd.PersistentFlags().String("server-addr", "", "Server bind address (env: GATEKEEPER_SERVER_ADDR)")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("server_addr", rootCmd.PersistentFlags().Lookup("server-addr"))
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
