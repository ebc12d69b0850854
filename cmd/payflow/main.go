// Command payflow runs the payment saga engine against the configured
// store, event bus and sandbox gateway.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fortressi/payflow/config"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "payflow",
		Short:         "Payment saga engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (YAML)")

	load := func(cmd *cobra.Command) (*app, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return newApp(cfg, cmd.ErrOrStderr())
	}

	root.AddCommand(serveCmd(load))
	root.AddCommand(submitCmd(load))
	root.AddCommand(statusCmd(load))
	root.AddCommand(cancelCmd(load))
	root.AddCommand(redriveCmd(load))
	root.AddCommand(planCmd(load))
	return root
}

// loader builds an app from the persistent flags.
type loader func(cmd *cobra.Command) (*app, error)
