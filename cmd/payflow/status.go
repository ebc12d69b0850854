package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fortressi/payflow"
)

func statusCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "status <transaction-id>",
		Short: "Show the state and attempt history of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			view, err := a.engine.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), view)
		},
	}
}

func signalCmd(load loader, use, short string, sig payflow.Signal) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <transaction-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.engine.Signal(cmd.Context(), args[0], sig); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s requested for %s\n", sig, args[0])
			return nil
		},
	}
}

func cancelCmd(load loader) *cobra.Command {
	return signalCmd(load, "cancel", "Cancel a transaction, compensating completed steps", payflow.SignalCancel)
}

func redriveCmd(load loader) *cobra.Command {
	return signalCmd(load, "redrive", "Re-drive compensation of a failed_terminal transaction", payflow.SignalRedrive)
}
