package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func planCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the payment plan as a Graphviz DOT graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			dot, err := a.engine.Plan().ExportToDot()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dot)
			return nil
		},
	}
}
