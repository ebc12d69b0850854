package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/fortressi/payflow"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type submitOutput struct {
	TransactionID string                 `json:"transaction_id"`
	Existing      bool                   `json:"existing"`
	State         payflow.LifecycleState `json:"state"`
	Status        *payflow.StatusView    `json:"status,omitempty"`
}

func submitCmd(load loader) *cobra.Command {
	var (
		key     string
		spec    payflow.TransactionSpec
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a payment under an idempotency key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return a.submit(ctx, cmd.OutOrStdout(), key, spec, wait)
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "Idempotency key")
	cmd.Flags().Int64Var(&spec.Amount, "amount", 0, "Amount in minor units")
	cmd.Flags().StringVar(&spec.Currency, "currency", "USD", "ISO 4217 currency code")
	cmd.Flags().StringVar(&spec.Payer, "payer", "", "Payer account")
	cmd.Flags().StringVar(&spec.Payee, "payee", "", "Payee account")
	cmd.Flags().StringToStringVar(&spec.Metadata, "meta", nil, "Metadata as key=value pairs")
	cmd.Flags().BoolVar(&wait, "wait", true, "Wait for a terminal state")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Give up waiting after this long")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func (a *app) submit(ctx context.Context, w io.Writer, key string, spec payflow.TransactionSpec, wait bool) error {
	adm, err := a.engine.Start(ctx, key, spec)
	if err != nil {
		return err
	}
	out := submitOutput{TransactionID: adm.TransactionID, Existing: adm.Existing, State: adm.State}
	if wait {
		view, err := a.engine.Wait(ctx, adm.TransactionID)
		if err != nil {
			return err
		}
		out.State = view.State
		out.Status = &view
	}
	return writeJSON(w, out)
}
