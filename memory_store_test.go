package payflow_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortressi/payflow"
	"github.com/fortressi/payflow/storetest"
)

func TestMemoryLedger(t *testing.T) {
	storetest.TestLedger(t, func(t *testing.T) payflow.Ledger {
		return payflow.NewMemoryLedger()
	})
}

func TestMemoryRegistry(t *testing.T) {
	storetest.TestRegistry(t, func(t *testing.T, opts payflow.RegistryOptions) payflow.IdempotencyRegistry {
		r, err := payflow.NewMemoryRegistry(opts)
		require.NoError(t, err)
		return r
	})
}

func TestMemoryRegistryRequiresRetention(t *testing.T) {
	_, err := payflow.NewMemoryRegistry(payflow.RegistryOptions{})
	require.Error(t, err)
}
