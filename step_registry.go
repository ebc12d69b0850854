package payflow

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// StepRegistry maps step names to their definitions.
//
// Transactions are reloaded from the ledger after a restart, where only the
// step names survive. Every step a plan can reference must therefore be
// registered at startup so the engine can resolve forward and inverse
// operations by name.
type StepRegistry struct {
	steps *xsync.MapOf[StepName, StepDefinition]
}

// NewStepRegistry creates an empty registry.
func NewStepRegistry() *StepRegistry {
	return &StepRegistry{
		steps: xsync.NewMapOf[StepName, StepDefinition](),
	}
}

// Register adds a step definition.
func (r *StepRegistry) Register(def StepDefinition) error {
	if def.Name == "" || def.Forward == nil {
		return fmt.Errorf("step definition requires a name and a forward operation")
	}
	if def.Inverse != nil && def.InverseName == "" {
		return fmt.Errorf("step '%s' has an inverse without a name", def.Name)
	}
	if _, loaded := r.steps.LoadOrStore(def.Name, def); loaded {
		return fmt.Errorf("step with name '%s' already registered", def.Name)
	}
	return nil
}

// MustRegister registers every definition and panics on error.
func (r *StepRegistry) MustRegister(defs ...StepDefinition) *StepRegistry {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	return r
}

// Get retrieves a step definition by name.
func (r *StepRegistry) Get(name StepName) (StepDefinition, error) {
	def, ok := r.steps.Load(name)
	if !ok {
		return StepDefinition{}, fmt.Errorf("step '%s': %w", name, ErrNotFound)
	}
	return def, nil
}
