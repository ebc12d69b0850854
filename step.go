package payflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/btree"
)

// StepContext is handed to step functions.
type StepContext struct {
	Transaction  *Transaction
	Step         StepName
	Attempt      int
	OperationKey string
	// Forward holds the result of the step being undone. Only set for
	// inverse operations.
	Forward json.RawMessage
	// results of the forward steps that succeeded before this one
	results *btree.Map[StepName, json.RawMessage]
}

// Lookup returns the raw result of an earlier succeeded step.
func (sc StepContext) Lookup(step StepName) (json.RawMessage, bool) {
	if sc.results == nil {
		return nil, false
	}
	return sc.results.Get(step)
}

// LookupTyped unmarshals the result of an earlier succeeded step into R.
func LookupTyped[R any](sc StepContext, step StepName) (R, bool) {
	var zero R
	raw, ok := sc.Lookup(step)
	if !ok {
		return zero, false
	}
	var out R
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, false
	}
	return out, true
}

// StepFunc performs one attempt of a step. Returned errors are classified
// with Classify.
type StepFunc func(ctx context.Context, sc StepContext) (any, error)

// StepDefinition pairs a forward operation with its optional inverse.
type StepDefinition struct {
	Name        StepName
	Forward     StepFunc
	InverseName StepName
	Inverse     StepFunc
}

// HasInverse reports whether the step can be compensated.
func (d StepDefinition) HasInverse() bool {
	return d.Inverse != nil
}

// NewStep defines a step with no meaningful inverse.
func NewStep(name StepName, forward StepFunc) StepDefinition {
	return StepDefinition{Name: name, Forward: forward}
}

// NewCompensableStep defines a step undone by inverse.
func NewCompensableStep(name StepName, forward StepFunc, inverseName StepName, inverse StepFunc) StepDefinition {
	return StepDefinition{Name: name, Forward: forward, InverseName: inverseName, Inverse: inverse}
}

// String implements fmt.Stringer.
func (d StepDefinition) String() string {
	if d.HasInverse() {
		return fmt.Sprintf("Step[%s, inverse=%s]", d.Name, d.InverseName)
	}
	return fmt.Sprintf("Step[%s]", d.Name)
}

// encodeResult validates that a step's output can be persisted.
func encodeResult(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, SystemFailure(CodeInternal, fmt.Errorf("serialize step result: %w", err))
	}
	return data, nil
}

// resultsOf indexes the results of succeeded forward steps.
func resultsOf(log *StepLog) *btree.Map[StepName, json.RawMessage] {
	results := btree.NewMap[StepName, json.RawMessage](8)
	for _, rec := range log.SucceededForward() {
		results.Set(rec.Step, rec.Result)
	}
	return results
}
