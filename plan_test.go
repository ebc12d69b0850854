package payflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentPlan(t *testing.T) {
	plan := testPlan(t)

	steps := plan.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, StepAuthorize, steps[0].Name)
	assert.Equal(t, StepCapture, steps[1].Name)
	assert.Equal(t, StateSettled, plan.Final())

	step, ok := plan.Running(StateCapturing)
	require.True(t, ok)
	assert.Equal(t, StepCapture, step.Name)

	step, ok = plan.Completed(StateAuthorized)
	require.True(t, ok)
	assert.Equal(t, EventAuthorized, step.Event)

	_, ok = plan.Running(StateFailing)
	assert.False(t, ok)

	dot, err := plan.ExportToDot()
	require.NoError(t, err)
	assert.Contains(t, dot, "authorize")
	assert.Contains(t, dot, "Capture funds")
}

func noop(context.Context, StepContext) (any, error) { return nil, nil }

func TestPlanBuilderValidation(t *testing.T) {
	registry := NewStepRegistry().MustRegister(
		NewStep("reserve", noop),
		NewStep("charge", noop),
	)

	tests := []struct {
		name  string
		steps []PlanStep
		err   string
	}{
		{
			name:  "unregistered step",
			steps: []PlanStep{{Name: "ship", Running: "shipping", Done: "shipped"}},
			err:   "not found",
		},
		{
			name: "duplicate step",
			steps: []PlanStep{
				{Name: "reserve", Running: "reserving", Done: "reserved"},
				{Name: "reserve", Running: "reserving2", Done: StateSettled},
			},
			err: "already in plan",
		},
		{
			name:  "reserved state",
			steps: []PlanStep{{Name: "reserve", Running: StateFailing, Done: StateSettled}},
			err:   "cannot use state",
		},
		{
			name:  "terminal running state",
			steps: []PlanStep{{Name: "reserve", Running: StateSettled, Done: "reserved"}},
			err:   "terminal state",
		},
		{
			name: "shared state",
			steps: []PlanStep{
				{Name: "reserve", Running: "working", Done: "reserved"},
				{Name: "charge", Running: "working", Done: StateSettled},
			},
			err: "more than one step",
		},
		{
			name: "early terminal state",
			steps: []PlanStep{
				{Name: "reserve", Running: "reserving", Done: StateSettled},
				{Name: "charge", Running: "charging", Done: "charged"},
			},
			err: "only the last step",
		},
		{
			name: "empty plan",
			err:  "no steps",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewPlanBuilder("test", registry)
			var err error
			for _, s := range tt.steps {
				if err = b.Append(s); err != nil {
					break
				}
			}
			if err == nil {
				_, err = b.Build()
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestPlanBuilderCustomPlan(t *testing.T) {
	registry := NewStepRegistry().MustRegister(
		NewStep("reserve", noop),
		NewStep("charge", noop),
	)
	b := NewPlanBuilder("two-phase", registry)
	require.NoError(t, b.Append(PlanStep{Name: "reserve", Running: "reserving", Done: "reserved"}))
	require.NoError(t, b.Append(PlanStep{Name: "charge", Running: "charging", Done: StateSettled}))
	plan, err := b.Build()
	require.NoError(t, err)

	l := NewLifecycle(plan)
	next, err := l.Next(StateCreated, TriggerBegin)
	require.NoError(t, err)
	assert.Equal(t, LifecycleState("reserving"), next)
	next, err = l.Next("reserved", TriggerBegin)
	require.NoError(t, err)
	assert.Equal(t, LifecycleState("charging"), next)
}

func TestStepRegistry(t *testing.T) {
	r := NewStepRegistry()
	require.NoError(t, r.Register(NewCompensableStep("hold", noop, "release", noop)))
	assert.Error(t, r.Register(NewStep("hold", noop)))
	assert.Error(t, r.Register(StepDefinition{Name: "orphan", Forward: noop, Inverse: noop}))
	assert.Error(t, r.Register(StepDefinition{Name: "empty"}))

	def, err := r.Get("hold")
	require.NoError(t, err)
	assert.True(t, def.HasInverse())
	assert.Equal(t, "Step[hold, inverse=release]", def.String())

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
