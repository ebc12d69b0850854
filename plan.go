package payflow

import (
	"errors"
	"fmt"

	"github.com/fortressi/payflow/dag"
	"github.com/fortressi/payflow/set"
)

// PlanStep binds a registered step to the lifecycle states it runs in.
type PlanStep struct {
	Name    StepName
	Label   string
	Running LifecycleState
	Done    LifecycleState
	// Event is emitted once Done is committed. Empty means no event.
	Event EventType
}

// Plan is the ordered list of forward steps a transaction goes through.
type Plan struct {
	Name  string
	graph *dag.Graph
	steps []PlanStep
}

// Steps returns the plan steps in execution order.
func (p *Plan) Steps() []PlanStep {
	return append([]PlanStep(nil), p.steps...)
}

// Running returns the step that runs in state s.
func (p *Plan) Running(s LifecycleState) (PlanStep, bool) {
	for _, step := range p.steps {
		if step.Running == s {
			return step, true
		}
	}
	return PlanStep{}, false
}

// Completed returns the step whose success leads to state s.
func (p *Plan) Completed(s LifecycleState) (PlanStep, bool) {
	for _, step := range p.steps {
		if step.Done == s {
			return step, true
		}
	}
	return PlanStep{}, false
}

// Final is the state reached when every step succeeded.
func (p *Plan) Final() LifecycleState {
	return p.steps[len(p.steps)-1].Done
}

// ExportToDot renders the plan as a Graphviz graph.
func (p *Plan) ExportToDot() (string, error) {
	return p.graph.ExportToDot()
}

// reservedStates belong to the engine, not to plan steps.
var reservedStates = map[LifecycleState]bool{
	StateCreated:        true,
	StateFailing:        true,
	StateCompensating:   true,
	StateCompensated:    true,
	StateFailedTerminal: true,
	StateCancelled:      true,
}

// PlanBuilder builds a Plan by appending steps sequentially.
type PlanBuilder struct {
	name      string
	graph     *dag.Graph
	steps     map[StepName]PlanStep
	stepNames *set.Set[StepName]
	states    *set.Set[LifecycleState]
	last      StepName
	registry  *StepRegistry
}

// NewPlanBuilder creates a builder. Steps are resolved against registry.
func NewPlanBuilder(name string, registry *StepRegistry) *PlanBuilder {
	return &PlanBuilder{
		name:      name,
		graph:     dag.New(name),
		steps:     make(map[StepName]PlanStep),
		stepNames: &set.Set[StepName]{},
		states:    &set.Set[LifecycleState]{},
		registry:  registry,
	}
}

// Append adds a step that depends on the previously appended one.
func (b *PlanBuilder) Append(step PlanStep) error {
	if _, err := b.registry.Get(step.Name); err != nil {
		return fmt.Errorf("plan step: %w", err)
	}
	if step.Running.Terminal() {
		return fmt.Errorf("step '%s' cannot run in terminal state '%s'", step.Name, step.Running)
	}
	if !b.stepNames.Insert(step.Name) {
		return fmt.Errorf("step '%s' already in plan", step.Name)
	}
	for _, s := range []LifecycleState{step.Running, step.Done} {
		if s == "" || reservedStates[s] {
			return fmt.Errorf("step '%s' cannot use state '%s'", step.Name, s)
		}
		if !b.states.Insert(s) {
			return fmt.Errorf("state '%s' used by more than one step", s)
		}
	}
	if _, err := b.graph.AddNamed(string(step.Name), step.Label); err != nil {
		return err
	}
	if b.last != "" {
		if err := b.graph.Connect(string(b.last), string(step.Name)); err != nil {
			return err
		}
	}
	b.steps[step.Name] = step
	b.last = step.Name
	return nil
}

// Build validates the plan and returns it.
func (b *PlanBuilder) Build() (*Plan, error) {
	if b.stepNames.Len() == 0 {
		return nil, errors.New("plan has no steps")
	}
	order, err := b.graph.Order()
	if err != nil {
		return nil, err
	}
	plan := &Plan{Name: b.name, graph: b.graph}
	for _, name := range order {
		plan.steps = append(plan.steps, b.steps[StepName(name)])
	}
	for i, step := range plan.steps {
		last := i == len(plan.steps)-1
		if step.Done.Terminal() != last {
			return nil, fmt.Errorf("step '%s' done state '%s': only the last step finishes in a terminal state", step.Name, step.Done)
		}
	}
	return plan, nil
}

const (
	StepAuthorize StepName = "authorize"
	StepCapture   StepName = "capture"
	StepVoid      StepName = "void"
)

// PaymentPlan is authorize then capture.
func PaymentPlan(registry *StepRegistry) (*Plan, error) {
	b := NewPlanBuilder("payment", registry)
	if err := b.Append(PlanStep{Name: StepAuthorize, Label: "Authorize funds", Running: StateAuthorizing, Done: StateAuthorized, Event: EventAuthorized}); err != nil {
		return nil, err
	}
	if err := b.Append(PlanStep{Name: StepCapture, Label: "Capture funds", Running: StateCapturing, Done: StateSettled, Event: EventCaptured}); err != nil {
		return nil, err
	}
	return b.Build()
}
