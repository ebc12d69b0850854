package payflow

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"
)

// LifecycleState is the state of a Transaction.
type LifecycleState string

const (
	StateCreated        LifecycleState = "created"
	StateAuthorizing    LifecycleState = "authorizing"
	StateAuthorized     LifecycleState = "authorized"
	StateCapturing      LifecycleState = "capturing"
	StateSettled        LifecycleState = "settled"
	StateFailing        LifecycleState = "failing"
	StateCompensating   LifecycleState = "compensating"
	StateCompensated    LifecycleState = "compensated"
	StateFailedTerminal LifecycleState = "failed_terminal"
	StateCancelled      LifecycleState = "cancelled"
)

// Terminal reports whether no further automatic progress is made from s.
func (s LifecycleState) Terminal() bool {
	switch s {
	case StateSettled, StateCompensated, StateFailedTerminal, StateCancelled:
		return true
	}
	return false
}

// Trigger fires a lifecycle transition.
type Trigger string

const (
	TriggerBegin      Trigger = "begin"
	TriggerSucceed    Trigger = "succeed"
	TriggerFail       Trigger = "fail"
	TriggerCancel     Trigger = "cancel"
	TriggerCompensate Trigger = "compensate"
	TriggerResolve    Trigger = "resolve"
	TriggerAbandon    Trigger = "abandon"
	TriggerRedrive    Trigger = "redrive"
)

// Lifecycle is the transition table of a plan: created, then each step's
// running and done states, with failing/compensating branches.
type Lifecycle struct {
	plan *Plan
}

// NewLifecycle derives the transition table from plan.
func NewLifecycle(plan *Plan) *Lifecycle {
	return &Lifecycle{plan: plan}
}

func (l *Lifecycle) machine(from LifecycleState) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)
	steps := l.plan.Steps()

	sm.Configure(StateCreated).
		Permit(TriggerBegin, steps[0].Running).
		Permit(TriggerCancel, StateCancelled)

	for i, step := range steps {
		sm.Configure(step.Running).
			Permit(TriggerSucceed, step.Done).
			Permit(TriggerFail, StateFailing)
		if i+1 < len(steps) {
			sm.Configure(step.Done).
				Permit(TriggerBegin, steps[i+1].Running).
				Permit(TriggerFail, StateFailing)
		}
	}

	sm.Configure(StateFailing).
		Permit(TriggerCompensate, StateCompensating)
	sm.Configure(StateCompensating).
		Permit(TriggerResolve, StateCompensated).
		Permit(TriggerAbandon, StateFailedTerminal)
	sm.Configure(StateFailedTerminal).
		Permit(TriggerRedrive, StateCompensating)
	return sm
}

// Next returns the state reached by firing trigger in from.
func (l *Lifecycle) Next(from LifecycleState, trigger Trigger) (LifecycleState, error) {
	sm := l.machine(from)
	if err := sm.FireCtx(context.Background(), trigger); err != nil {
		return "", fmt.Errorf("%w: %s on %s: %v", ErrIllegalTransition, trigger, from, err)
	}
	return sm.MustState().(LifecycleState), nil
}

// Permitted lists the triggers accepted in state s.
func (l *Lifecycle) Permitted(s LifecycleState) []Trigger {
	triggers, err := l.machine(s).PermittedTriggers()
	if err != nil {
		return nil
	}
	out := make([]Trigger, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, t.(Trigger))
	}
	return out
}

// Graph renders the lifecycle in DOT format.
func (l *Lifecycle) Graph() string {
	return l.machine(StateCreated).ToGraph()
}
