package fsm

import (
	"context"
	"fmt"

	loopfsm "github.com/looplab/fsm"

	"github.com/neomorfeo/farmconf/internal/domain"
)

var _ domain.TransitionValidator = (*Validator)(nil)

// Validator checks extension toggles against domain.ExtensionTransitions.
// Each transition becomes its own looplab/fsm event; the library keys
// transitions by event and source, so enable and disable never collide.
type Validator struct {
	events loopfsm.Events
}

// New builds the toggle table once. Machines are created per call since
// looplab/fsm keeps the current state inside the machine.
func New() *Validator {
	events := make(loopfsm.Events, 0, len(domain.ExtensionTransitions))
	for _, t := range domain.ExtensionTransitions {
		events = append(events, loopfsm.EventDesc{
			Name: string(t.Event),
			Src:  []string{string(t.Src)},
			Dst:  string(t.Dst),
		})
	}
	return &Validator{events: events}
}

// Apply returns the state an extension reaches when event fires from
// current. Toggles that are not in the table, such as enabling an enabled
// extension, yield a *domain.TransitionError.
func (v *Validator) Apply(ctx context.Context, current domain.ExtensionState, event domain.ExtensionEvent) (domain.ExtensionState, error) {
	machine := loopfsm.NewFSM(string(current), v.events, nil)
	if !machine.Can(string(event)) {
		return "", &domain.TransitionError{Event: event, Current: current}
	}
	if err := machine.Event(ctx, string(event)); err != nil {
		return "", fmt.Errorf("%s from %s: %w", event, current, err)
	}
	return domain.ExtensionState(machine.Current()), nil
}
