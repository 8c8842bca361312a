package domain

// ExtensionState is the per-tenant state of a single extension.
type ExtensionState string

const (
	ExtensionDisabled ExtensionState = "disabled"
	ExtensionEnabled  ExtensionState = "enabled"
)

// ExtensionEvent toggles an extension between its states.
type ExtensionEvent string

const (
	EventEnable  ExtensionEvent = "enable"
	EventDisable ExtensionEvent = "disable"
)

// Transition defines a valid state change: an event moves an extension from Src to Dst.
type Transition struct {
	Event ExtensionEvent
	Src   ExtensionState
	Dst   ExtensionState
}

// ExtensionTransitions defines every valid extension toggle.
// This is domain knowledge consumed by the FSM adapter.
var ExtensionTransitions = []Transition{
	{Event: EventEnable, Src: ExtensionDisabled, Dst: ExtensionEnabled},
	{Event: EventDisable, Src: ExtensionEnabled, Dst: ExtensionDisabled},
}

// StateOf returns the state of name given the enabled set.
func StateOf(enabled map[string]bool, name string) ExtensionState {
	if enabled[name] {
		return ExtensionEnabled
	}
	return ExtensionDisabled
}
