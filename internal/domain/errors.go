package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for simple conditions without extra context.
var (
	ErrNamespaceNotFound = errors.New("namespace not found")
	ErrGroupNotFound     = errors.New("permission group not found")
	ErrUnknownSetting    = errors.New("unknown setting")
)

// ValidationKind narrows down why a value or request was rejected.
type ValidationKind string

const (
	ValidationOutOfRange    ValidationKind = "out_of_range"
	ValidationMalformed     ValidationKind = "malformed"
	ValidationUnknownType   ValidationKind = "unknown_type"
	ValidationUnknownItem   ValidationKind = "unknown_item"
	ValidationInvalidOption ValidationKind = "invalid_option"
	ValidationNameConflict  ValidationKind = "name_conflict"
	ValidationBlank         ValidationKind = "blank"
	ValidationDisallowed    ValidationKind = "disallowed"
)

// ValidationError is returned before anything is staged: the whole request is rejected.
type ValidationError struct {
	Field  string
	Kind   ValidationKind
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Kind)
	}
	return fmt.Sprintf("invalid %s: %s: %s", e.Field, e.Kind, e.Detail)
}

// Is lets errors.Is match on kind, e.g. errors.Is(err, &ValidationError{Kind: ValidationOutOfRange}).
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	return (t.Kind == "" || t.Kind == e.Kind) && (t.Field == "" || t.Field == e.Field)
}

// ConflictError records an item discarded at commit because it conflicts with another enabled item.
type ConflictError struct {
	Item          string
	ConflictsWith string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%q conflicts with %q", e.Item, e.ConflictsWith)
}

// RequirementsError records an item discarded at commit because its requirements are not met.
type RequirementsError struct {
	Item    string
	Missing []string
}

func (e *RequirementsError) Error() string {
	if len(e.Missing) == 0 {
		return fmt.Sprintf("requirements for %q are not met", e.Item)
	}
	return fmt.Sprintf("requirements for %q are not met: %s", e.Item, strings.Join(e.Missing, ", "))
}

// InstallError records a failed install side effect. Side effects already
// applied by other items of the same commit are not rolled back.
type InstallError struct {
	Item string
	Err  error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("installing %q: %v", e.Item, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// NotRemovableError rejects a whole operation on a protected item
// (permanent group, core namespace).
type NotRemovableError struct {
	Kind string
	Name string
	Op   string
}

func (e *NotRemovableError) Error() string {
	return fmt.Sprintf("%s %q is protected and cannot be %s", e.Kind, e.Name, e.Op)
}

// NoChangesError signals a valid request whose resulting diff is empty.
type NoChangesError struct {
	Tenant string
	Module Module
}

func (e *NoChangesError) Error() string {
	return fmt.Sprintf("no %s changes for tenant %q", e.Module, e.Tenant)
}

// UncommittedChangesError is returned by Close when a module still holds staged changes.
type UncommittedChangesError struct {
	Tenant  string
	Module  Module
	Pending int
}

func (e *UncommittedChangesError) Error() string {
	return fmt.Sprintf("%d uncommitted %s change(s) for tenant %q", e.Pending, e.Module, e.Tenant)
}

// TransitionError is returned when an extension toggle is not allowed from its current state.
type TransitionError struct {
	Event   ExtensionEvent
	Current ExtensionState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %q is not valid from state %q", e.Event, e.Current)
}

// IsNoChanges reports whether err carries a NoChangesError.
func IsNoChanges(err error) bool {
	var nc *NoChangesError
	return errors.As(err, &nc)
}
