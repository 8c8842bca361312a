package fsm_test

import (
	"context"
	"errors"
	"testing"

	adapter "github.com/neomorfeo/farmconf/internal/adapter/fsm"
	"github.com/neomorfeo/farmconf/internal/domain"
)

func TestValidator_AllTransitions(t *testing.T) {
	v := adapter.New()
	ctx := context.Background()

	for _, tr := range domain.ExtensionTransitions {
		dst, err := v.Apply(ctx, tr.Src, tr.Event)
		if err != nil {
			t.Errorf("Apply(%q, %q) unexpected error: %v", tr.Src, tr.Event, err)
			continue
		}
		if dst != tr.Dst {
			t.Errorf("Apply(%q, %q) = %q, want %q", tr.Src, tr.Event, dst, tr.Dst)
		}
	}
}

func TestValidator_RepeatedToggle(t *testing.T) {
	v := adapter.New()
	ctx := context.Background()

	cases := []struct {
		current domain.ExtensionState
		event   domain.ExtensionEvent
	}{
		{domain.ExtensionEnabled, domain.EventEnable},
		{domain.ExtensionDisabled, domain.EventDisable},
	}
	for _, c := range cases {
		_, err := v.Apply(ctx, c.current, c.event)
		var trErr *domain.TransitionError
		if !errors.As(err, &trErr) {
			t.Fatalf("Apply(%q, %q): expected TransitionError, got %v", c.current, c.event, err)
		}
		if trErr.Event != c.event || trErr.Current != c.current {
			t.Errorf("TransitionError = %+v", trErr)
		}
	}
}

func TestValidator_UnknownEvent(t *testing.T) {
	v := adapter.New()

	_, err := v.Apply(context.Background(), domain.ExtensionDisabled, domain.ExtensionEvent("purge"))
	var trErr *domain.TransitionError
	if !errors.As(err, &trErr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

func TestValidator_RoundTrip(t *testing.T) {
	v := adapter.New()
	ctx := context.Background()

	state := domain.ExtensionDisabled
	for _, event := range []domain.ExtensionEvent{domain.EventEnable, domain.EventDisable, domain.EventEnable} {
		next, err := v.Apply(ctx, state, event)
		if err != nil {
			t.Fatalf("Apply(%q, %q) error: %v", state, event, err)
		}
		state = next
	}
	if state != domain.ExtensionEnabled {
		t.Errorf("state = %q, want %q", state, domain.ExtensionEnabled)
	}
}
