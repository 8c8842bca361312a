package domain

import (
	"fmt"
	"slices"
	"time"
)

// ConditionOp is the boolean connective of a condition tree.
type ConditionOp string

const (
	OpAnd ConditionOp = "&"
	OpOr  ConditionOp = "|"
	OpNot ConditionOp = "!" // none of the conditions hold
)

// ConditionKind names an atomic autopromote predicate.
type ConditionKind string

const (
	CondEditCount      ConditionKind = "editcount"
	CondAge            ConditionKind = "age"
	CondEmailConfirmed ConditionKind = "emailconfirmed"
	CondNotBlocked     ConditionKind = "notblocked"
	CondIsBot          ConditionKind = "isbot"
	CondInGroups       ConditionKind = "ingroups"
)

// Condition is either an atomic predicate (Kind set) or a nested tree (Tree set).
type Condition struct {
	Kind   ConditionKind  `json:"kind,omitempty"`
	Value  int64          `json:"value,omitempty"`
	Groups []string       `json:"groups,omitempty"`
	Tree   *ConditionTree `json:"tree,omitempty"`
}

// ConditionTree is the autopromote rule of a group.
type ConditionTree struct {
	Op         ConditionOp `json:"op"`
	Once       bool        `json:"once,omitempty"`
	Conditions []Condition `json:"conditions"`
}

// UserFacts is the user state an autopromote rule is evaluated against.
type UserFacts struct {
	EditCount      int64
	Age            time.Duration
	EmailConfirmed bool
	Blocked        bool
	Bot            bool
	Groups         []string
}

// Validate checks the tree shape and atom arguments.
func (t ConditionTree) Validate() error {
	switch t.Op {
	case OpAnd, OpOr, OpNot:
	default:
		return &ValidationError{Field: "autopromote", Kind: ValidationMalformed, Detail: fmt.Sprintf("unknown operator %q", t.Op)}
	}
	if len(t.Conditions) == 0 {
		return &ValidationError{Field: "autopromote", Kind: ValidationMalformed, Detail: "no conditions"}
	}
	for _, c := range t.Conditions {
		if err := c.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c Condition) validate() error {
	if c.Tree != nil {
		if c.Kind != "" {
			return &ValidationError{Field: "autopromote", Kind: ValidationMalformed, Detail: "condition is both atom and tree"}
		}
		return c.Tree.Validate()
	}
	switch c.Kind {
	case CondEditCount, CondAge:
		if c.Value < 0 {
			return &ValidationError{Field: "autopromote." + string(c.Kind), Kind: ValidationOutOfRange, Detail: "must not be negative"}
		}
	case CondEmailConfirmed, CondNotBlocked, CondIsBot:
	case CondInGroups:
		if len(c.Groups) == 0 {
			return &ValidationError{Field: "autopromote.ingroups", Kind: ValidationBlank}
		}
	default:
		return &ValidationError{Field: "autopromote", Kind: ValidationMalformed, Detail: fmt.Sprintf("unknown condition %q", c.Kind)}
	}
	return nil
}

// Evaluate reports whether u satisfies the tree.
func (t ConditionTree) Evaluate(u UserFacts) bool {
	switch t.Op {
	case OpAnd:
		for _, c := range t.Conditions {
			if !c.evaluate(u) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range t.Conditions {
			if c.evaluate(u) {
				return true
			}
		}
		return false
	case OpNot:
		for _, c := range t.Conditions {
			if c.evaluate(u) {
				return false
			}
		}
		return true
	}
	return false
}

func (c Condition) evaluate(u UserFacts) bool {
	if c.Tree != nil {
		return c.Tree.Evaluate(u)
	}
	switch c.Kind {
	case CondEditCount:
		return u.EditCount >= c.Value
	case CondAge:
		return u.Age >= time.Duration(c.Value)*time.Second
	case CondEmailConfirmed:
		return u.EmailConfirmed
	case CondNotBlocked:
		return !u.Blocked
	case CondIsBot:
		return u.Bot
	case CondInGroups:
		for _, g := range c.Groups {
			if !slices.Contains(u.Groups, g) {
				return false
			}
		}
		return true
	}
	return false
}

// Clone returns a deep copy of t.
func (t ConditionTree) Clone() ConditionTree {
	out := t
	out.Conditions = make([]Condition, len(t.Conditions))
	for i, c := range t.Conditions {
		cc := c
		cc.Groups = slices.Clone(c.Groups)
		if c.Tree != nil {
			sub := c.Tree.Clone()
			cc.Tree = &sub
		}
		out.Conditions[i] = cc
	}
	return out
}
