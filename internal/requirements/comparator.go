// Package requirements evaluates the declarative preconditions the catalog
// attaches to extensions, settings, and additional namespace fields.
package requirements

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Op is a comparison operator of a count comparator.
type Op string

const (
	OpLess         Op = "<"
	OpLessEqual    Op = "<="
	OpGreater      Op = ">"
	OpGreaterEqual Op = ">="
	OpEqual        Op = "=="
)

// operators is ordered so two-character operators are tried first.
var operators = []Op{OpLessEqual, OpGreaterEqual, OpEqual, OpLess, OpGreater}

// Comparator is a parsed "<op><int>" expression such as ">= 100".
type Comparator struct {
	Op    Op
	Value int64
}

// ParseComparator parses expr. A bare integer means "at most", matching the
// legacy catalog shorthand where "articles: 250000" caps the wiki size.
func ParseComparator(expr string) (Comparator, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return Comparator{}, errors.New("empty comparator")
	}

	op := OpLessEqual
	for _, candidate := range operators {
		if strings.HasPrefix(s, string(candidate)) {
			op = candidate
			s = strings.TrimSpace(s[len(candidate):])
			break
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Comparator{}, fmt.Errorf("comparator %q: operand is not an integer", expr)
	}
	return Comparator{Op: op, Value: n}, nil
}

// Match reports whether n satisfies the comparator.
func (c Comparator) Match(n int64) bool {
	switch c.Op {
	case OpLess:
		return n < c.Value
	case OpLessEqual:
		return n <= c.Value
	case OpGreater:
		return n > c.Value
	case OpGreaterEqual:
		return n >= c.Value
	case OpEqual:
		return n == c.Value
	}
	return false
}

func (c Comparator) String() string {
	return string(c.Op) + strconv.FormatInt(c.Value, 10)
}
