package coerce

import (
	"slices"
	"strings"

	"github.com/neomorfeo/farmconf/internal/domain"
)

// CellSeparator joins the column and row of a flat matrix cell, "col-row".
const CellSeparator = "-"

// FromMatrix flattens m into "col-row" cells, columns sorted and rows in
// their stored order.
func FromMatrix(m map[string][]string) []string {
	cols := make([]string, 0, len(m))
	for c := range m {
		cols = append(cols, c)
	}
	slices.Sort(cols)

	var cells []string
	for _, c := range cols {
		for _, r := range m[c] {
			cells = append(cells, c+CellSeparator+r)
		}
	}
	return cells
}

// ToMatrix rebuilds a matrix from "col-row" cells. Every column in cols is
// present in the result, empty or not. Column and row names may both contain
// the separator, so each cell must split into exactly one known column and,
// when rows is non-empty, a known row. Layouts that ValidateLayout rejects
// are rejected here too, since their cells cannot be split reliably.
func ToMatrix(cells, cols, rows []string) (map[string][]string, error) {
	if err := ValidateLayout(cols, rows); err != nil {
		return nil, err
	}
	m := make(map[string][]string, len(cols))
	for _, c := range cols {
		m[c] = []string{}
	}
	for _, cell := range cells {
		col, row, err := splitCell(cell, cols, rows)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(m[col], row) {
			m[col] = append(m[col], row)
		}
	}
	return m, nil
}

// ValidateLayout rejects column and row sets whose flattened cells could be
// read back two ways: a column that extends another column by the separator
// while some row can absorb the difference, e.g. columns "a" and "a-b" with
// rows "b-c" and "c". Without declared rows any such column pair is rejected.
func ValidateLayout(cols, rows []string) error {
	for _, short := range cols {
		for _, long := range cols {
			suffix, ok := strings.CutPrefix(long, short+CellSeparator)
			if !ok {
				continue
			}
			if len(rows) == 0 {
				return invalid(domain.ValidationMalformed, "columns %q and %q are ambiguous without declared rows", short, long)
			}
			for _, r := range rows {
				rest, ok := strings.CutPrefix(r, suffix+CellSeparator)
				if ok && slices.Contains(rows, rest) {
					return invalid(domain.ValidationMalformed, "cell %q is ambiguous between columns %q and %q", short+CellSeparator+r, short, long)
				}
			}
		}
	}
	return nil
}

func splitCell(cell string, cols, rows []string) (col, row string, err error) {
	if len(cols) == 0 {
		col, row, ok := strings.Cut(cell, CellSeparator)
		if !ok {
			return "", "", invalid(domain.ValidationMalformed, "cell %q has no separator", cell)
		}
		return col, row, nil
	}
	found := 0
	for _, c := range cols {
		r, ok := strings.CutPrefix(cell, c+CellSeparator)
		if !ok || (len(rows) > 0 && !slices.Contains(rows, r)) {
			continue
		}
		col, row = c, r
		found++
	}
	switch found {
	case 0:
		return "", "", invalid(domain.ValidationMalformed, "cell %q does not name a known column", cell)
	case 1:
		return col, row, nil
	}
	return "", "", invalid(domain.ValidationMalformed, "cell %q matches several columns", cell)
}

func coerceMatrix(raw any, opts domain.TypeOptions) (any, error) {
	var m map[string][]string
	switch v := raw.(type) {
	case nil:
		m = make(map[string][]string)
	case map[string][]string:
		m = make(map[string][]string, len(v))
		for c, rows := range v {
			m[c] = slices.Clone(rows)
		}
	case map[string]any:
		m = make(map[string][]string, len(v))
		for c, rows := range v {
			rs, err := toStrings(rows)
			if err != nil {
				return nil, withField(err, c)
			}
			m[c] = rs
		}
	default:
		cells, err := toStrings(raw)
		if err != nil {
			return nil, err
		}
		m, err = ToMatrix(cells, opts.Cols, opts.Rows)
		if err != nil {
			return nil, err
		}
	}

	out := make(map[string][]string, len(m)+len(opts.Cols))
	for _, c := range opts.Cols {
		out[c] = []string{}
	}
	for c, rows := range m {
		if len(opts.Cols) > 0 && !slices.Contains(opts.Cols, c) {
			return nil, invalid(domain.ValidationInvalidOption, "column %q", c)
		}
		for _, r := range rows {
			if len(opts.Rows) > 0 && !slices.Contains(opts.Rows, r) {
				return nil, invalid(domain.ValidationInvalidOption, "row %q", r)
			}
		}
		out[c] = dedupe(rows)
	}
	return out, nil
}
