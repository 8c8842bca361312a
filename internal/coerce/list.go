package coerce

import (
	"slices"
	"strings"

	"github.com/neomorfeo/farmconf/internal/domain"
)

// clonerField is the key a cloner form row keeps its value under.
const clonerField = "value"

func toSlice(raw any) ([]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	case []int64:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out, nil
	case []int:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return []any{v}, nil
	}
	return nil, invalid(domain.ValidationMalformed, "%T is not a list", raw)
}

// unwrapCloner returns the value of a cloner row, or the element itself.
func unwrapCloner(el any) any {
	if row, ok := el.(map[string]any); ok {
		return row[clonerField]
	}
	return el
}

func toStrings(raw any) ([]string, error) {
	items, err := toSlice(raw)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(items))
	for _, el := range items {
		s, err := toString(unwrapCloner(el))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// coerceListMulti keeps the selected options in catalog option order.
func coerceListMulti(raw any, opts domain.TypeOptions) (any, error) {
	picked, err := toStrings(raw)
	if err != nil {
		return nil, err
	}
	for _, p := range picked {
		if len(opts.Options) > 0 && !slices.Contains(opts.Options, p) {
			return nil, invalid(domain.ValidationInvalidOption, "%q", p)
		}
	}
	if len(opts.Options) == 0 {
		return dedupe(picked), nil
	}
	out := make([]string, 0, len(picked))
	for _, o := range opts.Options {
		if slices.Contains(picked, o) {
			out = append(out, o)
		}
	}
	return out, nil
}

// coerceListMultiBool yields an entry for every option, true when selected.
func coerceListMultiBool(raw any, opts domain.TypeOptions) (any, error) {
	selected := make(map[string]bool)
	switch v := raw.(type) {
	case map[string]bool:
		for k, b := range v {
			selected[k] = b
		}
	case map[string]any:
		for k, b := range v {
			on, err := coerceCheck(b, domain.TypeOptions{})
			if err != nil {
				return nil, withField(err, k)
			}
			selected[k] = on.(bool)
		}
	default:
		picked, err := toStrings(raw)
		if err != nil {
			return nil, err
		}
		for _, p := range picked {
			selected[p] = true
		}
	}

	out := make(map[string]bool, len(opts.Options))
	for _, o := range opts.Options {
		out[o] = false
	}
	for k, on := range selected {
		if _, ok := out[k]; !ok && len(opts.Options) > 0 {
			return nil, invalid(domain.ValidationInvalidOption, "%q", k)
		}
		out[k] = on
	}
	return out, nil
}

// coerceTexts reads cloner rows, dropping blank ones.
func coerceTexts(raw any, _ domain.TypeOptions) (any, error) {
	all, err := toStrings(raw)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for _, s := range all {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func coerceIntegers(raw any, opts domain.TypeOptions) (any, error) {
	items, err := toSlice(raw)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(items))
	for _, el := range items {
		el = unwrapCloner(el)
		if isBlank(el) {
			continue
		}
		n, err := toInt(el)
		if err != nil {
			return nil, err
		}
		if err := checkRange(float64(n), opts); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// coerceIntegerSet is coerceIntegers, deduplicated and sorted.
func coerceIntegerSet(raw any, opts domain.TypeOptions) (any, error) {
	v, err := coerceIntegers(raw, opts)
	if err != nil {
		return nil, err
	}
	ids := v.([]int64)
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// coerceNames trims names, drops blanks, and deduplicates preserving order.
func coerceNames(raw any, opts domain.TypeOptions) (any, error) {
	all, err := toStrings(raw)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for _, s := range all {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if len(opts.Options) > 0 && !slices.Contains(opts.Options, s) {
			return nil, invalid(domain.ValidationInvalidOption, "%q", s)
		}
		out = append(out, s)
	}
	return dedupe(out), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
