package requirements

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/neomorfeo/farmconf/internal/domain"
)

// State is the tenant and principal context requirements are evaluated against.
type State struct {
	// Principal answers right checks. A nil principal holds no rights.
	Principal domain.Authorizer
	// PreAuthorized skips right checks, e.g. for install actions.
	PreAuthorized bool
	// AlreadyEnabled marks an item that stays enabled. Its rights and
	// extension requirements are not rechecked, so toggling a sibling never
	// disables it; counts and settings still apply.
	AlreadyEnabled bool
	// Extensions is the live enabled set.
	Extensions []string
	// Settings is the live setting map.
	Settings map[string]any
	Stats    domain.SiteStats
}

// Outcome lists every unmet requirement, sorted by kind in evaluation order.
type Outcome struct {
	Missing []string
}

// Satisfied reports whether nothing is missing.
func (o Outcome) Satisfied() bool {
	return len(o.Missing) == 0
}

// Evaluate checks every present requirement kind; absent kinds always pass.
func Evaluate(ctx context.Context, req domain.Requirements, st State) Outcome {
	var missing []string

	if !st.PreAuthorized && !st.AlreadyEnabled {
		for _, right := range req.Permissions {
			if st.Principal == nil || !st.Principal.HasRight(ctx, right) {
				missing = append(missing, "permission:"+right)
			}
		}
	}

	if !st.AlreadyEnabled {
		for _, alternatives := range req.Extensions {
			if !anyEnabled(alternatives, st.Extensions) {
				missing = append(missing, "extension:"+strings.Join(alternatives, "|"))
			}
		}
	}

	if req.Articles != "" {
		if m := checkCount("articles", req.Articles, st.Stats.Articles); m != "" {
			missing = append(missing, m)
		}
	}
	if req.Pages != "" {
		if m := checkCount("pages", req.Pages, st.Stats.Pages); m != "" {
			missing = append(missing, m)
		}
	}

	keys := make([]string, 0, len(req.Settings))
	for k := range req.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !domain.ValuesEqual(st.Settings[k], req.Settings[k]) {
			missing = append(missing, "setting:"+k)
		}
	}

	return Outcome{Missing: missing}
}

// Validate reports requirement declarations that can never be evaluated,
// such as an unparsable comparator.
func Validate(req domain.Requirements) error {
	for kind, expr := range map[string]string{"articles": req.Articles, "pages": req.Pages} {
		if expr == "" {
			continue
		}
		if _, err := ParseComparator(expr); err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
	}
	for _, alternatives := range req.Extensions {
		if len(alternatives) == 0 {
			return errors.New("extensions: empty alternative list")
		}
	}
	return nil
}

func anyEnabled(alternatives, enabled []string) bool {
	for _, name := range alternatives {
		if slices.Contains(enabled, name) {
			return true
		}
	}
	return false
}

func checkCount(kind, expr string, n int64) string {
	c, err := ParseComparator(expr)
	if err != nil {
		return kind + ":invalid"
	}
	if !c.Match(n) {
		return kind + c.String()
	}
	return ""
}
