// Package coerce maps abstract setting type tags to the strategy that turns a
// raw external value into a validated, canonical typed value.
//
// Canonical Go types per tag family:
//
//	check                         bool
//	integer, namespace            int64
//	float                         float64
//	text, url, language, ...      string
//	list-multi, usergroups, ...   []string
//	integers, namespaces          []int64
//	list-multi-bool               map[string]bool
//	matrix                        map[string][]string
package coerce

import (
	"fmt"

	"github.com/neomorfeo/farmconf/internal/domain"
)

// Type tags understood by the default registry.
const (
	TypeCheck         domain.SettingType = "check"
	TypeInteger       domain.SettingType = "integer"
	TypeFloat         domain.SettingType = "float"
	TypeText          domain.SettingType = "text"
	TypeURL           domain.SettingType = "url"
	TypeLanguage      domain.SettingType = "language"
	TypeTimezone      domain.SettingType = "timezone"
	TypeList          domain.SettingType = "list"
	TypeListMulti     domain.SettingType = "list-multi"
	TypeListMultiBool domain.SettingType = "list-multi-bool"
	TypeSkin          domain.SettingType = "skin"
	TypeSkins         domain.SettingType = "skins"
	TypeIntegers      domain.SettingType = "integers"
	TypeTexts         domain.SettingType = "texts"
	TypeMatrix        domain.SettingType = "matrix"
	TypeNamespace     domain.SettingType = "namespace"
	TypeNamespaces    domain.SettingType = "namespaces"
	TypeUserGroup     domain.SettingType = "usergroup"
	TypeUserGroups    domain.SettingType = "usergroups"
	TypeUserRights    domain.SettingType = "userrights"
	TypeUser          domain.SettingType = "user"
	TypeUsers         domain.SettingType = "users"
	TypeWikiPage      domain.SettingType = "wikipage"
	TypeWikiPages     domain.SettingType = "wikipages"
)

// Strategy validates and normalizes a raw value for one type tag.
// A nil raw value must yield the type's zero value.
type Strategy interface {
	Coerce(raw any, opts domain.TypeOptions) (any, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(raw any, opts domain.TypeOptions) (any, error)

// Coerce calls f.
func (f StrategyFunc) Coerce(raw any, opts domain.TypeOptions) (any, error) {
	return f(raw, opts)
}

// Registry resolves type tags to strategies. Build it once at startup; it is
// safe for concurrent reads afterwards.
type Registry struct {
	strategies map[domain.SettingType]Strategy
}

// NewRegistry returns a registry with every built-in type tag registered.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[domain.SettingType]Strategy)}

	r.Register(TypeCheck, StrategyFunc(coerceCheck))
	r.Register(TypeInteger, StrategyFunc(coerceInteger))
	r.Register(TypeNamespace, StrategyFunc(coerceInteger))
	r.Register(TypeFloat, StrategyFunc(coerceFloat))
	r.Register(TypeText, StrategyFunc(coerceText))
	r.Register(TypeUser, StrategyFunc(coerceName))
	r.Register(TypeUserGroup, StrategyFunc(coerceName))
	r.Register(TypeWikiPage, StrategyFunc(coerceName))
	r.Register(TypeURL, StrategyFunc(coerceURL))
	r.Register(TypeLanguage, StrategyFunc(coerceLanguage))
	r.Register(TypeTimezone, StrategyFunc(coerceTimezone))
	r.Register(TypeList, StrategyFunc(coerceList))
	r.Register(TypeSkin, StrategyFunc(coerceList))
	r.Register(TypeListMulti, StrategyFunc(coerceListMulti))
	r.Register(TypeSkins, StrategyFunc(coerceListMulti))
	r.Register(TypeListMultiBool, StrategyFunc(coerceListMultiBool))
	r.Register(TypeIntegers, StrategyFunc(coerceIntegers))
	r.Register(TypeNamespaces, StrategyFunc(coerceIntegerSet))
	r.Register(TypeTexts, StrategyFunc(coerceTexts))
	r.Register(TypeUserGroups, StrategyFunc(coerceNames))
	r.Register(TypeUserRights, StrategyFunc(coerceNames))
	r.Register(TypeUsers, StrategyFunc(coerceNames))
	r.Register(TypeWikiPages, StrategyFunc(coerceNames))
	r.Register(TypeMatrix, StrategyFunc(coerceMatrix))

	return r
}

// Register binds tag to s, replacing any previous strategy.
func (r *Registry) Register(tag domain.SettingType, s Strategy) {
	r.strategies[tag] = s
}

// Has reports whether tag is known.
func (r *Registry) Has(tag domain.SettingType) bool {
	_, ok := r.strategies[tag]
	return ok
}

// Coerce turns raw into the canonical value for tag. An absent (nil) raw
// value yields the declared default, itself coerced.
func (r *Registry) Coerce(tag domain.SettingType, raw any, opts domain.TypeOptions) (any, error) {
	s, ok := r.strategies[tag]
	if !ok {
		return nil, &domain.ValidationError{Field: "type", Kind: domain.ValidationUnknownType, Detail: string(tag)}
	}
	if raw == nil {
		raw = opts.Default
	}
	return s.Coerce(raw, opts)
}

// CoerceSetting coerces raw for spec, naming the setting in any ValidationError.
func (r *Registry) CoerceSetting(spec domain.SettingSpec, raw any) (any, error) {
	v, err := r.Coerce(spec.Type, raw, spec.Options)
	if err != nil {
		return nil, withField(err, spec.Name)
	}
	return v, nil
}

func withField(err error, field string) error {
	if ve, ok := err.(*domain.ValidationError); ok {
		out := *ve
		if out.Field == "" || out.Field == "type" {
			out.Field = field
		} else {
			out.Field = field + "." + out.Field
		}
		return &out
	}
	return fmt.Errorf("%s: %w", field, err)
}

func invalid(kind domain.ValidationKind, format string, args ...any) error {
	return &domain.ValidationError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
