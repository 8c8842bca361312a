// Package catalog loads the static, read-only configuration catalog every
// module is validated against: the extension and setting registries, the
// additional namespace fields, the default namespaces, and the permission
// policy.
package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/neomorfeo/farmconf/internal/coerce"
	"github.com/neomorfeo/farmconf/internal/domain"
	"github.com/neomorfeo/farmconf/internal/requirements"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("comparator", validateComparator)
}

func validateComparator(fl validator.FieldLevel) bool {
	_, err := requirements.ParseComparator(fl.Field().String())
	return err == nil
}

// Default returns the embedded catalog.
func Default(reg *coerce.Registry) (*domain.Catalog, error) {
	return Load(bytes.NewReader(defaultCatalogYAML), reg)
}

// LoadFile reads a catalog from path.
func LoadFile(path string, reg *coerce.Registry) (*domain.Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	defer f.Close()
	return Load(f, reg)
}

// Load decodes and validates a catalog document. Setting defaults are
// coerced through reg so the catalog only ever holds canonical values.
func Load(r io.Reader, reg *coerce.Registry) (*domain.Catalog, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}
	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("validating catalog: %w", err)
	}

	c := &domain.Catalog{
		Extensions:      make(map[string]domain.ExtensionSpec, len(doc.Extensions)),
		Settings:        make(map[string]domain.SettingSpec, len(doc.Settings)),
		NamespaceFields: make(map[string]domain.SettingSpec, len(doc.NamespaceFields)),
		RestrictedRight: doc.RestrictedRight,
		Permissions: domain.PermissionPolicy{
			PermanentGroups:  doc.Permissions.PermanentGroups,
			DisallowedGroups: doc.Permissions.DisallowedGroups,
			DisallowedRights: doc.Permissions.DisallowedRights,
		},
	}

	for _, e := range doc.Extensions {
		if _, dup := c.Extensions[e.Name]; dup {
			return nil, fmt.Errorf("extension %q: declared twice", e.Name)
		}
		c.Extensions[e.Name] = e.toDomain()
	}

	for _, s := range doc.Settings {
		spec, err := loadSetting(s, reg)
		if err != nil {
			return nil, err
		}
		if _, dup := c.Settings[spec.Name]; dup {
			return nil, fmt.Errorf("setting %q: declared twice", spec.Name)
		}
		c.Settings[spec.Name] = spec
	}

	for _, s := range doc.NamespaceFields {
		spec, err := loadSetting(s, reg)
		if err != nil {
			return nil, err
		}
		if _, dup := c.NamespaceFields[spec.Name]; dup {
			return nil, fmt.Errorf("namespace field %q: declared twice", spec.Name)
		}
		c.NamespaceFields[spec.Name] = spec
	}

	seen := make(map[int]bool, len(doc.Namespaces))
	for _, n := range doc.Namespaces {
		if seen[n.ID] {
			return nil, fmt.Errorf("namespace %d: declared twice", n.ID)
		}
		seen[n.ID] = true
		c.DefaultNamespaces = append(c.DefaultNamespaces, n.toDomain())
	}
	slices.SortFunc(c.DefaultNamespaces, func(a, b domain.Namespace) int { return a.ID - b.ID })

	for _, g := range doc.Permissions.DefaultGroups {
		group := g.toDomain()
		if group.Autopromote != nil {
			if err := group.Autopromote.Validate(); err != nil {
				return nil, fmt.Errorf("group %q: %w", group.Name, err)
			}
		}
		c.Permissions.DefaultGroups = append(c.Permissions.DefaultGroups, group)
	}

	if err := checkReferences(c); err != nil {
		return nil, err
	}
	return c, nil
}

func loadSetting(s settingDoc, reg *coerce.Registry) (domain.SettingSpec, error) {
	spec := s.toDomain()
	if !reg.Has(spec.Type) {
		return spec, fmt.Errorf("setting %q: %w", spec.Name,
			&domain.ValidationError{Field: "type", Kind: domain.ValidationUnknownType, Detail: string(spec.Type)})
	}
	if spec.Options.Min != nil && spec.Options.Max != nil && *spec.Options.Min > *spec.Options.Max {
		return spec, fmt.Errorf("setting %q: min %v is above max %v", spec.Name, *spec.Options.Min, *spec.Options.Max)
	}
	if spec.Type == coerce.TypeMatrix {
		if err := coerce.ValidateLayout(spec.Options.Cols, spec.Options.Rows); err != nil {
			return spec, fmt.Errorf("setting %q: %w", spec.Name, err)
		}
	}
	def, err := reg.CoerceSetting(spec, nil)
	if err != nil {
		return spec, fmt.Errorf("setting %q: default: %w", spec.Name, err)
	}
	spec.Options.Default = def
	return spec, nil
}

// checkReferences rejects names that point at nothing.
func checkReferences(c *domain.Catalog) error {
	var result *multierror.Error
	for name, e := range c.Extensions {
		for _, other := range e.Conflicts {
			if _, ok := c.Extensions[other]; !ok {
				result = multierror.Append(result, fmt.Errorf("extension %q: conflicts with unknown extension %q", name, other))
			}
		}
		result = multierror.Append(result, checkRequirements("extension "+name, e.Requires, c)...)
		for key := range e.Install.Settings {
			if _, ok := c.Settings[key]; !ok {
				result = multierror.Append(result, fmt.Errorf("extension %q: installs unknown setting %q", name, key))
			}
		}
	}
	for name, s := range c.Settings {
		if s.From != "" {
			if _, ok := c.Extensions[s.From]; !ok {
				result = multierror.Append(result, fmt.Errorf("setting %q: from unknown extension %q", name, s.From))
			}
		}
		result = multierror.Append(result, checkRequirements("setting "+name, s.Requires, c)...)
	}
	for name, s := range c.NamespaceFields {
		result = multierror.Append(result, checkRequirements("namespace field "+name, s.Requires, c)...)
	}
	return result.ErrorOrNil()
}

func checkRequirements(owner string, req domain.Requirements, c *domain.Catalog) []error {
	var errs []error
	if err := requirements.Validate(req); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", owner, err))
	}
	for _, alts := range req.Extensions {
		for _, ext := range alts {
			if _, ok := c.Extensions[ext]; !ok {
				errs = append(errs, fmt.Errorf("%s: requires unknown extension %q", owner, ext))
			}
		}
	}
	for key := range req.Settings {
		if _, ok := c.Settings[key]; !ok {
			errs = append(errs, fmt.Errorf("%s: requires unknown setting %q", owner, key))
		}
	}
	return errs
}
