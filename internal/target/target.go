// Package target loads portal definitions (pages, field mappings, workflow
// steps) from YAML.
package target

import (
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/customs-cli/internal/model"
)

// ErrUnknownTarget is returned by Registry.Get for an unconfigured ID.
var ErrUnknownTarget = eris.New("target: unknown target")

type file struct {
	Version int            `yaml:"version"`
	Targets []model.Target `yaml:"targets"`
}

// Registry holds validated targets by ID.
type Registry struct {
	byID map[string]model.Target
}

// Parse decodes and validates a targets document.
func Parse(b []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, eris.Wrap(err, "target: decode yaml")
	}
	if f.Version != 1 {
		return nil, eris.Errorf("target: unsupported version %d", f.Version)
	}

	reg := &Registry{byID: make(map[string]model.Target, len(f.Targets))}
	for i, t := range f.Targets {
		if t.Profile == "" {
			t.Profile = model.PortalProfileGeneric
		}
		if err := Validate(t); err != nil {
			return nil, eris.Wrapf(err, "target: entry %d", i)
		}
		if _, dup := reg.byID[t.ID]; dup {
			return nil, eris.Errorf("target: duplicate id %q", t.ID)
		}
		reg.byID[t.ID] = t
	}
	return reg, nil
}

// LoadFile reads and parses a targets YAML file.
func LoadFile(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "target: read %s", path)
	}
	return Parse(b)
}

// NewRegistry builds a registry from already-validated targets.
func NewRegistry(targets ...model.Target) *Registry {
	reg := &Registry{byID: make(map[string]model.Target, len(targets))}
	for _, t := range targets {
		reg.byID[t.ID] = t
	}
	return reg
}

// Get returns a deep copy of the target so callers cannot mutate the
// registry.
func (r *Registry) Get(id string) (model.Target, error) {
	t, ok := r.byID[id]
	if !ok {
		return model.Target{}, eris.Wrapf(ErrUnknownTarget, "%q", id)
	}
	return t.Clone(), nil
}

// IDs returns the configured target IDs, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks one target definition.
func Validate(t model.Target) error {
	if strings.TrimSpace(t.ID) == "" {
		return eris.New("id is required")
	}
	if !t.Profile.Valid() {
		return eris.Errorf("%s: unknown profile %q", t.ID, t.Profile)
	}
	if t.BaseURL == "" && t.LoginURL == "" {
		return eris.Errorf("%s: base_url or login_url is required", t.ID)
	}
	if t.Country == "" {
		return eris.Errorf("%s: country is required", t.ID)
	}

	names := make(map[string]string)
	for _, p := range t.Pages {
		if p.Name == "" {
			return eris.Errorf("%s: page without name", t.ID)
		}
		for _, f := range p.Fields {
			if f.Name == "" {
				return eris.Errorf("%s/%s: field without name", t.ID, p.Name)
			}
			if strings.Contains(f.Name, ".") {
				return eris.Errorf("%s/%s: field name %q must not contain '.'", t.ID, p.Name, f.Name)
			}
			if prev, dup := names[f.Name]; dup {
				return eris.Errorf("%s: field %q defined on pages %q and %q", t.ID, f.Name, prev, p.Name)
			}
			names[f.Name] = p.Name
			if len(f.TargetSelectors) == 0 {
				return eris.Errorf("%s/%s: field %q has no selectors", t.ID, p.Name, f.Name)
			}
		}
	}
	return nil
}
