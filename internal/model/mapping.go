package model

import "sort"

// PortalProfile selects the portal-specific behavior of a submission. It is
// chosen once when the submission is created and carried through the run.
type PortalProfile string

const (
	PortalProfileGeneric PortalProfile = "generic"
	PortalProfileCAPS    PortalProfile = "caps"
)

// Valid reports whether p is a known profile.
func (p PortalProfile) Valid() bool {
	switch p {
	case PortalProfileGeneric, PortalProfileCAPS:
		return true
	default:
		return false
	}
}

// Action returns the automation action name for the profile.
func (p PortalProfile) Action() string {
	if p == PortalProfileCAPS {
		return "submit_caps_declaration"
	}
	return "submit_declaration"
}

// DataSource describes where a field's value comes from. Only one branch is
// considered at a time, in the order Static, FieldPath, Table/Column/Relation.
type DataSource struct {
	Static    *string `yaml:"static,omitempty" json:"static,omitempty"`
	FieldPath string  `yaml:"field_path,omitempty" json:"field_path,omitempty"`
	Table     string  `yaml:"table,omitempty" json:"table,omitempty"`
	Column    string  `yaml:"column,omitempty" json:"column,omitempty"`
	Relation  string  `yaml:"relation,omitempty" json:"relation,omitempty"`
}

// FieldMapping binds one portal form field to a data source and an optional
// reference matching rule.
type FieldMapping struct {
	Name            string     `yaml:"name" json:"name"`
	TargetSelectors []string   `yaml:"selectors" json:"selectors"`
	Source          DataSource `yaml:"source" json:"source"`
	Default         *string    `yaml:"default,omitempty" json:"default,omitempty"`
	Required        bool       `yaml:"required" json:"required"`
	ReferenceType   string     `yaml:"reference_type,omitempty" json:"reference_type,omitempty"`
	TabOrder        int        `yaml:"tab_order" json:"tab_order"`
}

// Page is one logical page of a target portal.
type Page struct {
	Name      string         `yaml:"name" json:"name"`
	Sequence  int            `yaml:"sequence" json:"sequence"`
	RepeatFor string         `yaml:"repeat_for,omitempty" json:"repeat_for,omitempty"`
	Fields    []FieldMapping `yaml:"fields" json:"fields"`
}

// OrderedFields returns the page's fields sorted by tab order. Ties keep their
// configured order.
func (p Page) OrderedFields() []FieldMapping {
	out := make([]FieldMapping, len(p.Fields))
	copy(out, p.Fields)
	sort.SliceStable(out, func(i, j int) bool { return out[i].TabOrder < out[j].TabOrder })
	return out
}

// WorkflowStep is a navigation step handed to the automation layer. Value may
// reference credentials as {{username}} or {{password}}.
type WorkflowStep struct {
	Name     string `yaml:"name" json:"name"`
	Action   string `yaml:"action" json:"action"`
	Selector string `yaml:"selector,omitempty" json:"selector,omitempty"`
	Page     string `yaml:"page,omitempty" json:"page,omitempty"`
	Value    string `yaml:"value,omitempty" json:"value,omitempty"`
	WaitMs   int    `yaml:"wait_ms,omitempty" json:"wait_ms,omitempty"`
}

// Target is a configured external portal.
type Target struct {
	ID                string         `yaml:"id" json:"id"`
	Name              string         `yaml:"name" json:"name"`
	BaseURL           string         `yaml:"base_url" json:"base_url"`
	LoginURL          string         `yaml:"login_url" json:"login_url"`
	Country           string         `yaml:"country" json:"country"`
	Profile           PortalProfile  `yaml:"profile" json:"profile"`
	TimeoutMs         int            `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	ReferenceSelector string         `yaml:"reference_selector,omitempty" json:"reference_selector,omitempty"`
	Pages             []Page         `yaml:"pages" json:"pages"`
	WorkflowSteps     []WorkflowStep `yaml:"workflow_steps" json:"workflow_steps"`
}

// OrderedPages returns the target's pages sorted by sequence.
func (t Target) OrderedPages() []Page {
	out := make([]Page, len(t.Pages))
	copy(out, t.Pages)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Clone returns a deep copy so a running submission holds a read-only
// snapshot of the configuration.
func (t Target) Clone() Target {
	c := t
	c.Pages = make([]Page, len(t.Pages))
	for i, p := range t.Pages {
		cp := p
		cp.Fields = make([]FieldMapping, len(p.Fields))
		for j, f := range p.Fields {
			cf := f
			cf.TargetSelectors = append([]string(nil), f.TargetSelectors...)
			cp.Fields[j] = cf
		}
		c.Pages[i] = cp
	}
	c.WorkflowSteps = append([]WorkflowStep(nil), t.WorkflowSteps...)
	return c
}
