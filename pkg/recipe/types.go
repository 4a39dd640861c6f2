package recipe

import (
	"encoding/json"
	"fmt"

	"github.com/ferrite-build/ferrite/pkg/configspace"
	"github.com/ferrite-build/ferrite/pkg/ref"
)

// Recipe is one parsed package description. Static declarations come from
// the recipe's CUE file; dynamic behavior lives in an optional Starlark hook
// file next to it.
type Recipe struct {
	// Name is the package name.
	Name string `json:"name" validate:"required"`

	// Version is the package version.
	Version string `json:"version" validate:"required"`

	// User is the optional namespace owner.
	User string `json:"user,omitempty"`

	// Channel is the optional namespace channel.
	Channel string `json:"channel,omitempty"`

	// Description is a short human-readable summary.
	Description string `json:"description,omitempty"`

	// License is the package license identifier.
	License string `json:"license,omitempty"`

	// Homepage is the upstream project URL.
	Homepage string `json:"homepage,omitempty"`

	// Provides lists functional slots this package fills (e.g. "jpeg").
	// Two distinct packages providing the same slot cannot coexist in one
	// resolved graph.
	Provides []string `json:"provides,omitempty"`

	// Settings lists the global settings axes that affect this package's
	// binary (e.g. "os", "arch", "compiler", "build_type"). Axes not listed
	// take no part in its fingerprint.
	Settings []string `json:"settings,omitempty"`

	// Options declares the package's own option domains and defaults.
	Options map[string]OptionDecl `json:"options,omitempty"`

	// Requires lists normal requirement expressions
	// ("zlib/1.3.1", "openssl/[>=3.0 <4]@corp/stable").
	Requires []string `json:"requires,omitempty"`

	// ToolRequires lists build-tool requirements. They are resolved and
	// built like normal requirements but do not contribute to this
	// package's fingerprint.
	ToolRequires []string `json:"toolRequires,omitempty"`

	// PrivateRequires lists requirements whose published info stops at this
	// package instead of propagating to its consumers.
	PrivateRequires []string `json:"privateRequires,omitempty"`

	// OptionalRequires lists requirements that may be dropped when no
	// candidate version satisfies them.
	OptionalRequires []string `json:"optionalRequires,omitempty"`

	// Overrides lists version pins imposed on transitive dependencies.
	// An override never introduces a node; it only constrains one that some
	// normal requirement path already reaches.
	Overrides []string `json:"overrides,omitempty"`

	// AlwaysRebuild forces source, build and package stages even when a
	// binary for the computed fingerprint already exists.
	AlwaysRebuild bool `json:"alwaysRebuild,omitempty"`

	// Scripts holds shell command lines per lifecycle stage ("source",
	// "build", "package") for the script driver. A stage without a script
	// is a no-op.
	Scripts map[string]string `json:"scripts,omitempty"`

	// HooksFile is the path of the Starlark hook file, relative to the
	// recipe file.
	HooksFile string `json:"hooks,omitempty"`

	// Dir is the directory the recipe was loaded from. Empty for recipes
	// parsed from memory.
	Dir string `json:"-"`
}

// OptionDecl declares one option's domain.
type OptionDecl struct {
	// Any marks a wildcard domain accepting every value.
	Any bool

	// Values are the allowed values for enumerated domains.
	Values []any

	// Default is the declared default value.
	Default any

	// HasDefault distinguishes an explicit null default from no default.
	HasDefault bool
}

// optionDeclWire is the CUE/JSON shape of an option declaration.
type optionDeclWire struct {
	Values  json.RawMessage `json:"values"`
	Default json.RawMessage `json:"default"`
}

// UnmarshalJSON accepts `values: "ANY"` as well as a value list, and keeps
// track of whether a default was declared at all.
func (o *OptionDecl) UnmarshalJSON(data []byte) error {
	var wire optionDeclWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*o = OptionDecl{}
	if len(wire.Values) > 0 {
		var sentinel string
		if err := json.Unmarshal(wire.Values, &sentinel); err == nil {
			if sentinel != configspace.AnySentinel {
				return fmt.Errorf("option values must be a list or %q, got %q", configspace.AnySentinel, sentinel)
			}
			o.Any = true
		} else if err := json.Unmarshal(wire.Values, &o.Values); err != nil {
			return fmt.Errorf("option values: %w", err)
		}
	}
	if len(wire.Default) > 0 && string(wire.Default) != "null" {
		if err := json.Unmarshal(wire.Default, &o.Default); err != nil {
			return fmt.Errorf("option default: %w", err)
		}
		o.HasDefault = true
	} else if len(wire.Default) > 0 {
		// default: null is an explicit None default.
		o.Default = nil
		o.HasDefault = true
	}
	return nil
}

// MarshalJSON renders the wire shape back out.
func (o OptionDecl) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 2)
	if o.Any {
		m["values"] = configspace.AnySentinel
	} else {
		m["values"] = o.Values
	}
	if o.HasDefault {
		m["default"] = o.Default
	}
	return json.Marshal(m)
}

// Ref returns the recipe's package reference.
func (r *Recipe) Ref() ref.Reference {
	return ref.Reference{Name: r.Name, Version: r.Version, User: r.User, Channel: r.Channel}
}

// OptionsSchema converts the option declarations into a configuration
// schema.
func (r *Recipe) OptionsSchema() configspace.Schema {
	schema := make(configspace.Schema, len(r.Options))
	for name, decl := range r.Options {
		d := &configspace.Domain{Kind: configspace.DomainEnum}
		if decl.Any {
			d.Kind = configspace.DomainAny
		} else {
			d.Values = make([]string, 0, len(decl.Values))
			for _, v := range decl.Values {
				d.Values = append(d.Values, configspace.Normalize(v).String())
			}
		}
		if decl.HasDefault {
			d.Default = configspace.Normalize(decl.Default).String()
			d.DefaultSet = true
		}
		schema[name] = d
	}
	return schema
}

// ValidationError is one recipe validation finding with source position
// context when the CUE evaluator provides it.
type ValidationError struct {
	// File is the source file.
	File string `json:"file,omitempty"`

	// Line is the 1-based source line.
	Line int `json:"line,omitempty"`

	// Column is the 1-based source column.
	Column int `json:"column,omitempty"`

	// Path is the configuration path inside the document.
	Path string `json:"path,omitempty"`

	// Message is the human-readable finding.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.File != "":
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ParseError aggregates the validation findings of one recipe source.
type ParseError struct {
	// Source is the file the findings belong to.
	Source string

	// Findings are the individual validation errors.
	Findings []ValidationError
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if len(e.Findings) == 1 {
		return fmt.Sprintf("parse %s: %s", e.Source, e.Findings[0].Error())
	}
	return fmt.Sprintf("parse %s: %d validation errors, first: %s", e.Source, len(e.Findings), e.Findings[0].Error())
}
