// Package configspace models the typed configuration attached to every
// package node: settings (global axes like os, arch, compiler) and options
// (per-package knobs like shared). Attributes have declared domains, values
// are assigned by dotted path ("compiler.version"), and a per-attribute lock
// lets a recipe's own configuration step pin values that ancestors can no
// longer override.
//
// A Space is owned by exactly one node while the graph is being resolved and
// must not be shared between goroutines until Freeze is called. After Freeze
// it is immutable and safe for concurrent reads.
package configspace

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// NoneValue is the canonical string form of the explicit null value. A domain
// may declare it as a member; it is distinct from an absent attribute.
const NoneValue = "None"

// AnySentinel marks a wildcard domain in schema sources.
const AnySentinel = "ANY"

// ErrFrozen is returned by every mutation attempted after Freeze.
var ErrFrozen = errors.New("configuration is frozen")

// DomainKind discriminates attribute domains.
type DomainKind string

const (
	// DomainEnum is a finite enumerated value set.
	DomainEnum DomainKind = "enum"

	// DomainAny accepts every value, with an optional declared default.
	DomainAny DomainKind = "any"
)

// Domain describes the allowed values of one attribute.
type Domain struct {
	// Kind is the domain discriminator.
	Kind DomainKind `json:"kind"`

	// Values are the allowed values for enumerated domains, in declaration
	// order.
	Values []string `json:"values,omitempty"`

	// Default is the declared default value, applied by ApplyDefaults.
	Default string `json:"default,omitempty"`

	// DefaultSet distinguishes an empty default from no default.
	DefaultSet bool `json:"default_set,omitempty"`

	// Sub maps an enumerated value to the nested attributes it activates
	// (e.g. compiler "gcc" activates "version" and "libcxx").
	Sub map[string]Schema `json:"sub,omitempty"`
}

// Schema maps attribute names to their domains at one nesting level.
type Schema map[string]*Domain

// DomainError reports a value or attribute outside the declared domain.
type DomainError struct {
	// Path is the dotted attribute path.
	Path string

	// Value is the offending value, if the error concerns a value.
	Value string

	// Allowed lists the domain members, for enumerated domains.
	Allowed []string

	// Reason is a short machine-stable explanation.
	Reason string
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Value != "" && len(e.Allowed) > 0 {
		return fmt.Sprintf("invalid value %q for %q (%s): allowed values are [%s]",
			e.Value, e.Path, e.Reason, strings.Join(e.Allowed, ", "))
	}
	if e.Value != "" {
		return fmt.Sprintf("invalid value %q for %q: %s", e.Value, e.Path, e.Reason)
	}
	return fmt.Sprintf("invalid attribute %q: %s", e.Path, e.Reason)
}

// Value is an assigned attribute value.
type Value struct {
	s    string
	none bool
}

// String returns the canonical string form; None renders as "None".
func (v Value) String() string {
	if v.none {
		return NoneValue
	}
	return v.s
}

// IsNone reports whether the value is the explicit null.
func (v Value) IsNone() bool { return v.none }

// Bool interprets boolean-ish values. The second return is false when the
// value is not boolean-ish.
func (v Value) Bool() (bool, bool) {
	if v.none {
		return false, false
	}
	switch v.s {
	case "True", "true":
		return true, true
	case "False", "false":
		return false, true
	}
	return false, false
}

// Assignment is one assigned attribute in deterministic serialization order.
type Assignment struct {
	// Path is the dotted attribute path.
	Path string `json:"path"`

	// Value is the canonical string form of the assigned value.
	Value string `json:"value"`

	// AnyDomain marks assignments whose attribute has a wildcard domain.
	AnyDomain bool `json:"any_domain,omitempty"`
}

// Normalize maps a raw value onto its canonical string form. Booleans become
// "True"/"False", nil becomes the explicit None, numbers their decimal form.
func Normalize(raw any) Value {
	switch v := raw.(type) {
	case nil:
		return Value{none: true}
	case Value:
		return v
	case bool:
		if v {
			return Value{s: "True"}
		}
		return Value{s: "False"}
	case string:
		if v == NoneValue {
			return Value{none: true}
		}
		return Value{s: v}
	case int:
		return Value{s: strconv.Itoa(v)}
	case int64:
		return Value{s: strconv.FormatInt(v, 10)}
	case uint64:
		return Value{s: strconv.FormatUint(v, 10)}
	case float64:
		return Value{s: strconv.FormatFloat(v, 'f', -1, 64)}
	default:
		return Value{s: fmt.Sprint(raw)}
	}
}

// Equal compares two canonical values. Boolean-ish forms compare equal across
// casing ("True", "true", and a bool True all match); every other comparison
// is case-sensitive. None only equals None.
func Equal(a, b Value) bool {
	if a.none || b.none {
		return a.none == b.none
	}
	ab, aok := a.Bool()
	bb, bok := b.Bool()
	if aok && bok {
		return ab == bb
	}
	return a.s == b.s
}

// Space holds the attribute assignments of one node.
type Space struct {
	schema  Schema
	values  map[string]Value
	locked  map[string]bool
	removed map[string]bool
	frozen  bool
}

// NewSpace creates an empty space over the given schema. The schema is deep
// copied, so later domain narrowing never leaks across nodes.
func NewSpace(schema Schema) *Space {
	return &Space{
		schema:  schema.clone(),
		values:  make(map[string]Value),
		locked:  make(map[string]bool),
		removed: make(map[string]bool),
	}
}

// clone deep copies a schema tree.
func (s Schema) clone() Schema {
	if s == nil {
		return Schema{}
	}
	out := make(Schema, len(s))
	for name, d := range s {
		out[name] = d.clone()
	}
	return out
}

func (d *Domain) clone() *Domain {
	if d == nil {
		return nil
	}
	cp := &Domain{
		Kind:       d.Kind,
		Default:    d.Default,
		DefaultSet: d.DefaultSet,
	}
	cp.Values = append([]string(nil), d.Values...)
	if d.Sub != nil {
		cp.Sub = make(map[string]Schema, len(d.Sub))
		for v, sub := range d.Sub {
			cp.Sub[v] = sub.clone()
		}
	}
	return cp
}

// Clone returns an independent, unfrozen copy of the space. Locks and removed
// markers are carried over; the clone starts mutable regardless of the
// receiver's frozen state.
func (s *Space) Clone() *Space {
	cp := &Space{
		schema:  s.schema.clone(),
		values:  make(map[string]Value, len(s.values)),
		locked:  make(map[string]bool, len(s.locked)),
		removed: make(map[string]bool, len(s.removed)),
	}
	for k, v := range s.values {
		cp.values[k] = v
	}
	for k, v := range s.locked {
		cp.locked[k] = v
	}
	for k, v := range s.removed {
		cp.removed[k] = v
	}
	return cp
}

// resolveDomain walks a dotted path down the schema tree. Intermediate
// attributes must be assigned, because their value selects the active
// sub-schema.
func (s *Space) resolveDomain(path string) (*Domain, error) {
	parts := strings.Split(path, ".")
	schema := s.schema
	var d *Domain
	for i, part := range parts {
		prefix := strings.Join(parts[:i+1], ".")
		if s.isRemoved(prefix) {
			return nil, &DomainError{Path: path, Reason: "attribute was removed"}
		}
		d = schema[part]
		if d == nil {
			return nil, &DomainError{Path: path, Reason: fmt.Sprintf("attribute %q is not declared", prefix)}
		}
		if i == len(parts)-1 {
			break
		}
		val, ok := s.values[prefix]
		if !ok {
			return nil, &DomainError{Path: path, Reason: fmt.Sprintf("attribute %q must be set before its sub-attributes", prefix)}
		}
		sub, ok := d.Sub[val.String()]
		if !ok {
			return nil, &DomainError{Path: path, Reason: fmt.Sprintf("value %q of %q declares no sub-attributes", val, prefix)}
		}
		schema = sub
	}
	return d, nil
}

// isRemoved reports whether the path or any of its ancestors was removed.
func (s *Space) isRemoved(path string) bool {
	if s.removed[path] {
		return true
	}
	for i := strings.LastIndexByte(path, '.'); i > 0; i = strings.LastIndexByte(path[:i], '.') {
		if s.removed[path[:i]] {
			return true
		}
	}
	return false
}

// member reports domain membership under the coercion rules of Equal.
func (d *Domain) member(v Value) bool {
	if d.Kind == DomainAny {
		return true
	}
	for _, allowed := range d.Values {
		if Equal(Normalize(allowed), v) {
			return true
		}
	}
	return false
}

// Set assigns a value. It fails with a DomainError when the attribute is not
// declared, was removed, or the value is outside the domain. Assignments to
// locked attributes are silent no-ops, so ancestor propagation cannot undo a
// recipe's own pinned configuration.
func (s *Space) Set(path string, raw any) error {
	return s.set(path, raw, false)
}

// SetLocked assigns a value and locks the attribute. Later Set calls become
// no-ops; a later SetLocked with a conflicting value is an error.
func (s *Space) SetLocked(path string, raw any) error {
	return s.set(path, raw, true)
}

func (s *Space) set(path string, raw any, lock bool) error {
	if s.frozen {
		return ErrFrozen
	}
	d, err := s.resolveDomain(path)
	if err != nil {
		return err
	}
	v := Normalize(raw)
	if !d.member(v) {
		return &DomainError{Path: path, Value: v.String(), Allowed: d.Values, Reason: "not in domain"}
	}
	if s.locked[path] {
		if !lock {
			return nil
		}
		if !Equal(s.values[path], v) {
			return &DomainError{
				Path:   path,
				Value:  v.String(),
				Reason: fmt.Sprintf("locked to %q", s.values[path].String()),
			}
		}
		return nil
	}
	prev, had := s.values[path]
	s.values[path] = v
	if lock {
		s.locked[path] = true
	}
	// Changing a parent value deactivates the previous sub-schema, so stale
	// sub-attribute assignments are dropped.
	if had && !Equal(prev, v) && len(d.Sub) > 0 {
		s.dropChildren(path)
	}
	return nil
}

// dropChildren discards assignments and locks below path.
func (s *Space) dropChildren(path string) {
	prefix := path + "."
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			delete(s.values, k)
		}
	}
	for k := range s.locked {
		if strings.HasPrefix(k, prefix) {
			delete(s.locked, k)
		}
	}
}

// Get returns the assigned value. The second return is false when the
// attribute is absent: never assigned, not declared, or removed.
func (s *Space) Get(path string) (Value, bool) {
	if s.isRemoved(path) {
		return Value{}, false
	}
	v, ok := s.values[path]
	return v, ok
}

// GetOrDefault returns the assigned value's string form, or def when the
// attribute is absent.
func (s *Space) GetOrDefault(path string, def string) string {
	v, ok := s.Get(path)
	if !ok {
		return def
	}
	return v.String()
}

// Has reports whether the attribute is assigned.
func (s *Space) Has(path string) bool {
	_, ok := s.Get(path)
	return ok
}

// Locked reports whether the attribute was pinned by SetLocked.
func (s *Space) Locked(path string) bool { return s.locked[path] }

// Remove deletes an attribute and its sub-attributes. Removing an absent or
// unknown attribute is a no-op. Removed attributes read as absent and take no
// part in fingerprinting.
func (s *Space) Remove(path string) error {
	if s.frozen {
		return ErrFrozen
	}
	s.removed[path] = true
	delete(s.values, path)
	delete(s.locked, path)
	s.dropChildren(path)
	return nil
}

// Is compares the assigned value at path against raw under the coercion
// rules. Comparing against a value outside the attribute's domain is a
// DomainError rather than false, so typos in comparisons surface instead of
// silently never matching. An absent attribute compares unequal to
// everything.
func (s *Space) Is(path string, raw any) (bool, error) {
	d, err := s.resolveDomain(path)
	if err != nil {
		return false, err
	}
	v := Normalize(raw)
	if !d.member(v) {
		return false, &DomainError{Path: path, Value: v.String(), Allowed: d.Values, Reason: "comparison value not in domain"}
	}
	current, ok := s.values[path]
	if !ok {
		return false, nil
	}
	return Equal(current, v), nil
}

// RestrictDomain narrows an attribute's domain to the given values, in the
// given order. Every value must be a member of the current domain. A None
// element is a keep-existing sentinel: it preserves the explicit null when
// the domain allows one and is ignored otherwise, never an error. A
// restriction of only sentinels leaves the domain as it is. A wildcard
// domain becomes an enumerated one. Narrowing a domain out from under an
// already assigned value is an error.
func (s *Space) RestrictDomain(path string, allowed []any) error {
	if s.frozen {
		return ErrFrozen
	}
	if len(allowed) == 0 {
		return &DomainError{Path: path, Reason: "cannot restrict to an empty domain"}
	}
	d, err := s.resolveDomain(path)
	if err != nil {
		return err
	}
	narrowed := make([]string, 0, len(allowed))
	for _, raw := range allowed {
		v := Normalize(raw)
		if d.Kind == DomainEnum && !d.member(v) {
			if v.IsNone() {
				continue
			}
			return &DomainError{Path: path, Value: v.String(), Allowed: d.Values, Reason: "not in current domain"}
		}
		narrowed = append(narrowed, v.String())
	}
	if len(narrowed) == 0 {
		return nil
	}
	if current, ok := s.values[path]; ok {
		inNarrowed := false
		for _, nv := range narrowed {
			if Equal(Normalize(nv), current) {
				inNarrowed = true
				break
			}
		}
		if !inNarrowed {
			return &DomainError{Path: path, Value: current.String(), Allowed: narrowed, Reason: "assigned value outside narrowed domain"}
		}
	}
	d.Kind = DomainEnum
	d.Values = narrowed
	return nil
}

// DomainOf returns a copy of the attribute's domain.
func (s *Space) DomainOf(path string) (*Domain, error) {
	d, err := s.resolveDomain(path)
	if err != nil {
		return nil, err
	}
	return d.clone(), nil
}

// Freeze makes the space immutable. It is idempotent.
func (s *Space) Freeze() { s.frozen = true }

// Frozen reports whether the space is immutable.
func (s *Space) Frozen() bool { return s.frozen }

// ApplyDefaults assigns declared defaults to unset attributes, walking nested
// sub-schemas activated by already assigned or newly defaulted values.
func (s *Space) ApplyDefaults() error {
	if s.frozen {
		return ErrFrozen
	}
	return s.applyDefaults(s.schema, "")
}

func (s *Space) applyDefaults(schema Schema, prefix string) error {
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d := schema[name]
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		if s.isRemoved(path) {
			continue
		}
		if _, ok := s.values[path]; !ok && d.DefaultSet {
			if err := s.set(path, d.Default, false); err != nil {
				return err
			}
		}
		if val, ok := s.values[path]; ok && d.Sub != nil {
			if sub, ok := d.Sub[val.String()]; ok {
				if err := s.applyDefaults(sub, path); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Items returns all assigned attributes sorted by path, the deterministic
// form consumed by fingerprinting and serialization.
func (s *Space) Items() []Assignment {
	out := make([]Assignment, 0, len(s.values))
	for path, v := range s.values {
		anyDomain := false
		if d, err := s.resolveDomain(path); err == nil {
			anyDomain = d.Kind == DomainAny
		}
		out = append(out, Assignment{Path: path, Value: v.String(), AnyDomain: anyDomain})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// String renders the assignments as "a=1, b.c=2" for logs.
func (s *Space) String() string {
	items := s.Items()
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = it.Path + "=" + it.Value
	}
	return strings.Join(parts, ", ")
}
