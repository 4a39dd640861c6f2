// Package ref defines package references, the identity of a recipe in the
// dependency graph: name/version with an optional user/channel namespace and
// an optional recipe revision.
package ref

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// validPattern constrains names and versions to 2-51 characters drawn from
// letters, digits, underscore, plus, dot and dash, not starting with a
// separator character.
var validPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_+.\-]{1,50}$`)

// ErrInvalidReference is wrapped by all parse and validation failures.
var ErrInvalidReference = errors.New("invalid package reference")

// Reference identifies one package recipe. The zero value is not valid.
// References are value types and are immutable once constructed.
type Reference struct {
	// Name is the package name (e.g. "zlib").
	Name string `json:"name"`

	// Version is the package version (e.g. "1.3.1"). It is either a concrete
	// version or, before requirement resolution, empty.
	Version string `json:"version,omitempty"`

	// User is the optional namespace owner (e.g. "corp").
	User string `json:"user,omitempty"`

	// Channel is the optional namespace channel (e.g. "stable").
	// A channel requires a user.
	Channel string `json:"channel,omitempty"`

	// Revision is the optional recipe revision identifier.
	Revision string `json:"revision,omitempty"`
}

// Key identifies a node slot in the dependency graph. Two references with the
// same key describe the same package and collide during graph expansion even
// when their versions differ.
type Key struct {
	// Name is the package name.
	Name string `json:"name"`

	// User is the optional namespace owner.
	User string `json:"user,omitempty"`

	// Channel is the optional namespace channel.
	Channel string `json:"channel,omitempty"`
}

// New constructs a validated reference without user/channel.
func New(name, version string) (Reference, error) {
	r := Reference{Name: name, Version: version}
	if err := r.Validate(); err != nil {
		return Reference{}, err
	}
	return r, nil
}

// Parse parses "name/version[@user[/channel]][#revision]".
//
//	zlib/1.3.1
//	zlib/1.3.1@corp
//	zlib/1.3.1@corp/stable
//	zlib/1.3.1@corp/stable#f3a45b
func Parse(s string) (Reference, error) {
	if s == "" {
		return Reference{}, fmt.Errorf("%w: empty string", ErrInvalidReference)
	}

	rest := s
	var r Reference

	if i := strings.IndexByte(rest, '#'); i >= 0 {
		r.Revision = rest[i+1:]
		rest = rest[:i]
		if r.Revision == "" {
			return Reference{}, fmt.Errorf("%w: empty revision in %q", ErrInvalidReference, s)
		}
	}

	if i := strings.IndexByte(rest, '@'); i >= 0 {
		ns := rest[i+1:]
		rest = rest[:i]
		user, channel, found := strings.Cut(ns, "/")
		r.User = user
		if found {
			r.Channel = channel
		}
		if r.User == "" || (found && r.Channel == "") {
			return Reference{}, fmt.Errorf("%w: malformed user/channel in %q", ErrInvalidReference, s)
		}
	}

	name, version, found := strings.Cut(rest, "/")
	if !found {
		return Reference{}, fmt.Errorf("%w: missing version in %q", ErrInvalidReference, s)
	}
	r.Name = name
	r.Version = version

	if err := r.Validate(); err != nil {
		return Reference{}, err
	}
	return r, nil
}

// MustParse is Parse that panics on error, for fixtures and constants.
func MustParse(s string) Reference {
	r, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Validate checks the reference fields against the naming constraints.
func (r Reference) Validate() error {
	if !validPattern.MatchString(r.Name) {
		return fmt.Errorf("%w: name %q", ErrInvalidReference, r.Name)
	}
	if r.Version != "" && !validPattern.MatchString(r.Version) {
		return fmt.Errorf("%w: version %q", ErrInvalidReference, r.Version)
	}
	if r.User != "" && !validPattern.MatchString(r.User) {
		return fmt.Errorf("%w: user %q", ErrInvalidReference, r.User)
	}
	if r.Channel != "" {
		if r.User == "" {
			return fmt.Errorf("%w: channel %q without user", ErrInvalidReference, r.Channel)
		}
		if !validPattern.MatchString(r.Channel) {
			return fmt.Errorf("%w: channel %q", ErrInvalidReference, r.Channel)
		}
	}
	return nil
}

// String renders the canonical "name/version[@user[/channel]][#revision]" form.
func (r Reference) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	if r.Version != "" {
		b.WriteByte('/')
		b.WriteString(r.Version)
	}
	if r.User != "" {
		b.WriteByte('@')
		b.WriteString(r.User)
		if r.Channel != "" {
			b.WriteByte('/')
			b.WriteString(r.Channel)
		}
	}
	if r.Revision != "" {
		b.WriteByte('#')
		b.WriteString(r.Revision)
	}
	return b.String()
}

// Key returns the graph slot this reference occupies.
func (r Reference) Key() Key {
	return Key{Name: r.Name, User: r.User, Channel: r.Channel}
}

// WithVersion returns a copy with the version replaced.
func (r Reference) WithVersion(version string) Reference {
	r.Version = version
	return r
}

// WithRevision returns a copy with the revision replaced.
func (r Reference) WithRevision(revision string) Reference {
	r.Revision = revision
	return r
}

// Equal reports field-wise equality.
func (r Reference) Equal(other Reference) bool {
	return r == other
}

// Compare orders references by name, user, channel, version, revision.
// Version ordering here is lexical; semantic ordering belongs to the version
// package.
func Compare(a, b Reference) int {
	if c := strings.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	if c := strings.Compare(a.User, b.User); c != 0 {
		return c
	}
	if c := strings.Compare(a.Channel, b.Channel); c != 0 {
		return c
	}
	if c := strings.Compare(a.Version, b.Version); c != 0 {
		return c
	}
	return strings.Compare(a.Revision, b.Revision)
}

// MarshalText encodes the reference in its canonical string form.
func (r Reference) MarshalText() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return []byte(r.String()), nil
}

// UnmarshalText decodes a reference from its canonical string form.
func (r *Reference) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// String renders "name[@user[/channel]]".
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Name)
	if k.User != "" {
		b.WriteByte('@')
		b.WriteString(k.User)
		if k.Channel != "" {
			b.WriteByte('/')
			b.WriteString(k.Channel)
		}
	}
	return b.String()
}

// CompareKeys orders keys by name, user, channel.
func CompareKeys(a, b Key) int {
	if c := strings.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	if c := strings.Compare(a.User, b.User); c != 0 {
		return c
	}
	return strings.Compare(a.Channel, b.Channel)
}
