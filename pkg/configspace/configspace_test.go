package configspace

import (
	"errors"
	"testing"
)

func testSchema() Schema {
	return Schema{
		"os": {
			Kind:   DomainEnum,
			Values: []string{"Linux", "Windows", "Macos"},
			Sub: map[string]Schema{
				"Windows": {
					"subsystem": {Kind: DomainEnum, Values: []string{NoneValue, "cygwin", "msys2"}},
				},
			},
		},
		"arch": {Kind: DomainEnum, Values: []string{"x86_64", "armv8"}},
		"compiler": {
			Kind:   DomainEnum,
			Values: []string{"gcc", "clang"},
			Sub: map[string]Schema{
				"gcc": {
					"version": {Kind: DomainEnum, Values: []string{"12", "13"}},
					"cppstd":  {Kind: DomainEnum, Values: []string{NoneValue, "17", "20"}},
				},
				"clang": {
					"version": {Kind: DomainEnum, Values: []string{"17", "18"}},
				},
			},
		},
	}
}

func optionSchema() Schema {
	return Schema{
		"shared":    {Kind: DomainEnum, Values: []string{"True", "False"}, Default: "False", DefaultSet: true},
		"fPIC":      {Kind: DomainEnum, Values: []string{"True", "False"}, Default: "True", DefaultSet: true},
		"with_zlib": {Kind: DomainEnum, Values: []string{"True", "False", NoneValue}},
		"toolchain": {Kind: DomainAny},
	}
}

func TestSpace_SetAndGet(t *testing.T) {
	s := NewSpace(testSchema())
	if err := s.Set("os", "Linux"); err != nil {
		t.Fatalf("Set(os, Linux) failed: %v", err)
	}
	v, ok := s.Get("os")
	if !ok {
		t.Fatal("os should be assigned")
	}
	if v.String() != "Linux" {
		t.Errorf("os = %q, want Linux", v)
	}
}

func TestSpace_SetOutsideDomain(t *testing.T) {
	s := NewSpace(Schema{"os": {Kind: DomainEnum, Values: []string{"Windows"}}})
	if err := s.Set("os", "Windows"); err != nil {
		t.Fatalf("Set(os, Windows) failed: %v", err)
	}
	err := s.Set("os", "Linux")
	if err == nil {
		t.Fatal("Set(os, Linux) against domain [Windows] must fail")
	}
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatalf("expected DomainError, got %T: %v", err, err)
	}
	if de.Path != "os" || de.Value != "Linux" {
		t.Errorf("DomainError context = %+v", de)
	}
}

func TestSpace_UnknownAttribute(t *testing.T) {
	s := NewSpace(testSchema())
	var de *DomainError
	if err := s.Set("bogus", "x"); !errors.As(err, &de) {
		t.Errorf("Set on undeclared attribute should be a DomainError, got %v", err)
	}
}

func TestSpace_AnyDomainAcceptsEverything(t *testing.T) {
	s := NewSpace(optionSchema())
	for _, v := range []any{"anything", 42, true, nil} {
		if err := s.Set("toolchain", v); err != nil {
			t.Errorf("Set(toolchain, %v) on ANY domain failed: %v", v, err)
		}
	}
}

func TestSpace_NestedPaths(t *testing.T) {
	s := NewSpace(testSchema())

	// Sub-attributes are inaccessible until the parent is assigned.
	if err := s.Set("compiler.version", "13"); err == nil {
		t.Fatal("setting compiler.version before compiler should fail")
	}

	if err := s.Set("compiler", "gcc"); err != nil {
		t.Fatalf("Set(compiler, gcc) failed: %v", err)
	}
	if err := s.Set("compiler.version", "13"); err != nil {
		t.Fatalf("Set(compiler.version, 13) failed: %v", err)
	}
	// 17 is a clang version, not a gcc one.
	if err := s.Set("compiler.version", "17"); err == nil {
		t.Error("gcc sub-domain should reject clang-only version")
	}

	// Switching the parent drops stale sub-attribute assignments.
	if err := s.Set("compiler", "clang"); err != nil {
		t.Fatalf("Set(compiler, clang) failed: %v", err)
	}
	if _, ok := s.Get("compiler.version"); ok {
		t.Error("compiler.version should be dropped after compiler changed")
	}
	if err := s.Set("compiler.version", "17"); err != nil {
		t.Errorf("Set(compiler.version, 17) under clang failed: %v", err)
	}
}

func TestSpace_BooleanCoercion(t *testing.T) {
	s := NewSpace(optionSchema())
	if err := s.Set("shared", "true"); err != nil {
		t.Fatalf("lowercase true should coerce into [True, False]: %v", err)
	}
	eq, err := s.Is("shared", true)
	if err != nil {
		t.Fatalf("Is(shared, true) failed: %v", err)
	}
	if !eq {
		t.Error(`"true" and bool true should compare equal`)
	}
	eq, err = s.Is("shared", "True")
	if err != nil {
		t.Fatalf("Is(shared, True) failed: %v", err)
	}
	if !eq {
		t.Error(`"true" and "True" should compare equal`)
	}
}

func TestEqual_CaseSensitiveOutsideBooleans(t *testing.T) {
	if Equal(Normalize("Windows"), Normalize("WINDOWS")) {
		t.Error("non-boolean comparison must be case-sensitive")
	}
	if !Equal(Normalize("Windows"), Normalize("Windows")) {
		t.Error("identical strings must compare equal")
	}
	if !Equal(Normalize(nil), Normalize(NoneValue)) {
		t.Error("nil and the None string are the same value")
	}
	if Equal(Normalize(nil), Normalize("False")) {
		t.Error("None must not equal False")
	}
}

func TestSpace_IsValidatesComparisonValue(t *testing.T) {
	s := NewSpace(testSchema())
	if err := s.Set("os", "Linux"); err != nil {
		t.Fatal(err)
	}
	// Comparing against a value no domain member can ever equal is an error,
	// not a false result.
	var de *DomainError
	if _, err := s.Is("os", "Lnux"); !errors.As(err, &de) {
		t.Errorf("comparison against out-of-domain value should be a DomainError, got %v", err)
	}
	eq, err := s.Is("os", "Windows")
	if err != nil {
		t.Fatalf("Is(os, Windows) failed: %v", err)
	}
	if eq {
		t.Error("os=Linux should not equal Windows")
	}
}

func TestSpace_IsOnAbsentAttribute(t *testing.T) {
	s := NewSpace(testSchema())
	eq, err := s.Is("os", "Linux")
	if err != nil {
		t.Fatalf("Is on absent attribute failed: %v", err)
	}
	if eq {
		t.Error("absent attribute compares unequal to everything")
	}
}

func TestSpace_RemoveIsIdempotentAndDistinctFromNone(t *testing.T) {
	s := NewSpace(optionSchema())
	if err := s.Set("with_zlib", nil); err != nil {
		t.Fatalf("Set(with_zlib, None) failed: %v", err)
	}
	v, ok := s.Get("with_zlib")
	if !ok {
		t.Fatal("explicit None is an assigned value, not absence")
	}
	if !v.IsNone() {
		t.Error("value should be None")
	}

	if err := s.Remove("with_zlib"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok := s.Get("with_zlib"); ok {
		t.Error("removed attribute should read as absent")
	}
	if got := s.GetOrDefault("with_zlib", "fallback"); got != "fallback" {
		t.Errorf("GetOrDefault after remove = %q, want fallback", got)
	}

	// Removing again, or removing something that never existed, is a no-op.
	if err := s.Remove("with_zlib"); err != nil {
		t.Errorf("second Remove errored: %v", err)
	}
	if err := s.Remove("never_declared"); err != nil {
		t.Errorf("Remove of undeclared attribute errored: %v", err)
	}

	// The slot stays dead for this space.
	if err := s.Set("with_zlib", "True"); err == nil {
		t.Error("Set after Remove should fail")
	}
}

func TestSpace_RemoveDropsChildren(t *testing.T) {
	s := NewSpace(testSchema())
	if err := s.Set("compiler", "gcc"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("compiler.version", "12"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("compiler"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get("compiler.version"); ok {
		t.Error("removing compiler should remove compiler.version")
	}
}

func TestSpace_LockedValuesResistAncestors(t *testing.T) {
	s := NewSpace(optionSchema())
	if err := s.SetLocked("shared", "True"); err != nil {
		t.Fatalf("SetLocked failed: %v", err)
	}
	// A later plain Set, as ancestor propagation would issue, is silently
	// ignored.
	if err := s.Set("shared", "False"); err != nil {
		t.Fatalf("Set on locked attribute should be a no-op, got %v", err)
	}
	if got := s.GetOrDefault("shared", ""); got != "True" {
		t.Errorf("locked value was overridden: %q", got)
	}
	if !s.Locked("shared") {
		t.Error("Locked should report true")
	}

	// Re-locking with the same value is fine, conflicting locks are not.
	if err := s.SetLocked("shared", true); err != nil {
		t.Errorf("re-lock with equal value failed: %v", err)
	}
	if err := s.SetLocked("shared", "False"); err == nil {
		t.Error("conflicting SetLocked should fail")
	}
}

func TestSpace_RestrictDomain(t *testing.T) {
	s := NewSpace(testSchema())
	if err := s.RestrictDomain("os", []any{"Windows"}); err != nil {
		t.Fatalf("RestrictDomain failed: %v", err)
	}
	if err := s.Set("os", "Linux"); err == nil {
		t.Error("Linux should be outside the narrowed domain")
	}
	if err := s.Set("os", "Windows"); err != nil {
		t.Errorf("Windows should remain settable: %v", err)
	}

	// Values outside the current domain cannot appear in the narrowed one.
	if err := s.RestrictDomain("arch", []any{"riscv64"}); err == nil {
		t.Error("restricting to a non-member should fail")
	}

	// Narrowing out from under an assigned value is an error.
	s2 := NewSpace(testSchema())
	if err := s2.Set("os", "Linux"); err != nil {
		t.Fatal(err)
	}
	if err := s2.RestrictDomain("os", []any{"Windows"}); err == nil {
		t.Error("narrowing that invalidates the assigned value should fail")
	}
}

func TestSpace_RestrictDomainNoneSentinel(t *testing.T) {
	// Against a domain without an explicit null, a None element is
	// ignored rather than rejected.
	s := NewSpace(testSchema())
	if err := s.RestrictDomain("os", []any{"Windows", nil}); err != nil {
		t.Fatalf("RestrictDomain with a None sentinel failed: %v", err)
	}
	if err := s.Set("os", "Windows"); err != nil {
		t.Errorf("Windows should remain settable: %v", err)
	}
	if err := s.Set("os", nil); err == nil {
		t.Error("the sentinel must not add None to a None-less domain")
	}

	// A sentinel-only restriction keeps the existing domain.
	s2 := NewSpace(testSchema())
	if err := s2.RestrictDomain("arch", []any{nil}); err != nil {
		t.Fatalf("sentinel-only RestrictDomain failed: %v", err)
	}
	if err := s2.Set("arch", "armv8"); err != nil {
		t.Errorf("sentinel-only restriction must keep the domain: %v", err)
	}

	// When the domain declares None, the sentinel keeps it allowed.
	s3 := NewSpace(optionSchema())
	if err := s3.RestrictDomain("with_zlib", []any{"True", nil}); err != nil {
		t.Fatalf("RestrictDomain failed: %v", err)
	}
	if err := s3.Set("with_zlib", nil); err != nil {
		t.Errorf("declared None should stay allowed: %v", err)
	}
	if err := s3.Set("with_zlib", "False"); err == nil {
		t.Error("False should be outside the narrowed domain")
	}
}

func TestSpace_RestrictDomainOnAny(t *testing.T) {
	s := NewSpace(optionSchema())
	if err := s.RestrictDomain("toolchain", []any{"ninja", "make"}); err != nil {
		t.Fatalf("RestrictDomain on ANY failed: %v", err)
	}
	if err := s.Set("toolchain", "cmake"); err == nil {
		t.Error("narrowed ANY domain should reject unlisted values")
	}
	if err := s.Set("toolchain", "ninja"); err != nil {
		t.Errorf("narrowed ANY domain should accept listed values: %v", err)
	}
}

func TestSpace_FreezeBlocksMutation(t *testing.T) {
	s := NewSpace(testSchema())
	if err := s.Set("os", "Linux"); err != nil {
		t.Fatal(err)
	}
	s.Freeze()
	if err := s.Set("os", "Windows"); !errors.Is(err, ErrFrozen) {
		t.Errorf("Set after Freeze = %v, want ErrFrozen", err)
	}
	if err := s.Remove("os"); !errors.Is(err, ErrFrozen) {
		t.Errorf("Remove after Freeze = %v, want ErrFrozen", err)
	}
	if err := s.RestrictDomain("os", []any{"Linux"}); !errors.Is(err, ErrFrozen) {
		t.Errorf("RestrictDomain after Freeze = %v, want ErrFrozen", err)
	}
	if got := s.GetOrDefault("os", ""); got != "Linux" {
		t.Errorf("reads must keep working after Freeze, got %q", got)
	}
}

func TestSpace_ApplyDefaults(t *testing.T) {
	s := NewSpace(optionSchema())
	if err := s.Set("shared", "True"); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyDefaults(); err != nil {
		t.Fatalf("ApplyDefaults failed: %v", err)
	}
	if got := s.GetOrDefault("shared", ""); got != "True" {
		t.Errorf("explicit value must survive defaults, got %q", got)
	}
	if got := s.GetOrDefault("fPIC", ""); got != "True" {
		t.Errorf("fPIC default not applied, got %q", got)
	}
	if s.Has("with_zlib") {
		t.Error("attributes without declared defaults stay absent")
	}
}

func TestSpace_ItemsDeterministic(t *testing.T) {
	s := NewSpace(optionSchema())
	if err := s.Set("toolchain", "ninja"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("shared", "False"); err != nil {
		t.Fatal(err)
	}
	items := s.Items()
	if len(items) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(items))
	}
	if items[0].Path != "shared" || items[1].Path != "toolchain" {
		t.Errorf("items not sorted by path: %+v", items)
	}
	if items[0].AnyDomain {
		t.Error("shared is not an ANY domain")
	}
	if !items[1].AnyDomain {
		t.Error("toolchain should be flagged as ANY domain")
	}
}

func TestSpace_CloneIsIndependent(t *testing.T) {
	s := NewSpace(testSchema())
	if err := s.Set("os", "Linux"); err != nil {
		t.Fatal(err)
	}
	s.Freeze()

	cp := s.Clone()
	if cp.Frozen() {
		t.Error("clone starts mutable")
	}
	if err := cp.Set("os", "Macos"); err != nil {
		t.Fatalf("Set on clone failed: %v", err)
	}
	if err := cp.RestrictDomain("arch", []any{"armv8"}); err != nil {
		t.Fatalf("RestrictDomain on clone failed: %v", err)
	}
	if got := s.GetOrDefault("os", ""); got != "Linux" {
		t.Errorf("mutating the clone changed the original: os=%q", got)
	}
	if d, err := s.DomainOf("arch"); err != nil || len(d.Values) != 2 {
		t.Errorf("original arch domain changed: %+v, %v", d, err)
	}
}

func TestNormalize_Forms(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{true, "True"},
		{false, "False"},
		{nil, "None"},
		{"text", "text"},
		{42, "42"},
		{int64(7), "7"},
		{1.5, "1.5"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in).String(); got != tt.want {
			t.Errorf("Normalize(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConfiguration_CloneAndFreeze(t *testing.T) {
	c := NewConfiguration(testSchema(), optionSchema())
	if err := c.Settings.Set("os", "Linux"); err != nil {
		t.Fatal(err)
	}
	cp := c.Clone()
	c.Freeze()
	if !c.Frozen() {
		t.Error("configuration should be frozen")
	}
	if cp.Frozen() {
		t.Error("clone must not be frozen")
	}
	if err := cp.Settings.Set("os", "Windows"); err != nil {
		t.Errorf("clone should stay mutable: %v", err)
	}
}
