package recipe

import (
	"strings"
	"testing"

	"github.com/ferrite-build/ferrite/pkg/version"
)

func TestParseRequirement(t *testing.T) {
	tests := []struct {
		name      string
		expr      string
		wantErr   bool
		checkFunc func(*testing.T, Requirement)
	}{
		{
			name: "exact version",
			expr: "zlib/1.3.1",
			checkFunc: func(t *testing.T, r Requirement) {
				if r.Name != "zlib" {
					t.Errorf("expected name zlib, got %s", r.Name)
				}
				if r.Expression.IsRange() {
					t.Error("expected exact expression")
				}
				if v, ok := r.Expression.ExactVersion(); !ok || v.String() != "1.3.1" {
					t.Errorf("expected exact 1.3.1, got %v", v)
				}
			},
		},
		{
			name: "bracketed range",
			expr: "openssl/[>=3.0 <4.0]",
			checkFunc: func(t *testing.T, r Requirement) {
				if !r.Expression.IsRange() {
					t.Fatal("expected range expression")
				}
				rng, _ := r.Expression.Range()
				if !rng.Satisfies(version.Parse("3.2.1")) {
					t.Error("3.2.1 should satisfy >=3.0 <4.0")
				}
				if rng.Satisfies(version.Parse("4.0.0")) {
					t.Error("4.0.0 should not satisfy >=3.0 <4.0")
				}
			},
		},
		{
			name: "range with namespace",
			expr: "boost/[~=1.84]@corp/stable",
			checkFunc: func(t *testing.T, r Requirement) {
				if r.User != "corp" || r.Channel != "stable" {
					t.Errorf("expected corp/stable, got %s/%s", r.User, r.Channel)
				}
				key := r.TargetKey()
				if key.String() != "boost@corp/stable" {
					t.Errorf("unexpected key %s", key)
				}
			},
		},
		{
			name: "user without channel",
			expr: "tools/2.0@corp",
			checkFunc: func(t *testing.T, r Requirement) {
				if r.User != "corp" || r.Channel != "" {
					t.Errorf("expected user corp without channel, got %s/%s", r.User, r.Channel)
				}
			},
		},
		{name: "empty", expr: "", wantErr: true},
		{name: "missing version", expr: "zlib", wantErr: true},
		{name: "missing name", expr: "/1.0", wantErr: true},
		{name: "empty channel", expr: "zlib/1.0@corp/", wantErr: true},
		{name: "bad range", expr: "zlib/[>>1.0]", wantErr: true},
		{name: "ambiguous compatible release", expr: "zlib/[~=1]", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequirement(tt.expr, RequirementNormal)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got none", tt.expr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, req)
			}
		})
	}
}

func TestRequirement_String_RoundTrip(t *testing.T) {
	for _, expr := range []string{
		"zlib/1.3.1",
		"openssl/[>=3.0 <4.0]",
		"boost/[~=1.84]@corp/stable",
		"tools/2.0@corp",
	} {
		req, err := ParseRequirement(expr, RequirementNormal)
		if err != nil {
			t.Fatalf("parse %q: %v", expr, err)
		}
		if got := req.String(); got != expr {
			t.Errorf("round trip of %q produced %q", expr, got)
		}
	}
}

func TestRecipe_DeclaredRequirements(t *testing.T) {
	r := &Recipe{
		Name:             "app",
		Version:          "1.0",
		Requires:         []string{"zlib/1.3.1", "openssl/[>=3.0 <4.0]"},
		PrivateRequires:  []string{"fmt/10.2.1"},
		ToolRequires:     []string{"cmake/3.29.0"},
		OptionalRequires: []string{"zstd/[>=1.5]"},
	}

	reqs, err := r.DeclaredRequirements()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reqs) != 5 {
		t.Fatalf("expected 5 requirements, got %d", len(reqs))
	}

	wantKinds := []RequirementKind{
		RequirementNormal, RequirementNormal,
		RequirementPrivate, RequirementTool, RequirementNormal,
	}
	for i, want := range wantKinds {
		if reqs[i].Kind != want {
			t.Errorf("requirement %d: expected kind %s, got %s", i, want, reqs[i].Kind)
		}
	}
	if !reqs[4].Optional {
		t.Error("optionalRequires entry should be flagged optional")
	}
	if reqs[0].Optional || reqs[2].Optional {
		t.Error("only optionalRequires entries should be optional")
	}
}

func TestRecipe_DeclaredRequirements_BadEntry(t *testing.T) {
	r := &Recipe{Name: "app", Version: "1.0", ToolRequires: []string{"broken"}}
	_, err := r.DeclaredRequirements()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "toolRequires") {
		t.Errorf("error should name the offending list, got %v", err)
	}
}

func TestRecipe_DeclaredOverrides(t *testing.T) {
	r := &Recipe{Name: "app", Version: "1.0", Overrides: []string{"zlib/1.2.13"}}
	overrides, err := r.DeclaredOverrides()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(overrides) != 1 || overrides[0].Kind != RequirementOverride {
		t.Fatalf("unexpected overrides: %+v", overrides)
	}

	r.Overrides = []string{"zlib/[>=1.2]"}
	if _, err := r.DeclaredOverrides(); err == nil {
		t.Fatal("expected error for ranged override")
	}
}
