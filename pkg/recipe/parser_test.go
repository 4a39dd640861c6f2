package recipe

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ferrite-build/ferrite/pkg/configspace"
)

func TestParser_ParseBytes(t *testing.T) {
	parser := NewParser()

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		errSubstr string
		checkFunc func(*testing.T, *Recipe)
	}{
		{
			name: "full recipe",
			content: `
name:        "mylib"
version:     "2.1.0"
description: "test library"
license:     "MIT"
settings: ["os", "arch", "compiler", "build_type"]
provides: ["mylib-api"]
options: {
	shared: {values: [true, false], default: false}
	backend: {values: ["openssl", "native", null], default: "native"}
	buildTag: {values: "ANY", default: ""}
	fPIC: {values: [true, false]}
}
requires: ["zlib/[>=1.2 <2.0]", "fmt/10.2.1"]
toolRequires: ["cmake/3.29.0"]
overrides: ["libpng/1.6.43"]
hooks: "hooks.star"
`,
			checkFunc: func(t *testing.T, r *Recipe) {
				if r.Name != "mylib" || r.Version != "2.1.0" {
					t.Errorf("unexpected identity %s/%s", r.Name, r.Version)
				}
				if len(r.Settings) != 4 {
					t.Errorf("expected 4 settings axes, got %d", len(r.Settings))
				}
				if len(r.Options) != 4 {
					t.Fatalf("expected 4 options, got %d", len(r.Options))
				}
				shared := r.Options["shared"]
				if shared.Any || len(shared.Values) != 2 || !shared.HasDefault || shared.Default != false {
					t.Errorf("unexpected shared decl: %+v", shared)
				}
				backend := r.Options["backend"]
				if backend.Values[2] != nil {
					t.Errorf("expected null backend value, got %v", backend.Values[2])
				}
				tag := r.Options["buildTag"]
				if !tag.Any || !tag.HasDefault || tag.Default != "" {
					t.Errorf("unexpected buildTag decl: %+v", tag)
				}
				if r.Options["fPIC"].HasDefault {
					t.Error("fPIC should have no default")
				}
				if len(r.Requires) != 2 || len(r.ToolRequires) != 1 || len(r.Overrides) != 1 {
					t.Errorf("unexpected requirement counts: %d/%d/%d",
						len(r.Requires), len(r.ToolRequires), len(r.Overrides))
				}
				if r.HooksFile != "hooks.star" {
					t.Errorf("expected hooks.star, got %q", r.HooksFile)
				}
			},
		},
		{
			name: "minimal recipe",
			content: `
name:    "zlib"
version: "1.3.1"
`,
			checkFunc: func(t *testing.T, r *Recipe) {
				if got := r.Ref().String(); got != "zlib/1.3.1" {
					t.Errorf("expected zlib/1.3.1, got %s", got)
				}
			},
		},
		{
			name: "namespaced recipe",
			content: `
name:    "boost"
version: "1.84.0"
user:    "corp"
channel: "stable"
`,
			checkFunc: func(t *testing.T, r *Recipe) {
				if got := r.Ref().String(); got != "boost/1.84.0@corp/stable" {
					t.Errorf("expected boost/1.84.0@corp/stable, got %s", got)
				}
			},
		},
		{
			name: "stage scripts",
			content: `
name:    "zlib"
version: "1.3.1"
scripts: {
	source:  "curl -LO https://zlib.net/zlib-1.3.1.tar.gz && tar xzf zlib-1.3.1.tar.gz"
	build:   "cd zlib-1.3.1 && ./configure && make"
	package: "make -C \"$FERRITE_BUILD_DIR/zlib-1.3.1\" install prefix=\"$FERRITE_PACKAGE_DIR\""
}
`,
			checkFunc: func(t *testing.T, r *Recipe) {
				if len(r.Scripts) != 3 {
					t.Fatalf("expected 3 stage scripts, got %d", len(r.Scripts))
				}
				if !strings.HasPrefix(r.Scripts["build"], "cd zlib-1.3.1") {
					t.Errorf("unexpected build script %q", r.Scripts["build"])
				}
			},
		},
		{
			name: "unknown stage script rejected",
			content: `
name:    "zlib"
version: "1.3.1"
scripts: deploy: "true"
`,
			wantErr: true,
		},
		{
			name:      "missing version",
			content:   `name: "zlib"`,
			wantErr:   true,
			errSubstr: "version",
		},
		{
			name: "name violates pattern",
			content: `
name:    "-bad"
version: "1.0"
`,
			wantErr: true,
		},
		{
			name: "unknown field rejected",
			content: `
name:    "zlib"
version: "1.3.1"
bogus:   true
`,
			wantErr:   true,
			errSubstr: "bogus",
		},
		{
			name: "option values wrong sentinel",
			content: `
name:    "zlib"
version: "1.3.1"
options: shared: values: "ALL"
`,
			wantErr: true,
		},
		{
			name: "malformed requirement",
			content: `
name:     "zlib"
version:  "1.3.1"
requires: ["justaname"]
`,
			wantErr:   true,
			errSubstr: "needs name/version",
		},
		{
			name: "ranged override rejected",
			content: `
name:      "app"
version:   "1.0"
overrides: ["zlib/[>=1.2]"]
`,
			wantErr:   true,
			errSubstr: "must pin an exact version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := parser.ParseBytes([]byte(tt.content), "recipe.cue")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got none")
				}
				if tt.errSubstr != "" && !strings.Contains(err.Error(), tt.errSubstr) {
					t.Errorf("expected error containing %q, got %v", tt.errSubstr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, r)
			}
		})
	}
}

func TestParser_ParseBytes_SyntaxErrorPositions(t *testing.T) {
	parser := NewParser()
	_, err := parser.ParseBytes([]byte("name: \"zlib\"\nversion 1.2\n"), "zlib/recipe.cue")
	if err == nil {
		t.Fatal("expected error for broken syntax")
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.Source != "zlib/recipe.cue" {
		t.Errorf("expected source zlib/recipe.cue, got %s", pe.Source)
	}
	if len(pe.Findings) == 0 {
		t.Fatal("expected at least one finding")
	}
	if pe.Findings[0].File != "zlib/recipe.cue" {
		t.Errorf("expected positioned finding, got %+v", pe.Findings[0])
	}
}

func TestParser_ParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, RecipeFileName)
	content := "name: \"zlib\"\nversion: \"1.3.1\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	parser := NewParser()
	r, err := parser.ParseFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Dir != dir {
		t.Errorf("expected Dir %s, got %s", dir, r.Dir)
	}
}

func TestRecipe_OptionsSchema(t *testing.T) {
	parser := NewParser()
	r, err := parser.ParseBytes([]byte(`
name:    "mylib"
version: "1.0"
options: {
	shared: {values: [true, false], default: false}
	with_zlib: {values: [null, "system", "bundled"], default: null}
	toolchain: {values: "ANY"}
}
`), "recipe.cue")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	schema := r.OptionsSchema()
	space := configspace.NewSpace(schema)

	if err := space.ApplyDefaults(); err != nil {
		t.Fatalf("apply defaults: %v", err)
	}
	if v, ok := space.Get("shared"); !ok || v.String() != "False" {
		t.Errorf("expected shared default False, got %v (present=%v)", v, ok)
	}
	if v, ok := space.Get("with_zlib"); !ok || !v.IsNone() {
		t.Errorf("expected with_zlib default None, got %v (present=%v)", v, ok)
	}
	if _, ok := space.Get("toolchain"); ok {
		t.Error("toolchain has no default and should be unset")
	}

	if err := space.Set("toolchain", "anything-goes"); err != nil {
		t.Errorf("wildcard domain rejected value: %v", err)
	}
	if err := space.Set("with_zlib", "bundled"); err != nil {
		t.Errorf("enum domain rejected declared value: %v", err)
	}
	if err := space.Set("shared", "maybe"); err == nil {
		t.Error("expected domain error for out-of-domain option value")
	}
}
