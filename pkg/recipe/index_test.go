package recipe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ferrite-build/ferrite/pkg/ref"
)

func writeIndexRecipe(t *testing.T, root string, r ref.Reference, extra string) {
	t.Helper()
	dir := filepath.Join(root, r.Name, r.Version, segmentOr(r.User), segmentOr(r.Channel))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := fmt.Sprintf("name: %q\nversion: %q\n", r.Name, r.Version)
	if r.User != "" {
		content += fmt.Sprintf("user: %q\n", r.User)
	}
	if r.Channel != "" {
		content += fmt.Sprintf("channel: %q\n", r.Channel)
	}
	content += extra
	if err := os.WriteFile(filepath.Join(dir, RecipeFileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFSIndex_Candidates(t *testing.T) {
	root := t.TempDir()
	writeIndexRecipe(t, root, ref.MustParse("zlib/1.2.13"), "")
	writeIndexRecipe(t, root, ref.MustParse("zlib/1.3.1"), "")
	writeIndexRecipe(t, root, ref.MustParse("zlib/1.3"), "")
	writeIndexRecipe(t, root, ref.MustParse("boost/1.84.0@corp/stable"), "")

	idx := NewFSIndex(root)
	ctx := context.Background()

	versions, err := idx.Candidates(ctx, ref.Key{Name: "zlib"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := make([]string, len(versions))
	for i, v := range versions {
		got[i] = v.String()
	}
	if strings.Join(got, ",") != "1.2.13,1.3,1.3.1" {
		t.Errorf("expected ascending versions, got %v", got)
	}

	// Namespaced recipes are invisible without the matching key.
	versions, err = idx.Candidates(ctx, ref.Key{Name: "boost"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(versions) != 0 {
		t.Errorf("expected no candidates for boost without namespace, got %v", versions)
	}

	versions, err = idx.Candidates(ctx, ref.Key{Name: "boost", User: "corp", Channel: "stable"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(versions) != 1 || versions[0].String() != "1.84.0" {
		t.Errorf("expected boost 1.84.0, got %v", versions)
	}

	versions, err = idx.Candidates(ctx, ref.Key{Name: "nosuch"})
	if err != nil {
		t.Fatalf("unknown package should not error: %v", err)
	}
	if len(versions) != 0 {
		t.Errorf("expected no candidates, got %v", versions)
	}
}

func TestFSIndex_Load(t *testing.T) {
	root := t.TempDir()
	writeIndexRecipe(t, root, ref.MustParse("zlib/1.3.1"), "settings: [\"os\", \"arch\"]\n")

	idx := NewFSIndex(root)
	ctx := context.Background()

	r, err := idx.Load(ctx, ref.MustParse("zlib/1.3.1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.Settings) != 2 {
		t.Errorf("expected parsed settings, got %v", r.Settings)
	}
	if r.Dir == "" {
		t.Error("expected Dir to be set for file-backed recipes")
	}

	again, err := idx.Load(ctx, ref.MustParse("zlib/1.3.1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again != r {
		t.Error("expected cached recipe instance on second load")
	}

	if _, err := idx.Load(ctx, ref.MustParse("zlib/9.9.9")); err == nil {
		t.Error("expected error for missing version")
	}
}

func TestFSIndex_Load_IdentityMismatch(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "zlib", "9.9.9", "_", "_")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	err := os.WriteFile(filepath.Join(dir, RecipeFileName),
		[]byte("name: \"zlib\"\nversion: \"1.3.1\"\n"), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	idx := NewFSIndex(root)
	_, err = idx.Load(context.Background(), ref.MustParse("zlib/9.9.9"))
	if err == nil || !strings.Contains(err.Error(), "declares") {
		t.Errorf("expected identity mismatch error, got %v", err)
	}
}

func TestMemoryIndex(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	idx.Add(&Recipe{Name: "zlib", Version: "1.2.13"})
	idx.Add(&Recipe{Name: "zlib", Version: "1.3.1"})
	idx.Add(&Recipe{Name: "boost", Version: "1.84.0", User: "corp", Channel: "stable"})

	versions, err := idx.Candidates(ctx, ref.Key{Name: "zlib"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(versions) != 2 || versions[1].String() != "1.3.1" {
		t.Errorf("unexpected candidates: %v", versions)
	}

	r, err := idx.Load(ctx, ref.MustParse("boost/1.84.0@corp/stable"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Ref().String() != "boost/1.84.0@corp/stable" {
		t.Errorf("unexpected recipe %s", r.Ref())
	}

	if _, err := idx.Load(ctx, ref.MustParse("zlib/2.0")); err == nil {
		t.Error("expected error for unregistered version")
	}

	zlib := ref.MustParse("zlib/1.3.1")
	if err := idx.SetHooks(zlib, "def validate(cfg):\n    return None\n"); err != nil {
		t.Fatalf("set hooks: %v", err)
	}
	rec, _ := idx.Load(ctx, zlib)
	h, err := idx.Hooks(rec)
	if err != nil {
		t.Fatalf("hooks: %v", err)
	}
	if !h.Has(HookValidate) {
		t.Error("expected registered hooks to define validate")
	}
	other, _ := idx.Load(ctx, ref.MustParse("zlib/1.2.13"))
	if h, _ := idx.Hooks(other); h != nil {
		t.Error("expected no hooks for other versions")
	}
}

func TestFSIndex_Search(t *testing.T) {
	root := t.TempDir()
	writeIndexRecipe(t, root, ref.MustParse("zlib/1.2.13"), "")
	writeIndexRecipe(t, root, ref.MustParse("zlib/1.3.1"), "")
	writeIndexRecipe(t, root, ref.MustParse("openssl/3.2.0@corp/stable"), "")
	writeIndexRecipe(t, root, ref.MustParse("libzip/1.10.1"), "")

	idx := NewFSIndex(root)

	all, err := idx.Search("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := make([]string, len(all))
	for i, r := range all {
		got[i] = r.String()
	}
	want := []string{"libzip/1.10.1", "openssl/3.2.0@corp/stable", "zlib/1.2.13", "zlib/1.3.1"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("expected %v, got %v", want, got)
	}

	// Pattern matches names case-insensitively, as a substring.
	zips, err := idx.Search("ZIP")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(zips) != 1 || zips[0].Name != "libzip" {
		t.Errorf("expected libzip only, got %v", zips)
	}

	none, err := idx.Search("cmake")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no matches, got %v", none)
	}
}

func TestFSIndex_Search_MissingRoot(t *testing.T) {
	idx := NewFSIndex(filepath.Join(t.TempDir(), "absent"))
	refs, err := idx.Search("")
	if err != nil {
		t.Fatalf("missing index root should not error: %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("expected empty result, got %v", refs)
	}
}
