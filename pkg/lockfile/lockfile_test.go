package lockfile

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/ferrite-build/ferrite/pkg/engine"
	"github.com/ferrite-build/ferrite/pkg/ref"
	"github.com/ferrite-build/ferrite/pkg/version"
)

func resolvedGraph() *engine.ResolvedGraph {
	return &engine.ResolvedGraph{
		Root: "app",
		Nodes: map[string]*engine.Node{
			"app": {
				ID:  "app",
				Ref: ref.MustParse("app/1.0.0"),
			},
			"zlib": {
				ID:          "zlib",
				Ref:         ref.MustParse("zlib/1.3.1").WithRevision("4b825dc6"),
				Fingerprint: "9f86d081884c7d65",
			},
			"openssl@corp/stable": {
				ID:          "openssl@corp/stable",
				Ref:         ref.MustParse("openssl/3.2.0@corp/stable"),
				Fingerprint: "60303ae22b998861",
			},
		},
		Edges: []engine.Edge{
			{From: "app", To: "openssl@corp/stable", Kind: engine.EdgeNormal},
			{From: "app", To: "zlib", Kind: engine.EdgeNormal},
			{From: "openssl@corp/stable", To: "zlib", Kind: engine.EdgeNormal},
		},
	}
}

func TestFromGraph(t *testing.T) {
	l := FromGraph(resolvedGraph())

	if l.Version != FormatVersion {
		t.Fatalf("Version = %d, want %d", l.Version, FormatVersion)
	}
	if l.Root != "app" {
		t.Fatalf("Root = %q, want %q", l.Root, "app")
	}
	if len(l.Packages) != 3 {
		t.Fatalf("got %d packages, want 3", len(l.Packages))
	}

	app := l.Packages["app"]
	wantRequires := []string{"openssl@corp/stable", "zlib"}
	if !reflect.DeepEqual(app.Requires, wantRequires) {
		t.Errorf("app requires = %v, want %v", app.Requires, wantRequires)
	}

	zlib := l.Packages["zlib"]
	if zlib.Name != "zlib" || zlib.Version != "1.3.1" {
		t.Errorf("zlib pin = %+v", zlib)
	}
	if zlib.Revision != "4b825dc6" {
		t.Errorf("zlib revision = %q, want %q", zlib.Revision, "4b825dc6")
	}
	if zlib.Fingerprint != "9f86d081884c7d65" {
		t.Errorf("zlib fingerprint = %q", zlib.Fingerprint)
	}
	if len(zlib.Requires) != 0 {
		t.Errorf("zlib requires = %v, want none", zlib.Requires)
	}

	openssl := l.Packages["openssl@corp/stable"]
	if openssl.User != "corp" || openssl.Channel != "stable" {
		t.Errorf("openssl namespace = %q/%q, want corp/stable", openssl.User, openssl.Channel)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ferrite.lock")

	l := FromGraph(resolvedGraph())
	if err := l.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !reflect.DeepEqual(got, l) {
		t.Errorf("round trip mismatch:\ngot  %+v\nwant %+v", got, l)
	}
}

func TestWriteIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.lock")
	second := filepath.Join(dir, "second.lock")

	l := FromGraph(resolvedGraph())
	if err := l.Write(first); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := FromGraph(resolvedGraph()).Write(second); err != nil {
		t.Fatalf("Write: %v", err)
	}

	a, err := os.ReadFile(first)
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("two writes of the same graph produced different bytes")
	}
	if !bytes.HasSuffix(a, []byte("\n")) {
		t.Errorf("lockfile does not end with a newline")
	}
}

func TestReadRejectsUnsupportedVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ferrite.lock")
	doc := `{"version": 99, "root": "app", "packages": {}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Read(path)
	if err == nil {
		t.Fatal("expected an error for version 99")
	}
	if !strings.Contains(err.Error(), "unsupported lockfile version 99") {
		t.Errorf("error = %v", err)
	}
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "absent.lock"))
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestVerifyAcceptsMatchingGraph(t *testing.T) {
	l := FromGraph(resolvedGraph())
	if err := l.Verify(resolvedGraph()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyDetectsDrift(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(g *engine.ResolvedGraph)
		wantErr string
	}{
		{
			name: "version mismatch",
			mutate: func(g *engine.ResolvedGraph) {
				g.Nodes["zlib"].Ref = ref.MustParse("zlib/1.4.0")
			},
			wantErr: "package zlib resolved to 1.4.0, lockfile pins 1.3.1",
		},
		{
			name: "unpinned package",
			mutate: func(g *engine.ResolvedGraph) {
				g.Nodes["bzip2"] = &engine.Node{
					ID:  "bzip2",
					Ref: ref.MustParse("bzip2/1.0.8"),
				}
			},
			wantErr: "package bzip2 is not pinned",
		},
		{
			name: "fingerprint mismatch",
			mutate: func(g *engine.ResolvedGraph) {
				g.Nodes["zlib"].Fingerprint = "deadbeefdeadbeef"
			},
			wantErr: "fingerprint deadbeefdeadbeef does not match pinned 9f86d081884c7d65",
		},
		{
			name: "revision mismatch",
			mutate: func(g *engine.ResolvedGraph) {
				g.Nodes["zlib"].Ref = g.Nodes["zlib"].Ref.WithRevision("ffffffff")
			},
			wantErr: "resolved revision ffffffff, lockfile pins 4b825dc6",
		},
		{
			name: "root mismatch",
			mutate: func(g *engine.ResolvedGraph) {
				g.Root = "other"
			},
			wantErr: "root is other, lockfile pins app",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l := FromGraph(resolvedGraph())
			g := resolvedGraph()
			tc.mutate(g)

			err := l.Verify(g)
			if err == nil {
				t.Fatal("expected verification to fail")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestVerifyIgnoresMissingFingerprints(t *testing.T) {
	// A lockfile captured before fingerprinting must still verify a
	// graph that now carries fingerprints, and vice versa.
	l := FromGraph(resolvedGraph())
	for id, p := range l.Packages {
		p.Fingerprint = ""
		l.Packages[id] = p
	}

	if err := l.Verify(resolvedGraph()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestPreferred(t *testing.T) {
	l := FromGraph(resolvedGraph())
	pins := l.Preferred()

	if len(pins) != 3 {
		t.Fatalf("got %d pins, want 3", len(pins))
	}

	zlib, ok := pins[ref.Key{Name: "zlib"}]
	if !ok {
		t.Fatal("zlib is not pinned")
	}
	if version.Compare(zlib, version.Parse("1.3.1")) != 0 {
		t.Errorf("zlib pinned to %s, want 1.3.1", zlib)
	}

	openssl, ok := pins[ref.Key{Name: "openssl", User: "corp", Channel: "stable"}]
	if !ok {
		t.Fatal("openssl@corp/stable is not pinned")
	}
	if version.Compare(openssl, version.Parse("3.2.0")) != 0 {
		t.Errorf("openssl pinned to %s, want 3.2.0", openssl)
	}
}
