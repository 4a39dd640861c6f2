package stores

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ferrite-build/ferrite/pkg/engine"
	sshtransport "github.com/ferrite-build/ferrite/pkg/transports/ssh"
)

// fakeRemote is an in-memory RemoteFS for exercising the SFTP store
// without a server.
type fakeRemote struct {
	mu     sync.Mutex
	files  map[string][]byte
	mtimes map[string]time.Time
	dirs   map[string]bool

	// corruptUploads flips the first byte of every uploaded file.
	corruptUploads bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		files:  map[string][]byte{},
		mtimes: map[string]time.Time{},
		dirs:   map[string]bool{},
	}
}

func notExist(p string) error {
	return fmt.Errorf("%s: %w", p, fs.ErrNotExist)
}

// addDirChain registers p and all its parents as directories. Callers
// must hold the mutex.
func (f *fakeRemote) addDirChain(p string) {
	for d := p; d != "." && d != "/"; d = path.Dir(d) {
		f.dirs[d] = true
	}
}

func (f *fakeRemote) Connect(ctx context.Context) error { return nil }

func (f *fakeRemote) Close() error { return nil }

func (f *fakeRemote) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeRemote) WriteFile(ctx context.Context, remotePath string, data []byte, mode fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.addDirChain(path.Dir(remotePath))
	f.files[remotePath] = append([]byte(nil), data...)
	f.mtimes[remotePath] = time.Now()
	return nil
}

func (f *fakeRemote) CreateExclusive(remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.files[remotePath]; exists {
		return fmt.Errorf("%s: %w", remotePath, fs.ErrExist)
	}
	f.addDirChain(path.Dir(remotePath))
	f.files[remotePath] = []byte{}
	f.mtimes[remotePath] = time.Now()
	return nil
}

func (f *fakeRemote) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.files[remotePath]
	if !ok {
		return nil, notExist(remotePath)
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeRemote) Open(remotePath string) (io.ReadCloser, error) {
	data, err := f.ReadFile(context.Background(), remotePath)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeRemote) Upload(ctx context.Context, localPath, remotePath string, mode fs.FileMode) (int64, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.corruptUploads && len(data) > 0 {
		data = append([]byte(nil), data...)
		data[0] ^= 0xff
	}
	f.addDirChain(path.Dir(remotePath))
	f.files[remotePath] = data
	f.mtimes[remotePath] = time.Now()
	return int64(len(data)), nil
}

func (f *fakeRemote) Download(ctx context.Context, remotePath, localPath string) (int64, error) {
	data, err := f.ReadFile(ctx, remotePath)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (f *fakeRemote) MkdirAll(remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.addDirChain(remotePath)
	return nil
}

func (f *fakeRemote) Remove(remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.files[remotePath]; ok {
		delete(f.files, remotePath)
		delete(f.mtimes, remotePath)
		return nil
	}
	if f.dirs[remotePath] {
		delete(f.dirs, remotePath)
		return nil
	}
	return notExist(remotePath)
}

func (f *fakeRemote) RemoveAll(remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := remotePath + "/"
	for p := range f.files {
		if p == remotePath || strings.HasPrefix(p, prefix) {
			delete(f.files, p)
			delete(f.mtimes, p)
		}
	}
	for d := range f.dirs {
		if d == remotePath || strings.HasPrefix(d, prefix) {
			delete(f.dirs, d)
		}
	}
	return nil
}

func (f *fakeRemote) Stat(remotePath string) (os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if data, ok := f.files[remotePath]; ok {
		return fakeFileInfo{
			name:  path.Base(remotePath),
			size:  int64(len(data)),
			mtime: f.mtimes[remotePath],
		}, nil
	}
	if f.dirs[remotePath] {
		return fakeFileInfo{name: path.Base(remotePath), dir: true}, nil
	}
	return nil, notExist(remotePath)
}

func (f *fakeRemote) ReadDir(remotePath string) ([]os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.dirs[remotePath] {
		return nil, notExist(remotePath)
	}

	var infos []os.FileInfo
	for p, data := range f.files {
		if path.Dir(p) == remotePath {
			infos = append(infos, fakeFileInfo{
				name:  path.Base(p),
				size:  int64(len(data)),
				mtime: f.mtimes[p],
			})
		}
	}
	for d := range f.dirs {
		if d != remotePath && path.Dir(d) == remotePath {
			infos = append(infos, fakeFileInfo{name: path.Base(d), dir: true})
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos, nil
}

func (f *fakeRemote) Checksum(ctx context.Context, remotePath string) (string, error) {
	data, err := f.ReadFile(ctx, remotePath)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (f *fakeRemote) ConnectionInfo() sshtransport.ConnectionInfo {
	return sshtransport.ConnectionInfo{}
}

var _ sshtransport.RemoteFS = (*fakeRemote)(nil)

type fakeFileInfo struct {
	name  string
	size  int64
	dir   bool
	mtime time.Time
}

func (f fakeFileInfo) Name() string { return f.name }
func (f fakeFileInfo) Size() int64  { return f.size }
func (f fakeFileInfo) Mode() fs.FileMode {
	if f.dir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}
func (f fakeFileInfo) ModTime() time.Time { return f.mtime }
func (f fakeFileInfo) IsDir() bool        { return f.dir }
func (f fakeFileInfo) Sys() any           { return nil }

func newTestSFTPStore(t *testing.T, remote *fakeRemote) *SFTPStore {
	t.Helper()

	store, err := NewSFTPStore(remote, SFTPConfig{
		Root:             "/cache",
		VerifyUploads:    true,
		LockPollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create sftp store: %v", err)
	}
	return store
}

func TestSFTPStoreRoundTrip(t *testing.T) {
	remote := newFakeRemote()
	store := newTestSFTPStore(t, remote)
	ctx := context.Background()

	src := writeTestContent(t, "archive bytes")
	a := &engine.Artifact{
		Ref:         "zlib/1.3.1",
		Fingerprint: "aabb0011",
		Path:        src,
	}

	if err := store.Store(ctx, a); err != nil {
		t.Fatalf("failed to store artifact: %v", err)
	}

	got, ok, err := store.Lookup(ctx, a.Fingerprint)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if !ok {
		t.Fatal("expected hit after store")
	}

	wantPath := path.Join("/cache", "aa", "aabb0011", contentName)
	if got.Path != wantPath {
		t.Errorf("expected remote path %s, got %s", wantPath, got.Path)
	}
	if got.Checksum == "" {
		t.Error("expected checksum to be computed")
	}
	if got.Size != int64(len("archive bytes")) {
		t.Errorf("expected size %d, got %d", len("archive bytes"), got.Size)
	}

	rc, err := store.Open(ctx, a.Fingerprint)
	if err != nil {
		t.Fatalf("failed to open content: %v", err)
	}
	content, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("failed to read content: %v", err)
	}
	if string(content) != "archive bytes" {
		t.Errorf("unexpected content: %q", content)
	}
}

func TestSFTPStoreUploadVerificationFails(t *testing.T) {
	remote := newFakeRemote()
	remote.corruptUploads = true
	store := newTestSFTPStore(t, remote)

	src := writeTestContent(t, "archive bytes")
	a := &engine.Artifact{
		Ref:         "zlib/1.3.1",
		Fingerprint: "aabb0011",
		Path:        src,
	}

	err := store.Store(context.Background(), a)
	if err == nil {
		t.Fatal("expected verification failure for corrupted upload")
	}
	if !strings.Contains(err.Error(), "verification failed") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSFTPStoreMetadataOnly(t *testing.T) {
	remote := newFakeRemote()
	store := newTestSFTPStore(t, remote)
	ctx := context.Background()

	a := &engine.Artifact{
		Ref:         "header-only/1.0",
		Fingerprint: "cafe0001",
	}
	if err := store.Store(ctx, a); err != nil {
		t.Fatalf("failed to store artifact: %v", err)
	}

	got, ok, err := store.Lookup(ctx, a.Fingerprint)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got.Path != "" {
		t.Errorf("expected empty path, got %s", got.Path)
	}

	if _, err := store.Open(ctx, a.Fingerprint); err == nil {
		t.Error("expected error opening metadata-only artifact")
	}
	if err := store.Fetch(ctx, a.Fingerprint, filepath.Join(t.TempDir(), "out")); err == nil {
		t.Error("expected error fetching metadata-only artifact")
	}
}

func TestSFTPStoreDirectoryArtifact(t *testing.T) {
	remote := newFakeRemote()
	store := newTestSFTPStore(t, remote)
	ctx := context.Background()

	pkgDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(pkgDir, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkgDir, "lib", "libz.a"), []byte("zzzz"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkgDir, "README"), []byte("doc"), 0o644); err != nil {
		t.Fatal(err)
	}

	a := &engine.Artifact{
		Ref:         "zlib/1.3.1",
		Fingerprint: "d1d2d3d4",
		Path:        pkgDir,
	}
	if err := store.Store(ctx, a); err != nil {
		t.Fatalf("failed to store directory artifact: %v", err)
	}

	got, ok, err := store.Lookup(ctx, a.Fingerprint)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got.Size != 7 {
		t.Errorf("expected total size 7, got %d", got.Size)
	}

	// Materialize the tree locally.
	dest := filepath.Join(t.TempDir(), "materialized")
	if err := store.Fetch(ctx, a.Fingerprint, dest); err != nil {
		t.Fatalf("failed to fetch tree: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dest, "lib", "libz.a"))
	if err != nil {
		t.Fatalf("expected nested file to materialize: %v", err)
	}
	if string(content) != "zzzz" {
		t.Errorf("unexpected content: %q", content)
	}
}

func TestSFTPStoreFetchVerifiesChecksum(t *testing.T) {
	remote := newFakeRemote()
	store := newTestSFTPStore(t, remote)
	ctx := context.Background()

	src := writeTestContent(t, "archive bytes")
	a := &engine.Artifact{
		Ref:         "zlib/1.3.1",
		Fingerprint: "aabb0011",
		Path:        src,
	}
	if err := store.Store(ctx, a); err != nil {
		t.Fatalf("failed to store artifact: %v", err)
	}

	got, _, err := store.Lookup(ctx, a.Fingerprint)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}

	// Tamper with the remote content after upload.
	remote.mu.Lock()
	remote.files[got.Path] = []byte("tampered")
	remote.mu.Unlock()

	dest := filepath.Join(t.TempDir(), "libz.a")
	err = store.Fetch(ctx, a.Fingerprint, dest)
	if err == nil {
		t.Fatal("expected checksum mismatch on fetch")
	}
	if !strings.Contains(err.Error(), "verification failed") {
		t.Errorf("unexpected error: %v", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("expected corrupt download to be removed")
	}
}

func TestSFTPStoreDeleteAndList(t *testing.T) {
	remote := newFakeRemote()
	store := newTestSFTPStore(t, remote)
	ctx := context.Background()

	for _, fp := range []string{"fp000001", "fp000002"} {
		a := &engine.Artifact{Ref: "pkg/1.0", Fingerprint: fp}
		if err := store.Store(ctx, a); err != nil {
			t.Fatalf("failed to store %s: %v", fp, err)
		}
	}

	artifacts, err := store.List(ctx)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(artifacts))
	}

	if err := store.Delete(ctx, "fp000001"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}

	if _, ok, _ := store.Lookup(ctx, "fp000001"); ok {
		t.Error("expected miss after delete")
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if stats.Artifacts != 1 {
		t.Errorf("expected 1 artifact in stats, got %d", stats.Artifacts)
	}
}

func TestSFTPStoreCorruptSidecar(t *testing.T) {
	remote := newFakeRemote()
	store := newTestSFTPStore(t, remote)
	ctx := context.Background()

	dir, err := store.entryDir("badc0de1")
	if err != nil {
		t.Fatal(err)
	}
	if err := remote.WriteFile(ctx, path.Join(dir, metadataFile), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, ok, err := store.Lookup(ctx, "badc0de1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if ok {
		t.Error("expected miss for corrupt sidecar")
	}
}

func TestSFTPStoreLock(t *testing.T) {
	remote := newFakeRemote()
	store := newTestSFTPStore(t, remote)
	ctx := context.Background()

	release, err := store.Lock(ctx, "fp000001")
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := store.Lock(waitCtx, "fp000001"); err == nil {
		t.Fatal("expected second lock to time out while held")
	}

	release()

	release2, err := store.Lock(ctx, "fp000001")
	if err != nil {
		t.Fatalf("failed to reacquire lock: %v", err)
	}
	release2()
}

func TestSFTPStoreLockBreaksStale(t *testing.T) {
	remote := newFakeRemote()
	store, err := NewSFTPStore(remote, SFTPConfig{
		Root:             "/cache",
		LockStaleAfter:   50 * time.Millisecond,
		LockPollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create sftp store: %v", err)
	}

	// Another machine died holding the lock.
	dir, err := store.entryDir("fp000001")
	if err != nil {
		t.Fatal(err)
	}
	lockPath := dir + lockSuffix
	if err := remote.CreateExclusive(lockPath); err != nil {
		t.Fatal(err)
	}
	remote.mu.Lock()
	remote.mtimes[lockPath] = time.Now().Add(-time.Minute)
	remote.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	release, err := store.Lock(ctx, "fp000001")
	if err != nil {
		t.Fatalf("expected stale lock to be broken: %v", err)
	}
	release()
}
