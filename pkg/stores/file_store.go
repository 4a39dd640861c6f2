package stores

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ferrite-build/ferrite/pkg/engine"
)

const (
	metadataFile = "artifact.json"
	contentName  = "content"
	lockSuffix   = ".lock"
)

// FileConfig holds file store configuration.
type FileConfig struct {
	// Root is the store directory. Created if absent.
	Root string

	// LockStaleAfter is the age past which an on-disk lock file counts as
	// abandoned and is broken. Defaults to 10 minutes.
	LockStaleAfter time.Duration

	// LockPollInterval is how often a blocked producer re-checks the lock
	// file. Defaults to 100ms.
	LockPollInterval time.Duration
}

// FileStore is a content-addressed artifact store on the local
// filesystem. Entries are sharded by fingerprint prefix
// (ab/abcdef.../) with a JSON metadata sidecar next to the content.
type FileStore struct {
	root  string
	stale time.Duration
	poll  time.Duration
	locks *KeyedLock
}

// NewFileStore creates a file store rooted at cfg.Root.
func NewFileStore(cfg FileConfig) (*FileStore, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("store root is required")
	}
	if cfg.LockStaleAfter == 0 {
		cfg.LockStaleAfter = 10 * time.Minute
	}
	if cfg.LockPollInterval == 0 {
		cfg.LockPollInterval = 100 * time.Millisecond
	}

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}

	return &FileStore{
		root:  cfg.Root,
		stale: cfg.LockStaleAfter,
		poll:  cfg.LockPollInterval,
		locks: NewKeyedLock(),
	}, nil
}

// entryDir returns the sharded directory for a fingerprint.
func (f *FileStore) entryDir(fingerprint string) (string, error) {
	if len(fingerprint) < 3 {
		return "", fmt.Errorf("invalid fingerprint: %q", fingerprint)
	}
	return filepath.Join(f.root, fingerprint[:2], fingerprint), nil
}

// Lookup returns the artifact stored under a fingerprint. A corrupt
// sidecar or missing content counts as a miss and the entry is removed.
func (f *FileStore) Lookup(ctx context.Context, fingerprint string) (*engine.Artifact, bool, error) {
	dir, err := f.entryDir(fingerprint)
	if err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read artifact metadata: %w", err)
	}

	var a engine.Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		_ = os.RemoveAll(dir)
		return nil, false, nil
	}

	// A sidecar whose content went missing is a dead entry.
	if a.Path != "" && strings.HasPrefix(a.Path, f.root) {
		if _, err := os.Stat(a.Path); os.IsNotExist(err) {
			_ = os.RemoveAll(dir)
			return nil, false, nil
		}
	}

	return &a, true, nil
}

// Store copies the artifact content into the store and writes the
// metadata sidecar. An artifact without a content path is indexed
// metadata-only.
func (f *FileStore) Store(ctx context.Context, a *engine.Artifact) error {
	if a.Fingerprint == "" {
		return fmt.Errorf("artifact fingerprint is required")
	}
	dir, err := f.entryDir(a.Fingerprint)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create entry directory: %w", err)
	}

	stored := *a
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	if a.Path != "" {
		info, err := os.Stat(a.Path)
		switch {
		case os.IsNotExist(err):
			// Producer handed us a dangling path; index metadata only.
			stored.Path = ""
		case err != nil:
			return fmt.Errorf("failed to stat artifact content: %w", err)
		default:
			target := filepath.Join(dir, contentName)
			if info.IsDir() {
				size, err := copyTree(ctx, a.Path, target)
				if err != nil {
					return fmt.Errorf("failed to copy artifact tree: %w", err)
				}
				stored.Size = size
			} else {
				size, sum, err := copyFile(ctx, a.Path, target)
				if err != nil {
					return fmt.Errorf("failed to copy artifact: %w", err)
				}
				stored.Size = size
				if stored.Checksum == "" {
					stored.Checksum = sum
				}
			}
			stored.Path = target
		}
	}

	data, err := json.MarshalIndent(&stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact metadata: %w", err)
	}

	tmp := filepath.Join(dir, metadataFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact metadata: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, metadataFile)); err != nil {
		return fmt.Errorf("failed to commit artifact metadata: %w", err)
	}

	return nil
}

// Open returns a reader over the stored content file.
func (f *FileStore) Open(ctx context.Context, fingerprint string) (io.ReadCloser, error) {
	a, ok, err := f.Lookup(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("artifact not found: %s", fingerprint)
	}
	if a.Path == "" {
		return nil, fmt.Errorf("artifact %s has no stored content", fingerprint)
	}

	info, err := os.Stat(a.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact content: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("artifact %s content is a directory", fingerprint)
	}

	return os.Open(a.Path)
}

// Delete removes the entry for a fingerprint.
func (f *FileStore) Delete(ctx context.Context, fingerprint string) error {
	dir, err := f.entryDir(fingerprint)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// List returns all stored artifact records, ordered by reference then
// fingerprint.
func (f *FileStore) List(ctx context.Context) ([]*engine.Artifact, error) {
	matches, err := filepath.Glob(filepath.Join(f.root, "??", "*", metadataFile))
	if err != nil {
		return nil, err
	}

	artifacts := make([]*engine.Artifact, 0, len(matches))
	for _, m := range matches {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		var a engine.Artifact
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		artifacts = append(artifacts, &a)
	}

	sort.Slice(artifacts, func(i, j int) bool {
		if artifacts[i].Ref != artifacts[j].Ref {
			return artifacts[i].Ref < artifacts[j].Ref
		}
		return artifacts[i].Fingerprint < artifacts[j].Fingerprint
	})
	return artifacts, nil
}

// Stats reports cache totals.
func (f *FileStore) Stats(ctx context.Context) (*CacheStats, error) {
	artifacts, err := f.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &CacheStats{Artifacts: len(artifacts)}
	for _, a := range artifacts {
		stats.TotalSize += a.Size
		if stats.Oldest.IsZero() || a.CreatedAt.Before(stats.Oldest) {
			stats.Oldest = a.CreatedAt
		}
		if a.CreatedAt.After(stats.Newest) {
			stats.Newest = a.CreatedAt
		}
	}
	return stats, nil
}

// Prune removes artifacts created before the cutoff and returns how many
// were removed.
func (f *FileStore) Prune(ctx context.Context, before time.Time) (int, error) {
	artifacts, err := f.List(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, a := range artifacts {
		if a.CreatedAt.Before(before) {
			if err := f.Delete(ctx, a.Fingerprint); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// Lock serializes producers of one fingerprint. In-process callers queue
// on a keyed lock; a lock file under the shard extends the exclusion to
// other processes sharing the store.
func (f *FileStore) Lock(ctx context.Context, fingerprint string) (func(), error) {
	dir, err := f.entryDir(fingerprint)
	if err != nil {
		return nil, err
	}
	lockPath := dir + lockSuffix

	releaseLocal, err := f.locks.Acquire(ctx, fingerprint)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		releaseLocal()
		return nil, fmt.Errorf("failed to create shard directory: %w", err)
	}

	for {
		file, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			fmt.Fprintf(file, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			_ = file.Close()
			break
		}
		if !os.IsExist(err) {
			releaseLocal()
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		// Another process holds the lock. Break it if abandoned.
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > f.stale {
			_ = os.Remove(lockPath)
			continue
		}

		select {
		case <-ctx.Done():
			releaseLocal()
			return nil, ctx.Err()
		case <-time.After(f.poll):
		}
	}

	release := func() {
		_ = os.Remove(lockPath)
		releaseLocal()
	}
	return release, nil
}

// Close releases backend resources. The file store holds none.
func (f *FileStore) Close() error {
	return nil
}

// copyFile copies src to dst and returns the byte count and sha256 hex
// digest of the content.
func copyFile(ctx context.Context, src, dst string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, "", err
	}

	out, err := os.Create(dst)
	if err != nil {
		return 0, "", err
	}
	defer out.Close()

	hash := sha256.New()
	written, err := io.Copy(io.MultiWriter(out, hash), in)
	if err != nil {
		return written, "", err
	}
	if err := ctx.Err(); err != nil {
		return written, "", err
	}

	return written, hex.EncodeToString(hash.Sum(nil)), nil
}

// copyTree copies a directory recursively and returns the total bytes
// copied.
func copyTree(ctx context.Context, src, dst string) (int64, error) {
	var total int64

	entries, err := os.ReadDir(src)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return 0, err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		if entry.IsDir() {
			n, err := copyTree(ctx, srcPath, dstPath)
			total += n
			if err != nil {
				return total, err
			}
			continue
		}

		n, _, err := copyFile(ctx, srcPath, dstPath)
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// Ensure FileStore satisfies the store surfaces.
var _ ArtifactStore = (*FileStore)(nil)
var _ engine.ArtifactStore = (*FileStore)(nil)
