package stores

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/ferrite-build/ferrite/pkg/engine"
	sshtransport "github.com/ferrite-build/ferrite/pkg/transports/ssh"
)

// SFTPConfig holds remote store configuration.
type SFTPConfig struct {
	// Root is the remote base directory. Created if absent.
	Root string

	// VerifyUploads re-hashes uploaded content on the remote side and
	// compares it against the local digest.
	VerifyUploads bool

	// LockStaleAfter is the age past which a remote lock file counts as
	// abandoned and is broken. Defaults to 10 minutes.
	LockStaleAfter time.Duration

	// LockPollInterval is how often a blocked producer re-checks the
	// remote lock. Defaults to 500ms.
	LockPollInterval time.Duration
}

// SFTPStore is an artifact store on a remote host reached over
// SSH/SFTP. Entries use the same sharded layout as the file store; the
// stored Path of an artifact names its remote content location, so
// consumers materialize content with Fetch rather than reading the path
// directly.
type SFTPStore struct {
	remote sshtransport.RemoteFS
	cfg    SFTPConfig
	locks  *KeyedLock
}

// NewSFTPStore wraps a connected transport. The store owns the
// transport from here on: Close tears it down.
func NewSFTPStore(remote sshtransport.RemoteFS, cfg SFTPConfig) (*SFTPStore, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("remote store root is required")
	}
	if cfg.LockStaleAfter == 0 {
		cfg.LockStaleAfter = 10 * time.Minute
	}
	if cfg.LockPollInterval == 0 {
		cfg.LockPollInterval = 500 * time.Millisecond
	}

	if err := remote.MkdirAll(cfg.Root); err != nil {
		return nil, fmt.Errorf("failed to create remote store root: %w", err)
	}

	return &SFTPStore{
		remote: remote,
		cfg:    cfg,
		locks:  NewKeyedLock(),
	}, nil
}

func (s *SFTPStore) entryDir(fingerprint string) (string, error) {
	if len(fingerprint) < 3 {
		return "", fmt.Errorf("invalid fingerprint: %q", fingerprint)
	}
	return path.Join(s.cfg.Root, fingerprint[:2], fingerprint), nil
}

// Lookup returns the artifact stored under a fingerprint.
func (s *SFTPStore) Lookup(ctx context.Context, fingerprint string) (*engine.Artifact, bool, error) {
	dir, err := s.entryDir(fingerprint)
	if err != nil {
		return nil, false, err
	}

	data, err := s.remote.ReadFile(ctx, path.Join(dir, metadataFile))
	if sshtransport.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read artifact metadata: %w", err)
	}

	var a engine.Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		_ = s.remote.RemoveAll(dir)
		return nil, false, nil
	}

	// A sidecar whose remote content went missing is a dead entry.
	if a.Path != "" {
		if _, err := s.remote.Stat(a.Path); sshtransport.IsNotExist(err) {
			_ = s.remote.RemoveAll(dir)
			return nil, false, nil
		}
	}

	return &a, true, nil
}

// Store uploads the artifact content and writes the metadata sidecar. An
// artifact without a content path is indexed metadata-only.
func (s *SFTPStore) Store(ctx context.Context, a *engine.Artifact) error {
	if a.Fingerprint == "" {
		return fmt.Errorf("artifact fingerprint is required")
	}
	dir, err := s.entryDir(a.Fingerprint)
	if err != nil {
		return err
	}
	if err := s.remote.MkdirAll(dir); err != nil {
		return fmt.Errorf("failed to create remote entry directory: %w", err)
	}

	stored := *a
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	if a.Path != "" {
		info, err := os.Stat(a.Path)
		switch {
		case os.IsNotExist(err):
			stored.Path = ""
		case err != nil:
			return fmt.Errorf("failed to stat artifact content: %w", err)
		case info.IsDir():
			target := path.Join(dir, contentName)
			size, err := s.uploadTree(ctx, a.Path, target)
			if err != nil {
				_ = s.remote.RemoveAll(dir)
				return fmt.Errorf("failed to upload artifact tree: %w", err)
			}
			stored.Size = size
			stored.Path = target
		default:
			target := path.Join(dir, contentName)
			size, sum, err := s.uploadFile(ctx, a.Path, target)
			if err != nil {
				_ = s.remote.RemoveAll(dir)
				return err
			}
			stored.Size = size
			if stored.Checksum == "" {
				stored.Checksum = sum
			}
			stored.Path = target
		}
	}

	data, err := json.MarshalIndent(&stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact metadata: %w", err)
	}
	if err := s.remote.WriteFile(ctx, path.Join(dir, metadataFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact metadata: %w", err)
	}

	return nil
}

// uploadFile uploads one file and returns its size and local sha256.
func (s *SFTPStore) uploadFile(ctx context.Context, localPath, remotePath string) (int64, string, error) {
	sum, err := hashFile(localPath)
	if err != nil {
		return 0, "", fmt.Errorf("failed to hash artifact content: %w", err)
	}

	size, err := s.remote.Upload(ctx, localPath, remotePath, 0o644)
	if err != nil {
		return 0, "", fmt.Errorf("failed to upload artifact: %w", err)
	}

	if s.cfg.VerifyUploads {
		remoteSum, err := s.remote.Checksum(ctx, remotePath)
		if err != nil {
			return 0, "", fmt.Errorf("failed to verify upload: %w", err)
		}
		if remoteSum != sum {
			return 0, "", fmt.Errorf("upload verification failed for %s: local %s, remote %s", remotePath, sum, remoteSum)
		}
	}

	return size, sum, nil
}

// uploadTree mirrors a local directory to the remote host and returns
// the total bytes uploaded.
func (s *SFTPStore) uploadTree(ctx context.Context, localDir, remoteDir string) (int64, error) {
	var total int64

	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}

		n, _, err := s.uploadFile(ctx, p, path.Join(remoteDir, filepath.ToSlash(rel)))
		total += n
		return err
	})
	if err != nil {
		return total, err
	}

	return total, nil
}

// Open returns a reader over the remote content file.
func (s *SFTPStore) Open(ctx context.Context, fingerprint string) (io.ReadCloser, error) {
	a, ok, err := s.Lookup(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("artifact not found: %s", fingerprint)
	}
	if a.Path == "" {
		return nil, fmt.Errorf("artifact %s has no stored content", fingerprint)
	}

	info, err := s.remote.Stat(a.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat remote content: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("artifact %s content is a directory", fingerprint)
	}

	return s.remote.Open(a.Path)
}

// Fetch materializes an artifact's content at localPath, verifying the
// checksum for single-file artifacts.
func (s *SFTPStore) Fetch(ctx context.Context, fingerprint, localPath string) error {
	a, ok, err := s.Lookup(ctx, fingerprint)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("artifact not found: %s", fingerprint)
	}
	if a.Path == "" {
		return fmt.Errorf("artifact %s has no stored content", fingerprint)
	}

	info, err := s.remote.Stat(a.Path)
	if err != nil {
		return fmt.Errorf("failed to stat remote content: %w", err)
	}

	if info.IsDir() {
		return s.fetchTree(ctx, a.Path, localPath)
	}

	if _, err := s.remote.Download(ctx, a.Path, localPath); err != nil {
		return fmt.Errorf("failed to download artifact: %w", err)
	}

	if a.Checksum != "" {
		sum, err := hashFile(localPath)
		if err != nil {
			return fmt.Errorf("failed to hash downloaded artifact: %w", err)
		}
		if sum != a.Checksum {
			_ = os.Remove(localPath)
			return fmt.Errorf("download verification failed for %s: expected %s, got %s", fingerprint, a.Checksum, sum)
		}
	}

	return nil
}

func (s *SFTPStore) fetchTree(ctx context.Context, remoteDir, localDir string) error {
	entries, err := s.remote.ReadDir(remoteDir)
	if err != nil {
		return fmt.Errorf("failed to list remote directory: %w", err)
	}
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		remotePath := path.Join(remoteDir, entry.Name())
		localPath := filepath.Join(localDir, entry.Name())

		if entry.IsDir() {
			if err := s.fetchTree(ctx, remotePath, localPath); err != nil {
				return err
			}
			continue
		}

		if _, err := s.remote.Download(ctx, remotePath, localPath); err != nil {
			return fmt.Errorf("failed to download %s: %w", remotePath, err)
		}
	}

	return nil
}

// Delete removes the remote entry for a fingerprint.
func (s *SFTPStore) Delete(ctx context.Context, fingerprint string) error {
	dir, err := s.entryDir(fingerprint)
	if err != nil {
		return err
	}
	return s.remote.RemoveAll(dir)
}

// List returns all stored artifact records, ordered by reference then
// fingerprint.
func (s *SFTPStore) List(ctx context.Context) ([]*engine.Artifact, error) {
	shards, err := s.remote.ReadDir(s.cfg.Root)
	if sshtransport.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list store root: %w", err)
	}

	var artifacts []*engine.Artifact
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}

		entries, err := s.remote.ReadDir(path.Join(s.cfg.Root, shard.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to list shard %s: %w", shard.Name(), err)
		}

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !entry.IsDir() {
				continue
			}

			data, err := s.remote.ReadFile(ctx, path.Join(s.cfg.Root, shard.Name(), entry.Name(), metadataFile))
			if sshtransport.IsNotExist(err) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read artifact metadata: %w", err)
			}

			var a engine.Artifact
			if err := json.Unmarshal(data, &a); err != nil {
				continue
			}
			artifacts = append(artifacts, &a)
		}
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
func (s *SFTPStore) Stats(ctx context.Context) (*CacheStats, error) {
	artifacts, err := s.List(ctx)
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

// Lock serializes producers of one fingerprint. In-process callers queue
// on a keyed lock; a remote lock file extends the exclusion to other
// machines sharing the store.
func (s *SFTPStore) Lock(ctx context.Context, fingerprint string) (func(), error) {
	dir, err := s.entryDir(fingerprint)
	if err != nil {
		return nil, err
	}
	lockPath := dir + lockSuffix

	releaseLocal, err := s.locks.Acquire(ctx, fingerprint)
	if err != nil {
		return nil, err
	}

	if err := s.remote.MkdirAll(path.Dir(lockPath)); err != nil {
		releaseLocal()
		return nil, fmt.Errorf("failed to create remote shard directory: %w", err)
	}

	for {
		err := s.remote.CreateExclusive(lockPath)
		if err == nil {
			break
		}

		// Another machine holds the lock. Break it if abandoned.
		if info, statErr := s.remote.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > s.cfg.LockStaleAfter {
			_ = s.remote.Remove(lockPath)
			continue
		}

		select {
		case <-ctx.Done():
			releaseLocal()
			return nil, ctx.Err()
		case <-time.After(s.cfg.LockPollInterval):
		}
	}

	release := func() {
		_ = s.remote.Remove(lockPath)
		releaseLocal()
	}
	return release, nil
}

// Close tears down the underlying transport.
func (s *SFTPStore) Close() error {
	return s.remote.Close()
}

// hashFile returns the sha256 hex digest of a local file.
func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// Ensure SFTPStore satisfies the store surfaces.
var _ ArtifactStore = (*SFTPStore)(nil)
var _ engine.ArtifactStore = (*SFTPStore)(nil)
