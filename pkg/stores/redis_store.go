package stores

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ferrite-build/ferrite/pkg/engine"
)

// unlockScript releases a producer lock only when the caller still
// holds it.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisConfig holds Redis store configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces all keys. Defaults to "ferrite:".
	KeyPrefix string

	// TTL expires stored artifacts. Zero keeps them indefinitely.
	TTL time.Duration

	// LockTTL bounds how long a crashed producer can hold a lock.
	// Defaults to 10 minutes.
	LockTTL time.Duration

	// LockPollInterval is how often a blocked producer retries the lock.
	// Defaults to 100ms.
	LockPollInterval time.Duration
}

// RedisStore is a Redis-backed artifact store for multi-machine cache
// sharing. Metadata and file content live under prefixed keys; producer
// locks use SET NX with a holder token.
//
// Directory artifacts are indexed metadata-only. Binary content is
// stored for single-file artifacts.
type RedisStore struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ferrite:"
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.LockPollInterval == 0 {
		cfg.LockPollInterval = 100 * time.Millisecond
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, cfg: cfg}, nil
}

func (r *RedisStore) artifactKey(fingerprint string) string {
	return r.cfg.KeyPrefix + "artifact:" + fingerprint
}

func (r *RedisStore) contentKey(fingerprint string) string {
	return r.cfg.KeyPrefix + "content:" + fingerprint
}

func (r *RedisStore) lockKey(fingerprint string) string {
	return r.cfg.KeyPrefix + "lock:" + fingerprint
}

// Lookup returns the artifact stored under a fingerprint.
func (r *RedisStore) Lookup(ctx context.Context, fingerprint string) (*engine.Artifact, bool, error) {
	data, err := r.client.Get(ctx, r.artifactKey(fingerprint)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get artifact: %w", err)
	}

	var a engine.Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		// Corrupt entry, treat as a miss.
		_ = r.client.Del(ctx, r.artifactKey(fingerprint), r.contentKey(fingerprint)).Err()
		return nil, false, nil
	}

	return &a, true, nil
}

// Store writes the artifact metadata and, for single-file artifacts, the
// content bytes.
func (r *RedisStore) Store(ctx context.Context, a *engine.Artifact) error {
	if a.Fingerprint == "" {
		return fmt.Errorf("artifact fingerprint is required")
	}

	stored := *a
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	if a.Path != "" {
		info, err := os.Stat(a.Path)
		switch {
		case os.IsNotExist(err) || (err == nil && info.IsDir()):
			stored.Path = ""
		case err != nil:
			return fmt.Errorf("failed to stat artifact content: %w", err)
		default:
			content, err := os.ReadFile(a.Path)
			if err != nil {
				return fmt.Errorf("failed to read artifact content: %w", err)
			}
			if err := r.client.Set(ctx, r.contentKey(a.Fingerprint), content, r.cfg.TTL).Err(); err != nil {
				return fmt.Errorf("failed to store artifact content: %w", err)
			}
			stored.Size = info.Size()
		}
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact metadata: %w", err)
	}

	if err := r.client.Set(ctx, r.artifactKey(a.Fingerprint), data, r.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("failed to store artifact metadata: %w", err)
	}

	return nil
}

// Open returns a reader over stored content bytes.
func (r *RedisStore) Open(ctx context.Context, fingerprint string) (io.ReadCloser, error) {
	data, err := r.client.Get(ctx, r.contentKey(fingerprint)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("artifact %s has no stored content", fingerprint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact content: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the metadata and content keys for a fingerprint.
func (r *RedisStore) Delete(ctx context.Context, fingerprint string) error {
	if err := r.client.Del(ctx, r.artifactKey(fingerprint), r.contentKey(fingerprint)).Err(); err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// List scans all artifact keys and returns their records ordered by
// reference then fingerprint.
func (r *RedisStore) List(ctx context.Context) ([]*engine.Artifact, error) {
	var artifacts []*engine.Artifact

	iter := r.client.Scan(ctx, 0, r.cfg.KeyPrefix+"artifact:*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get artifact: %w", err)
		}

		var a engine.Artifact
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		artifacts = append(artifacts, &a)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan artifacts: %w", err)
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
func (r *RedisStore) Stats(ctx context.Context) (*CacheStats, error) {
	artifacts, err := r.List(ctx)
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

// Lock acquires a distributed producer lock for a fingerprint. The lock
// key carries a holder token so only the owner can release it, and
// expires after LockTTL if the holder dies.
func (r *RedisStore) Lock(ctx context.Context, fingerprint string) (func(), error) {
	token, err := lockToken()
	if err != nil {
		return nil, err
	}
	key := r.lockKey(fingerprint)

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.cfg.LockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.cfg.LockPollInterval):
		}
	}

	release := func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = unlockScript.Run(unlockCtx, r.client, []string{key}, token).Err()
	}
	return release, nil
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func lockToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Ensure RedisStore satisfies the store surfaces.
var _ ArtifactStore = (*RedisStore)(nil)
var _ engine.ArtifactStore = (*RedisStore)(nil)
