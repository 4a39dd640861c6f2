package recipe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ferrite-build/ferrite/pkg/ref"
	"github.com/ferrite-build/ferrite/pkg/version"
)

// placeholderSegment stands in for an absent user or channel in the index
// directory layout.
const placeholderSegment = "_"

// FSIndex serves recipes from a directory tree laid out as
// <root>/<name>/<version>/<user>/<channel>/recipe.cue, with "_" for an
// absent user or channel. Parsed recipes are cached per reference.
type FSIndex struct {
	root   string
	parser *Parser

	mu    sync.RWMutex
	cache map[ref.Reference]*Recipe
}

// NewFSIndex creates an index over the given recipe tree.
func NewFSIndex(root string) *FSIndex {
	return &FSIndex{
		root:   root,
		parser: NewParser(),
		cache:  make(map[ref.Reference]*Recipe),
	}
}

func segmentOr(s string) string {
	if s == "" {
		return placeholderSegment
	}
	return s
}

func (idx *FSIndex) recipeDir(r ref.Reference) string {
	return filepath.Join(idx.root, r.Name, r.Version, segmentOr(r.User), segmentOr(r.Channel))
}

// Candidates lists the versions available for a package key, sorted
// ascending. An unknown package yields an empty list, not an error.
func (idx *FSIndex) Candidates(ctx context.Context, key ref.Key) ([]version.Version, error) {
	entries, err := os.ReadDir(filepath.Join(idx.root, key.Name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("index %s: %w", key.Name, err)
	}

	var versions []version.Version
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		probe := ref.Reference{Name: key.Name, Version: entry.Name(), User: key.User, Channel: key.Channel}
		if _, err := os.Stat(filepath.Join(idx.recipeDir(probe), RecipeFileName)); err != nil {
			continue
		}
		versions = append(versions, version.Parse(entry.Name()))
	}
	sort.Slice(versions, func(i, j int) bool {
		return version.Compare(versions[i], versions[j]) < 0
	})
	return versions, nil
}

// Load parses the recipe for an exact reference. The parsed identity must
// match the requested one.
func (idx *FSIndex) Load(ctx context.Context, r ref.Reference) (*Recipe, error) {
	idx.mu.RLock()
	cached, ok := idx.cache[r]
	idx.mu.RUnlock()
	if ok {
		return cached, nil
	}

	path := filepath.Join(idx.recipeDir(r), RecipeFileName)
	rec, err := idx.parser.ParseFile(path)
	if err != nil {
		return nil, err
	}
	if got := rec.Ref(); got.Name != r.Name || got.Version != r.Version || got.User != r.User || got.Channel != r.Channel {
		return nil, fmt.Errorf("recipe at %s declares %s, expected %s", path, got, r)
	}

	idx.mu.Lock()
	idx.cache[r] = rec
	idx.mu.Unlock()
	return rec, nil
}

// Hooks loads the hook file declared by a recipe served from this index.
func (idx *FSIndex) Hooks(r *Recipe) (*Hooks, error) {
	return idx.parser.HooksFor(r)
}

// Search lists every indexed reference whose package name contains the
// pattern, case-insensitively. An empty pattern lists the whole index.
func (idx *FSIndex) Search(pattern string) ([]ref.Reference, error) {
	names, err := os.ReadDir(idx.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("index root: %w", err)
	}

	pattern = strings.ToLower(pattern)
	var refs []ref.Reference
	for _, name := range names {
		if !name.IsDir() || !strings.Contains(strings.ToLower(name.Name()), pattern) {
			continue
		}
		nameDir := filepath.Join(idx.root, name.Name())
		versions, err := os.ReadDir(nameDir)
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", name.Name(), err)
		}
		for _, ver := range versions {
			if !ver.IsDir() {
				continue
			}
			users, err := os.ReadDir(filepath.Join(nameDir, ver.Name()))
			if err != nil {
				return nil, fmt.Errorf("index %s/%s: %w", name.Name(), ver.Name(), err)
			}
			for _, user := range users {
				if !user.IsDir() {
					continue
				}
				channels, err := os.ReadDir(filepath.Join(nameDir, ver.Name(), user.Name()))
				if err != nil {
					return nil, fmt.Errorf("index %s/%s/%s: %w", name.Name(), ver.Name(), user.Name(), err)
				}
				for _, channel := range channels {
					if !channel.IsDir() {
						continue
					}
					dir := filepath.Join(nameDir, ver.Name(), user.Name(), channel.Name())
					if _, err := os.Stat(filepath.Join(dir, RecipeFileName)); err != nil {
						continue
					}
					refs = append(refs, ref.Reference{
						Name:    name.Name(),
						Version: ver.Name(),
						User:    segmentValue(user.Name()),
						Channel: segmentValue(channel.Name()),
					})
				}
			}
		}
	}

	sort.Slice(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if c := version.Compare(version.Parse(a.Version), version.Parse(b.Version)); c != 0 {
			return c < 0
		}
		if a.User != b.User {
			return a.User < b.User
		}
		return a.Channel < b.Channel
	})
	return refs, nil
}

func segmentValue(s string) string {
	if s == placeholderSegment {
		return ""
	}
	return s
}

// MemoryIndex serves recipes registered programmatically. It backs tests
// and lockfile-pinned resolution where the recipe set is already known.
type MemoryIndex struct {
	mu      sync.RWMutex
	recipes map[ref.Key]map[string]*Recipe
	hooks   map[ref.Reference]*Hooks
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		recipes: make(map[ref.Key]map[string]*Recipe),
		hooks:   make(map[ref.Reference]*Hooks),
	}
}

// Add registers a recipe under its declared identity.
func (idx *MemoryIndex) Add(rec *Recipe) {
	key := rec.Ref().Key()
	idx.mu.Lock()
	defer idx.mu.Unlock()
	byVersion, ok := idx.recipes[key]
	if !ok {
		byVersion = make(map[string]*Recipe)
		idx.recipes[key] = byVersion
	}
	byVersion[rec.Version] = rec
}

// SetHooks attaches hook source to an already registered recipe.
func (idx *MemoryIndex) SetHooks(r ref.Reference, src string) error {
	h, err := LoadHooksSource(r.String()+"/hooks.star", []byte(src), 0)
	if err != nil {
		return err
	}
	idx.mu.Lock()
	idx.hooks[r] = h
	idx.mu.Unlock()
	return nil
}

// Candidates lists registered versions for a package key, sorted ascending.
func (idx *MemoryIndex) Candidates(ctx context.Context, key ref.Key) ([]version.Version, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	byVersion, ok := idx.recipes[key]
	if !ok {
		return nil, nil
	}
	versions := make([]version.Version, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, version.Parse(v))
	}
	sort.Slice(versions, func(i, j int) bool {
		return version.Compare(versions[i], versions[j]) < 0
	})
	return versions, nil
}

// Load returns the registered recipe for an exact reference.
func (idx *MemoryIndex) Load(ctx context.Context, r ref.Reference) (*Recipe, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	byVersion, ok := idx.recipes[r.Key()]
	if !ok {
		return nil, fmt.Errorf("recipe %s not registered", r)
	}
	rec, ok := byVersion[r.Version]
	if !ok {
		return nil, fmt.Errorf("recipe %s not registered", r)
	}
	return rec, nil
}

// Hooks returns hooks registered via SetHooks, or nil.
func (idx *MemoryIndex) Hooks(r *Recipe) (*Hooks, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.hooks[r.Ref()], nil
}
