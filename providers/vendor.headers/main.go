// Package main implements the vendor.headers build driver, a WASM
// plugin that publishes header-only packages whose sources ship inside
// the recipe directory. Build it with TinyGo:
//
//	tinygo build -o vendor.headers.wasm -target=wasip1 -scheduler=none -no-debug .
//
// The host mounts the build request's directories into the guest and
// calls the driver_ exports with a JSON request; main is only the
// module entrypoint.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// vendorDirName is the directory next to the recipe holding the
// vendored source tree.
const vendorDirName = "src"

// Host log levels.
const (
	levelDebug = 1
	levelInfo  = 2
	levelWarn  = 3
)

var headerExts = map[string]bool{
	".h":   true,
	".hh":  true,
	".hpp": true,
	".hxx": true,
	".inl": true,
	".ipp": true,
}

// The wire types mirror the host's JSON so the guest builds without the
// host module.

type reference struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	User    string `json:"user,omitempty"`
	Channel string `json:"channel,omitempty"`
}

func (r reference) String() string {
	return r.Name + "/" + r.Version
}

type buildRequest struct {
	Ref         reference         `json:"ref"`
	Fingerprint string            `json:"fingerprint"`
	Settings    map[string]string `json:"settings,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
	RecipeDir   string            `json:"recipeDir,omitempty"`
	SourceDir   string            `json:"sourceDir,omitempty"`
	BuildDir    string            `json:"buildDir,omitempty"`
	PackageDir  string            `json:"packageDir,omitempty"`
}

type packageInfo struct {
	IncludeDirs []string          `json:"includeDirs,omitempty"`
	Vars        map[string]string `json:"vars,omitempty"`
}

type stageResponse struct {
	Error string       `json:"error,omitempty"`
	Info  *packageInfo `json:"info,omitempty"`
}

// handleStage parses a request, runs one stage and marshals the
// response. Failures travel back as the response's error field.
func handleStage(stage string, input []byte) []byte {
	var resp stageResponse

	var req buildRequest
	if err := json.Unmarshal(input, &req); err != nil {
		resp.Error = "invalid build request: " + err.Error()
		return marshalResponse(&resp)
	}

	info, err := runStage(stage, &req)
	if err != nil {
		hostLog(levelWarn, fmt.Sprintf("%s stage failed for %s: %v", stage, req.Ref, err))
		resp.Error = err.Error()
	} else {
		resp.Info = info
	}
	return marshalResponse(&resp)
}

func runStage(stage string, req *buildRequest) (*packageInfo, error) {
	switch stage {
	case "source":
		return stageSource(req)
	case "build":
		return stageBuild(req)
	case "package":
		return stagePackage(req)
	default:
		return nil, fmt.Errorf("unsupported stage %s", stage)
	}
}

// stageSource copies the vendored source tree shipped next to the
// recipe into the source directory.
func stageSource(req *buildRequest) (*packageInfo, error) {
	vendor := filepath.Join(req.RecipeDir, vendorDirName)
	fi, err := os.Stat(vendor)
	if err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("recipe ships no %s directory", vendorDirName)
	}

	copied, err := copyTree(vendor, req.SourceDir)
	if err != nil {
		return nil, err
	}

	hostLog(levelInfo, fmt.Sprintf("vendored %d files for %s", copied, req.Ref))
	return nil, nil
}

// stageBuild verifies the source tree holds headers and records the
// sorted header list as the build product.
func stageBuild(req *buildRequest) (*packageInfo, error) {
	headers, err := headerFiles(req.SourceDir)
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, errors.New("source tree contains no header files")
	}

	if err := os.MkdirAll(req.BuildDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create build dir: %w", err)
	}
	manifest := strings.Join(headers, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(req.BuildDir, "headers.txt"), []byte(manifest), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write header manifest: %w", err)
	}

	hostLog(levelDebug, fmt.Sprintf("indexed %d headers for %s", len(headers), req.Ref))
	return nil, nil
}

// stagePackage lays the headers out under include/ in the package
// directory and publishes the include dir. Directories in the info are
// relative to the artifact path so the package stays relocatable.
func stagePackage(req *buildRequest) (*packageInfo, error) {
	headers, err := headerFiles(req.SourceDir)
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, errors.New("source tree contains no header files")
	}

	includeDir := filepath.Join(req.PackageDir, "include")
	for _, rel := range headers {
		src := filepath.Join(req.SourceDir, rel)
		dst := filepath.Join(includeDir, rel)
		if err := copyFile(src, dst); err != nil {
			return nil, err
		}
	}

	hostLog(levelInfo, fmt.Sprintf("packaged %d headers for %s", len(headers), req.Ref))
	return &packageInfo{
		IncludeDirs: []string{"include"},
		Vars:        map[string]string{"headers": strconv.Itoa(len(headers))},
	}, nil
}

// headerFiles returns the sorted relative paths of header files under
// root.
func headerFiles(root string) ([]string, error) {
	var headers []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || !headerExts[filepath.Ext(path)] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		headers = append(headers, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	sort.Strings(headers)
	return headers, nil
}

// copyTree copies the regular files under src into dst, preserving the
// directory layout, and returns the file count. Anything that is
// neither a directory nor a regular file is skipped.
func copyTree(src, dst string) (int, error) {
	copied := 0
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := copyFile(path, target); err != nil {
			return err
		}
		copied++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return copied, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return nil
}

func marshalResponse(resp *stageResponse) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"error":"failed to marshal response"}`)
	}
	return out
}

// main is required by the toolchain; the module stays instantiated and
// the host drives it through the exports.
func main() {}
