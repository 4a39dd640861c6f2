package clientconfig

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Profile is a named settings/options bundle applied to a resolution.
type Profile struct {
	// Settings maps dotted settings paths to values ("os" -> "Linux",
	// "compiler.version" -> "13").
	Settings map[string]string `toml:"settings"`

	// Options maps option names, optionally pkg:option scoped, to
	// values.
	Options map[string]string `toml:"options"`
}

// Detect returns a profile for the host platform, mapping the Go
// runtime identifiers onto the settings universe.
func Detect() Profile {
	return Profile{
		Settings: map[string]string{
			"os":         settingsOS(runtime.GOOS),
			"arch":       settingsArch(runtime.GOARCH),
			"build_type": "Release",
		},
	}
}

// Merge returns a copy of p with over's entries layered on top.
func (p Profile) Merge(over Profile) Profile {
	merged := Profile{
		Settings: make(map[string]string, len(p.Settings)+len(over.Settings)),
		Options:  make(map[string]string, len(p.Options)+len(over.Options)),
	}
	for k, v := range p.Settings {
		merged.Settings[k] = v
	}
	for k, v := range over.Settings {
		merged.Settings[k] = v
	}
	for k, v := range p.Options {
		merged.Options[k] = v
	}
	for k, v := range over.Options {
		merged.Options[k] = v
	}
	return merged
}

// Profile resolves a named profile over the detected defaults. The
// empty name returns the detected profile alone.
func (c *Config) Profile(name string) (Profile, error) {
	base := Detect()
	if name == "" {
		return base, nil
	}

	p, ok := c.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown profile %q (available: %s)",
			name, strings.Join(c.profileNames(), ", "))
	}
	return base.Merge(p), nil
}

func (c *Config) profileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// settingsOS maps a GOOS value onto the os axis of the settings
// universe.
func settingsOS(goos string) string {
	switch goos {
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	case "darwin":
		return "Macos"
	case "freebsd":
		return "FreeBSD"
	case "android":
		return "Android"
	default:
		return strings.ToUpper(goos[:1]) + goos[1:]
	}
}

// settingsArch maps a GOARCH value onto the arch axis of the settings
// universe.
func settingsArch(goarch string) string {
	switch goarch {
	case "amd64":
		return "x86_64"
	case "386":
		return "x86"
	case "arm":
		return "armv7"
	case "arm64":
		return "armv8"
	default:
		return goarch
	}
}
