package clientconfig

import (
	"strings"
	"testing"
)

func TestDetect(t *testing.T) {
	p := Detect()

	if p.Settings["os"] == "" || p.Settings["arch"] == "" {
		t.Errorf("expected detected os and arch, got %+v", p.Settings)
	}
	if p.Settings["build_type"] != "Release" {
		t.Errorf("expected Release default, got %q", p.Settings["build_type"])
	}
}

func TestSettingsOS(t *testing.T) {
	tests := []struct {
		goos string
		want string
	}{
		{"linux", "Linux"},
		{"windows", "Windows"},
		{"darwin", "Macos"},
		{"freebsd", "FreeBSD"},
		{"android", "Android"},
		{"openbsd", "Openbsd"},
	}

	for _, tt := range tests {
		if got := settingsOS(tt.goos); got != tt.want {
			t.Errorf("settingsOS(%q) = %q, want %q", tt.goos, got, tt.want)
		}
	}
}

func TestSettingsArch(t *testing.T) {
	tests := []struct {
		goarch string
		want   string
	}{
		{"amd64", "x86_64"},
		{"386", "x86"},
		{"arm", "armv7"},
		{"arm64", "armv8"},
		{"wasm", "wasm"},
		{"riscv64", "riscv64"},
	}

	for _, tt := range tests {
		if got := settingsArch(tt.goarch); got != tt.want {
			t.Errorf("settingsArch(%q) = %q, want %q", tt.goarch, got, tt.want)
		}
	}
}

func TestProfileMerge(t *testing.T) {
	base := Profile{
		Settings: map[string]string{"os": "Linux", "build_type": "Release"},
		Options:  map[string]string{"shared": "False"},
	}
	over := Profile{
		Settings: map[string]string{"build_type": "Debug", "compiler": "gcc"},
		Options:  map[string]string{"zlib:shared": "True"},
	}

	merged := base.Merge(over)

	if merged.Settings["os"] != "Linux" {
		t.Errorf("base setting lost: %+v", merged.Settings)
	}
	if merged.Settings["build_type"] != "Debug" {
		t.Errorf("override not applied: %+v", merged.Settings)
	}
	if merged.Settings["compiler"] != "gcc" {
		t.Errorf("new setting missing: %+v", merged.Settings)
	}
	if merged.Options["shared"] != "False" || merged.Options["zlib:shared"] != "True" {
		t.Errorf("unexpected options %+v", merged.Options)
	}

	// The merge must not alias the inputs.
	merged.Settings["os"] = "Windows"
	if base.Settings["os"] != "Linux" {
		t.Error("merge aliased the base profile")
	}
}

func TestConfigProfile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profiles = map[string]Profile{
		"debug": {
			Settings: map[string]string{"build_type": "Debug"},
		},
		"static": {
			Options: map[string]string{"shared": "False"},
		},
	}

	p, err := cfg.Profile("debug")
	if err != nil {
		t.Fatalf("Profile() error = %v", err)
	}
	if p.Settings["build_type"] != "Debug" {
		t.Errorf("expected Debug, got %q", p.Settings["build_type"])
	}
	if p.Settings["os"] == "" {
		t.Error("detected settings must survive the merge")
	}

	p, err = cfg.Profile("")
	if err != nil {
		t.Fatalf("Profile(\"\") error = %v", err)
	}
	if p.Settings["build_type"] != "Release" {
		t.Errorf("expected detected default, got %q", p.Settings["build_type"])
	}

	_, err = cfg.Profile("nope")
	if err == nil {
		t.Fatal("expected an error for an unknown profile")
	}
	if !strings.Contains(err.Error(), "debug, static") {
		t.Errorf("expected sorted available profiles in error, got %v", err)
	}
}
