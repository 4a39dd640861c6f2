package configspace

// Configuration pairs the two value spaces every node carries: settings
// (global build axes inherited from the profile) and options (per-package
// knobs declared by the recipe).
type Configuration struct {
	// Settings holds the global axes (os, arch, compiler, build_type, ...).
	Settings *Space

	// Options holds the recipe's own option values.
	Options *Space
}

// NewConfiguration builds a configuration over the given schemas.
func NewConfiguration(settings, options Schema) *Configuration {
	return &Configuration{
		Settings: NewSpace(settings),
		Options:  NewSpace(options),
	}
}

// Clone returns an independent, mutable copy of both spaces.
func (c *Configuration) Clone() *Configuration {
	return &Configuration{
		Settings: c.Settings.Clone(),
		Options:  c.Options.Clone(),
	}
}

// Freeze makes both spaces immutable.
func (c *Configuration) Freeze() {
	c.Settings.Freeze()
	c.Options.Freeze()
}

// Frozen reports whether both spaces are immutable.
func (c *Configuration) Frozen() bool {
	return c.Settings.Frozen() && c.Options.Frozen()
}
