// Package plugin provides installed-plugin manifests and discovery.
package plugin

import (
	"fmt"
	"regexp"
	"runtime"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// DefaultTickIntervalMS is used when a native manifest omits tick-interval-ms.
const DefaultTickIntervalMS = 1000

// Manifest represents a plugin.yaml file for an installed plugin.
type Manifest struct {
	ID      string        `yaml:"id" json:"id"`
	Name    string        `yaml:"name" json:"name"`
	Version string        `yaml:"version" json:"version"`
	Entry   string        `yaml:"entry,omitempty" json:"entry,omitempty"`
	Native  *NativeConfig `yaml:"native,omitempty" json:"native,omitempty"`
}

// NativeConfig declares a plugin's compiled component.
type NativeConfig struct {
	// Platforms this native component supports, as GOOS values. Empty means
	// any platform the libraries map names.
	Platforms []string `yaml:"platforms,omitempty" json:"platforms,omitempty"`

	// Libraries maps a platform to the library path relative to the plugin
	// directory, e.g. linux: native/libcpu_meter.so.
	Libraries map[string]string `yaml:"libraries,omitempty" json:"libraries,omitempty"`

	// TickIntervalMS is the declared update cadence for the plugin.
	// Informative only: the scheduler drives all plugins at one shared
	// period.
	TickIntervalMS int64 `yaml:"tick-interval-ms,omitempty" json:"tick-interval-ms,omitempty"`
}

// maxIDLength is the maximum allowed length for plugin ids.
const maxIDLength = 64

// idPattern validates plugin ids: must start with a lowercase letter,
// followed by lowercase letters, digits, or hyphens.
// Cannot end with a hyphen. Single character ids are allowed.
var idPattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates a plugin.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.ID == "" || !idPattern.MatchString(m.ID) {
		return fmt.Errorf("id %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.ID)
	}
	if len(m.ID) > maxIDLength {
		return fmt.Errorf("id must be %d characters or less, got %d", maxIDLength, len(m.ID))
	}

	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("version %q is not valid semver: %w", m.Version, err)
	}

	// Entry is the overlay bundle path; a native-only plugin has none.
	if m.Entry == "" && m.Native == nil {
		return fmt.Errorf("entry is required for plugins without a native component")
	}

	if m.Native != nil {
		if len(m.Native.Libraries) == 0 {
			return fmt.Errorf("native.libraries is required when native is present")
		}
		if m.Native.TickIntervalMS < 0 {
			return fmt.Errorf("native.tick-interval-ms must not be negative")
		}
	}

	return nil
}

// HasNative reports whether the manifest declares a native component.
func (m *Manifest) HasNative() bool {
	return m.Native != nil
}

// TickInterval returns the declared tick interval, falling back to the
// default when unset.
func (m *Manifest) TickInterval() int64 {
	if m.Native == nil || m.Native.TickIntervalMS == 0 {
		return DefaultTickIntervalMS
	}
	return m.Native.TickIntervalMS
}

// SupportsCurrentPlatform reports whether the native component can load here.
func (c *NativeConfig) SupportsCurrentPlatform() bool {
	return c.SupportsPlatform(runtime.GOOS)
}

// SupportsPlatform reports whether the native component supports a platform.
// An empty platforms list means any platform with a declared library.
func (c *NativeConfig) SupportsPlatform(platform string) bool {
	if len(c.Platforms) == 0 {
		_, ok := c.Libraries[platform]
		return ok
	}
	for _, p := range c.Platforms {
		if p == platform {
			_, ok := c.Libraries[platform]
			return ok
		}
	}
	return false
}

// LibraryForCurrentPlatform returns the relative library path for this
// platform, or "" when none is declared.
func (c *NativeConfig) LibraryForCurrentPlatform() string {
	return c.Libraries[runtime.GOOS]
}
