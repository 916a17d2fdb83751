package plugin

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

// InstalledPlugin pairs a parsed manifest with its on-disk directory.
type InstalledPlugin struct {
	Manifest *Manifest
	Dir      string
}

// NativeLibraryPath resolves the absolute path to the native library for the
// current platform. Returns "" when the manifest declares none or the file is
// missing on disk.
func (p *InstalledPlugin) NativeLibraryPath() string {
	if p.Manifest.Native == nil {
		return ""
	}
	rel := p.Manifest.Native.LibraryForCurrentPlatform()
	if rel == "" {
		return ""
	}
	abs := filepath.Join(p.Dir, rel)
	if _, err := os.Stat(abs); err != nil {
		slog.Warn("native library declared but not found",
			"plugin", p.Manifest.ID,
			"path", abs)
		return ""
	}
	return abs
}

// CanLoadNative reports whether this plugin has a native component loadable
// on the current platform.
func (p *InstalledPlugin) CanLoadNative() bool {
	return p.Manifest.Native != nil &&
		p.Manifest.Native.SupportsCurrentPlatform() &&
		p.NativeLibraryPath() != ""
}

// Loader scans the installed plugins directory and serves manifests. The
// runtime core consumes only the native library path, the tick interval, and
// the platform predicate; installation and settings bookkeeping live
// elsewhere.
type Loader struct {
	pluginsDir string
	installed  map[string]*InstalledPlugin
}

// NewLoader creates a loader over an installed plugins directory.
func NewLoader(pluginsDir string) *Loader {
	return &Loader{
		pluginsDir: pluginsDir,
		installed:  make(map[string]*InstalledPlugin),
	}
}

// ScanPlugins re-reads the plugins directory. Each subdirectory with a valid
// plugin.yaml becomes an installed plugin; invalid entries are logged and
// skipped.
func (l *Loader) ScanPlugins() ([]*Manifest, error) {
	l.installed = make(map[string]*InstalledPlugin)

	entries, err := os.ReadDir(l.pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // no plugins directory yet
		}
		return nil, oops.In("plugin").With("dir", l.pluginsDir).Hint("failed to read plugins directory").Wrap(err)
	}

	var manifests []*Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(l.pluginsDir, entry.Name())
		data, err := os.ReadFile(filepath.Join(dir, "plugin.yaml")) //nolint:gosec // path constructed from ReadDir entries
		if err != nil {
			slog.Warn("skipping plugin without manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		manifest, err := ParseManifest(data)
		if err != nil {
			slog.Warn("skipping plugin with invalid manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		l.installed[manifest.ID] = &InstalledPlugin{Manifest: manifest, Dir: dir}
		manifests = append(manifests, manifest)
	}

	return manifests, nil
}

// GetPlugin returns an installed plugin by id, or nil when unknown.
func (l *Loader) GetPlugin(id string) *InstalledPlugin {
	return l.installed[id]
}
