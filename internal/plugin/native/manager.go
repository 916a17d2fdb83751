// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Glimmer Contributors

package native

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	plugins "github.com/glimmerdesk/glimmer/internal/plugin"
)

// Info describes a loaded native plugin. Carried separately from the Host so
// read-only listing never touches foreign-code state.
type Info struct {
	ID             string `json:"id"`
	Path           string `json:"path"`
	TickIntervalMS int64  `json:"tick_interval_ms"`
}

// Manager owns the collection of Hosts, keyed by plugin id. It performs no
// locking of its own: all access is serialized through a Handle.
type Manager struct {
	nativeDir string
	opener    ModuleOpener
	emitter   Emitter
	logger    *slog.Logger
	hosts     map[string]*Host
	info      map[string]Info
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithModuleOpener overrides how modules are opened. Tests substitute
// scripted modules here.
func WithModuleOpener(opener ModuleOpener) ManagerOption {
	return func(m *Manager) {
		m.opener = opener
	}
}

// NewManager creates a native plugin manager scanning nativeDir.
func NewManager(nativeDir string, emitter Emitter, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		nativeDir: nativeDir,
		opener:    OpenSharedObject,
		emitter:   emitter,
		logger:    logger,
		hosts:     make(map[string]*Host),
		info:      make(map[string]Info),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LibExtension returns the native library extension for the platform.
func LibExtension() string {
	switch runtime.GOOS {
	case "darwin":
		return "dylib"
	case "windows":
		return "dll"
	default:
		return "so"
	}
}

// DeriveID derives a plugin id from a library filename:
// "libcpu_meter.so" -> "cpu-meter".
func DeriveID(path string) (string, error) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." {
		return "", oops.In("native").Code("PLUGIN_LOAD_FAILED").With("path", path).New("invalid plugin filename")
	}
	stem = strings.TrimPrefix(stem, "lib")
	return strings.ReplaceAll(stem, "_", "-"), nil
}

// DiscoverAndLoad scans the native plugins directory for library files and
// loads each as a Host. Per-file failures are logged and skipped; they never
// abort discovery of the remaining files. Returns the ids loaded.
func (m *Manager) DiscoverAndLoad() ([]string, error) {
	entries, err := os.ReadDir(m.nativeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, oops.In("native").With("dir", m.nativeDir).Hint("failed to read native plugins directory").Wrap(err)
	}

	libMatch := glob.MustCompile("*." + LibExtension())

	var loaded []string
	for _, entry := range entries {
		if entry.IsDir() || !libMatch.Match(entry.Name()) {
			continue
		}
		path := filepath.Join(m.nativeDir, entry.Name())
		id, err := m.LoadPlugin(path)
		if err != nil {
			m.logger.Warn("failed to load native plugin",
				"path", path,
				"error", err)
			continue
		}
		m.logger.Info("loaded native plugin", "plugin", id, "path", path)
		loaded = append(loaded, id)
	}

	return loaded, nil
}

// LoadPlugin loads a single native plugin from a library path, deriving its
// id from the filename. Fails if a plugin with that id is already loaded.
func (m *Manager) LoadPlugin(path string) (string, error) {
	id, err := DeriveID(path)
	if err != nil {
		return "", err
	}
	if err := m.loadAt(path, id, plugins.DefaultTickIntervalMS); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Manager) loadAt(path, id string, tickIntervalMS int64) error {
	if _, ok := m.hosts[id]; ok {
		return oops.In("native").
			Code("PLUGIN_ALREADY_LOADED").
			With("plugin", id).
			Errorf("plugin %s is already loaded", id)
	}

	host, err := LoadHost(m.opener, path, id, m.emitter, m.logger)
	if err != nil {
		return err
	}

	m.hosts[id] = host
	m.info[id] = Info{ID: id, Path: path, TickIntervalMS: tickIntervalMS}
	return nil
}

// UnloadPlugin removes a plugin and closes its Host, triggering the module's
// shutdown entry point.
func (m *Manager) UnloadPlugin(id string) error {
	host, ok := m.hosts[id]
	if !ok {
		return oops.In("native").
			Code("PLUGIN_NOT_FOUND").
			With("plugin", id).
			Errorf("plugin %s is not loaded", id)
	}

	if err := host.Close(); err != nil {
		m.logger.Warn("error closing plugin module", "plugin", id, "error", err)
	}
	delete(m.hosts, id)
	delete(m.info, id)
	return nil
}

// TickAll calls tick on every loaded plugin. Iteration order is a property
// of the map and deliberately unspecified. A non-zero status is logged and
// the plugin is retried next cycle unconditionally.
func (m *Manager) TickAll() {
	for id, host := range m.hosts {
		if rc := host.Tick(); rc != 0 {
			m.logger.Warn("plugin tick returned error code",
				"plugin", id,
				"code", rc)
		}
	}
}

// SendMessage dispatches a typed message to one plugin.
func (m *Manager) SendMessage(id, msgType string, payload []byte) (int32, error) {
	host, ok := m.hosts[id]
	if !ok {
		return 0, oops.In("native").
			Code("PLUGIN_NOT_FOUND").
			With("plugin", id).
			Errorf("plugin %s is not loaded", id)
	}
	return host.SendMessage(msgType, payload), nil
}

// ListPlugins returns descriptors for all loaded plugins, sorted by id for
// deterministic output.
func (m *Manager) ListPlugins() []Info {
	infos := make([]Info, 0, len(m.info))
	for _, info := range m.info {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// IsLoaded reports whether a plugin id is currently loaded.
func (m *Manager) IsLoaded(id string) bool {
	_, ok := m.hosts[id]
	return ok
}

// ShutdownAll closes every Host, each individually invoking its shutdown.
// Idempotent.
func (m *Manager) ShutdownAll() {
	for id, host := range m.hosts {
		if err := host.Close(); err != nil {
			m.logger.Warn("error closing plugin module", "plugin", id, "error", err)
		}
	}
	m.hosts = make(map[string]*Host)
	m.info = make(map[string]Info)
}

// LoadFromInstalled supplements directory discovery by loading the native
// component of every installed plugin that supports this platform and is not
// already loaded. The declared tick interval is recorded on the descriptor;
// the scheduler still drives all plugins at one shared period.
func (m *Manager) LoadFromInstalled(loader *plugins.Loader) ([]string, error) {
	manifests, err := loader.ScanPlugins()
	if err != nil {
		return nil, err
	}

	var loaded []string
	for _, manifest := range manifests {
		installed := loader.GetPlugin(manifest.ID)
		if installed == nil || !installed.CanLoadNative() {
			continue
		}
		if _, ok := m.hosts[manifest.ID]; ok {
			m.logger.Debug("native plugin already loaded, skipping", "plugin", manifest.ID)
			continue
		}

		libPath := installed.NativeLibraryPath()
		if err := m.loadAt(libPath, manifest.ID, manifest.TickInterval()); err != nil {
			m.logger.Warn("failed to load installed native plugin",
				"plugin", manifest.ID,
				"path", libPath,
				"error", err)
			continue
		}
		m.logger.Info("loaded native plugin from installed", "plugin", manifest.ID)
		loaded = append(loaded, manifest.ID)
	}

	return loaded, nil
}

// LoadPluginByID loads one installed plugin's native component by id.
func (m *Manager) LoadPluginByID(id string, loader *plugins.Loader) error {
	installed := loader.GetPlugin(id)
	if installed == nil {
		return oops.In("native").
			Code("PLUGIN_NOT_FOUND").
			With("plugin", id).
			Errorf("plugin %s is not installed", id)
	}
	if !installed.CanLoadNative() {
		return oops.In("native").
			Code("PLUGIN_NOT_FOUND").
			With("plugin", id).
			Errorf("plugin %s has no native component for this platform", id)
	}
	return m.loadAt(installed.NativeLibraryPath(), id, installed.Manifest.TickInterval())
}
