package plugin_test

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimmerdesk/glimmer/internal/plugin"
)

func TestParseManifest_Valid(t *testing.T) {
	data := []byte(`
id: cpu-meter
name: CPU Meter
version: 1.2.0
native:
  platforms: [linux, darwin]
  libraries:
    linux: native/libcpu_meter.so
    darwin: native/libcpu_meter.dylib
  tick-interval-ms: 500
`)
	m, err := plugin.ParseManifest(data)
	require.NoError(t, err)

	assert.Equal(t, "cpu-meter", m.ID)
	assert.Equal(t, "1.2.0", m.Version)
	require.NotNil(t, m.Native)
	assert.Equal(t, int64(500), m.TickInterval())
	assert.True(t, m.HasNative())
}

func TestParseManifest_OverlayOnly(t *testing.T) {
	data := []byte(`
id: topbar
name: Top Bar
version: 0.3.1
entry: dist/index.html
`)
	m, err := plugin.ParseManifest(data)
	require.NoError(t, err)
	assert.False(t, m.HasNative())
	assert.Equal(t, int64(plugin.DefaultTickIntervalMS), m.TickInterval())
}

func TestParseManifest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"empty", "", "manifest data is empty"},
		{"bad yaml", "id: [", "invalid YAML"},
		{"missing id", "version: 1.0.0\nentry: x", "id"},
		{"uppercase id", "id: CPU\nversion: 1.0.0\nentry: x", "id"},
		{"trailing hyphen", "id: cpu-\nversion: 1.0.0\nentry: x", "id"},
		{"missing version", "id: cpu\nentry: x", "version is required"},
		{"bad semver", "id: cpu\nversion: not-a-version\nentry: x", "semver"},
		{"no entry no native", "id: cpu\nversion: 1.0.0", "entry is required"},
		{
			"native without libraries",
			"id: cpu\nversion: 1.0.0\nnative:\n  platforms: [linux]",
			"native.libraries",
		},
		{
			"negative tick interval",
			"id: cpu\nversion: 1.0.0\nnative:\n  libraries:\n    linux: a.so\n  tick-interval-ms: -5",
			"tick-interval-ms",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := plugin.ParseManifest([]byte(tt.data))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNativeConfig_SupportsPlatform(t *testing.T) {
	c := &plugin.NativeConfig{
		Platforms: []string{"linux"},
		Libraries: map[string]string{"linux": "native/libx.so"},
	}
	assert.True(t, c.SupportsPlatform("linux"))
	assert.False(t, c.SupportsPlatform("darwin"))

	// Empty platforms list: any platform with a declared library.
	open := &plugin.NativeConfig{
		Libraries: map[string]string{"darwin": "native/libx.dylib"},
	}
	assert.True(t, open.SupportsPlatform("darwin"))
	assert.False(t, open.SupportsPlatform("linux"))
}

func TestNativeConfig_CurrentPlatform(t *testing.T) {
	c := &plugin.NativeConfig{
		Libraries: map[string]string{runtime.GOOS: "native/libx.so"},
	}
	assert.True(t, c.SupportsCurrentPlatform())
	assert.Equal(t, "native/libx.so", c.LibraryForCurrentPlatform())
}

func TestManifest_TickIntervalDefault(t *testing.T) {
	m := &plugin.Manifest{
		ID:      "cpu",
		Version: "1.0.0",
		Native: &plugin.NativeConfig{
			Libraries: map[string]string{"linux": "a.so"},
		},
	}
	assert.Equal(t, int64(1000), m.TickInterval())
}
