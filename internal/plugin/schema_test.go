package plugin_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimmerdesk/glimmer/internal/plugin"
)

func TestGenerateSchema(t *testing.T) {
	data, err := plugin.GenerateSchema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))

	assert.Equal(t, plugin.GetSchemaID(), schema["$id"])
	assert.Equal(t, "Glimmer Plugin Manifest", schema["title"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok, "schema should have properties")
	assert.Contains(t, props, "id")
	assert.Contains(t, props, "version")
	assert.Contains(t, props, "native")
}

func TestValidateSchema_Valid(t *testing.T) {
	plugin.ResetSchemaCache()
	data := []byte(`
id: cpu-meter
name: CPU Meter
version: 1.0.0
entry: dist/index.html
`)
	assert.NoError(t, plugin.ValidateSchema(data))
}

func TestValidateSchema_WrongType(t *testing.T) {
	plugin.ResetSchemaCache()
	data := []byte(`
id: cpu-meter
name: CPU Meter
version: 1.0.0
native:
  libraries: not-a-map
`)
	err := plugin.ValidateSchema(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation failed")
}

func TestValidateSchema_Empty(t *testing.T) {
	err := plugin.ValidateSchema(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestFormatSchemaError(t *testing.T) {
	assert.Empty(t, plugin.FormatSchemaError(nil))

	plugin.ResetSchemaCache()
	err := plugin.ValidateSchema([]byte("id: 42\nversion: 1.0.0"))
	require.Error(t, err)
	msg := plugin.FormatSchemaError(err)
	assert.NotContains(t, msg, "schema validation failed:")
}
