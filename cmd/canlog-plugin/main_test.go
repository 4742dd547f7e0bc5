package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/redpanda-data/benthos/v4/public/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAnnexContent = `
protocol: can
messages:
  - id: 0x123
    name: Status
    length: 8
    signals:
      - {name: Counter, start: 0, length: 8}
      - {name: Level, start: 8, length: 16, scale: 0.1}
`

func writeTempAnnex(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "can.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testAnnexContent), 0o644))
	return path
}

func newTestProcessor(t *testing.T, extraConfig string) *CanlogProcessor {
	t.Helper()
	yamlConfig := fmt.Sprintf("specs:\n  can: %s\n%s", writeTempAnnex(t), extraConfig)
	conf, err := canlogProcessorConfig().ParseYAML(yamlConfig, nil)
	require.NoError(t, err)
	processor, err := newCanlogProcessorFromConfig(conf, service.MockResources())
	require.NoError(t, err)
	return processor
}

func TestCanlogProcessor_DecodesLine(t *testing.T) {
	processor := newTestProcessor(t, "")

	batch, err := processor.Process(context.Background(), service.NewMessage([]byte("(1.0) can0 123#2A14000000000000")))
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, batch[0].GetError())

	structured, err := batch[0].AsStructured()
	require.NoError(t, err)
	record, ok := structured.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Status", record["name"])

	signals, ok := record["signals"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 42.0, signals["Counter"])
}

func TestCanlogProcessor_UnknownIdentifier(t *testing.T) {
	t.Run("warn emits a minimal record", func(t *testing.T) {
		processor := newTestProcessor(t, "error_mode: warn\n")
		batch, err := processor.Process(context.Background(), service.NewMessage([]byte("(1.0) can0 999#FF")))
		require.NoError(t, err)
		require.Len(t, batch, 1)
		require.NoError(t, batch[0].GetError())

		structured, err := batch[0].AsStructured()
		require.NoError(t, err)
		record := structured.(map[string]any)
		assert.Equal(t, "FF", record["data"])
		assert.NotContains(t, record, "signals")
	})

	t.Run("strict flags the message", func(t *testing.T) {
		processor := newTestProcessor(t, "error_mode: strict\n")
		batch, err := processor.Process(context.Background(), service.NewMessage([]byte("(1.0) can0 999#FF")))
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Error(t, batch[0].GetError())
	})

	t.Run("ignore drops the message", func(t *testing.T) {
		processor := newTestProcessor(t, "error_mode: ignore\n")
		batch, err := processor.Process(context.Background(), service.NewMessage([]byte("(1.0) can0 999#FF")))
		require.NoError(t, err)
		assert.Empty(t, batch)
	})
}

func TestCanlogProcessor_MalformedLine(t *testing.T) {
	processor := newTestProcessor(t, "error_mode: warn\n")
	batch, err := processor.Process(context.Background(), service.NewMessage([]byte("not a log line")))
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Error(t, batch[0].GetError())
}

func TestCanlogProcessor_CustomPattern(t *testing.T) {
	processor := newTestProcessor(t, "pattern: '^(?P<identifier>\\d+);(?P<payload>[0-9a-f]*)$'\nid_base: 10\n")
	batch, err := processor.Process(context.Background(), service.NewMessage([]byte("291;2a00000000000000")))
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, batch[0].GetError())

	structured, err := batch[0].AsStructured()
	require.NoError(t, err)
	signals := structured.(map[string]any)["signals"].(map[string]any)
	assert.Equal(t, 42.0, signals["Counter"])
}

func TestCanlogProcessor_BadConfig(t *testing.T) {
	conf, err := canlogProcessorConfig().ParseYAML("specs:\n  modbus: nope\n", nil)
	require.NoError(t, err)
	_, err = newCanlogProcessorFromConfig(conf, service.MockResources())
	require.Error(t, err, "unknown protocol tag")
}
