package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "canparse.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestMergeFile_FileValuesFillUnsetFlags(t *testing.T) {
	path := writeConfig(t, `
mode = "ignore"
workers = 4
detect = "observational"

[specs]
can = ["./specs/can.yaml", "./specs/extra.yaml"]
`)

	c := cliConfig{Mode: "warn", IDBase: 16}
	require.NoError(t, c.mergeFile(path, func(string) bool { return false }))

	assert.Equal(t, "ignore", c.Mode)
	assert.Equal(t, 4, c.Workers)
	assert.Equal(t, "observational", c.Detect)
	assert.Equal(t, []string{"./specs/can.yaml", "./specs/extra.yaml"}, c.annexes["can"])
	assert.Equal(t, 16, c.IDBase, "keys absent from the file keep their flag values")
}

func TestMergeFile_FlagsWinOverFile(t *testing.T) {
	path := writeConfig(t, "mode = \"ignore\"\nworkers = 4\n")

	c := cliConfig{Mode: "strict"}
	set := map[string]bool{"mode": true}
	require.NoError(t, c.mergeFile(path, func(name string) bool { return set[name] }))

	assert.Equal(t, "strict", c.Mode)
	assert.Equal(t, 4, c.Workers)
}

func TestMergeFile_BadFile(t *testing.T) {
	path := writeConfig(t, "mode = [not toml")
	var c cliConfig
	require.Error(t, c.mergeFile(path, func(string) bool { return false }))
}

func TestOptions_SpecPairs(t *testing.T) {
	c := cliConfig{Mode: "warn", IDBase: 16, Specs: []string{"can=inline-or-path"}}
	_, err := c.options()
	require.NoError(t, err)
	assert.Equal(t, []string{"inline-or-path"}, c.annexes["can"])

	c = cliConfig{Mode: "warn", Specs: []string{"missing-separator"}}
	_, err = c.options()
	require.Error(t, err)
}

func TestOptions_Validation(t *testing.T) {
	c := cliConfig{Mode: "never"}
	_, err := c.options()
	require.Error(t, err)

	c = cliConfig{Mode: "warn", Detect: "magic"}
	_, err = c.options()
	require.Error(t, err)

	c = cliConfig{Mode: "warn", Pattern: "(unclosed", IDBase: 16}
	opts, err := c.options()
	require.NoError(t, err, "pattern compilation is deferred to the parser constructor")
	assert.NotEmpty(t, opts)
}
