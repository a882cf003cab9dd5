package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsage/docsage/pkg/version"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "docsage")
	assert.Contains(t, out, version.Version)

	out, err = runCommand(t, "version", "--short")
	require.NoError(t, err)
	assert.Contains(t, out, version.Version)

	out, err = runCommand(t, "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"go_version"`)
}

func validYAML() string {
	return `
instances:
  - name: gpu-0
    url: http://localhost:11434
    models: [llama3.2:3b, nomic-embed-text:v1.5]
models:
  chat: llama3.2:3b
`
}

func TestConfigValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML()), 0o644))

	out, err := runCommand(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "valid")
}

func TestConfigValidateRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsage.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models:\n  chat: llama3.2:3b\n"), 0o644))

	_, err := runCommand(t, "config", "validate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instances")
}

func TestConfigShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML()), 0o644))

	out, err := runCommand(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "gpu-0")
	assert.Contains(t, out, "embedding")
}

func TestConfigInitTemplateIsValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsage.yaml")

	out, err := runCommand(t, "config", "init", "--output", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")

	_, err = runCommand(t, "config", "validate", "--config", path)
	require.NoError(t, err, "the shipped template must pass validation")

	_, err = runCommand(t, "config", "init", "--output", path)
	require.Error(t, err, "refuses to overwrite without --force")
}

func TestServeRequiresConfigFlag(t *testing.T) {
	_, err := runCommand(t, "serve")
	require.Error(t, err)
}
