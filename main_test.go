package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "rtmprelay dev\n", out.String())
}

func TestServe_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtmprelay_config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("FF_EXTRA_ARGS: \"-i other.mp4\"\n"), 0o600))

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--config", path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FF_EXTRA_ARGS")
}
