package main

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"sim", "--targets", "5", "--objects", "60", "--victims", "2", "--reintegrate", "--log-level", "error"})

	require.NoError(t, root.Execute())
	text := out.String()
	assert.Contains(t, text, "STEP")
	assert.Contains(t, text, "exclude")
	assert.Contains(t, text, "reintegrate")
}

func TestSimRejectsVictimOutOfRange(t *testing.T) {
	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"sim", "--targets", "3", "--victims", "7", "--log-level", "error"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestServeRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "missing file", args: []string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}},
		{name: "bad log format", args: []string{"--log-format", "xml"}},
		{name: "bad log level", args: []string{"--log-level", "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newRootCmd()
			root.SetOut(io.Discard)
			root.SetErr(io.Discard)
			root.SetArgs(tt.args)
			assert.Error(t, root.Execute())
		})
	}
}
