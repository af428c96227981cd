package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"--help"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "serve")
}

func TestRunRejectsInvalidFormat(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"queue", "list", "--format", "yaml"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "invalid format")
}

func TestRunReportsConfigurationErrors(t *testing.T) {
	t.Setenv("RELAYSYNC_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("RELAYSYNC_BACKEND_PROFILE", "floppy")
	var stdout, stderr bytes.Buffer
	code := run([]string{"queue", "list"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "BACKEND_PROFILE")
}
