package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	cfg, logger, err := setup([]string{"-port", "9123", "-env", "dev"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, "9123", cfg.Server.Port)
	assert.Equal(t, "dev", cfg.Env)
}

func TestSetupReportsBadConfig(t *testing.T) {
	_, _, err := setup([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.ErrorContains(t, err, "load config")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("log:\n  level: loud\n"), 0o644))
	_, _, err = setup([]string{"-config", bad})
	assert.Error(t, err)

	_, _, err = setup([]string{"-nope"})
	assert.Error(t, err)
}
