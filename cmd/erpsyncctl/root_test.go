package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSince(t *testing.T) {
	got, err := parseSince("2026-10-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = parseSince("")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = parseSince("yesterday")
	assert.Error(t, err)
}

func TestRootRequiresTenant(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"classify", "--sqlite", filepath.Join(t.TempDir(), "x.db")})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant")
}

func TestClassifyWithoutMappingPrintsFatalSummary(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{
		"classify", "--tenant", "acme", "--migrate", "--format", "json",
		"--config", t.TempDir(),
		"--sqlite", filepath.Join(t.TempDir(), "erpsync.db"),
	})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, out.String(), `"success": false`)
	assert.True(t, strings.Contains(err.Error(), "mapping spec"), err.Error())
}

func TestFetchRejectsUnknownTarget(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"fetch", "orders", "--tenant", "acme"})
	assert.Error(t, cmd.Execute())
}
