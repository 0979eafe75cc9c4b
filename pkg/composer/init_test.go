package composer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookPathReturnsAbsoluteCommandUnchanged(t *testing.T) {
	got, err := lookPath("/bin/true")
	require.NoError(t, err)
	assert.Equal(t, "/bin/true", got)
}

func TestLookPathResolvesFromPATH(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "mytool")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755))

	t.Setenv("PATH", dir)
	got, err := lookPath("mytool")
	require.NoError(t, err)
	assert.Equal(t, bin, got)
}

func TestLookPathRejectsUnknownCommand(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	_, err := lookPath("does-not-exist")
	assert.Error(t, err)
}

func TestDropCapabilitiesRejectsUnknownName(t *testing.T) {
	err := dropCapabilities([]string{"not_a_real_cap"})
	assert.Error(t, err)
}

func TestApplyCredentialsNoopWhenUnset(t *testing.T) {
	assert.NoError(t, applyCredentials(InitSpec{}))
}
