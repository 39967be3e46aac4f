package rpm2sysvpkg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinConfig(t *testing.T) {
	config, err := NewConfig("")
	require.NoError(t, err)
	assert.Equal(t, "application", config.Category)
	assert.Equal(t, "/", config.Basedir)
	assert.False(t, config.ASCIIFold)
	assert.Contains(t, config.Interpreters, "/bin/sh")
	assert.Equal(t, "all", config.ArchMap.lookup("noarch"))
	assert.Equal(t, "ppc64le", config.ArchMap.lookup("ppc64le"))
	assert.NotNil(t, config.OwnerMap)
	assert.NotNil(t, config.Variables)
}

func TestUserConfig(t *testing.T) {
	name := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(name, []byte("category: system\nbasedir: /opt\nowner_map:\n  nobody: noaccess\n"), 0644))
	config, err := NewConfig(name)
	require.NoError(t, err)
	assert.Equal(t, "system", config.Category)
	assert.Equal(t, "/opt", config.Basedir)
	assert.Equal(t, "noaccess", config.OwnerMap.lookup("nobody"))
	assert.Equal(t, "sys", config.GroupMap.lookup("wheel"), "unset keys keep their defaults")
}

func TestUserConfigUnknownKey(t *testing.T) {
	name := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(name, []byte("categroy: system\n"), 0644))
	_, err := NewConfig(name)
	assert.Error(t, err)

	_, err = NewConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestConfigEnvironment(t *testing.T) {
	t.Setenv("RPM2SYSVPKG_CATEGORY", "utility")
	t.Setenv("RPM2SYSVPKG_ASCII_FOLD", "true")
	t.Setenv("RPM2SYSVPKG_INTERPRETERS", "/bin/sh,/bin/ksh")
	config, err := NewConfig("")
	require.NoError(t, err)
	assert.Equal(t, "utility", config.Category)
	assert.True(t, config.ASCIIFold)
	assert.Equal(t, []string{"/bin/sh", "/bin/ksh"}, config.Interpreters)

	t.Setenv("RPM2SYSVPKG_DEPEND", "maybe")
	_, err = NewConfig("")
	assert.Error(t, err)
}
