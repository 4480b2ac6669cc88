package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// We should load config correctly.
func TestLoadConfig(t *testing.T) {
	t.Parallel()

	conf := LoadConfig(writeTestConfig(t,
		"url: https://contree.example.com\n"+
			"token: secret\n"+
			"cacheDir: ~/somewhere/else\n"+
			"log: warn\n"))

	home, _ := os.UserHomeDir()
	assert.Equal(t, "https://contree.example.com", conf.URL)
	assert.Equal(t, "secret", conf.Token)
	assert.Equal(t, filepath.Join(home, "somewhere/else"), conf.CacheDir)
	assert.Equal(t, "warn", conf.LogLevel)
	assert.Equal(t, 120, conf.RetentionDays, "unset keys fall back to defaults")
}

func TestConfigMerge(t *testing.T) {
	t.Parallel()

	conf := LoadConfig(writeTestConfig(t, "cacheDir: /some/directory\n"))

	assert.Equal(t, "info", conf.LogLevel)
	assert.Equal(t, "https://contree.dev", conf.URL)
	assert.Equal(t, "/some/directory", conf.CacheDir)
}

// We should come up with the defaults if there is no config file.
func TestLoadNonexistentConfig(t *testing.T) {
	t.Parallel()

	conf := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yml"))

	cacheDir, _ := os.UserCacheDir()
	assert.Equal(t, filepath.Join(cacheDir, "contree-broker"), conf.CacheDir)
	assert.Equal(t, "info", conf.LogLevel)
	assert.Equal(t, "https://contree.dev", conf.URL)
}

func TestWriteConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yml")
	conf := Config{URL: "https://contree.dev", Token: "tok", LogLevel: "debug"}
	require.NoError(t, conf.WriteConfig(path))

	reloaded := LoadConfig(path)
	assert.Equal(t, "tok", reloaded.Token)
	assert.Equal(t, "debug", reloaded.LogLevel)
}
