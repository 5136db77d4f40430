package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(filename, []byte(content), 0644))
	return filename
}

func TestConfigDefaults(t *testing.T) {
	config, err := getConfig("")
	require.NoError(t, err)
	assert.Equal(t, 8080, config.Port)
	assert.Equal(t, "cache.db", config.DB)
	assert.Equal(t, "offline", config.PartitionPrefix)
	assert.Equal(t, 30*time.Second, config.RetryInterval)
}

func TestConfigFileAndEnv(t *testing.T) {
	filename := writeFile(t, "config.yaml", `
origin: https://app.example.com
port: 9000
shell:
  - /
  - main.dart.js
retryInterval: 5s
deferActivation: true
`)
	t.Setenv("OFFLINE_CACHE_PORT", "9100")
	t.Setenv("OFFLINE_CACHE_DB", "memory")

	config, err := getConfig(filename)
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com", config.Origin)
	assert.Equal(t, 9100, config.Port)
	assert.Equal(t, []string{"/", "main.dart.js"}, config.Shell)
	assert.Equal(t, 5*time.Second, config.RetryInterval)
	assert.True(t, config.DeferActivation)
	assert.Equal(t, "", config.dbFilename())
}

func TestConfigShellFromEnv(t *testing.T) {
	t.Setenv("OFFLINE_CACHE_SHELL", "/,main.dart.js,flutter.js")
	config, err := getConfig("")
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "main.dart.js", "flutter.js"}, config.Shell)
}

func TestOriginURL(t *testing.T) {
	originURL, host, err := Config{Addr: "10.0.0.1", Host: "app.example.com"}.originURL()
	require.NoError(t, err)
	assert.Equal(t, "https://10.0.0.1", originURL.String())
	assert.Equal(t, "app.example.com", host)

	_, _, err = Config{}.originURL()
	assert.Error(t, err)
}

func TestLoadManifestDefaultsShellToRoot(t *testing.T) {
	filename := writeFile(t, "manifest.json", `{"/": "abc", "main.dart.js": "def"}`)
	m, shell, err := Config{Manifest: filename}.loadManifest()
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, []string{"/"}, shell)

	_, _, err = Config{}.loadManifest()
	assert.Error(t, err)
}

func TestPrintPartitions(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemStore()
	p, err := store.Open(ctx, "offline-app-cache")
	require.NoError(t, err)
	require.NoError(t, p.Put(ctx, "https://app.example.com/", make([]byte, 2048)))

	var out bytes.Buffer
	require.NoError(t, printPartitions(ctx, &out, store))
	assert.Contains(t, out.String(), "offline-app-cache")
	assert.Contains(t, out.String(), "1 entries")
	assert.Contains(t, out.String(), "https://app.example.com/")
	assert.Contains(t, out.String(), "2.0 kB")
}
