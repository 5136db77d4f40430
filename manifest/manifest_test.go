package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumLookup(t *testing.T) {
	m := New(map[string]string{
		"main.dart.js": "abc",
		"empty.txt":    "",
	})

	sum, ok := m.Checksum("main.dart.js")
	assert.True(t, ok)
	assert.Equal(t, "abc", sum)

	// an empty checksum is still a manifest entry
	_, ok = m.Checksum("empty.txt")
	assert.True(t, ok)

	_, ok = m.Checksum("missing.js")
	assert.False(t, ok)
	assert.Equal(t, []string{"empty.txt", "main.dart.js"}, m.Keys())
}

func TestNewCopiesInput(t *testing.T) {
	resources := map[string]string{"a": "1"}
	m := New(resources)
	resources["a"] = "2"
	sum, _ := m.Checksum("a")
	assert.Equal(t, "1", sum)
}

func TestRecordRoundTrip(t *testing.T) {
	m := New(map[string]string{"/": "r", "index.html": "i"})
	b, err := m.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"/": "r", "index.html": "i"}`, string(b))

	decoded, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, m.Keys(), decoded.Keys())
	assert.Equal(t, m.Version(), decoded.Version())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)
}

func TestVersionChangesWithChecksum(t *testing.T) {
	a := New(map[string]string{"main.js": "1"})
	b := New(map[string]string{"main.js": "2"})
	assert.NotEqual(t, a.Version(), b.Version())
	assert.Equal(t, a.Version(), New(map[string]string{"main.js": "1"}).Version())
}

func TestLoadJSONAndYAML(t *testing.T) {
	dir := t.TempDir()
	jsonFile := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(jsonFile, []byte(`{"main.js": "123", "/": "456"}`), 0o644))
	yamlFile := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(yamlFile, []byte("main.js: \"123\"\n/: \"456\"\n"), 0o644))
	emptyFile := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(emptyFile, []byte(`{}`), 0o644))

	for _, filename := range []string{jsonFile, yamlFile} {
		m, err := Load(filename)
		require.NoError(t, err)
		sum, ok := m.Checksum("/")
		assert.True(t, ok)
		assert.Equal(t, "456", sum)
	}

	_, err := Load(emptyFile)
	assert.ErrorIs(t, err, ErrNoResources)
}

const serviceWorker = `'use strict';
const MANIFEST = 'flutter-app-manifest';
const TEMP = 'flutter-temp-cache';
const CACHE_NAME = 'flutter-app-cache';
const RESOURCES = {"version.json": "8d58cc797747786052ff65bca5618f88",
"index.html": "0b9b3f4a8b39b9d4b1e1c2d5b0b0ab2e",
"/": "0b9b3f4a8b39b9d4b1e1c2d5b0b0ab2e",
"main.dart.js": "3c5f2f7ab9c1b1f7b1dbd0f0dd2f3f11"
};
// The application shell files that are downloaded before a service worker can
// start.
const CORE = ["main.dart.js",
"index.html",
"assets/AssetManifest.json"];
self.addEventListener("install", (event) => {});
`

func TestFromServiceWorker(t *testing.T) {
	m, core, err := FromServiceWorker([]byte(serviceWorker))
	require.NoError(t, err)
	assert.Equal(t, 4, m.Len())
	sum, ok := m.Checksum("version.json")
	assert.True(t, ok)
	assert.Equal(t, "8d58cc797747786052ff65bca5618f88", sum)
	assert.True(t, m.Has("/"))
	assert.Equal(t, []string{"main.dart.js", "index.html", "assets/AssetManifest.json"}, core)
}

func TestFromServiceWorkerWithoutResources(t *testing.T) {
	_, _, err := FromServiceWorker([]byte(`self.addEventListener("fetch", () => {});`))
	assert.ErrorIs(t, err, ErrNoResources)
}
