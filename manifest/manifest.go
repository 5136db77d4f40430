// Package manifest holds the build-time resource manifest: a mapping from
// logical resource path to content checksum.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

var ErrNoResources = errors.New("no resources found")

// Manifest is an immutable resource path -> checksum mapping.
type Manifest struct {
	resources map[string]string
}

// New copies resources into a new Manifest.
func New(resources map[string]string) Manifest {
	m := Manifest{resources: make(map[string]string, len(resources))}
	for key, sum := range resources {
		m.resources[key] = sum
	}
	return m
}

// Checksum returns the checksum for key and whether key is part of the manifest.
func (m Manifest) Checksum(key string) (string, bool) {
	sum, ok := m.resources[key]
	return sum, ok
}

// Has reports whether key is part of the manifest.
func (m Manifest) Has(key string) bool {
	_, ok := m.resources[key]
	return ok
}

// Keys returns all resource paths, sorted.
func (m Manifest) Keys() []string {
	keys := make([]string, 0, len(m.resources))
	for key := range m.resources {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (m Manifest) Len() int {
	return len(m.resources)
}

// Encode returns the JSON record of the manifest.
// Keys are sorted, so equal manifests encode to equal bytes.
func (m Manifest) Encode() ([]byte, error) {
	resources := m.resources
	if resources == nil {
		resources = map[string]string{}
	}
	return json.Marshal(resources)
}

// Version returns a short fingerprint of the manifest contents.
func (m Manifest) Version() string {
	b, err := m.Encode()
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:6])
}

// Decode parses a JSON record written by Encode.
func Decode(b []byte) (Manifest, error) {
	var resources map[string]string
	if err := json.Unmarshal(b, &resources); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest record: %w", err)
	}
	return New(resources), nil
}

// Load reads a manifest from a JSON or YAML file of path: checksum pairs.
func Load(filename string) (Manifest, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return Manifest{}, err
	}
	var resources map[string]string
	if err := yaml.Unmarshal(b, &resources); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", filename, err)
	}
	if len(resources) == 0 {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", filename, ErrNoResources)
	}
	return New(resources), nil
}

var (
	resourcesPattern = regexp.MustCompile(`(?s)const\s+RESOURCES\s*=\s*(\{.*?\});`)
	corePattern      = regexp.MustCompile(`(?s)const\s+CORE\s*=\s*(\[.*?\]);`)
)

// FromServiceWorker extracts the resource map and the shell resource list
// from a generated flutter_service_worker.js script.
// The shell list is empty if the script does not declare one.
func FromServiceWorker(script []byte) (Manifest, []string, error) {
	match := resourcesPattern.FindSubmatch(script)
	if match == nil {
		return Manifest{}, nil, ErrNoResources
	}
	var resources map[string]string
	if err := yaml.Unmarshal(match[1], &resources); err != nil {
		return Manifest{}, nil, fmt.Errorf("parse RESOURCES: %w", err)
	}
	var core []string
	if match := corePattern.FindSubmatch(script); match != nil {
		if err := yaml.Unmarshal(match[1], &core); err != nil {
			return Manifest{}, nil, fmt.Errorf("parse CORE: %w", err)
		}
	}
	return New(resources), core, nil
}

// LoadServiceWorker reads a generated service worker script from disk.
func LoadServiceWorker(filename string) (Manifest, []string, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return Manifest{}, nil, err
	}
	m, core, err := FromServiceWorker(b)
	if err != nil {
		return m, core, fmt.Errorf("%s: %w", filename, err)
	}
	return m, core, nil
}
