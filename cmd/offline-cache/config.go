package main

import (
	"fmt"
	"net/url"
	"os"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/manifest"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const envPrefix = "OFFLINE_CACHE_"

// Config is read from an optional YAML file, then overridden by
// OFFLINE_CACHE_* environment variables, then by command line flags.
type Config struct {
	// Origin URL to proxy to.
	Origin string `yaml:"origin" env:"ORIGIN"`
	// Addr is the origin IP address, used with Host if Origin is not set.
	Addr string `yaml:"addr" env:"ADDR"`
	// Host is the hostname of the origin.
	Host string `yaml:"host" env:"HOST"`
	Port int    `yaml:"port" env:"PORT"`
	// DB is the SQLite file name, 'memory' for an in-memory db.
	DB string `yaml:"db" env:"DB"`
	// Manifest is a JSON or YAML file mapping resource paths to checksums.
	Manifest string `yaml:"manifest" env:"MANIFEST"`
	// ServiceWorker is a generated service worker script to read the
	// manifest and shell resources from, instead of Manifest and Shell.
	ServiceWorker   string        `yaml:"serviceWorker" env:"SERVICE_WORKER"`
	Shell           []string      `yaml:"shell" env:"SHELL" envSeparator:","`
	PartitionPrefix string        `yaml:"partitionPrefix" env:"PARTITION_PREFIX"`
	DeferActivation bool          `yaml:"deferActivation" env:"DEFER_ACTIVATION"`
	SyncConcurrency int           `yaml:"syncConcurrency" env:"SYNC_CONCURRENCY"`
	RetryInterval   time.Duration `yaml:"retryInterval" env:"RETRY_INTERVAL"`
	LogFile         string        `yaml:"logFile" env:"LOG_FILE"`
}

func defaultConfig() Config {
	return Config{
		Port:            8080,
		DB:              "cache.db",
		PartitionPrefix: offlinecache.DefaultPartitionPrefix,
		SyncConcurrency: offlinecache.DefaultSyncConcurrency,
		RetryInterval:   offlinecache.DefaultRetryInterval,
	}
}

// getConfig reads the config file, if any, and applies environment overrides.
func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: envPrefix}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

// originURL returns the origin to proxy to, and the optional host override.
func (c Config) originURL() (url.URL, string, error) {
	switch {
	case c.Origin != "":
		originURL, err := url.Parse(c.Origin)
		if err != nil {
			return url.URL{}, "", fmt.Errorf("parse origin: %w", err)
		}
		return *originURL, c.Host, nil
	case c.Addr != "":
		originURL, err := url.Parse("https://" + c.Addr)
		if err != nil {
			return url.URL{}, "", fmt.Errorf("parse origin address: %w", err)
		}
		return *originURL, c.Host, nil
	default:
		return url.URL{}, "", fmt.Errorf("please specify origin")
	}
}

func (c Config) dbFilename() string {
	if c.DB == "memory" {
		return ""
	}
	return c.DB
}

// loadManifest reads the manifest and the shell resources to install.
// Without an explicit shell, the root document is installed.
func (c Config) loadManifest() (manifest.Manifest, []string, error) {
	if c.ServiceWorker != "" {
		return manifest.LoadServiceWorker(c.ServiceWorker)
	}
	if c.Manifest == "" {
		return manifest.Manifest{}, nil, fmt.Errorf("please specify manifest or service worker")
	}
	m, err := manifest.Load(c.Manifest)
	if err != nil {
		return m, nil, err
	}
	shell := c.Shell
	if len(shell) == 0 && m.Has(cachekey.RootKey) {
		shell = []string{cachekey.RootKey}
	}
	return m, shell, nil
}
