package cachekey

import (
	"context"
	"net/http"
	"strings"
)

const (
	// RootKey is the logical key of the application's root document.
	RootKey = "/"

	versionSeparator = "?v="
)

// CacheKeyer maps requests to logical resource keys and back to the
// request identity used as the stored key.
type CacheKeyer struct {
	// Origin of the application, without trailing slash.
	// E.g. `https://app.example.com`.
	Origin string
}

func NewCacheKeyer(origin string) CacheKeyer {
	return CacheKeyer{Origin: strings.TrimRight(origin, "/")}
}

// LogicalKey returns the manifest key for an incoming request.
// The leading slash is removed, a `?v=<token>` version suffix is stripped,
// and the bare root maps to RootKey.
func (c CacheKeyer) LogicalKey(r *http.Request) string {
	// RequestURI never carries the fragment
	return c.normalize(strings.TrimPrefix(r.URL.RequestURI(), "/"))
}

func (c CacheKeyer) normalize(key string) string {
	if before, _, found := strings.Cut(key, versionSeparator); found {
		key = before
	}
	if key == "" {
		return RootKey
	}
	return key
}

// StoreKey returns the request identity under which the resource for the
// logical key is stored, i.e. its canonical absolute URL.
func (c CacheKeyer) StoreKey(key string) string {
	if key == RootKey {
		return c.Origin + "/"
	}
	return c.Origin + "/" + key
}

// KeyFromStoreKey reverses StoreKey.
// It reports false if the stored key does not belong to this origin.
func (c CacheKeyer) KeyFromStoreKey(storeKey string) (string, bool) {
	if !strings.HasPrefix(storeKey, c.Origin+"/") {
		return "", false
	}
	key := strings.TrimPrefix(storeKey, c.Origin+"/")
	if key == "" {
		key = RootKey
	}
	return key, true
}

// NewRequest creates a GET request for the logical key.
func (c CacheKeyer) NewRequest(ctx context.Context, key string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, c.StoreKey(key), nil)
}
