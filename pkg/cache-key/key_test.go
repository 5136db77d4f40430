package cachekey

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLogicalKey(t *testing.T) {
	keyer := NewCacheKeyer("https://app.example.com/")
	cases := map[string]string{
		"https://app.example.com":  RootKey,
		"https://app.example.com/": RootKey,
		"/":                        RootKey,
		"/main.dart.js":            "main.dart.js",
		"/main.dart.js?v=1234":     "main.dart.js",
		"/assets/fonts/MaterialIcons.otf?v=abc&x=": "assets/fonts/MaterialIcons.otf",
		"/?v=42":      RootKey,
		"/search?q=1": "search?q=1",
	}
	for target, want := range cases {
		r := httptest.NewRequest("GET", target, nil)
		if key := keyer.LogicalKey(r); key != want {
			t.Errorf("LogicalKey(%s) = %q, want %q", target, key, want)
		}
	}
}

func TestStoreKeyRoundTrip(t *testing.T) {
	keyer := NewCacheKeyer("http://localhost:8080")
	for _, key := range []string{RootKey, "index.html", "assets/AssetManifest.json"} {
		storeKey := keyer.StoreKey(key)
		back, ok := keyer.KeyFromStoreKey(storeKey)
		if !ok || back != key {
			t.Fatalf("Store key %s maps back to %q, %v", storeKey, back, ok)
		}
	}
	if storeKey := keyer.StoreKey(RootKey); storeKey != "http://localhost:8080/" {
		t.Fatalf("Root store key is %s", storeKey)
	}
	if _, ok := keyer.KeyFromStoreKey("http://elsewhere/index.html"); ok {
		t.Fatal("Foreign store key was mapped")
	}
}

func TestNewRequest(t *testing.T) {
	keyer := NewCacheKeyer("http://localhost:8080")
	req, err := keyer.NewRequest(context.Background(), "main.dart.js")
	if err != nil {
		t.Fatal(err)
	}
	if req.Method != http.MethodGet || req.URL.String() != "http://localhost:8080/main.dart.js" {
		t.Fatalf("Request is %s %s", req.Method, req.URL)
	}
}
