package offlinecache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/always-cache/offline-cache/manifest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(h http.Handler, target, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", target, strings.NewReader(body)))
	return rr
}

func TestRouterMessages(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(appBodies())
	h := newTestHost(t, o, false)
	router := h.Router()

	m := manifest.New(map[string]string{"/": "1", "main.dart.js": "1", "a.js": "1"})
	_, err := h.Register(ctx, m, []string{"/"})
	require.NoError(t, err)

	rr := post(router, "/.offline-cache/message", "downloadOffline")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	h.Wait()
	assert.Len(t, partitionKeys(t, h, h.names.Content), 3)

	rr = post(router, "/.offline-cache/message", `"skipWaiting"`)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	h.Wait()

	rr = post(router, "/.offline-cache/message", "reload")
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestRouterStatus(t *testing.T) {
	ctx := context.Background()
	h := newTestHost(t, newOrigin(appBodies()), true)
	router := h.Router()

	v1 := manifest.New(map[string]string{"/": "1", "a.js": "1"})
	_, err := h.Register(ctx, v1, []string{"/", "a.js"})
	require.NoError(t, err)
	v2 := manifest.New(map[string]string{"/": "2"})
	_, err = h.Register(ctx, v2, []string{"/"})
	require.NoError(t, err)

	rr := get(router, "/.offline-cache/status")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var status HostStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, testOrigin, status.Origin)
	require.NotNil(t, status.Active)
	assert.Equal(t, v1.Version(), status.Active.Version)
	assert.Equal(t, "active", status.Active.State)
	assert.Equal(t, 2, status.Active.Resources)
	require.NotNil(t, status.Waiting)
	assert.Equal(t, v2.Version(), status.Waiting.Version)
	assert.Equal(t, "waiting", status.Waiting.State)
	assert.Equal(t, 2, status.Cached)
	assert.Equal(t, "offline-app-cache", status.Partitions.Content)
}

func TestRouterServesCache(t *testing.T) {
	ctx := context.Background()
	o := newOrigin(appBodies())
	h := newTestHost(t, o, false)
	router := h.Router()

	m := manifest.New(map[string]string{"/": "1", "main.dart.js": "1"})
	_, err := h.Register(ctx, m, []string{"/", "main.dart.js"})
	require.NoError(t, err)

	rr := get(router, "/main.dart.js")
	assert.Equal(t, "main v1", rr.Body.String())
	assert.Equal(t, "OfflineCache; hit", rr.Header().Get("Cache-Status"))
	assert.NotEmpty(t, rr.Header().Get("Request-Id"))

	rr = get(router, "/.offline-cache/unknown")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
