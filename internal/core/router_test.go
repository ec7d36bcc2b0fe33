package core

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lawnflow/fieldsync/internal/db"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	database, err := db.OpenMemory(db.AgentMigrations())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	router := NewRouter(database, &http.Client{Timeout: 2 * time.Second})
	require.NoError(t, router.SetBucketVersion(BucketStatic, "v1"))
	require.NoError(t, router.SetBucketVersion(BucketDynamic, "v1"))
	return router
}

func getRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func TestPolicySelection(t *testing.T) {
	router := newTestRouter(t)

	cases := []struct {
		method string
		path   string
		accept string
		want   Policy
	}{
		{http.MethodGet, "/api/jobs", "", PolicyNetworkFirst},
		{http.MethodGet, "/api/jobs/j1", "", PolicyNetworkFirst},
		{http.MethodGet, "/static/app.js", "", PolicyCacheFirst},
		{http.MethodGet, "/assets/logo.png", "", PolicyCacheFirst},
		{http.MethodGet, "/fonts/inter.woff2", "", PolicyCacheFirst},
		{http.MethodGet, "/jobs/today", "text/html,application/xhtml+xml", PolicyNetworkFirst},
		{http.MethodGet, "/stream", "", PolicyNetworkOnly},
		{http.MethodPost, "/api/jobs/j1/photos", "", PolicyNetworkOnly},
		{http.MethodDelete, "/api/jobs/j1", "text/html", PolicyNetworkOnly},
	}

	for _, tc := range cases {
		req, err := http.NewRequest(tc.method, "http://server"+tc.path, nil)
		require.NoError(t, err)
		if tc.accept != "" {
			req.Header.Set("Accept", tc.accept)
		}
		require.Equal(t, tc.want, router.PolicyFor(req), "%s %s", tc.method, tc.path)
	}
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	router := newTestRouter(t)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jobs":[]}`))
	}))
	url := backend.URL + "/api/jobs"

	resp, err := router.Do(getRequest(t, url))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, resp.FromCache)

	backend.Close()

	resp, err = router.Do(getRequest(t, url))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, resp.FromCache)
	require.Equal(t, `{"jobs":[]}`, string(resp.Body))
}

func TestNetworkFirstSyntheticUnavailable(t *testing.T) {
	router := newTestRouter(t)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := backend.URL + "/api/never-fetched"
	backend.Close()

	resp, err := router.Do(getRequest(t, url))
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Contains(t, string(resp.Body), "no cached copy")
}

func TestNetworkFirstOfflineFallbackPage(t *testing.T) {
	router := newTestRouter(t)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := backend.URL + "/jobs/today"
	backend.Close()

	req := getRequest(t, url)
	req.Header.Set("Accept", "text/html")

	resp, err := router.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	require.Contains(t, string(resp.Body), "offline")
}

func TestCacheFirstServesCachedWithoutNetwork(t *testing.T) {
	router := newTestRouter(t)

	hits := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "text/css")
		w.Write([]byte("body{}"))
	}))
	defer backend.Close()
	url := backend.URL + "/static/app.css"

	resp, err := router.Do(getRequest(t, url))
	require.NoError(t, err)
	require.False(t, resp.FromCache)
	require.Equal(t, 1, hits)

	resp, err = router.Do(getRequest(t, url))
	require.NoError(t, err)
	require.True(t, resp.FromCache)
	require.Equal(t, "body{}", string(resp.Body))
	require.Equal(t, 1, hits, "cache-first must not touch the network on a hit")
}

func TestCacheFirstSyntheticNotFound(t *testing.T) {
	router := newTestRouter(t)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := backend.URL + "/static/missing.js"
	backend.Close()

	resp, err := router.Do(getRequest(t, url))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNetworkOnlyNeverCaches(t *testing.T) {
	router := newTestRouter(t)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	url := backend.URL + "/api/jobs/j1/transition"

	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader("{}"))
	require.NoError(t, err)
	resp, err := router.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	backend.Close()

	req, err = http.NewRequest(http.MethodPost, url, strings.NewReader("{}"))
	require.NoError(t, err)
	_, err = router.Do(req)
	require.Error(t, err, "mutations must fail hard when offline, not serve stale state")
}

func TestBucketVersionChangeEvictsWholesale(t *testing.T) {
	router := newTestRouter(t)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("asset"))
	}))
	url := backend.URL + "/static/app.js"

	_, err := router.Do(getRequest(t, url))
	require.NoError(t, err)
	backend.Close()

	// Same version: entry survives.
	require.NoError(t, router.SetBucketVersion(BucketStatic, "v1"))
	resp, err := router.Do(getRequest(t, url))
	require.NoError(t, err)
	require.True(t, resp.FromCache)

	// Deployment boundary: new version wipes the bucket.
	require.NoError(t, router.SetBucketVersion(BucketStatic, "v2"))
	resp, err = router.Do(getRequest(t, url))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCacheKeyNormalizesQueryOrder(t *testing.T) {
	a, err := http.NewRequest(http.MethodGet, "http://s/api/jobs?b=2&a=1", nil)
	require.NoError(t, err)
	b, err := http.NewRequest(http.MethodGet, "http://s/api/jobs?a=1&b=2", nil)
	require.NoError(t, err)
	require.Equal(t, cacheKey(a), cacheKey(b))

	c, err := http.NewRequest(http.MethodGet, "http://s/api/jobs?a=2&b=2", nil)
	require.NoError(t, err)
	require.NotEqual(t, cacheKey(a), cacheKey(c))
}
