package core

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/lawnflow/fieldsync/internal/telemetry"
)

type Policy string

const (
	PolicyNetworkFirst Policy = "network-first"
	PolicyCacheFirst   Policy = "cache-first"
	PolicyNetworkOnly  Policy = "network-only"
)

const (
	BucketStatic  = "static"
	BucketDynamic = "dynamic"
)

// Response is the routed result handed back to the caller, whether it came
// from the network, the cache, or was synthesized while offline.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FromCache  bool
}

// Router executes outbound reads under a per-resource-class cache policy.
// It is the only place cache writes occur.
type Router struct {
	db     *sql.DB
	client *http.Client
}

func NewRouter(database *sql.DB, client *http.Client) *Router {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Router{db: database, client: client}
}

// SetBucketVersion records the bucket's deployment version tag and evicts
// the whole bucket when the tag changed. There is no per-entry TTL.
func (r *Router) SetBucketVersion(bucket, version string) error {
	var current string
	err := r.db.QueryRow(`SELECT version FROM cache_buckets WHERE bucket = ?`, bucket).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to query bucket version: %w", err)
	}
	if err == nil && current == version {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cache_entries WHERE bucket = ?`, bucket); err != nil {
		return fmt.Errorf("failed to evict bucket %s: %w", bucket, err)
	}
	if _, err := tx.Exec(`
		INSERT INTO cache_buckets (bucket, version) VALUES (?, ?)
		ON CONFLICT(bucket) DO UPDATE SET version = excluded.version
	`, bucket, version); err != nil {
		return fmt.Errorf("failed to record bucket version: %w", err)
	}

	return tx.Commit()
}

var staticExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".svg": true, ".ico": true, ".css": true, ".js": true,
	".woff": true, ".woff2": true, ".ttf": true,
}

// PolicyFor selects a policy by resource class. Non-idempotent methods are
// always network-only.
func (r *Router) PolicyFor(req *http.Request) Policy {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return PolicyNetworkOnly
	}

	p := req.URL.Path
	if strings.HasPrefix(p, "/static/") || strings.HasPrefix(p, "/assets/") || staticExtensions[path.Ext(p)] {
		return PolicyCacheFirst
	}
	if strings.HasPrefix(p, "/api/") {
		return PolicyNetworkFirst
	}
	if isNavigation(req) {
		return PolicyNetworkFirst
	}
	return PolicyNetworkOnly
}

func isNavigation(req *http.Request) bool {
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}

// Do routes one outbound request through the policy for its resource class.
func (r *Router) Do(req *http.Request) (*Response, error) {
	switch r.PolicyFor(req) {
	case PolicyCacheFirst:
		return r.cacheFirst(req)
	case PolicyNetworkFirst:
		return r.networkFirst(req)
	default:
		return r.DoNetworkOnly(req)
	}
}

// DoNetworkOnly never consults or populates the cache. The replay
// coordinator re-issues queued writes through this path.
func (r *Router) DoNetworkOnly(req *http.Request) (*Response, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

func (r *Router) networkFirst(req *http.Request) (*Response, error) {
	resp, err := r.DoNetworkOnly(req)
	if err == nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			r.store(BucketDynamic, cacheKey(req), resp)
		}
		return resp, nil
	}

	cached, found, lookupErr := r.lookup(BucketDynamic, cacheKey(req))
	if lookupErr != nil {
		return nil, lookupErr
	}
	if found {
		telemetry.CacheHits.Inc()
		return cached, nil
	}
	telemetry.CacheMisses.Inc()

	if isNavigation(req) {
		return offlinePage(), nil
	}
	return unavailable(err), nil
}

func (r *Router) cacheFirst(req *http.Request) (*Response, error) {
	cached, found, err := r.lookup(BucketStatic, cacheKey(req))
	if err != nil {
		return nil, err
	}
	if found {
		telemetry.CacheHits.Inc()
		return cached, nil
	}
	telemetry.CacheMisses.Inc()

	resp, netErr := r.DoNetworkOnly(req)
	if netErr == nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			r.store(BucketStatic, cacheKey(req), resp)
		}
		return resp, nil
	}

	return notFound(netErr), nil
}

// cacheKey is the request identity: method plus normalized URL (sorted
// query, no fragment).
func cacheKey(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	if u.RawQuery != "" {
		values, err := url.ParseQuery(u.RawQuery)
		if err == nil {
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			var b strings.Builder
			for _, k := range keys {
				vs := values[k]
				sort.Strings(vs)
				for _, v := range vs {
					if b.Len() > 0 {
						b.WriteByte('&')
					}
					b.WriteString(url.QueryEscape(k))
					b.WriteByte('=')
					b.WriteString(url.QueryEscape(v))
				}
			}
			u.RawQuery = b.String()
		}
	}
	return req.Method + " " + u.String()
}

func (r *Router) lookup(bucket, key string) (*Response, bool, error) {
	var statusCode int
	var headersJSON string
	var body []byte
	err := r.db.QueryRow(`
		SELECT status_code, headers_json, body FROM cache_entries
		WHERE bucket = ? AND cache_key = ?
	`, bucket, key).Scan(&statusCode, &headersJSON, &body)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query cache entry: %w", err)
	}

	header := http.Header{}
	if err := json.Unmarshal([]byte(headersJSON), &header); err != nil {
		return nil, false, nil
	}
	return &Response{
		StatusCode: statusCode,
		Header:     header,
		Body:       body,
		FromCache:  true,
	}, true, nil
}

func (r *Router) store(bucket, key string, resp *Response) {
	headersJSON, err := json.Marshal(resp.Header)
	if err != nil {
		return
	}
	_, err = r.db.Exec(`
		INSERT INTO cache_entries (bucket, cache_key, status_code, headers_json, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket, cache_key) DO UPDATE SET
			status_code = excluded.status_code,
			headers_json = excluded.headers_json,
			body = excluded.body,
			stored_at = excluded.stored_at
	`, bucket, key, resp.StatusCode, string(headersJSON), resp.Body, time.Now().UTC())
	if err == nil {
		telemetry.CacheWrites.Inc()
	}
}

var offlineHTML = []byte(`<!doctype html>
<html>
<head><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>This page is not available without a connection. Queued work will sync automatically once you are back online.</p>
</body>
</html>`)

func offlinePage() *Response {
	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	return &Response{StatusCode: http.StatusOK, Header: header, Body: offlineHTML, FromCache: true}
}

func unavailable(cause error) *Response {
	body, _ := json.Marshal(map[string]string{
		"error":  "network unavailable and no cached copy exists",
		"detail": cause.Error(),
	})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &Response{StatusCode: http.StatusServiceUnavailable, Header: header, Body: body}
}

func notFound(cause error) *Response {
	body, _ := json.Marshal(map[string]string{
		"error":  "resource not cached and network unavailable",
		"detail": cause.Error(),
	})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &Response{StatusCode: http.StatusNotFound, Header: header, Body: body}
}
