package httpapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bskylink/bskylink/internal/auth"
	"github.com/bskylink/bskylink/internal/cache"
	"github.com/bskylink/bskylink/internal/client"
	"github.com/bskylink/bskylink/internal/config"
	"github.com/bskylink/bskylink/internal/metrics"
	"github.com/bskylink/bskylink/internal/model"
	"github.com/bskylink/bskylink/internal/pipeline"
	"github.com/bskylink/bskylink/internal/rate"
	"github.com/bskylink/bskylink/internal/store/sqlite"
)

const alicePost = "https://bsky.app/profile/alice.test/post/abc123"

// fakeXRPC stands in for the upstream PDS.
type fakeXRPC struct {
	mu           sync.Mutex
	calls        map[string]int
	threadStatus int
	thread       string
	feed         string
}

func newFakeXRPC() *fakeXRPC {
	return &fakeXRPC{
		calls:  map[string]int{},
		thread: threadJSON,
		feed:   feedJSON,
	}
}

func (f *fakeXRPC) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := strings.TrimPrefix(r.URL.Path, "/xrpc/")
	f.mu.Lock()
	f.calls[method]++
	status, thread, feed := f.threadStatus, f.thread, f.feed
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case client.MethodCreateSession, client.MethodRefreshSession:
		_, _ = io.WriteString(w, `{"accessJwt":"access","refreshJwt":"refresh","did":"did:plc:gateway","handle":"gateway.test"}`)
	case client.MethodResolveHandle:
		handle := r.URL.Query().Get("handle")
		_, _ = fmt.Fprintf(w, `{"did":"did:plc:%s"}`, strings.TrimSuffix(handle, ".test"))
	case client.MethodGetPostThread:
		if status != 0 {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"error":"InternalServerError"}`)
			return
		}
		_, _ = io.WriteString(w, thread)
	case client.MethodGetAuthorFeed:
		_, _ = io.WriteString(w, feed)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeXRPC) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeXRPC) set(fn func(f *fakeXRPC)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

const threadJSON = `{"thread":{
  "$type":"app.bsky.feed.defs#threadViewPost",
  "post":{
    "uri":"at://did:plc:alice/app.bsky.feed.post/abc123",
    "author":{"did":"did:plc:alice","handle":"alice.test","displayName":"Alice"},
    "record":{"text":"hello from alice","createdAt":"2024-03-04T13:05:09Z"},
    "embed":{"$type":"app.bsky.embed.images#view","images":[{"thumb":"https://cdn.test/t.jpg","fullsize":"https://cdn.test/f.jpg","alt":"a cat"}]},
    "replyCount":2,"repostCount":3,"likeCount":1234
  },
  "parent":{"post":{
    "uri":"at://did:plc:carol/app.bsky.feed.post/p1",
    "author":{"did":"did:plc:carol","handle":"carol.test"},
    "record":{"text":"what is new?","createdAt":"2024-03-04T12:00:00Z"}
  }},
  "replies":[
    {"post":{"uri":"at://did:plc:alice/app.bsky.feed.post/r1","author":{"handle":"alice.test"},"record":{"text":"alice follow-up","createdAt":"2024-03-04T13:06:00Z"}}},
    {"post":{"uri":"at://did:plc:bob/app.bsky.feed.post/r2","author":{"handle":"bob.test"},"record":{"text":"bob chimes in","createdAt":"2024-03-04T13:07:00Z"}}}
  ]
}}`

const feedJSON = `{"feed":[
  {"post":{"uri":"at://did:plc:alice/app.bsky.feed.post/f1","author":{"handle":"alice.test","displayName":"Alice"},"record":{"text":"first feed post","createdAt":"2024-03-05T09:00:00Z"}}},
  {"post":{"uri":"at://did:plc:dave/app.bsky.feed.post/f2","author":{"handle":"dave.test"},"record":{"text":"reposted post","createdAt":"2024-03-04T09:00:00Z"}},
   "reason":{"$type":"app.bsky.feed.defs#reasonRepost","by":{"handle":"alice.test"}}}
]}`

type harness struct {
	server  *httptest.Server
	xrpc    *fakeXRPC
	cache   *cache.Cache
	session *auth.Manager
}

type harnessOption func(*Deps)

func withLimiter(l rate.Limiter) harnessOption {
	return func(d *Deps) { d.Limiter = l }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	xrpc := newFakeXRPC()
	upstream := httptest.NewServer(xrpc)
	t.Cleanup(upstream.Close)

	cfg := config.Default()
	cfg.Upstream.Host = upstream.URL
	cfg.Upstream.Identifier = "gateway.test"
	cfg.Upstream.Password = "app-password"

	m := metrics.New()
	c := client.New(cfg.Upstream.Host, time.Second)
	c.Observe = m.ObserveUpstream
	sess := auth.NewManager(c, cfg.Upstream.Identifier, cfg.Upstream.Password, auth.Options{
		Lease:   cfg.Session.Lease,
		OnRenew: m.ObserveRenew,
	})
	rc := cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL, cache.WithEvictHook(m.CacheEvicted))
	m.CacheSize(rc.Len)

	dsnName := strings.NewReplacer("/", "_").Replace(t.Name())
	st, err := sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", dsnName))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	p := pipeline.New(c, sess, rc, pipeline.Options{
		AllowedHosts: cfg.AllowedHosts,
		PublicURL:    cfg.PublicURL,
		Location:     cfg.Location(),
		Shares:       st,
		Observe:      m.ObservePipeline,
	})
	deps := Deps{
		Pipeline: p,
		Cache:    rc,
		Store:    st,
		Limiter:  rate.NewPool(1000, 1000),
		Metrics:  m,
		Session:  sess,
		Version:  "test",
	}
	for _, opt := range opts {
		opt(&deps)
	}
	server, err := NewServer(deps, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		ts.Close()
		_ = st.Close()
	})
	return &harness{server: ts, xrpc: xrpc, cache: rc, session: sess}
}

func (h *harness) get(t *testing.T, path string, headers map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.server.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.server.Client().Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func postPath(postURL string, extra string) string {
	return "/?url=" + url.QueryEscape(postURL) + extra
}

var jsonAccept = map[string]string{"Accept": "application/json"}

func TestPostPageHTML(t *testing.T) {
	h := newHarness(t)

	resp, body := h.get(t, postPath(alicePost, "&show_thread=t"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	for _, want := range []string{
		`class="card h-entry"`,
		`p-author h-card`,
		"hello from alice",
		"alice follow-up",
		"what is new?",
		"1,234 likes",
		"March 4, 2024 at 1:05:09 PM",
		`https://bsky.app/profile/alice.test/post/r1`,
		`alt="a cat"`,
		"<title>Alice on Bluesky</title>",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("post page is missing %q", want)
		}
	}
	if strings.Contains(body, "bob chimes in") {
		t.Error("replies by other authors must not be rendered")
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("expected a request id header")
	}
}

func TestPostPageHideParent(t *testing.T) {
	h := newHarness(t)

	_, body := h.get(t, postPath(alicePost, "&hide_parent=true"), nil)
	if strings.Contains(body, "what is new?") {
		t.Fatal("parent should be hidden")
	}
	if strings.Contains(body, "alice follow-up") {
		t.Fatal("replies should only show with show_thread")
	}
}

func TestPostCachedAcrossParameterOrder(t *testing.T) {
	h := newHarness(t)

	first, _ := h.get(t, "/?show_thread=1&url="+url.QueryEscape(alicePost), nil)
	second, _ := h.get(t, "/?url="+url.QueryEscape(alicePost)+"&show_thread=on&utm=x", nil)
	if first.StatusCode != http.StatusOK || second.StatusCode != http.StatusOK {
		t.Fatalf("unexpected statuses %d %d", first.StatusCode, second.StatusCode)
	}
	if n := h.xrpc.count(client.MethodGetPostThread); n != 1 {
		t.Fatalf("expected one upstream fetch, got %d", n)
	}
	if n := h.xrpc.count(client.MethodCreateSession); n != 1 {
		t.Fatalf("expected one login, got %d", n)
	}
	if first.Header.Get("ETag") == "" || first.Header.Get("ETag") != second.Header.Get("ETag") {
		t.Fatalf("expected a stable ETag, got %q and %q", first.Header.Get("ETag"), second.Header.Get("ETag"))
	}
}

func TestPostConditionalGet(t *testing.T) {
	h := newHarness(t)

	first, _ := h.get(t, postPath(alicePost, ""), nil)
	tag := first.Header.Get("ETag")
	if tag == "" {
		t.Fatal("expected an ETag")
	}
	if cc := first.Header.Get("Cache-Control"); cc != "public, max-age=300" {
		t.Fatalf("unexpected Cache-Control %q", cc)
	}

	resp, body := h.get(t, postPath(alicePost, ""), map[string]string{"If-None-Match": tag})
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", resp.StatusCode)
	}
	if body != "" {
		t.Fatalf("expected an empty body, got %q", body)
	}
}

func TestPostETagDependsOnRepresentation(t *testing.T) {
	h := newHarness(t)

	htmlResp, _ := h.get(t, postPath(alicePost, ""), nil)
	htmlTag := htmlResp.Header.Get("ETag")
	if htmlTag == "" {
		t.Fatal("expected an ETag on the html response")
	}
	if v := htmlResp.Header.Get("Vary"); v != "Accept" {
		t.Fatalf("expected Vary: Accept, got %q", v)
	}

	resp, body := h.get(t, postPath(alicePost, ""), map[string]string{
		"Accept":        "application/json",
		"If-None-Match": htmlTag,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("json request with the html validator must not be a 304, got %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") || body == "" {
		t.Fatalf("expected a json body, got %q: %s", resp.Header.Get("Content-Type"), body)
	}
	jsonTag := resp.Header.Get("ETag")
	if jsonTag == "" || jsonTag == htmlTag {
		t.Fatalf("expected a distinct json ETag, got %q (html %q)", jsonTag, htmlTag)
	}
	if resp.Header.Get("Vary") != "Accept" {
		t.Fatalf("expected Vary: Accept on json, got %q", resp.Header.Get("Vary"))
	}

	resp, _ = h.get(t, postPath(alicePost, ""), map[string]string{
		"Accept":        "application/json",
		"If-None-Match": jsonTag,
	})
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("expected 304 for the json validator, got %d", resp.StatusCode)
	}
}

func TestPostJSON(t *testing.T) {
	h := newHarness(t)

	resp, body := h.get(t, postPath(alicePost, "&show_thread=t"), jsonAccept)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var view model.ViewModel
	if err := json.Unmarshal([]byte(body), &view); err != nil {
		t.Fatalf("json parse: %v", err)
	}
	if view.PostURL != alicePost || view.Author.Handle != "alice.test" {
		t.Fatalf("unexpected view: %+v", view)
	}
	if view.Embed.Kind != model.EmbedImages || len(view.Embed.Images) != 1 {
		t.Fatalf("unexpected embed: %+v", view.Embed)
	}
	if len(view.Replies) != 1 || view.Parent == nil || view.Parent.Post.Author.Handle != "carol.test" {
		t.Fatalf("unexpected thread: replies=%d parent=%+v", len(view.Replies), view.Parent)
	}
	if view.URL != "https://bsky.link/?url="+url.QueryEscape(alicePost) {
		t.Fatalf("unexpected share url %q", view.URL)
	}
}

func TestPostErrors(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		setup   func(f *fakeXRPC)
		status  int
		message string
	}{
		{
			name:    "not a url",
			path:    "/?url=notaurl",
			status:  http.StatusBadRequest,
			message: pipeline.MsgInvalidURL,
		},
		{
			name:    "foreign host",
			path:    postPath("https://evil.example/profile/a/post/b", ""),
			status:  http.StatusBadRequest,
			message: pipeline.MsgInvalidURL,
		},
		{
			name:    "upstream failure",
			path:    postPath(alicePost, ""),
			setup:   func(f *fakeXRPC) { f.threadStatus = http.StatusInternalServerError },
			status:  http.StatusBadGateway,
			message: pipeline.MsgConnection,
		},
		{
			name:    "no post in thread",
			path:    postPath(alicePost, ""),
			setup:   func(f *fakeXRPC) { f.thread = `{"thread":{"$type":"app.bsky.feed.defs#notFoundPost","notFound":true}}` },
			status:  http.StatusNotFound,
			message: pipeline.MsgNoThread,
		},
		{
			name:    "garbage body",
			path:    postPath(alicePost, ""),
			setup:   func(f *fakeXRPC) { f.thread = `<html>` },
			status:  http.StatusNotFound,
			message: pipeline.MsgNoThread,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setup != nil {
				h.xrpc.set(tt.setup)
			}

			resp, body := h.get(t, tt.path, nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, resp.StatusCode, body)
			}
			if !strings.Contains(body, tt.message) {
				t.Fatalf("expected message %q in %s", tt.message, body)
			}

			resp, body = h.get(t, tt.path, jsonAccept)
			var payload map[string]string
			if err := json.Unmarshal([]byte(body), &payload); err != nil {
				t.Fatalf("json parse: %v", err)
			}
			if resp.StatusCode != tt.status || payload["error"] != tt.message {
				t.Fatalf("unexpected json error %d %v", resp.StatusCode, payload)
			}
		})
	}
}

func TestUpstreamFailureMarksSessionStale(t *testing.T) {
	h := newHarness(t)
	h.xrpc.set(func(f *fakeXRPC) { f.threadStatus = http.StatusUnauthorized })

	resp, _ := h.get(t, postPath(alicePost, ""), nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if got := h.session.State(); got != auth.StateStale {
		t.Fatalf("expected a stale session, got %s", got)
	}

	h.xrpc.set(func(f *fakeXRPC) { f.threadStatus = 0 })
	resp, _ = h.get(t, postPath(alicePost, ""), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected recovery, got %d", resp.StatusCode)
	}
	if n := h.xrpc.count(client.MethodRefreshSession); n != 1 {
		t.Fatalf("expected one refresh, got %d", n)
	}
}

func TestHomeListsRenderedPosts(t *testing.T) {
	h := newHarness(t)
	h.get(t, postPath(alicePost, ""), nil)

	resp, body := h.get(t, "/", jsonAccept)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		Shares []model.Share `json:"shares"`
		Stats  model.Stats   `json:"stats"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("json parse: %v", err)
	}
	if len(payload.Shares) != 1 || payload.Shares[0].Handle != "alice.test" || payload.Shares[0].AuthorName != "Alice" {
		t.Fatalf("unexpected shares: %+v", payload.Shares)
	}

	_, html := h.get(t, "/", nil)
	if !strings.Contains(html, "Recently shared") || !strings.Contains(html, "hello from alice") {
		t.Fatalf("home page is missing the share log: %s", html)
	}
}

func TestFeedPage(t *testing.T) {
	h := newHarness(t)

	resp, body := h.get(t, "/feed?user=@alice.test", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	for _, want := range []string{"first feed post", "reposted post", "Reposted by @alice.test", "@alice.test"} {
		if !strings.Contains(body, want) {
			t.Errorf("feed page is missing %q", want)
		}
	}

	resp, body = h.get(t, "/feed?actor=alice.test", jsonAccept)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var view model.FeedView
	if err := json.Unmarshal([]byte(body), &view); err != nil {
		t.Fatalf("json parse: %v", err)
	}
	if view.Author != "alice.test" || len(view.Posts) != 2 || view.Posts[1].Reason == nil {
		t.Fatalf("unexpected feed: %+v", view)
	}
	if n := h.xrpc.count(client.MethodGetAuthorFeed); n != 2 {
		t.Fatalf("feeds are not cached, expected 2 fetches, got %d", n)
	}
}

func TestFeedErrors(t *testing.T) {
	h := newHarness(t)

	resp, body := h.get(t, "/feed", nil)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(body, pipeline.MsgInvalidUser) {
		t.Fatalf("expected 400 invalid user, got %d: %s", resp.StatusCode, body)
	}

	h.xrpc.set(func(f *fakeXRPC) { f.feed = `{"feed":[]}` })
	resp, body = h.get(t, "/feed?user=alice.test", nil)
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(body, pipeline.MsgNoPosts) {
		t.Fatalf("expected 404 no posts, got %d: %s", resp.StatusCode, body)
	}
}

func TestRateLimitResponse(t *testing.T) {
	h := newHarness(t, withLimiter(denyLimiter{retry: time.Second}))

	resp, body := h.get(t, postPath(alicePost, ""), nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "1" {
		t.Fatalf("unexpected Retry-After %q", resp.Header.Get("Retry-After"))
	}
	if !strings.Contains(body, "rate limit exceeded") {
		t.Fatalf("unexpected body %s", body)
	}
	if n := h.xrpc.count(client.MethodGetPostThread); n != 0 {
		t.Fatalf("rejected requests must not reach upstream, got %d calls", n)
	}

	_, metricsBody := h.get(t, "/metrics", nil)
	if !strings.Contains(metricsBody, "bskylink_rate_limited_total 1") {
		t.Fatalf("rate limit counter missing:\n%s", metricsBody)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)

	_, body := h.get(t, "/healthz", nil)
	var payload map[string]any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("json parse: %v", err)
	}
	if payload["status"] != "ok" || payload["session"] != "unset" || payload["version"] != "test" {
		t.Fatalf("unexpected health payload: %v", payload)
	}

	h.get(t, postPath(alicePost, ""), nil)
	_, body = h.get(t, "/healthz", nil)
	payload = nil
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("json parse: %v", err)
	}
	if payload["session"] != "valid" || payload["cache_entries"] != float64(1) {
		t.Fatalf("unexpected health payload after a render: %v", payload)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.get(t, postPath(alicePost, ""), nil)
	h.get(t, postPath(alicePost, ""), nil)

	resp, body := h.get(t, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	for _, want := range []string{
		"bskylink_cache_hits_total 1",
		"bskylink_cache_misses_total 1",
		"bskylink_cache_entries 1",
		`bskylink_session_renewals_total{method="login",outcome="ok"} 1`,
		`bskylink_upstream_calls_total{method="app.bsky.feed.getPostThread",status="2xx"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestConcurrentRequestsShareOneFetch(t *testing.T) {
	h := newHarness(t)
	if err := h.session.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.server.Client().Get(h.server.URL + postPath(alicePost, ""))
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("expected 200, got %d", resp.StatusCode)
			}
		}()
	}
	wg.Wait()

	// Requests either coalesce on the in-flight build or hit the cache.
	if n := h.xrpc.count(client.MethodGetPostThread); n != 1 {
		t.Fatalf("expected a single upstream fetch, got %d", n)
	}
}
