package httpapp

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/bskylink/bskylink/internal/auth"
	"github.com/bskylink/bskylink/internal/cache"
	"github.com/bskylink/bskylink/internal/config"
	"github.com/bskylink/bskylink/internal/logger"
	"github.com/bskylink/bskylink/internal/metrics"
	"github.com/bskylink/bskylink/internal/model"
	"github.com/bskylink/bskylink/internal/pipeline"
	"github.com/bskylink/bskylink/internal/rate"
	"github.com/bskylink/bskylink/internal/store"
)

// Pipeline produces the views the server renders.
type Pipeline interface {
	Thread(ctx context.Context, req pipeline.ThreadRequest) (*model.ViewModel, error)
	Feed(ctx context.Context, actor string) (*model.FeedView, error)
}

// SessionState reports the upstream session for /healthz.
type SessionState interface {
	State() auth.State
}

// Deps are the collaborators a Server needs. Store, Metrics and Session
// are optional.
type Deps struct {
	Pipeline Pipeline
	Cache    *cache.Cache
	Store    store.Store
	Limiter  rate.Limiter
	Metrics  *metrics.Metrics
	Session  SessionState
	Logger   *slog.Logger
	Version  string
}

type Server struct {
	pipeline  Pipeline
	cache     *cache.Cache
	store     store.Store
	limiter   rate.Limiter
	metrics   *metrics.Metrics
	session   SessionState
	log       *slog.Logger
	version   string
	cfg       config.Config
	templates *Templates
	proxies   []netip.Prefix
}

const recentSharesOnHome = 10

func NewServer(deps Deps, cfg config.Config) (*Server, error) {
	if deps.Pipeline == nil {
		return nil, errors.New("httpapp: pipeline is required")
	}
	tmpl, err := loadTemplates(cfg.Location())
	if err != nil {
		return nil, err
	}
	proxies, err := cfg.ProxyPrefixes()
	if err != nil {
		return nil, err
	}
	s := &Server{
		pipeline:  deps.Pipeline,
		cache:     deps.Cache,
		store:     deps.Store,
		limiter:   deps.Limiter,
		metrics:   deps.Metrics,
		session:   deps.Session,
		log:       deps.Logger,
		version:   deps.Version,
		cfg:       cfg,
		templates: tmpl,
		proxies:   proxies,
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

	s.route(sw, r)

	s.log.Info("request",
		"id", requestID,
		"method", r.Method,
		"path", r.URL.Path,
		"status", sw.status,
		"took", time.Since(start),
		"ip", s.clientIP(r),
	)
	s.log.Debug("request headers", "id", requestID, "headers", logger.SafeHeaders(r.Header))
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/healthz" {
		s.handleHealth(w, r)
		return
	}
	if path == "/metrics" {
		if s.metrics == nil {
			s.notFound(w, r)
			return
		}
		s.metrics.Handler().ServeHTTP(w, r)
		return
	}
	if path == "/favicon.svg" || path == "/favicon.ico" {
		s.serveFavicon(w, r)
		return
	}
	if path == "/robots.txt" {
		s.serveRobotsTxt(w, r)
		return
	}

	if path != "/" && path != "/feed" {
		s.notFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.methodNotAllowed(w, r)
		return
	}
	if !s.allowRateLimit(w, r) {
		return
	}
	if path == "/feed" {
		s.handleFeed(w, r)
		return
	}
	s.handleIndex(w, r)
}

// handleIndex serves the home page, or the post view when ?url= is set.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	req := pipeline.ParseThreadRequest(r.URL.Query())
	view, err := s.pipeline.Thread(r.Context(), req)
	if err != nil {
		s.renderPipelineError(w, r, err)
		return
	}
	if view == nil {
		s.renderHome(w, r)
		return
	}
	s.renderPost(w, r, req, view)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	actor := q.Get("user")
	if actor == "" {
		actor = q.Get("actor")
	}
	view, err := s.pipeline.Feed(r.Context(), actor)
	if err != nil {
		s.renderPipelineError(w, r, err)
		return
	}
	s.renderFeed(w, r, view)
}

func (s *Server) baseTemplateData(title string) map[string]any {
	return map[string]any{
		"Title":     title,
		"PublicURL": s.cfg.PublicURL,
		"Version":   s.version,
	}
}

func (s *Server) renderHome(w http.ResponseWriter, r *http.Request) {
	var shares []model.Share
	var stats model.Stats
	if s.store != nil {
		var err error
		if shares, err = s.store.ListRecentShares(r.Context(), recentSharesOnHome); err != nil {
			s.log.Warn("list recent shares", "err", err)
		}
		if stats, err = s.store.GetStats(r.Context()); err != nil {
			s.log.Warn("share stats", "err", err)
		}
	}

	if wantsJSON(r) {
		if shares == nil {
			shares = []model.Share{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"shares": shares,
			"stats":  stats,
		})
		return
	}
	data := s.baseTemplateData("bsky.link")
	data["Shares"] = shares
	data["Stats"] = stats
	s.renderTemplate(w, s.templates.Home, http.StatusOK, data)
}

func (s *Server) renderPost(w http.ResponseWriter, r *http.Request, req pipeline.ThreadRequest, view *model.ViewModel) {
	asJSON := wantsJSON(r)
	w.Header().Set("Vary", "Accept")
	if tag := s.etag(req, view, asJSON); tag != "" {
		w.Header().Set("ETag", tag)
		w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(s.cfg.Cache.TTL.Seconds())))
		if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, tag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	if asJSON {
		writeJSON(w, http.StatusOK, view)
		return
	}
	title := view.Author.DisplayName
	if title == "" {
		title = view.Author.Handle
	}
	data := s.baseTemplateData(title + " on Bluesky")
	data["View"] = view
	data["ShowThread"] = req.ShowThread
	s.renderTemplate(w, s.templates.Post, http.StatusOK, data)
}

func (s *Server) renderFeed(w http.ResponseWriter, r *http.Request, view *model.FeedView) {
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, view)
		return
	}
	data := s.baseTemplateData(view.Author + " on Bluesky")
	data["View"] = view
	s.renderTemplate(w, s.templates.Feed, http.StatusOK, data)
}

// renderError shows message with status, as JSON or as the error page.
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, status int, message string) {
	if wantsJSON(r) {
		writeError(w, status, errors.New(message))
		return
	}
	data := s.baseTemplateData("Error")
	data["Status"] = status
	data["Error"] = message
	s.renderTemplate(w, s.templates.Error, status, data)
}

func (s *Server) renderPipelineError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("pipeline failed", "path", r.URL.Path, "err", err)
	}
	s.renderError(w, r, status, message)
}

func statusFor(err error) (int, string) {
	var pe *pipeline.Error
	if !errors.As(err, &pe) {
		return http.StatusInternalServerError, pipeline.MsgGenericError
	}
	switch pe.Kind {
	case pipeline.KindInvalidInput:
		return http.StatusBadRequest, pe.Message
	case pipeline.KindUpstreamAuth, pipeline.KindUpstreamCall:
		return http.StatusBadGateway, pe.Message
	case pipeline.KindMalformedUpstream:
		return http.StatusNotFound, pe.Message
	}
	return http.StatusInternalServerError, pipeline.MsgGenericError
}

// renderTemplate buffers the page so a template failure can still become
// a clean error response.
func (s *Server) renderTemplate(w http.ResponseWriter, t *template.Template, status int, data map[string]any) {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		s.log.Error("render template", "err", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(pipeline.MsgGenericError))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// etag digests the cache key, the entry's insertion time and the
// representation, so it changes exactly when the cached view is rebuilt and
// never matches across HTML and JSON.
func (s *Server) etag(req pipeline.ThreadRequest, view *model.ViewModel, asJSON bool) string {
	if s.cache == nil {
		return ""
	}
	key := pipeline.CacheKey(view.PostURL, req.ShowThread, req.HideParent)
	entry, ok := s.cache.Entry(key)
	if !ok || entry.View != view {
		return ""
	}
	representation := "html"
	if asJSON {
		representation = "json"
	}
	h := sha3.New256()
	h.Write([]byte(key))
	h.Write([]byte(strconv.FormatInt(entry.InsertedAt.UnixNano(), 10)))
	h.Write([]byte(representation))
	return `"` + hex.EncodeToString(h.Sum(nil)[:16]) + `"`
}

func etagMatches(header, tag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == tag {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "ok", "version": s.version}
	if s.session != nil {
		payload["session"] = s.session.State().String()
	}
	if s.cache != nil {
		payload["cache_entries"] = s.cache.Len()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) serveFavicon(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(faviconSVG)
}

func (s *Server) serveRobotsTxt(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	robotsTxt := `User-agent: *
Allow: /

Disallow: /healthz
Disallow: /metrics
`
	_, _ = w.Write([]byte(robotsTxt))
}

func (s *Server) allowRateLimit(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	ok, retry := s.limiter.Allow("ip:" + s.clientIP(r))
	if ok {
		return true
	}
	if s.metrics != nil {
		s.metrics.RateLimited()
	}
	writeRateLimit(w, retry)
	return false
}

// clientIP is the peer address unless the peer is a trusted proxy. Then
// X-Forwarded-For is walked from the right and the first untrusted hop wins.
func (s *Server) clientIP(r *http.Request) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remote = host
	}
	if !s.trusted(remote) {
		return remote
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !s.trusted(hop) {
			return hop
		}
	}
	return remote
}

func (s *Server) trusted(ip string) bool {
	if len(s.proxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	s.renderError(w, r, http.StatusNotFound, "Page not found")
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "GET, HEAD")
	s.renderError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeRateLimit(w http.ResponseWriter, retry time.Duration) {
	secs := int(retry.Seconds() + 0.999)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate limit exceeded",
		"retry_after": secs,
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
