// Package pipeline turns a post permalink into a rendered-thread view model
// and a handle into an author feed, using the gateway's upstream session.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/bskylink/bskylink/internal/cache"
	"github.com/bskylink/bskylink/internal/client"
	"github.com/bskylink/bskylink/internal/logger"
	"github.com/bskylink/bskylink/internal/model"
	"github.com/bskylink/bskylink/internal/thread"
)

// Upstream is the read side of the XRPC client.
type Upstream interface {
	ResolveHandle(ctx context.Context, token, handle string) (string, error)
	GetPostThread(ctx context.Context, token, uri string) (*model.ThreadResponse, error)
	GetAuthorFeed(ctx context.Context, token, actor string) (*model.FeedResponse, error)
}

// Session hands out access tokens and is told when one is rejected.
type Session interface {
	EnsureValid(ctx context.Context) (string, error)
	Invalidate(token string)
}

// ShareRecorder keeps a log of rendered posts.
type ShareRecorder interface {
	RecordShare(ctx context.Context, s *model.Share) error
}

type Options struct {
	AllowedHosts []string
	// PublicURL is the gateway's own base URL, used for share links.
	PublicURL string
	Location  *time.Location
	Shares    ShareRecorder
	Logger    *slog.Logger
	Now       func() time.Time

	// Observe is called once per Thread or Feed call. outcome is "hit",
	// "miss", "home" or the failing Kind.
	Observe func(op, outcome string, d time.Duration)
}

type Pipeline struct {
	upstream  Upstream
	session   Session
	cache     *cache.Cache
	allowed   map[string]bool
	appHost   string
	publicURL string
	loc       *time.Location
	shares    ShareRecorder
	log       *slog.Logger
	now       func() time.Time
	observe   func(op, outcome string, d time.Duration)

	flight singleflight.Group
}

func New(up Upstream, sess Session, c *cache.Cache, opts Options) *Pipeline {
	p := &Pipeline{
		upstream:  up,
		session:   sess,
		cache:     c,
		allowed:   make(map[string]bool, len(opts.AllowedHosts)),
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		loc:       opts.Location,
		shares:    opts.Shares,
		log:       opts.Logger,
		now:       opts.Now,
		observe:   opts.Observe,
	}
	for _, h := range opts.AllowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if p.appHost == "" {
			p.appHost = h
		}
		p.allowed[h] = true
	}
	if p.appHost == "" {
		p.appHost = "bsky.app"
	}
	if p.loc == nil {
		p.loc = time.UTC
	}
	if p.log == nil {
		p.log = logger.Discard()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Thread renders the post named by req. A nil view with a nil error means
// the request carried no url and the home page should be shown.
func (p *Pipeline) Thread(ctx context.Context, req ThreadRequest) (view *model.ViewModel, err error) {
	start := p.now()
	outcome := "miss"
	defer func() {
		if err != nil {
			outcome = KindOf(err).String()
		}
		p.report("thread", outcome, start)
	}()

	if req.URL == "" {
		outcome = "home"
		return nil, nil
	}
	t, err := validate(req.URL, p.allowed)
	if err != nil {
		return nil, err
	}

	key := CacheKey(t.url, req.ShowThread, req.HideParent)
	if v, ok := p.cache.Get(key); ok {
		outcome = "hit"
		return v, nil
	}

	// Identical misses share one upstream round trip. The build keeps going
	// for the other waiters if this caller gives up.
	ch := p.flight.DoChan(key, func() (any, error) {
		// A flight that finished between our lookup and DoChan has
		// already filled the cache.
		if v, ok := p.cache.Get(key); ok {
			return v, nil
		}
		return p.build(context.WithoutCancel(ctx), key, t, req)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.ViewModel), nil
	case <-ctx.Done():
		return nil, &Error{Kind: KindUpstreamCall, Stage: StageFetchingThread, Message: MsgConnection, Err: ctx.Err()}
	}
}

func (p *Pipeline) build(ctx context.Context, key string, t target, req ThreadRequest) (*model.ViewModel, error) {
	token, err := p.session.EnsureValid(ctx)
	if err != nil {
		p.log.Warn("no upstream session", "err", err)
		return nil, &Error{Kind: KindUpstreamAuth, Stage: StageAuthenticating, Message: MsgConnection, Err: err}
	}

	did, err := p.upstream.ResolveHandle(ctx, token, t.handle)
	if err != nil {
		return nil, p.upstreamError(StageResolvingHandle, token, err)
	}

	resp, err := p.upstream.GetPostThread(ctx, token, client.PostURI(did, t.rkey))
	if err != nil {
		return nil, p.upstreamError(StageFetchingThread, token, err)
	}
	if resp == nil || resp.Thread == nil || resp.Thread.Post == nil {
		return nil, &Error{Kind: KindMalformedUpstream, Stage: StageNormalizing, Message: MsgNoThread}
	}

	view := p.normalize(resp.Thread, t, req)
	p.cache.Set(key, view)
	p.recordShare(ctx, t, view)
	p.log.Debug("thread built", "key", key, "replies", len(view.Replies))
	return view, nil
}

func (p *Pipeline) normalize(node *model.ThreadNode, t target, req ThreadRequest) *model.ViewModel {
	post := node.Post
	view := &model.ViewModel{
		Record:      post.Record,
		Author:      post.Author,
		Embed:       thread.ClassifyEmbed(post.Embed),
		URL:         p.publicURL + "/?url=" + url.QueryEscape(t.url),
		PostURL:     t.url,
		ReplyCount:  post.ReplyCount,
		LikeCount:   post.LikeCount,
		RepostCount: post.RepostCount,
		CreatedAt:   thread.FormatTimestamp(post.Record.CreatedAt, p.loc),
		Replies:     []*model.ThreadNode{},
	}
	if req.ShowThread {
		view.Replies = thread.Flatten(node.Replies, post.Author.Handle)
	}
	if req.HideParent {
		view.ParentHidden = true
	} else if node.Parent != nil && node.Parent.Post != nil {
		parent := *node.Parent
		parent.Parent = nil
		parent.Replies = nil
		view.Parent = &parent
	}
	return view
}

// upstreamError classifies a failed resolve or fetch. A non-2xx answer most
// likely means the token went bad, so the session is marked stale.
func (p *Pipeline) upstreamError(stage Stage, token string, err error) error {
	if errors.Is(err, client.ErrMalformedResponse) {
		p.log.Warn("malformed upstream response", "stage", stage, "err", err)
		return &Error{Kind: KindMalformedUpstream, Stage: stage, Message: MsgNoThread, Err: err}
	}
	var se *client.StatusError
	if errors.As(err, &se) {
		p.session.Invalidate(token)
	}
	p.log.Warn("upstream call failed", "stage", stage, "token_rejected", client.IsAuthError(err), "err", err)
	return &Error{Kind: KindUpstreamCall, Stage: stage, Message: MsgConnection, Err: err}
}

const shareTextLimit = 280

func (p *Pipeline) recordShare(ctx context.Context, t target, view *model.ViewModel) {
	if p.shares == nil {
		return
	}
	name := view.Author.DisplayName
	if name == "" {
		name = view.Author.Handle
	}
	text := view.Record.Text
	if utf8.RuneCountInString(text) > shareTextLimit {
		text = string([]rune(text)[:shareTextLimit]) + "…"
	}
	err := p.shares.RecordShare(ctx, &model.Share{
		PostURL:    t.url,
		Handle:     t.handle,
		PostID:     t.rkey,
		AuthorName: name,
		Text:       text,
		CreatedAt:  p.now().UTC(),
	})
	if err != nil {
		p.log.Warn("record share failed", "url", t.url, "err", err)
	}
}

func (p *Pipeline) report(op, outcome string, start time.Time) {
	if p.observe != nil {
		p.observe(op, outcome, p.now().Sub(start))
	}
}
