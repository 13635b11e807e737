package pipeline

import (
	"context"
	"net/url"
	"strings"

	"github.com/bskylink/bskylink/internal/model"
	"github.com/bskylink/bskylink/internal/thread"
)

// Feed lists an author's recent posts. Feeds are not cached.
func (p *Pipeline) Feed(ctx context.Context, actor string) (view *model.FeedView, err error) {
	start := p.now()
	defer func() {
		outcome := "miss"
		if err != nil {
			outcome = KindOf(err).String()
		}
		p.report("feed", outcome, start)
	}()

	actor = strings.TrimPrefix(strings.TrimSpace(actor), "@")
	if actor == "" {
		return nil, &Error{Kind: KindInvalidInput, Stage: StageValidating, Message: MsgInvalidUser}
	}

	token, err := p.session.EnsureValid(ctx)
	if err != nil {
		return nil, &Error{Kind: KindUpstreamAuth, Stage: StageAuthenticating, Message: MsgConnection, Err: err}
	}

	resp, err := p.upstream.GetAuthorFeed(ctx, token, actor)
	if err != nil {
		perr := p.upstreamError(StageFetchingFeed, token, err)
		if pe, ok := perr.(*Error); ok && pe.Kind == KindMalformedUpstream {
			pe.Message = MsgNoPosts
		}
		return nil, perr
	}
	if resp == nil {
		return nil, &Error{Kind: KindMalformedUpstream, Stage: StageNormalizing, Message: MsgNoPosts}
	}

	posts := make([]model.FeedPost, 0, len(resp.Feed))
	for _, item := range resp.Feed {
		if item.Post == nil {
			continue
		}
		posts = append(posts, model.FeedPost{
			Post:      item.Post,
			Embed:     thread.ClassifyFeedEmbed(item.Post.Embed),
			CreatedAt: thread.FormatTimestamp(item.Post.Record.CreatedAt, p.loc),
			Reason:    item.Reason,
		})
	}
	if len(posts) == 0 {
		return nil, &Error{Kind: KindMalformedUpstream, Stage: StageNormalizing, Message: MsgNoPosts}
	}

	return &model.FeedView{
		Author:  actor,
		Posts:   posts,
		URL:     p.publicURL + "/feed?user=" + url.QueryEscape(actor),
		PostURL: "https://" + p.appHost + "/profile/" + url.PathEscape(actor),
	}, nil
}
