package pipeline

import (
	"net/url"
	"strings"
)

// ThreadRequest is the parsed query of a post view.
type ThreadRequest struct {
	URL        string
	ShowThread bool
	HideParent bool
}

// ParseThreadRequest reads url, show_thread and hide_parent.
func ParseThreadRequest(q url.Values) ThreadRequest {
	return ThreadRequest{
		URL:        strings.TrimSpace(q.Get("url")),
		ShowThread: ParseFlag(q.Get("show_thread")),
		HideParent: ParseFlag(q.Get("hide_parent")),
	}
}

// ParseFlag accepts the spellings HTML forms and hand-written links use.
func ParseFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "t", "true", "on", "1", "yes":
		return true
	}
	return false
}

// target is a validated post permalink.
type target struct {
	url    string // scheme://host/path, query and fragment dropped
	handle string
	rkey   string
}

func validate(raw string, allowed map[string]bool) (target, error) {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return target{}, invalid(MsgInvalidURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return target{}, invalid(MsgInvalidURL, nil)
	}
	host := strings.ToLower(u.Hostname())
	if !allowed[host] {
		return target{}, invalid(MsgInvalidURL, nil)
	}

	// /profile/<handle>/post/<rkey>
	parts := strings.Split(u.Path, "/")
	if len(parts) < 5 || parts[2] == "" || parts[4] == "" {
		return target{}, invalid(MsgInvalidURL, nil)
	}

	return target{
		url:    u.Scheme + "://" + host + u.EscapedPath(),
		handle: parts[2],
		rkey:   parts[4],
	}, nil
}

func invalid(msg string, err error) *Error {
	return &Error{Kind: KindInvalidInput, Stage: StageValidating, Message: msg, Err: err}
}

// CacheKey is the canonical key of a rendered thread. Field order is fixed
// so the query's parameter order never matters.
func CacheKey(postURL string, showThread, hideParent bool) string {
	return "thread:url=" + postURL + "&show_thread=" + bit(showThread) + "&hide_parent=" + bit(hideParent)
}

func bit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
