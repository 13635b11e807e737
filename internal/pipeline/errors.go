package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure for the renderer.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindUpstreamAuth
	KindUpstreamCall
	KindMalformedUpstream
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindUpstreamAuth:
		return "upstream_auth"
	case KindUpstreamCall:
		return "upstream_call"
	case KindMalformedUpstream:
		return "malformed_upstream"
	}
	return "unknown"
}

type Stage string

const (
	StageValidating      Stage = "validating"
	StageAuthenticating  Stage = "authenticating"
	StageResolvingHandle Stage = "resolving_handle"
	StageFetchingThread  Stage = "fetching_thread"
	StageFetchingFeed    Stage = "fetching_feed"
	StageNormalizing     Stage = "normalizing"
)

// User-facing messages. They never carry upstream or token details.
const (
	MsgInvalidURL   = "Invalid URL"
	MsgInvalidUser  = "Invalid user"
	MsgNoPosts      = "No posts found"
	MsgNoThread     = "Could not find a thread or post at that URL."
	MsgConnection   = "There was a problem connecting to Bluesky. Please try again in a moment."
	MsgGenericError = "There was an error loading this page."
)

// Error is the only error type Thread and Feed return.
type Error struct {
	Kind    Kind
	Stage   Stage
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Stage, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Stage, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	return e.Kind == KindUpstreamAuth || e.Kind == KindUpstreamCall
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}
