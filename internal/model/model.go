package model

import "time"

// Upstream shapes. Field names follow the app.bsky lexicons; everything is
// optional because the payload comes from a service we do not control.

type Author struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

type PostRecord struct {
	Type      string   `json:"$type,omitempty"`
	Text      string   `json:"text"`
	CreatedAt string   `json:"createdAt"`
	Langs     []string `json:"langs,omitempty"`
}

type Post struct {
	URI         string     `json:"uri"`
	CID         string     `json:"cid"`
	Author      Author     `json:"author"`
	Record      PostRecord `json:"record"`
	Embed       *Embed     `json:"embed,omitempty"`
	ReplyCount  int64      `json:"replyCount"`
	RepostCount int64      `json:"repostCount"`
	LikeCount   int64      `json:"likeCount"`
	QuoteCount  int64      `json:"quoteCount"`
	IndexedAt   string     `json:"indexedAt,omitempty"`
}

type Embed struct {
	Type     string          `json:"$type,omitempty"`
	Record   *EmbeddedRecord `json:"record,omitempty"`
	Images   []Image         `json:"images,omitempty"`
	External *External       `json:"external,omitempty"`
	Media    *Embed          `json:"media,omitempty"`
}

// EmbeddedRecord is a quoted record. For record-with-media embeds the
// quoted post sits one level deeper in Record.
type EmbeddedRecord struct {
	Type   string          `json:"$type,omitempty"`
	URI    string          `json:"uri,omitempty"`
	CID    string          `json:"cid,omitempty"`
	Author *Author         `json:"author,omitempty"`
	Value  *PostRecord     `json:"value,omitempty"`
	Record *EmbeddedRecord `json:"record,omitempty"`
}

type Image struct {
	Thumb    string `json:"thumb"`
	Fullsize string `json:"fullsize"`
	Alt      string `json:"alt"`
}

type External struct {
	URI         string `json:"uri"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Thumb       string `json:"thumb,omitempty"`
}

// ThreadNode is one node of a getPostThread response. Not-found and blocked
// nodes carry no Post.
type ThreadNode struct {
	Type     string        `json:"$type,omitempty"`
	URI      string        `json:"uri,omitempty"`
	Post     *Post         `json:"post,omitempty"`
	Parent   *ThreadNode   `json:"parent,omitempty"`
	Replies  []*ThreadNode `json:"replies,omitempty"`
	NotFound bool          `json:"notFound,omitempty"`
	Blocked  bool          `json:"blocked,omitempty"`
}

type ThreadResponse struct {
	Thread *ThreadNode `json:"thread"`
}

type FeedItem struct {
	Post   *Post           `json:"post"`
	Reason *FeedItemReason `json:"reason,omitempty"`
}

type FeedItemReason struct {
	Type string  `json:"$type"`
	By   *Author `json:"by,omitempty"`
}

type FeedResponse struct {
	Feed   []FeedItem `json:"feed"`
	Cursor string     `json:"cursor,omitempty"`
}

// View shapes handed to the renderer.

type EmbedKind string

const (
	EmbedNone     EmbedKind = ""
	EmbedRecord   EmbedKind = "record"
	EmbedImages   EmbedKind = "images"
	EmbedExternal EmbedKind = "external"
)

type EmbedView struct {
	Kind     EmbedKind       `json:"embed_type"`
	Record   *EmbeddedRecord `json:"record,omitempty"`
	Images   []Image         `json:"images,omitempty"`
	External *External       `json:"external,omitempty"`
}

// ViewModel is the rendered-thread payload. Once cached it is shared by every
// request with the same key and must be treated as read-only.
type ViewModel struct {
	Record       PostRecord    `json:"data"`
	Author       Author        `json:"author"`
	Embed        EmbedView     `json:"embed"`
	URL          string        `json:"url"`
	PostURL      string        `json:"post_url"`
	ReplyCount   int64         `json:"reply_count"`
	LikeCount    int64         `json:"like_count"`
	RepostCount  int64         `json:"repost_count"`
	CreatedAt    string        `json:"created_at"`
	Replies      []*ThreadNode `json:"replies"`
	Parent       *ThreadNode   `json:"parent"`
	ParentHidden bool          `json:"parent_hidden"`
}

type FeedPost struct {
	Post      *Post           `json:"post"`
	Embed     EmbedView       `json:"embed"`
	CreatedAt string          `json:"created_at"`
	Reason    *FeedItemReason `json:"reason,omitempty"`
}

type FeedView struct {
	Author  string     `json:"author"`
	Posts   []FeedPost `json:"posts"`
	URL     string     `json:"url"`
	PostURL string     `json:"post_url"`
}

type Credential struct {
	AccessToken  string
	RefreshToken string
	DID          string
	Handle       string
	ExpiresAt    time.Time
}

type Share struct {
	ID         int64
	PostURL    string
	Handle     string
	PostID     string
	AuthorName string
	Text       string
	// Hits counts how often the post was rendered from upstream.
	Hits      int64
	CreatedAt time.Time
}

type Stats struct {
	Shares  int64
	Authors int64
	Renders int64
}
