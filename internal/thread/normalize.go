package thread

import (
	"time"

	"github.com/bskylink/bskylink/internal/model"
)

// TimestampLayout renders as e.g. "March 4, 2024 at 1:05:09 PM".
const TimestampLayout = "January 2, 2006 at 3:04:05 PM"

// ClassifyEmbed picks the first of record, images and external that is
// present on e. The record is passed through as is, including the wrapper
// of a record-with-media embed.
func ClassifyEmbed(e *model.Embed) model.EmbedView {
	switch {
	case e == nil:
		return model.EmbedView{Kind: model.EmbedNone}
	case e.Record != nil:
		return model.EmbedView{Kind: model.EmbedRecord, Record: e.Record}
	case e.Images != nil:
		return model.EmbedView{Kind: model.EmbedImages, Images: e.Images}
	case e.External != nil:
		return model.EmbedView{Kind: model.EmbedExternal, External: e.External}
	}
	return model.EmbedView{Kind: model.EmbedNone}
}

// ClassifyFeedEmbed is the feed listing's rule: only quoted records and
// image sets are shown, and a record-with-media embed is unwrapped to the
// quoted post.
func ClassifyFeedEmbed(e *model.Embed) model.EmbedView {
	v := ClassifyEmbed(e)
	switch v.Kind {
	case model.EmbedExternal:
		return model.EmbedView{Kind: model.EmbedNone}
	case model.EmbedRecord:
		if v.Record.Record != nil {
			v.Record = v.Record.Record
		}
	}
	return v
}

// FormatTimestamp renders an RFC 3339 createdAt in loc. Unparsable input
// yields an empty string.
func FormatTimestamp(raw string, loc *time.Location) string {
	if raw == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return ""
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(TimestampLayout)
}
