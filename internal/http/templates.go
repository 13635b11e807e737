package httpapp

import (
	"embed"
	"html/template"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bskylink/bskylink/internal/thread"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/favicon.svg
var faviconSVG []byte

type Templates struct {
	Home  *template.Template
	Post  *template.Template
	Feed  *template.Template
	Error *template.Template
}

func loadTemplates(loc *time.Location) (*Templates, error) {
	funcs := template.FuncMap{
		"comma":   func(n int64) string { return humanize.Comma(n) },
		"ago":     func(t time.Time) string { return humanize.Time(t) },
		"when":    func(raw string) string { return thread.FormatTimestamp(raw, loc) },
		"webURL":  webURL,
		"initial": initial,
	}

	layoutContent, err := templateFS.ReadFile("templates/layout.html")
	if err != nil {
		return nil, err
	}

	makePage := func(pageName string) (*template.Template, error) {
		pageContent, err := templateFS.ReadFile("templates/" + pageName + ".html")
		if err != nil {
			return nil, err
		}
		t := template.New("layout").Funcs(funcs)
		t, err = t.Parse(string(layoutContent))
		if err != nil {
			return nil, err
		}
		t, err = t.Parse(string(pageContent))
		if err != nil {
			return nil, err
		}
		return t, nil
	}

	home, err := makePage("home")
	if err != nil {
		return nil, err
	}
	post, err := makePage("post")
	if err != nil {
		return nil, err
	}
	feed, err := makePage("feed")
	if err != nil {
		return nil, err
	}
	errPage, err := makePage("error")
	if err != nil {
		return nil, err
	}

	return &Templates{
		Home:  home,
		Post:  post,
		Feed:  feed,
		Error: errPage,
	}, nil
}

// webURL turns at://<did>/app.bsky.feed.post/<rkey> into the bsky.app
// permalink for handle. Anything else maps to the handle's profile.
func webURL(handle, atURI string) string {
	base := "https://bsky.app/profile/" + handle
	rest, ok := strings.CutPrefix(atURI, "at://")
	if !ok {
		return base
	}
	parts := strings.Split(rest, "/")
	if len(parts) == 3 && parts[1] == "app.bsky.feed.post" && parts[2] != "" {
		return base + "/post/" + parts[2]
	}
	return base
}

func initial(name string) string {
	for _, r := range name {
		return strings.ToUpper(string(r))
	}
	return "?"
}
