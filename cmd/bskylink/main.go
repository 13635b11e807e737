package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/urfave/cli/v2"

	httpapp "github.com/bskylink/bskylink/internal/http"
	"github.com/bskylink/bskylink/internal/logger"
	"github.com/bskylink/bskylink/internal/model"
	"github.com/bskylink/bskylink/internal/pipeline"
	"github.com/bskylink/bskylink/internal/rate"
	"github.com/bskylink/bskylink/internal/scheduler"
)

var version = "0.1.0"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "bskylink",
		Usage:   "Share Bluesky posts with people who have no account",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "YAML config file", EnvVars: []string{"BSKYLINK_CONFIG"}},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error (overrides BSKYLINK_LOG_LEVEL)"},
		},
		Action: runServer,
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"server"},
				Usage:   "Start the gateway (default if no command)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "listen address (overrides BSKYLINK_ADDR)"},
				},
				Action: runServer,
			},
			{
				Name:      "thread",
				Usage:     "Render a post the way the gateway would",
				ArgsUsage: "<post url>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "show-thread", Usage: "include the author's own replies"},
					&cli.BoolFlag{Name: "hide-parent", Usage: "omit the post being replied to"},
					&cli.BoolFlag{Name: "json", Usage: "print the view as JSON"},
				},
				Action: cmdThread,
			},
			{
				Name:      "feed",
				Usage:     "List an author's recent posts",
				ArgsUsage: "<handle>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "print the view as JSON"},
				},
				Action: cmdFeed,
			},
			{
				Name:   "warm",
				Usage:  "Log in upstream and report the session",
				Action: cmdWarm,
			},
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(c *cli.Context) error {
					fmt.Println("bskylink v" + version)
					return nil
				},
			},
		},
	}
}

// ============================================================================
// SERVER
// ============================================================================

func runServer(c *cli.Context) error {
	gw, err := setup(c)
	if err != nil {
		return err
	}
	defer gw.Close()
	cfg, log := gw.cfg, gw.log

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Log in before taking traffic. A failure is not fatal: the first
	// request retries.
	go func() {
		loginCtx, cancel := context.WithTimeout(ctx, cfg.Upstream.Timeout)
		defer cancel()
		if err := gw.session.Authenticate(loginCtx); err != nil {
			log.Warn("initial login failed", "err", err)
		}
	}()

	limiter := rate.NewPool(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	sched := scheduler.New(scheduler.Options{
		Location: cfg.Location(),
		Logger:   log,
		OnRun:    gw.metrics.ObserveJob,
	})
	jobs := []struct {
		name, spec string
		job        scheduler.Job
	}{
		{scheduler.JobCachePurge, scheduler.DefaultPurgeSpec, scheduler.CachePurge(gw.cache, log)},
		{scheduler.JobSharePrune, scheduler.DefaultPruneSpec, scheduler.SharePrune(gw.store, cfg.ShareRetention, nil, log)},
		{scheduler.JobSessionWarm, scheduler.DefaultWarmSpec, scheduler.SessionWarm(gw.session)},
		{scheduler.JobLimiterSweep, scheduler.DefaultSweepSpec, scheduler.LimiterSweep(limiter)},
	}
	for _, j := range jobs {
		if err := sched.AddJob(j.name, j.spec, j.job); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	server, err := httpapp.NewServer(httpapp.Deps{
		Pipeline: gw.pipeline,
		Cache:    gw.cache,
		Store:    gw.store,
		Limiter:  limiter,
		Metrics:  gw.metrics,
		Session:  gw.session,
		Logger:   log,
		Version:  version,
	}, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("bskylink listening", "addr", cfg.Addr, "public_url", cfg.PublicURL, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// ============================================================================
// CLIENT COMMANDS
// ============================================================================

const threadUsage = "Usage: bskylink thread [--show-thread] [--hide-parent] [--json] <post url>"

func cmdThread(c *cli.Context) error {
	if c.NArg() != 1 || strings.TrimSpace(c.Args().First()) == "" {
		return cli.Exit(threadUsage, 2)
	}
	gw, err := setup(c)
	if err != nil {
		return err
	}
	defer gw.Close()

	ctx, cancel := context.WithTimeout(c.Context, 2*gw.cfg.Upstream.Timeout)
	defer cancel()

	view, err := gw.pipeline.Thread(ctx, pipeline.ThreadRequest{
		URL:        c.Args().First(),
		ShowThread: c.Bool("show-thread"),
		HideParent: c.Bool("hide-parent"),
	})
	if err != nil {
		return explain(err)
	}
	if view == nil {
		return cli.Exit(threadUsage, 2)
	}
	if c.Bool("json") {
		return printJSON(view)
	}

	if view.Parent != nil {
		fmt.Printf("  ↳ replying to @%s: %s\n\n", view.Parent.Post.Author.Handle, oneLine(view.Parent.Post.Record.Text))
	}
	fmt.Printf("%s (@%s)\n", displayName(view.Author), view.Author.Handle)
	fmt.Println(view.Record.Text)
	fmt.Println()
	describeEmbed(view.Embed)
	fmt.Printf("%s · %s replies · %s reposts · %s likes\n",
		view.CreatedAt,
		humanize.Comma(view.ReplyCount),
		humanize.Comma(view.RepostCount),
		humanize.Comma(view.LikeCount),
	)
	for _, reply := range view.Replies {
		fmt.Printf("\n  %s\n  %s\n", oneLine(reply.Post.Record.Text), reply.Post.Record.CreatedAt)
	}
	fmt.Printf("\nShare: %s\n", view.URL)
	return nil
}

func cmdFeed(c *cli.Context) error {
	if c.NArg() != 1 || strings.TrimSpace(c.Args().First()) == "" {
		return cli.Exit("Usage: bskylink feed [--json] <handle>", 2)
	}
	gw, err := setup(c)
	if err != nil {
		return err
	}
	defer gw.Close()

	ctx, cancel := context.WithTimeout(c.Context, 2*gw.cfg.Upstream.Timeout)
	defer cancel()

	view, err := gw.pipeline.Feed(ctx, c.Args().First())
	if err != nil {
		return explain(err)
	}
	if c.Bool("json") {
		return printJSON(view)
	}

	fmt.Printf("@%s: %d posts\n", view.Author, len(view.Posts))
	for _, fp := range view.Posts {
		prefix := ""
		if fp.Reason != nil && fp.Reason.By != nil {
			prefix = "[reposted by @" + fp.Reason.By.Handle + "] "
		}
		fmt.Printf("\n%s@%s · %s\n  %s\n", prefix, fp.Post.Author.Handle, fp.CreatedAt, oneLine(fp.Post.Record.Text))
		describeEmbed(fp.Embed)
	}
	fmt.Printf("\nShare: %s\n", view.URL)
	return nil
}

func cmdWarm(c *cli.Context) error {
	gw, err := setup(c)
	if err != nil {
		return err
	}
	defer gw.Close()

	ctx, cancel := context.WithTimeout(c.Context, 2*gw.cfg.Upstream.Timeout)
	defer cancel()
	if err := gw.session.Authenticate(ctx); err != nil {
		return err
	}

	cred := gw.session.Credential()
	fmt.Printf("✓ Session %s\n", gw.session.State())
	fmt.Printf("  Handle:  %s\n", cred.Handle)
	fmt.Printf("  DID:     %s\n", cred.DID)
	fmt.Printf("  Token:   %s\n", logger.Mask(cred.AccessToken))
	fmt.Printf("  Expires: %s (%s)\n", cred.ExpiresAt.Format(time.RFC3339), humanize.Time(cred.ExpiresAt))
	return nil
}

// explain turns a pipeline error into the message a page would show.
func explain(err error) error {
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		return cli.Exit(fmt.Sprintf("%s (%s: %v)", pe.Message, pe.Kind, pe.Stage), 1)
	}
	return err
}

func describeEmbed(e model.EmbedView) {
	switch e.Kind {
	case model.EmbedRecord:
		if e.Record != nil && e.Record.Value != nil {
			handle := ""
			if e.Record.Author != nil {
				handle = e.Record.Author.Handle
			}
			fmt.Printf("  ❝ @%s: %s\n", handle, oneLine(e.Record.Value.Text))
		}
	case model.EmbedImages:
		fmt.Printf("  [%s]\n", english.Plural(len(e.Images), "image", "images"))
	case model.EmbedExternal:
		if e.External != nil {
			fmt.Printf("  → %s <%s>\n", e.External.Title, e.External.URI)
		}
	}
}

func displayName(a model.Author) string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Handle
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
