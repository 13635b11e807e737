package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/bskylink/bskylink/internal/auth"
	"github.com/bskylink/bskylink/internal/cache"
	"github.com/bskylink/bskylink/internal/client"
	"github.com/bskylink/bskylink/internal/config"
	"github.com/bskylink/bskylink/internal/logger"
	"github.com/bskylink/bskylink/internal/metrics"
	"github.com/bskylink/bskylink/internal/pipeline"
	"github.com/bskylink/bskylink/internal/store/sqlite"
)

// gateway holds the components every command shares.
type gateway struct {
	cfg      config.Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	session  *auth.Manager
	cache    *cache.Cache
	store    *sqlite.Store
	pipeline *pipeline.Pipeline
}

func setup(c *cli.Context) (*gateway, error) {
	cfg, err := config.LoadPath(c.String("config"))
	if err != nil {
		return nil, err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Addr = addr
	}
	if level := c.String("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logger.New(cfg.LogLevel, os.Stderr)
	m := metrics.New()

	xrpc := client.New(cfg.Upstream.Host, cfg.Upstream.Timeout)
	xrpc.MaxResponseBytes = cfg.Upstream.MaxResponseBytes
	xrpc.Observe = m.ObserveUpstream

	session := auth.NewManager(xrpc, cfg.Upstream.Identifier, cfg.Upstream.Password, auth.Options{
		Lease:   cfg.Session.Lease,
		Logger:  log.With("component", "auth"),
		OnRenew: m.ObserveRenew,
	})

	rc := cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL, cache.WithEvictHook(m.CacheEvicted))
	m.CacheSize(rc.Len)

	st, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	p := pipeline.New(xrpc, session, rc, pipeline.Options{
		AllowedHosts: cfg.AllowedHosts,
		PublicURL:    cfg.PublicURL,
		Location:     cfg.Location(),
		Shares:       st,
		Logger:       log.With("component", "pipeline"),
		Observe:      m.ObservePipeline,
	})

	log.Debug("gateway configured",
		"upstream", cfg.Upstream.Host,
		"identifier", cfg.Upstream.Identifier,
		"password", logger.Mask(cfg.Upstream.Password),
		"cache_entries", cfg.Cache.MaxEntries,
		"cache_ttl", cfg.Cache.TTL,
		"db", cfg.DBPath,
	)

	return &gateway{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		session:  session,
		cache:    rc,
		store:    st,
		pipeline: p,
	}, nil
}

func (g *gateway) Close() {
	if err := g.store.Close(); err != nil {
		g.log.Warn("close store", "err", err)
	}
}
