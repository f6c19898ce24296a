// Package runtime assembles the pipeline: platform clients, the change
// producer and its feed, the projector runners, the notification fan-out,
// and the operational HTTP server, all supervised under one errgroup so a
// fatal failure in any worker takes the process down visibly.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"ripple/internal/notify"
	"ripple/internal/platform/config"
	"ripple/internal/platform/httpserver"
	platformredis "ripple/internal/platform/redis"
	"ripple/internal/producer"
	"ripple/internal/projector"
	"ripple/internal/projector/cache"
	"ripple/internal/projector/comments"
	"ripple/internal/projector/graph"
	"ripple/internal/stream"
	httptransport "ripple/internal/transport/http"
)

// Consumer group names, one per projection.
const (
	GroupCache    = "cache"
	GroupGraph    = "graph"
	GroupComments = "comments"
)

// Pipeline owns every long-lived worker of the process.
type Pipeline struct {
	cfg    config.Config
	logger *slog.Logger

	redis      *platformredis.Client
	feed       *producer.Feed
	runners    []*projector.Runner
	dispatcher *notify.Dispatcher
	server     *http.Server
}

// New wires the full pipeline against Redis and Kafka. Nothing starts
// running until Run is called.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Pipeline, error) {
	rdb, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}

	log := stream.NewRedisLog(rdb.Client)

	tables := make(producer.Tables, len(cfg.Streams))
	for _, s := range cfg.Streams {
		tables[s] = struct{}{}
	}
	prod := producer.New(log, tables, logger)

	feed, err := producer.NewFeed(producer.FeedConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
		Group:   cfg.Kafka.Group,
	}, prod, logger)
	if err != nil {
		rdb.Close()
		return nil, err
	}

	cacheProjector := cache.New(cache.NewRedisStore(rdb.Client), logger)
	graphProjector := graph.New(graph.NewRedisStore(rdb.Client), graph.Refs(cfg.GraphRefs), logger)
	commentsProjector := comments.New(cache.NewRedisStore(rdb.Client), logger)

	runners := []*projector.Runner{
		projector.NewRunner(log, cacheProjector, GroupCache, cfg.ConsumerName, cfg.Streams, logger),
		projector.NewRunner(log, graphProjector, GroupGraph, cfg.ConsumerName, cfg.Streams, logger),
	}
	if slices.Contains(cfg.Streams, "comments") {
		runners = append(runners,
			projector.NewRunner(log, commentsProjector, GroupComments, cfg.ConsumerName, []string{"comments"}, logger))
	}

	hub := notify.NewHub()
	dispatcher := notify.NewDispatcher(log, hub, cfg.NotifyStreams, logger)

	reporters := make([]httptransport.StatusReporter, len(runners))
	for i, r := range runners {
		reporters[i] = r
	}
	handler := httptransport.NewHandler(rdb, reporters, notify.NewHandler(hub, logger), logger)

	return &Pipeline{
		cfg:        cfg,
		logger:     logger,
		redis:      rdb,
		feed:       feed,
		runners:    runners,
		dispatcher: dispatcher,
		server:     httpserver.New(cfg.Addr, httptransport.NewRouter(handler)),
	}, nil
}

// Run starts every worker and blocks until the context is cancelled or a
// fatal error surfaces. Producer and log failures are fatal by policy;
// projector and notification failures are handled inside their workers.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.feed.EnsureTopic(ctx, p.cfg.Kafka.Topic, 1); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.feed.Run(ctx) })
	for _, r := range p.runners {
		g.Go(func() error { return r.Run(ctx) })
	}
	g.Go(func() error { return p.dispatcher.Run(ctx) })

	g.Go(func() error {
		err := p.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return p.server.Shutdown(shutdownCtx)
	})

	p.logger.Info("pipeline running",
		"addr", p.cfg.Addr,
		"streams", p.cfg.Streams,
		"consumer", p.cfg.ConsumerName)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases backing connections. Call after Run returns.
func (p *Pipeline) Close() error {
	return p.redis.Close()
}
