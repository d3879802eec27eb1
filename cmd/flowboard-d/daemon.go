package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rmax-ai/flowboard/pkg/api"
	"github.com/rmax-ai/flowboard/pkg/blob"
	"github.com/rmax-ai/flowboard/pkg/config"
	"github.com/rmax-ai/flowboard/pkg/graph"
	"github.com/rmax-ai/flowboard/pkg/journal"
	"github.com/rmax-ai/flowboard/pkg/relay"
	"github.com/rmax-ai/flowboard/pkg/relay/redis"
	"github.com/rmax-ai/flowboard/pkg/store"
)

// daemonOptions are the settings only the daemon uses.
type daemonOptions struct {
	LeaseTTL          time.Duration
	JournalRetention  time.Duration
	RetentionInterval time.Duration
	ArchiveDir        string
}

// daemon owns one replica and everything wired around it.
type daemon struct {
	cfg    config.Config
	opts   daemonOptions
	logger zerolog.Logger

	store   *store.Store
	server  *api.Server
	journal *journal.Journal
	blobs   blob.Store

	redisClient *goredis.Client
	redisRelay  *redis.Relay
	lease       *redis.SessionLease
	holder      string

	stopRecord func()
	fatal      chan error
	cancel     context.CancelFunc
}

func newDaemon(ctx context.Context, cfg config.Config, opts daemonOptions, logger zerolog.Logger) (d *daemon, err error) {
	d = &daemon{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		holder:    uuid.NewString(),
		fatal:     make(chan error, 2),
	}
	defer func() {
		if err != nil {
			d.close(context.Background())
		}
	}()

	seed := graph.DefaultSeed()
	if cfg.SeedPath != "" {
		if seed, err = graph.LoadSeed(cfg.SeedPath); err != nil {
			return d, err
		}
		logger.Info().Str("path", cfg.SeedPath).Int("nodes", len(seed.Nodes)).Int("edges", len(seed.Edges)).Msg("seed_loaded")
	}

	r, err := d.openRelay(ctx)
	if err != nil {
		return d, err
	}

	d.store, err = store.New(seed, cfg.Session(),
		store.WithLogger(logger),
		store.WithRoom(cfg.Room),
		store.WithMaxWait(cfg.MaxWait),
	)
	if err != nil {
		return d, fmt.Errorf("failed to create store: %w", err)
	}

	if cfg.JournalPath != "" {
		if err := d.openJournal(ctx, r); err != nil {
			return d, err
		}
	}

	if err := d.store.Attach(ctx, r); err != nil {
		return d, err
	}

	serverOpts := []api.Option{api.WithLogger(logger)}
	if d.journal != nil {
		serverOpts = append(serverOpts, api.WithJournal(d.journal))
	}
	d.server = api.NewServer(d.store, cfg.Addr, serverOpts...)
	return d, nil
}

// openRelay connects to Redis when configured and claims the user id for
// this process; otherwise replicas share the in-process hub.
func (d *daemon) openRelay(ctx context.Context) (store.Relay, error) {
	if d.cfg.RedisURL == "" {
		d.logger.Info().Msg("relay_in_process")
		return relay.NewHub(), nil
	}

	client, err := redis.Dial(ctx, d.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	d.redisClient = client
	d.redisRelay = redis.New(client, redis.WithLogger(d.logger))

	if d.opts.LeaseTTL > 0 {
		d.lease = redis.NewSessionLease(client)
		if err := d.lease.Claim(ctx, d.cfg.Room, d.cfg.UserID, d.holder, d.opts.LeaseTTL); err != nil {
			d.lease = nil
			return nil, fmt.Errorf("user id %s: %w", d.cfg.UserID, err)
		}
	}
	d.logger.Info().Str("room", d.cfg.Room).Bool("lease", d.lease != nil).Msg("relay_redis_connected")
	return d.redisRelay, nil
}

func (d *daemon) openJournal(ctx context.Context, r store.Relay) error {
	j, err := journal.Open(d.cfg.JournalPath, journal.WithLogger(d.logger))
	if err != nil {
		return err
	}
	d.journal = j

	if d.opts.ArchiveDir != "" {
		d.blobs = blob.NewLocal(d.opts.ArchiveDir)
		n, err := journal.RestoreArchives(ctx, d.blobs, d.store)
		if err != nil {
			return fmt.Errorf("failed to restore archives: %w", err)
		}
		d.logger.Info().Str("dir", d.opts.ArchiveDir).Int("envelopes", n).Msg("archives_restored")
	}

	if _, err := j.Replay(ctx, d.store); err != nil {
		return fmt.Errorf("failed to replay journal: %w", err)
	}

	d.stopRecord, err = j.Record(ctx, r, d.cfg.Room)
	if err != nil {
		return fmt.Errorf("failed to record room: %w", err)
	}
	return nil
}

// start serves the API and keeps the session lease alive.
func (d *daemon) start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	if d.lease != nil {
		go func() {
			if err := d.lease.Keep(ctx, d.cfg.Room, d.cfg.UserID, d.holder, d.opts.LeaseTTL); errors.Is(err, redis.ErrLeaseLost) {
				d.logger.Error().Err(err).Str("user_id", d.cfg.UserID).Msg("session_lease_lost")
				d.fatal <- err
			}
		}()
	}

	if d.journal != nil && d.opts.JournalRetention > 0 {
		w := journal.NewRetentionWorker(d.journal, d.blobs, d.cfg.Room, journal.RetentionConfig{
			Retention:     d.opts.JournalRetention,
			CheckInterval: d.opts.RetentionInterval,
		})
		go w.Run(ctx)
	}

	go func() {
		if err := d.server.Start(); err != nil {
			d.logger.Error().Err(err).Msg("server_failed")
			d.fatal <- err
		}
	}()
}

// close flushes pending ops and releases everything in reverse order.
func (d *daemon) close(ctx context.Context) {
	if d.cancel != nil {
		d.cancel()
	}
	if d.server != nil {
		if err := d.server.Stop(ctx); err != nil {
			d.logger.Error().Err(err).Msg("server_stop_failed")
		}
	}
	if d.store != nil {
		if err := d.store.Close(ctx); err != nil {
			d.logger.Error().Err(err).Msg("final_flush_failed")
		}
	}
	if d.stopRecord != nil {
		d.stopRecord()
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.logger.Error().Err(err).Msg("failed_to_close_journal")
		}
	}
	if d.lease != nil {
		if err := d.lease.Release(ctx, d.cfg.Room, d.cfg.UserID, d.holder); err != nil {
			d.logger.Warn().Err(err).Msg("session_lease_release_failed")
		}
	}
	if d.redisRelay != nil {
		if err := d.redisRelay.Close(); err != nil {
			d.logger.Error().Err(err).Msg("failed_to_close_relay")
		}
	}
	if d.redisClient != nil {
		_ = d.redisClient.Close()
	}
}
