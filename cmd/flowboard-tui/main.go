package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rmax-ai/flowboard/pkg/client"
	"github.com/rmax-ai/flowboard/pkg/config"
	"github.com/rmax-ai/flowboard/pkg/flow"
	"github.com/rmax-ai/flowboard/pkg/geometry"
	"github.com/rmax-ai/flowboard/pkg/gesture"
	"github.com/rmax-ai/flowboard/pkg/graph"
	"github.com/rmax-ai/flowboard/pkg/logging"
	"github.com/rmax-ai/flowboard/pkg/relay"
	"github.com/rmax-ai/flowboard/pkg/relay/redis"
	"github.com/rmax-ai/flowboard/pkg/store"
)

// resyncInterval is how often the journal is polled for envelopes the relay
// may have dropped.
const resyncInterval = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Alas, there's been an error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		logFile    string
	)

	cmd := &cobra.Command{
		Use:           "flowboard-tui",
		Short:         "Edit a shared diagram in the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.Options{File: configFile, EnvFile: ".env", Flags: cmd.Flags()})
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, logFile)
		},
	}
	config.RegisterFlags(cmd.Flags())
	cmd.Flags().StringVar(&configFile, "config", "", "path to a TOML config file")
	cmd.Flags().StringVar(&logFile, "log-file", "", "write logs here (the terminal is taken by the UI)")
	return cmd
}

func run(ctx context.Context, cfg config.Config, logFile string) error {
	logger := zerolog.Nop()
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		if logger, err = logging.NewWithWriter(cfg.Log, "flowboard-tui", f); err != nil {
			return err
		}
	}

	seed, err := graph.LoadSeed(cfg.SeedPath)
	if err != nil {
		return err
	}
	st, err := store.New(seed, cfg.Session(),
		store.WithLogger(logger),
		store.WithRoom(cfg.Room),
		store.WithMaxWait(cfg.MaxWait),
	)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = st.Close(closeCtx)
	}()

	var r store.Relay = relay.NewHub()
	if cfg.RedisURL != "" {
		rdb, err := redis.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		rr := redis.New(rdb, redis.WithLogger(logger))
		defer rr.Close()
		r = rr
	}
	if err := st.Attach(ctx, r); err != nil {
		return err
	}
	if cfg.APIURL != "" {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := catchUp(ctx, client.NewClient(cfg.APIURL), st, logger); err != nil {
			return err
		}
	}

	view := &viewState{vp: geometry.Identity()}
	mapper := gesture.MapperFunc(func(x, y float64) geometry.Point {
		return view.vp.ToModelSpace(x, y)
	})
	binding := flow.Bind(st, gesture.New(st, mapper, st, gesture.WithLogger(logger)))

	changes := make(chan graphMsg, 1)
	unmount := binding.Mount(flow.RenderFunc(func(nodes []graph.Node, edges []graph.Edge) {
		publishLatest(changes, graphMsg{nodes: nodes, edges: edges})
	}))
	defer unmount()

	p := tea.NewProgram(newModel(binding, view, changes, cfg.Room, cfg.UserID), tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err = p.Run()
	return err
}

// catchUp restores the daemon's journal into st, then keeps polling it
// until ctx is done.
func catchUp(ctx context.Context, c *client.Client, st *store.Store, logger zerolog.Logger) error {
	cursor, err := c.CatchUp(ctx, st, 0)
	if err != nil {
		return fmt.Errorf("failed to catch up: %w", err)
	}
	logger.Info().Int64("cursor", cursor).Msg("caught_up")

	go func() {
		ticker := time.NewTicker(resyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				next, err := c.CatchUp(ctx, st, cursor)
				if err != nil {
					if ctx.Err() == nil {
						logger.Warn().Err(err).Msg("resync_failed")
					}
					continue
				}
				cursor = next
			}
		}
	}()
	return nil
}

// publishLatest replaces any undelivered render with msg.
func publishLatest(ch chan graphMsg, msg graphMsg) {
	for {
		select {
		case ch <- msg:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
