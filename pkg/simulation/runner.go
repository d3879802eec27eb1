// Package simulation drives several in-process replicas of one room with
// randomized edits and checks that they converge.
package simulation

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rmax-ai/flowboard/pkg/geometry"
	"github.com/rmax-ai/flowboard/pkg/gesture"
	"github.com/rmax-ai/flowboard/pkg/graph"
	"github.com/rmax-ai/flowboard/pkg/session"
	"github.com/rmax-ai/flowboard/pkg/store"
)

const (
	defaultDebounce = 20 * time.Millisecond
	defaultSettle   = 5 * time.Second
	settlePoll      = 10 * time.Millisecond
)

type replica struct {
	name    string
	store   *store.Store
	gesture *gesture.Controller
}

// RunScenario runs s against relay r and reports the outcome. Errors are
// returned only when the replicas could not be set up.
func RunScenario(ctx context.Context, s Scenario, r store.Relay, logger zerolog.Logger) (SimulationResult, error) {
	if s.Seed == 0 {
		s.Seed = time.Now().UnixNano()
	}
	if s.Room == "" {
		s.Room = "sim"
	}
	if s.Debounce <= 0 {
		s.Debounce = defaultDebounce
	}
	if s.Settle <= 0 {
		s.Settle = defaultSettle
	}

	logger.Info().Str("scenario", s.Name).Int64("seed", s.Seed).Msg("scenario_started")
	start := time.Now()

	res := SimulationResult{
		ScenarioName: s.Name,
		Seed:         s.Seed,
		AgentStats:   make(map[string]*AgentStats),
	}

	unsubscribe, err := r.Subscribe(ctx, s.Room, func(store.Envelope) {
		atomic.AddUint64(&res.Envelopes, 1)
	})
	if err != nil {
		return res, fmt.Errorf("failed to watch room: %w", err)
	}
	defer unsubscribe()

	var replicas []*replica
	defer func() {
		for _, rep := range replicas {
			_ = rep.store.Close(context.Background())
		}
	}()

	for _, cfg := range s.Agents {
		if _, ok := res.AgentStats[cfg.Name]; !ok {
			res.AgentStats[cfg.Name] = &AgentStats{}
		}
		for i := 0; i < cfg.Count; i++ {
			rep, err := newReplica(ctx, fmt.Sprintf("%s-%d", cfg.Name, i), s, r, logger)
			if err != nil {
				return res, err
			}
			replicas = append(replicas, rep)
		}
	}
	res.Replicas = len(replicas)

	// Group stats by Agent Config Name
	var wg sync.WaitGroup
	idx := 0
	for agentIdx, cfg := range s.Agents {
		for i := 0; i < cfg.Count; i++ {
			rep := replicas[idx]
			idx++
			seed := s.Seed + int64(agentIdx*1000) + int64(i)
			stats := res.AgentStats[cfg.Name]

			wg.Add(1)
			go func(cfg AgentConfig) {
				defer wg.Done()
				runAgent(ctx, rep, cfg, seed, &res, stats)
			}(cfg)
		}
	}
	wg.Wait()

	for _, rep := range replicas {
		if err := rep.store.Flush(ctx); err != nil {
			logger.Warn().Err(err).Str("replica", rep.name).Msg("final_flush_failed")
		}
	}

	res.Converged = waitConverged(ctx, replicas, s.Settle)
	if len(replicas) > 0 {
		snap := replicas[0].store.Snapshot()
		res.Nodes = len(snap.Nodes)
		res.Edges = len(snap.Edges)
		res.Dangling = len(graph.DanglingEdges(snap))
	}
	res.Duration = time.Since(start)

	evaluateInvariants(&res, s.Invariants)

	res.Success = res.Converged
	for _, inv := range res.Invariants {
		if !inv.Passed {
			res.Success = false
			break
		}
	}

	logger.Info().
		Str("scenario", s.Name).
		Bool("converged", res.Converged).
		Uint64("ops", res.TotalOps).
		Uint64("envelopes", atomic.LoadUint64(&res.Envelopes)).
		Dur("duration", res.Duration).
		Msg("scenario_finished")
	return res, nil
}

func newReplica(ctx context.Context, userID string, s Scenario, r store.Relay, logger zerolog.Logger) (*replica, error) {
	sess := session.New(userID)
	sess.Debounce = s.Debounce

	st, err := store.New(graph.DefaultSeed(), sess,
		store.WithRoom(s.Room),
		store.WithLogger(logger.With().Str("replica", userID).Logger()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replica %s: %w", userID, err)
	}
	if err := st.Attach(ctx, r); err != nil {
		_ = st.Close(ctx)
		return nil, fmt.Errorf("failed to attach replica %s: %w", userID, err)
	}
	return &replica{
		name:    userID,
		store:   st,
		gesture: gesture.New(st, geometry.Identity(), st),
	}, nil
}

func runAgent(ctx context.Context, rep *replica, cfg AgentConfig, seed int64, global *SimulationResult, stats *AgentStats) {
	rng := rand.New(rand.NewSource(seed))

	for i := 0; i < cfg.Ops; i++ {
		if ctx.Err() != nil {
			return
		}

		behavior := cfg.Behavior
		if behavior == BehaviorMixed || behavior == "" {
			behavior = []BehaviorType{BehaviorEditor, BehaviorConnector, BehaviorPruner}[rng.Intn(3)]
		}

		var err error
		switch behavior {
		case BehaviorConnector:
			err = connect(rep, rng, stats)
		case BehaviorPruner:
			err = prune(rep, rng)
		default:
			err = edit(rep, rng)
		}

		atomic.AddUint64(&global.TotalOps, 1)
		atomic.AddUint64(&stats.Ops, 1)
		if err != nil {
			atomic.AddUint64(&global.TotalErrors, 1)
			atomic.AddUint64(&stats.Errors, 1)
		}

		if cfg.Jitter > 0 {
			time.Sleep(time.Duration(rng.Int63n(int64(cfg.Jitter))))
		}
	}
}

func randomPoint(rng *rand.Rand) geometry.Point {
	return geometry.Point{X: math.Round(rng.Float64() * 800), Y: math.Round(rng.Float64() * 600)}
}

func edit(rep *replica, rng *rand.Rand) error {
	nodes := rep.store.Nodes()
	roll := rng.Intn(10)
	switch {
	case roll < 5 || len(nodes) == 0:
		id := rep.store.NextID()
		return rep.store.ApplyNodeChanges(store.AddNode(graph.Node{
			ID:       id,
			Type:     graph.NodeDefault,
			Data:     graph.NodeData{Label: "Node " + id},
			Position: randomPoint(rng),
			Origin:   graph.DefaultOrigin,
		}))
	case roll < 8:
		p := randomPoint(rng)
		return rep.store.ApplyNodeChanges(store.UpdateNode(nodes[rng.Intn(len(nodes))].ID, store.NodePatch{Position: &p}))
	default:
		label := fmt.Sprintf("%s #%d", rep.name, rng.Intn(100))
		return rep.store.ApplyNodeChanges(store.UpdateNode(nodes[rng.Intn(len(nodes))].ID, store.NodePatch{Label: &label}))
	}
}

func connect(rep *replica, rng *rand.Rand, stats *AgentStats) error {
	nodes := rep.store.Nodes()
	if len(nodes) == 0 {
		return edit(rep, rng)
	}
	if err := rep.gesture.Begin(nodes[rng.Intn(len(nodes))].ID); err != nil {
		return err
	}

	target := ""
	if rng.Intn(2) == 0 {
		target = nodes[rng.Intn(len(nodes))].ID
	}
	p := randomPoint(rng)
	out, err := rep.gesture.End(geometry.PointerEvent{ClientX: p.X, ClientY: p.Y}, target)
	if err != nil {
		return err
	}
	switch out.Phase {
	case gesture.Completed:
		atomic.AddUint64(&stats.Connected, 1)
	case gesture.SpawnedNode:
		atomic.AddUint64(&stats.Spawned, 1)
	}
	return nil
}

func prune(rep *replica, rng *rand.Rand) error {
	snap := rep.store.Snapshot()
	if rng.Intn(2) == 0 && len(snap.Edges) > 0 {
		return rep.store.ApplyEdgeChanges(store.RemoveEdge(snap.Edges[rng.Intn(len(snap.Edges))].ID))
	}
	if len(snap.Nodes) > 1 {
		return rep.store.ApplyNodeChanges(store.RemoveNode(snap.Nodes[rng.Intn(len(snap.Nodes))].ID))
	}
	return edit(rep, rng)
}

// waitConverged polls until every replica shows the same diagram and has
// nothing left to broadcast.
func waitConverged(ctx context.Context, replicas []*replica, settle time.Duration) bool {
	deadline := time.Now().Add(settle)
	for {
		if converged(replicas) {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		time.Sleep(settlePoll)
	}
}

func converged(replicas []*replica) bool {
	if len(replicas) == 0 {
		return true
	}
	first := replicas[0].store.Snapshot()
	for _, rep := range replicas {
		if rep.store.PendingOps() > 0 {
			return false
		}
		if !store.ShallowEqualState(first, rep.store.Snapshot()) {
			return false
		}
	}
	return true
}

func evaluateInvariants(res *SimulationResult, invariants []Invariant) {
	for _, inv := range invariants {
		var actual float64
		switch inv.Metric {
		case "converged":
			if res.Converged {
				actual = 1
			}
		case "dangling_edges":
			actual = float64(res.Dangling)
		case "nodes":
			actual = float64(res.Nodes)
		case "edges":
			actual = float64(res.Edges)
		case "error_rate":
			if res.TotalOps > 0 {
				actual = float64(res.TotalErrors) / float64(res.TotalOps)
			}
		default:
			res.Invariants = append(res.Invariants, InvariantResult{
				Metric: inv.Metric, Expected: fmt.Sprintf("%s %.2f", inv.Condition, inv.Value), Actual: "N/A", Passed: false,
			})
			continue
		}

		var passed bool
		switch inv.Condition {
		case ">":
			passed = actual > inv.Value
		case ">=":
			passed = actual >= inv.Value
		case "<":
			passed = actual < inv.Value
		case "<=":
			passed = actual <= inv.Value
		case "==":
			passed = math.Abs(actual-inv.Value) < 0.0001
		}

		res.Invariants = append(res.Invariants, InvariantResult{
			Metric:   inv.Metric,
			Expected: fmt.Sprintf("%s %.2f", inv.Condition, inv.Value),
			Actual:   fmt.Sprintf("%.4f", actual),
			Passed:   passed,
		})
	}
}
