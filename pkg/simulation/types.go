package simulation

import (
	"time"
)

// SimulationResult captures the final state of the simulation for reporting
type SimulationResult struct {
	ScenarioName string                 `json:"scenario_name"`
	Seed         int64                  `json:"seed"`
	Duration     time.Duration          `json:"duration"`
	Replicas     int                    `json:"replicas"`
	TotalOps     uint64                 `json:"total_ops"`
	TotalErrors  uint64                 `json:"total_errors"`
	Envelopes    uint64                 `json:"envelopes"`
	Converged    bool                   `json:"converged"`
	Nodes        int                    `json:"nodes"`
	Edges        int                    `json:"edges"`
	Dangling     int                    `json:"dangling"`
	AgentStats   map[string]*AgentStats `json:"agent_stats"`
	Invariants   []InvariantResult      `json:"invariants"`
	Success      bool                   `json:"success"`
}

type AgentStats struct {
	Ops       uint64 `json:"ops"`
	Errors    uint64 `json:"errors"`
	Connected uint64 `json:"connected"`
	Spawned   uint64 `json:"spawned"`
}

type InvariantResult struct {
	Metric   string `json:"metric"`
	Expected string `json:"expected"` // e.g. "== 1.00"
	Actual   string `json:"actual"`
	Passed   bool   `json:"passed"`
}

// Scenario describes a set of replicas editing one room concurrently.
type Scenario struct {
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description" yaml:"description"`
	Room        string        `json:"room" yaml:"room"`
	Seed        int64         `json:"seed" yaml:"seed"` // Deterministic seed
	Debounce    time.Duration `json:"debounce" yaml:"debounce"`
	Settle      time.Duration `json:"settle" yaml:"settle"` // max wait for convergence
	Agents      []AgentConfig `json:"agents" yaml:"agents"`
	Invariants  []Invariant   `json:"invariants,omitempty" yaml:"invariants,omitempty"`
}

type Invariant struct {
	Metric    string  `json:"metric" yaml:"metric"`       // converged, dangling_edges, nodes, edges, error_rate
	Condition string  `json:"condition" yaml:"condition"` // e.g., ">", "<", ">=", "<=", "=="
	Value     float64 `json:"value" yaml:"value"`
}

// AgentConfig starts Count replicas, each running Ops actions.
type AgentConfig struct {
	Name     string        `json:"name" yaml:"name"`
	Count    int           `json:"count" yaml:"count"`
	Ops      int           `json:"ops" yaml:"ops"`
	Behavior BehaviorType  `json:"behavior" yaml:"behavior"`
	Jitter   time.Duration `json:"jitter" yaml:"jitter"`
}

type BehaviorType string

const (
	BehaviorEditor    BehaviorType = "editor"    // adds, moves and relabels nodes
	BehaviorConnector BehaviorType = "connector" // drags connections, spawning nodes on empty drops
	BehaviorPruner    BehaviorType = "pruner"    // removes nodes and edges
	BehaviorMixed     BehaviorType = "mixed"
)

// DefaultScenario is run when no scenario file is given.
func DefaultScenario() Scenario {
	return Scenario{
		Name:        "Default Demo",
		Description: "Three collaborators editing the same room",
		Room:        "sim",
		Debounce:    20 * time.Millisecond,
		Settle:      5 * time.Second,
		Agents: []AgentConfig{
			{Name: "editor", Count: 1, Ops: 50, Behavior: BehaviorEditor, Jitter: 2 * time.Millisecond},
			{Name: "connector", Count: 1, Ops: 50, Behavior: BehaviorConnector, Jitter: 2 * time.Millisecond},
			{Name: "pruner", Count: 1, Ops: 20, Behavior: BehaviorPruner, Jitter: 5 * time.Millisecond},
		},
		Invariants: []Invariant{
			{Metric: "converged", Condition: "==", Value: 1},
			{Metric: "error_rate", Condition: "==", Value: 0},
		},
	}
}
