package graph

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rmax-ai/flowboard/pkg/geometry"
	"gopkg.in/yaml.v2"
)

// ErrInvalidSeed is matched by every *InvalidSeedError.
var ErrInvalidSeed = errors.New("invalid seed")

// InvalidSeedError lists every structural problem found in an initial snapshot.
type InvalidSeedError struct {
	Problems []string
}

func (e *InvalidSeedError) Error() string {
	return fmt.Sprintf("invalid seed: %s", strings.Join(e.Problems, "; "))
}

func (e *InvalidSeedError) Is(target error) bool {
	return target == ErrInvalidSeed
}

// DefaultSeed is the diagram a new room starts with when no seed file is
// configured.
func DefaultSeed() State {
	return State{
		Nodes: []Node{{
			ID:       "0",
			Type:     NodeInput,
			Data:     NodeData{Label: "Node"},
			Position: geometry.Point{X: 0, Y: 50},
			Origin:   DefaultOrigin,
		}},
		Edges: []Edge{},
	}
}

// ValidateSeed checks that node ids and edge ids are unique, that every edge
// references existing nodes and that every origin lies in [0,1].
func ValidateSeed(s State) error {
	var problems []string

	nodes := make(map[string]struct{}, len(s.Nodes))
	for i, n := range s.Nodes {
		if n.ID == "" {
			problems = append(problems, fmt.Sprintf("node #%d has an empty id", i))
			continue
		}
		if _, dup := nodes[n.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		nodes[n.ID] = struct{}{}
		if !ValidOrigin(n.Origin) {
			problems = append(problems, fmt.Sprintf("node %q origin (%g,%g) outside [0,1]", n.ID, n.Origin.X, n.Origin.Y))
		}
	}

	edges := make(map[string]struct{}, len(s.Edges))
	for i, e := range s.Edges {
		if e.ID == "" {
			problems = append(problems, fmt.Sprintf("edge #%d has an empty id", i))
			continue
		}
		if _, dup := edges[e.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate edge id %q", e.ID))
		}
		edges[e.ID] = struct{}{}
		if _, ok := nodes[e.Source]; !ok {
			problems = append(problems, fmt.Sprintf("edge %q source %q does not exist", e.ID, e.Source))
		}
		if _, ok := nodes[e.Target]; !ok {
			problems = append(problems, fmt.Sprintf("edge %q target %q does not exist", e.ID, e.Target))
		}
	}

	if len(problems) > 0 {
		return &InvalidSeedError{Problems: problems}
	}
	return nil
}

// seedFile is the on-disk shape of a seed diagram. Origin is optional there.
type seedFile struct {
	Nodes []struct {
		ID       string          `yaml:"id"`
		Type     NodeType        `yaml:"type"`
		Label    string          `yaml:"label"`
		Position geometry.Point  `yaml:"position"`
		Origin   *geometry.Point `yaml:"origin"`
	} `yaml:"nodes"`
	Edges []Edge `yaml:"edges"`
}

// ParseSeed decodes a YAML seed diagram and validates it.
func ParseSeed(data []byte) (State, error) {
	var f seedFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return State{}, fmt.Errorf("failed to parse seed: %w", err)
	}

	s := State{
		Nodes: make([]Node, 0, len(f.Nodes)),
		Edges: make([]Edge, 0, len(f.Edges)),
	}
	for _, n := range f.Nodes {
		node := Node{
			ID:       n.ID,
			Type:     n.Type,
			Data:     NodeData{Label: n.Label},
			Position: n.Position,
			Origin:   DefaultOrigin,
		}
		if node.Type == "" {
			node.Type = NodeDefault
		}
		if n.Origin != nil {
			node.Origin = *n.Origin
		}
		s.Nodes = append(s.Nodes, node)
	}
	s.Edges = append(s.Edges, f.Edges...)

	if err := ValidateSeed(s); err != nil {
		return State{}, err
	}
	return s, nil
}

// LoadSeed reads a YAML seed diagram from disk. An empty path yields
// DefaultSeed.
func LoadSeed(path string) (State, error) {
	if path == "" {
		return DefaultSeed(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}
