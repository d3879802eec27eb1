package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rmax-ai/flowboard/pkg/api"
	"github.com/rmax-ai/flowboard/pkg/client"
	"github.com/rmax-ai/flowboard/pkg/geometry"
	"github.com/rmax-ai/flowboard/pkg/graph"
	"github.com/rmax-ai/flowboard/pkg/store"
)

var (
	Version   = "v1.0.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var apiURL string

	root := &cobra.Command{
		Use:          "flowboard",
		Short:        "Inspect and edit a diagram served by flowboard-d",
		Version:      fmt.Sprintf("%s (%s, %s)", Version, Commit, BuildTime),
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&apiURL, "api", client.DefaultEndpoint, "Base URL of flowboard-d")

	c := func() *client.Client { return client.NewClient(apiURL) }

	root.AddCommand(
		&cobra.Command{
			Use:   "graph",
			Short: "Print the diagram as JSON",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				g, err := c().Graph(cmd.Context())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(g)
			},
		},
		nodeCmd(c),
		&cobra.Command{
			Use:   "connect <source> <target>",
			Short: "Add an edge between two nodes",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				e, err := c().Connect(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Edge added: %s (%s -> %s)\n", e.ID, e.Source, e.Target)
				return nil
			},
		},
		&cobra.Command{
			Use:   "disconnect <edge-id>",
			Short: "Remove an edge",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := c().ApplyEdgeChanges(cmd.Context(), store.RemoveEdge(args[0])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Edge removed: %s\n", args[0])
				return nil
			},
		},
		dropCmd(c),
		&cobra.Command{
			Use:   "check",
			Short: "Report edges whose endpoints no longer exist",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				g, err := c().Graph(cmd.Context())
				if err != nil {
					return err
				}
				if len(g.Dangling) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "OK: %d nodes, %d edges\n", len(g.Nodes), len(g.Edges))
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Dangling edges: %s\n", strings.Join(g.Dangling, ", "))
				return fmt.Errorf("%d dangling edges", len(g.Dangling))
			},
		},
	)
	return root
}

func nodeCmd(c func() *client.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Add, move or remove nodes",
	}

	var kind string
	add := &cobra.Command{
		Use:   "add <id> <label> [x y]",
		Short: "Add a node",
		Args:  cobra.RangeArgs(2, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pos geometry.Point
			if len(args) == 4 {
				p, err := parsePoint(args[2], args[3])
				if err != nil {
					return err
				}
				pos = p
			}
			n := graph.Node{
				ID:       args[0],
				Type:     graph.NodeType(kind),
				Data:     graph.NodeData{Label: args[1]},
				Position: pos,
				Origin:   graph.DefaultOrigin,
			}
			if err := c().ApplyNodeChanges(cmd.Context(), store.AddNode(n)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Node added: %s\n", n.ID)
			return nil
		},
	}
	add.Flags().StringVar(&kind, "type", string(graph.NodeDefault), "node kind: input|default|output")

	move := &cobra.Command{
		Use:   "move <id> <x> <y>",
		Short: "Move a node",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePoint(args[1], args[2])
			if err != nil {
				return err
			}
			if err := c().ApplyNodeChanges(cmd.Context(), store.UpdateNode(args[0], store.NodePatch{Position: &p})); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Node moved: %s\n", args[0])
			return nil
		},
	}

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a node; its edges are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c().ApplyNodeChanges(cmd.Context(), store.RemoveNode(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Node removed: %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(add, move, rm)
	return cmd
}

func dropCmd(c func() *client.Client) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "drop <from> <x> <y>",
		Short: "Finish a connection drag; spawns a node when no target is given",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePoint(args[1], args[2])
			if err != nil {
				return err
			}
			out, err := c().Drop(cmd.Context(), api.DropRequest{
				FromNodeID:   args[0],
				TargetNodeID: target,
				ClientX:      p.X,
				ClientY:      p.Y,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: edge %s (%s -> %s)\n", out.Phase, out.Edge.ID, out.Edge.Source, out.Edge.Target)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "node the drag ended on")
	return cmd
}

func parsePoint(xs, ys string) (geometry.Point, error) {
	x, err := strconv.ParseFloat(xs, 64)
	if err != nil {
		return geometry.Point{}, fmt.Errorf("invalid x %q: %w", xs, err)
	}
	y, err := strconv.ParseFloat(ys, 64)
	if err != nil {
		return geometry.Point{}, fmt.Errorf("invalid y %q: %w", ys, err)
	}
	return geometry.Point{X: x, Y: y}, nil
}
