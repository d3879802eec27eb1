package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/rmax-ai/flowboard/pkg/logging"
	"github.com/rmax-ai/flowboard/pkg/relay"
	"github.com/rmax-ai/flowboard/pkg/relay/redis"
	"github.com/rmax-ai/flowboard/pkg/simulation"
	"github.com/rmax-ai/flowboard/pkg/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		scenarioFile string
		redisURL     string
		jsonOutput   bool
		outputFile   string
		timeout      time.Duration
		logCfg       = logging.Default()
	)

	cmd := &cobra.Command{
		Use:          "flowboard-sim",
		Short:        "Run concurrent editors against one room and check they converge",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logCfg, "flowboard-sim")
			if err != nil {
				return err
			}

			scenario := simulation.DefaultScenario()
			if scenarioFile != "" {
				if scenario, err = loadScenario(scenarioFile); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(os.Stderr, "No scenario file provided, running default demo scenario...")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var r store.Relay = relay.NewHub()
			if redisURL != "" {
				client, err := redis.Dial(ctx, redisURL)
				if err != nil {
					return err
				}
				defer client.Close()
				rr := redis.New(client, redis.WithLogger(logger))
				defer rr.Close()
				r = rr
			}

			result, err := simulation.RunScenario(ctx, scenario, r, logger)
			if err != nil {
				return err
			}
			if err := writeReport(result, jsonOutput, outputFile); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("scenario %q failed", result.ScenarioName)
			}
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&scenarioFile, "scenario", "", "Path to scenario YAML or JSON file")
	fs.StringVar(&redisURL, "redis-url", "", "Run replicas over Redis instead of the in-process relay")
	fs.BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	fs.StringVar(&outputFile, "out", "", "Write output to file instead of stdout")
	fs.DurationVar(&timeout, "timeout", time.Minute, "Abort the scenario after this long")
	fs.StringVar(&logCfg.Level, "log-level", "warn", "log level")
	fs.StringVar(&logCfg.Format, "log-format", "console", "log format: json|console")
	return cmd
}

// loadScenario reads YAML; JSON files parse too since YAML is a superset.
func loadScenario(path string) (simulation.Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return simulation.Scenario{}, fmt.Errorf("failed to read scenario file: %w", err)
	}
	var s simulation.Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return simulation.Scenario{}, fmt.Errorf("failed to parse scenario file: %w", err)
	}
	return s, nil
}

func writeReport(res simulation.SimulationResult, jsonFmt bool, filePath string) error {
	var output []byte

	if jsonFmt {
		var err error
		if output, err = json.MarshalIndent(res, "", "  "); err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
	} else {
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "\n--- Simulation Report: %s (seed %d) ---\n", res.ScenarioName, res.Seed)
		fmt.Fprintf(&buf, "Duration: %s | Replicas: %d\n", res.Duration, res.Replicas)
		fmt.Fprintf(&buf, "Ops: %d | Errors: %d | Envelopes: %d\n", res.TotalOps, res.TotalErrors, res.Envelopes)
		fmt.Fprintf(&buf, "Final diagram: %d nodes, %d edges, %d dangling | Converged: %t\n", res.Nodes, res.Edges, res.Dangling, res.Converged)

		if len(res.Invariants) > 0 {
			buf.WriteString("\nInvariants:\n")
			for _, inv := range res.Invariants {
				status := "FAIL"
				if inv.Passed {
					status = "PASS"
				}
				fmt.Fprintf(&buf, "[%s] %s: Expected %s, Got %s\n", status, inv.Metric, inv.Expected, inv.Actual)
			}
		}
		output = buf.Bytes()
	}

	if filePath != "" {
		if err := os.WriteFile(filePath, output, 0644); err != nil {
			return fmt.Errorf("failed to write report to %s: %w", filePath, err)
		}
		fmt.Printf("Report written to %s\n", filePath)
		return nil
	}
	fmt.Println(string(output))
	return nil
}
