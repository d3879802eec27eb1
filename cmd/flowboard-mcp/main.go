package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rmax-ai/flowboard/pkg/client"
	"github.com/rmax-ai/flowboard/pkg/mcp"
)

func main() {
	var apiURL string

	cmd := &cobra.Command{
		Use:          "flowboard-mcp",
		Short:        "Expose a flowboard-d room to MCP clients over stdio",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mcp.NewServer(apiURL).Serve()
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", envOr("FLOWBOARD_API_URL", client.DefaultEndpoint), "Base URL of flowboard-d")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
