// Duelpoint MCP Server - Exposes Duelpoint capabilities as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/duelpoint/duelpoint/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("DUELPOINT_API_URL", "http://localhost:8080"),
		APIKey: os.Getenv("DUELPOINT_API_KEY"),
		UserID: os.Getenv("DUELPOINT_USER_ID"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "DUELPOINT_API_KEY is required")
		os.Exit(1)
	}
	if cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "DUELPOINT_USER_ID is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
