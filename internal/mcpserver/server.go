package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Duelpoint tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("duelpoint", "1.0.0")
	client := NewDuelpointClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolListChallenges, h.HandleListChallenges)
	s.AddTool(ToolGetChallenge, h.HandleGetChallenge)
	s.AddTool(ToolCreateChallenge, h.HandleCreateChallenge)
	s.AddTool(ToolAcceptChallenge, h.HandleAcceptChallenge)
	s.AddTool(ToolSubmitProof, h.HandleSubmitProof)
	s.AddTool(ToolDisputeChallenge, h.HandleDisputeChallenge)
	s.AddTool(ToolResolveChallenge, h.HandleResolveChallenge)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolLeaderboard, h.HandleLeaderboard)

	return s
}
