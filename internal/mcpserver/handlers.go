package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *DuelpointClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *DuelpointClient) *Handlers {
	return &Handlers{client: client}
}

// HandleListChallenges browses the marketplace.
func (h *Handlers) HandleListChallenges(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "")
	participant := req.GetString("participant", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListChallenges(ctx, status, participant, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list challenges: %v", err)), nil
	}

	text, err := formatChallengeList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse challenges: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetChallenge fetches one challenge.
func (h *Handlers) HandleGetChallenge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("challenge_id", "")
	if id == "" {
		return mcp.NewToolResultError("challenge_id is required"), nil
	}

	raw, err := h.client.GetChallenge(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get challenge: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleCreateChallenge posts a new open challenge.
func (h *Handlers) HandleCreateChallenge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title := req.GetString("title", "")
	if title == "" {
		return mcp.NewToolResultError("title is required"), nil
	}
	stake := req.GetInt("stake", 0)
	if stake <= 0 {
		return mcp.NewToolResultError("stake must be a positive number of units"), nil
	}
	description := req.GetString("description", "")
	timeLimit := req.GetInt("time_limit_secs", 0)

	raw, err := h.client.CreateChallenge(ctx, title, description, int64(stake), timeLimit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create challenge: %v", err)), nil
	}

	ch, err := extractChallenge(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse challenge: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Challenge created and %d units moved to escrow.\n"+
			"Challenge ID: %s\n"+
			"Status: %s\n\n"+
			"Share the ID with an opponent, or cancel before acceptance for a full refund.",
		stake, ch.ID, ch.Status)), nil
}

// HandleAcceptChallenge joins an open challenge.
func (h *Handlers) HandleAcceptChallenge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("challenge_id", "")
	if id == "" {
		return mcp.NewToolResultError("challenge_id is required"), nil
	}

	raw, err := h.client.AcceptChallenge(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to accept challenge: %v", err)), nil
	}

	ch, err := extractChallenge(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse challenge: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Challenge %s accepted. Your %d unit stake is locked in escrow.\n"+
			"Play the contest, then submit_proof with your result.",
		ch.ID, ch.Stake)), nil
}

// HandleSubmitProof records outcome evidence.
func (h *Handlers) HandleSubmitProof(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("challenge_id", "")
	if id == "" {
		return mcp.NewToolResultError("challenge_id is required"), nil
	}
	content := req.GetString("content", "")
	if content == "" {
		return mcp.NewToolResultError("content is required"), nil
	}

	raw, err := h.client.SubmitProof(ctx, id, content)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit proof: %v", err)), nil
	}

	ch, err := extractChallenge(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse challenge: %v", err)), nil
	}

	if ch.Status == "under_review" {
		return mcp.NewToolResultText(
			"Proof recorded. Both proofs are now in.\n" +
				"Either participant can resolve_challenge with the agreed winner, " +
				"or dispute_challenge if you disagree."), nil
	}
	return mcp.NewToolResultText(
		"Proof recorded. Waiting for your opponent's proof."), nil
}

// HandleDisputeChallenge escalates to admin adjudication.
func (h *Handlers) HandleDisputeChallenge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("challenge_id", "")
	if id == "" {
		return mcp.NewToolResultError("challenge_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	_, err := h.client.DisputeChallenge(ctx, id, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Challenge %s disputed.\n"+
			"Reason: %s\n"+
			"Both stakes stay frozen in escrow until an admin adjudicates.",
		id, reason)), nil
}

// HandleResolveChallenge settles the wager.
func (h *Handlers) HandleResolveChallenge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("challenge_id", "")
	if id == "" {
		return mcp.NewToolResultError("challenge_id is required"), nil
	}
	winnerID := req.GetString("winner_id", "")
	if winnerID == "" {
		return mcp.NewToolResultError("winner_id is required"), nil
	}

	raw, err := h.client.ResolveChallenge(ctx, id, winnerID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve challenge: %v", err)), nil
	}

	ch, err := extractChallenge(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse challenge: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Challenge %s resolved. Winner: %s\n"+
			"The pot minus the platform fee has been paid out and ratings updated.",
		ch.ID, ch.WinnerID)), nil
}

// HandleCheckBalance returns the caller's account.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleLeaderboard shows top-rated players.
func (h *Handlers) HandleLeaderboard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.Leaderboard(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load leaderboard: %v", err)), nil
	}

	text, err := formatLeaderboard(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse leaderboard: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

type challengeInfo struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	CreatorID  string `json:"creatorId"`
	AcceptorID string `json:"acceptorId"`
	Stake      int64  `json:"stake"`
	Status     string `json:"status"`
	WinnerID   string `json:"winnerId"`
}

func extractChallenge(raw json.RawMessage) (challengeInfo, error) {
	var wrapper struct {
		Challenge *challengeInfo `json:"challenge"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Challenge != nil {
		return *wrapper.Challenge, nil
	}

	var ch challengeInfo
	if err := json.Unmarshal(raw, &ch); err != nil || ch.ID == "" {
		return challengeInfo{}, fmt.Errorf("no challenge in response: %s", string(raw))
	}
	return ch, nil
}

func formatChallengeList(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Challenges []challengeInfo `json:"challenges"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "", fmt.Errorf("unexpected challenges response format")
	}
	if len(wrapper.Challenges) == 0 {
		return "No challenges found matching your criteria.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d challenge(s):\n\n", len(wrapper.Challenges))
	for i, ch := range wrapper.Challenges {
		fmt.Fprintf(&sb, "%d. %s [%s]\n", i+1, ch.Title, ch.ID)
		fmt.Fprintf(&sb, "   Stake: %d units each | Status: %s\n", ch.Stake, ch.Status)
		fmt.Fprintf(&sb, "   Creator: %s", ch.CreatorID)
		if ch.AcceptorID != "" {
			fmt.Fprintf(&sb, " vs %s", ch.AcceptorID)
		}
		sb.WriteString("\n")
		if ch.WinnerID != "" {
			fmt.Fprintf(&sb, "   Winner: %s\n", ch.WinnerID)
		}
		if i < len(wrapper.Challenges)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Account *struct {
			UserID    string `json:"userId"`
			Balance   int64  `json:"balance"`
			Escrowed  int64  `json:"escrowed"`
			Rating    int    `json:"rating"`
			TotalWon  int64  `json:"totalWon"`
			TotalLost int64  `json:"totalLost"`
		} `json:"account"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil || wrapper.Account == nil {
		return "", fmt.Errorf("unexpected balance response format")
	}
	a := wrapper.Account

	var sb strings.Builder
	fmt.Fprintf(&sb, "Account %s:\n", a.UserID)
	fmt.Fprintf(&sb, "  Available: %d units\n", a.Balance)
	if a.Escrowed > 0 {
		fmt.Fprintf(&sb, "  In escrow: %d units\n", a.Escrowed)
	}
	fmt.Fprintf(&sb, "  Rating: %d\n", a.Rating)
	fmt.Fprintf(&sb, "  Won: %d units | Lost: %d units\n", a.TotalWon, a.TotalLost)
	return sb.String(), nil
}

func formatLeaderboard(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Leaderboard []struct {
			UserID string `json:"userId"`
			Rating int    `json:"rating"`
		} `json:"leaderboard"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "", fmt.Errorf("unexpected leaderboard response format")
	}
	if len(wrapper.Leaderboard) == 0 {
		return "No rated players yet.", nil
	}

	var sb strings.Builder
	sb.WriteString("Leaderboard:\n")
	for i, a := range wrapper.Leaderboard {
		fmt.Fprintf(&sb, "%d. %s (rating %d)\n", i+1, a.UserID, a.Rating)
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
