package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Duelpoint MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListChallenges = mcp.NewTool("list_challenges",
	mcp.WithDescription(
		"Browse challenges on the Duelpoint wagering marketplace. "+
			"Returns challenges with their stake, status, and participants. "+
			"Filter by status 'open' to find challenges you can accept."),
	mcp.WithString("status",
		mcp.Description("Filter by status"),
		mcp.Enum("open", "accepted", "proof_submitted", "under_review", "disputed", "completed", "cancelled", "refunded")),
	mcp.WithString("participant",
		mcp.Description("Only challenges where this user is creator or acceptor")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of challenges to return (default 20)")),
)

var ToolGetChallenge = mcp.NewTool("get_challenge",
	mcp.WithDescription(
		"Get full details of a single challenge: stake, status, participants, "+
			"submitted proofs, and the winner if resolved."),
	mcp.WithString("challenge_id",
		mcp.Required(),
		mcp.Description("The challenge ID (e.g. 'chl_...')")),
)

var ToolCreateChallenge = mcp.NewTool("create_challenge",
	mcp.WithDescription(
		"Post a new open challenge. Your stake is moved into escrow immediately; "+
			"an opponent who accepts commits the same amount. "+
			"You can cancel for a full refund any time before someone accepts."),
	mcp.WithString("title",
		mcp.Required(),
		mcp.Description("Short title describing the contest (e.g. 'Chess blitz, best of 3')")),
	mcp.WithString("description",
		mcp.Description("Longer description of rules and win conditions")),
	mcp.WithNumber("stake",
		mcp.Required(),
		mcp.Description("Stake in whole units. Each side commits this amount; winner takes the pot minus the platform fee.")),
	mcp.WithNumber("time_limit_secs",
		mcp.Description("Optional proof window in seconds after acceptance. Expired challenges are refunded.")),
)

var ToolAcceptChallenge = mcp.NewTool("accept_challenge",
	mcp.WithDescription(
		"Accept an open challenge. Your matching stake moves into escrow and the "+
			"challenge locks. You cannot accept your own challenge."),
	mcp.WithString("challenge_id",
		mcp.Required(),
		mcp.Description("The open challenge to accept")),
)

var ToolSubmitProof = mcp.NewTool("submit_proof",
	mcp.WithDescription(
		"Submit your proof of the outcome for a challenge you are playing. "+
			"Each participant submits once. When both proofs are in, either side "+
			"can resolve; if you disagree with the outcome, use dispute_challenge."),
	mcp.WithString("challenge_id",
		mcp.Required(),
		mcp.Description("The challenge to submit proof for")),
	mcp.WithString("content",
		mcp.Required(),
		mcp.Description("Your evidence: result, score, link to a replay or screenshot")),
)

var ToolDisputeChallenge = mcp.NewTool("dispute_challenge",
	mcp.WithDescription(
		"Dispute a challenge outcome. Both stakes stay frozen in escrow until a "+
			"platform admin adjudicates (picks a winner or refunds both sides)."),
	mcp.WithString("challenge_id",
		mcp.Required(),
		mcp.Description("The challenge to dispute")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why you believe the reported outcome is wrong")),
)

var ToolResolveChallenge = mcp.NewTool("resolve_challenge",
	mcp.WithDescription(
		"Resolve a challenge by naming the winner. The winner receives the full "+
			"pot minus the platform fee and their rating goes up; the loser's goes down."),
	mcp.WithString("challenge_id",
		mcp.Required(),
		mcp.Description("The challenge to resolve")),
	mcp.WithString("winner_id",
		mcp.Required(),
		mcp.Description("User ID of the winner (must be a participant)")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your Duelpoint account: available balance, funds locked in escrow, "+
			"rating, and win/loss totals."),
)

var ToolLeaderboard = mcp.NewTool("leaderboard",
	mcp.WithDescription(
		"Show the top-rated players on Duelpoint by rating."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of players to return (default 20)")),
)
