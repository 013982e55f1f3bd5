package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the AgentHub MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListAgents = mcp.NewTool("list_agents",
	mcp.WithDescription(
		"Browse agents registered on AgentHub. "+
			"Shows each agent's trust score (percent), stake, and whether it is active."),
	mcp.WithString("owner",
		mcp.Description("Only return agents owned by this address (e.g. '0x1234...')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of agents to return (default 20)")),
)

var ToolGetAgent = mcp.NewTool("get_agent",
	mcp.WithDescription(
		"Get one agent's profile: owner, trust score (percent), stake, "+
			"transaction counts and success rate."),
	mcp.WithString("agent_id",
		mcp.Required(),
		mcp.Description("The agent ID (0x-prefixed 32-byte hash)")),
)

var ToolGetReputation = mcp.NewTool("get_reputation",
	mcp.WithDescription(
		"Get an agent's reputation history, newest first. "+
			"Each event shows whether the transaction succeeded and the trust score after it."),
	mcp.WithString("agent_id",
		mcp.Required(),
		mcp.Description("The agent ID")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events (default 10)")),
)

var ToolDiscoverServices = mcp.NewTool("discover_services",
	mcp.WithDescription(
		"Search the AgentHub service marketplace. "+
			"Returns active listings with their price per request in USDC and average star rating, cheapest first."),
	mcp.WithString("service_type",
		mcp.Description("Filter by service type (e.g. 'weather', 'inference')")),
	mcp.WithString("provider",
		mcp.Description("Only return listings published by this address")),
	mcp.WithString("max_price",
		mcp.Description("Maximum price per request in USDC (e.g. '0.10')")),
)

var ToolRequestService = mcp.NewTool("request_service",
	mcp.WithDescription(
		"Request a marketplace service as the configured caller. "+
			"The payment is split between the provider's creator, stakers and the protocol."),
	mcp.WithString("service_id",
		mcp.Required(),
		mcp.Description("The listing's serviceId (0x-prefixed hash)")),
	mcp.WithString("amount",
		mcp.Description("USDC paid for the request. Defaults to the listing price.")),
)

var ToolReadSensors = mcp.NewTool("read_sensors",
	mcp.WithDescription(
		"Read the most recent IoT sensor readings an agent has reported, newest first."),
	mcp.WithString("agent_id",
		mcp.Description("The reporting agent. Defaults to the configured agent.")),
)

var ToolSubmitReading = mcp.NewTool("submit_reading",
	mcp.WithDescription(
		"Report a sensor reading for an agent, e.g. {\"temperature\": 21.5, \"humidity\": 40}."),
	mcp.WithString("agent_id",
		mcp.Description("The reporting agent. Defaults to the configured agent.")),
	mcp.WithObject("values",
		mcp.Required(),
		mcp.Description("Sensor values keyed by name")),
)

var ToolSendAlert = mcp.NewTool("send_alert",
	mcp.WithDescription(
		"Raise a sensor alert. Alerts are a paid endpoint: the basic tier fee "+
			"is settled automatically through the server's facilitator."),
	mcp.WithString("agent_id",
		mcp.Description("The alerting agent. Defaults to the configured agent.")),
	mcp.WithString("alert",
		mcp.Required(),
		mcp.Description("Alert kind (e.g. 'high_temperature')")),
	mcp.WithNumber("temperature",
		mcp.Description("Temperature that triggered the alert, in Celsius")),
)

var ToolPremiumAnalysis = mcp.NewTool("premium_analysis",
	mcp.WithDescription(
		"Buy the premium AI network analysis. The premium tier fee is settled "+
			"automatically; the reply carries a PoAI proof of which model produced it."),
)

var ToolVerifyPayment = mcp.NewTool("verify_payment",
	mcp.WithDescription(
		"Check an on-chain USDC transfer: whether it was mined, succeeded, "+
			"and paid the AgentHub merchant."),
	mcp.WithString("tx_hash",
		mcp.Required(),
		mcp.Description("Transaction hash (0x-prefixed, 64 hex chars)")),
)

var ToolVerifyPoAI = mcp.NewTool("verify_poai",
	mcp.WithDescription(
		"Verify a Proof of Attributed Intelligence: recompute the proof hash from "+
			"its fields and compare it with the claimed hash. Runs locally."),
	mcp.WithString("agent_id", mcp.Required(), mcp.Description("Attributed agent")),
	mcp.WithString("model", mcp.Required(), mcp.Description("Model that produced the output")),
	mcp.WithString("input_hash", mcp.Required(), mcp.Description("keccak256 of the prompt")),
	mcp.WithString("output_hash", mcp.Required(), mcp.Description("keccak256 of the response")),
	mcp.WithNumber("timestamp", mcp.Required(), mcp.Description("Unix seconds")),
	mcp.WithString("proof_hash", mcp.Required(), mcp.Description("Claimed proof hash")),
)

var ToolGetNetworkStats = mcp.NewTool("get_network_stats",
	mcp.WithDescription(
		"Get AgentHub network statistics: agent and service counts and live connections."),
)
