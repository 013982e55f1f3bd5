// Package mcpserver exposes the AgentHub API as MCP tools, so an LLM can
// browse agents, buy marketplace services and read IoT sensors.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients during initialization.
const Version = "0.1.0"

// NewMCPServer creates an MCP server with every AgentHub tool registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("agenthub", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolListAgents, h.HandleListAgents)
	s.AddTool(ToolGetAgent, h.HandleGetAgent)
	s.AddTool(ToolGetReputation, h.HandleGetReputation)
	s.AddTool(ToolDiscoverServices, h.HandleDiscoverServices)
	s.AddTool(ToolRequestService, h.HandleRequestService)
	s.AddTool(ToolReadSensors, h.HandleReadSensors)
	s.AddTool(ToolSubmitReading, h.HandleSubmitReading)
	s.AddTool(ToolSendAlert, h.HandleSendAlert)
	s.AddTool(ToolPremiumAnalysis, h.HandlePremiumAnalysis)
	s.AddTool(ToolVerifyPayment, h.HandleVerifyPayment)
	s.AddTool(ToolVerifyPoAI, h.HandleVerifyPoAI)
	s.AddTool(ToolGetNetworkStats, h.HandleGetNetworkStats)

	return s
}
