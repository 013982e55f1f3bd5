// Command mcp serves the AgentHub API to MCP hosts over stdio.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agenthub/agenthub/internal/logging"
	"github.com/agenthub/agenthub/internal/mcpserver"
	"github.com/agenthub/agenthub/internal/validation"
)

func main() {
	_ = godotenv.Load()

	// stdout carries the protocol.
	logger := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "json")

	cfg := mcpserver.Config{
		APIURL:        os.Getenv("AGENTHUB_API_URL"),
		CallerAddress: os.Getenv("AGENTHUB_CALLER_ADDRESS"),
		AgentID:       os.Getenv("AGENTHUB_AGENT_ID"),
		MaxPayment:    os.Getenv("AGENTHUB_MAX_PAYMENT"),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080"
	}
	if cfg.MaxPayment == "" {
		cfg.MaxPayment = "1.00"
	}
	if cfg.CallerAddress != "" && !validation.IsValidEthAddress(cfg.CallerAddress) {
		logger.Error("AGENTHUB_CALLER_ADDRESS is not a 0x-prefixed address", "value", cfg.CallerAddress)
		os.Exit(1)
	}

	logger.Info("mcp server starting",
		"version", mcpserver.Version,
		"api", cfg.APIURL,
		"max_payment", cfg.MaxPayment,
		"caller", cfg.CallerAddress != "",
	)
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		logger.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
}
