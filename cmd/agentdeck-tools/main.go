// Package main is the entry point for agentdeck-tools, the stdio MCP plugin
// the assistant subprocess loads. It exposes ask_user and notify_user, both
// forwarded to the orchestrator's loopback HTTP listener.
//
// The orchestrator injects the environment: AGENTDECK_SESSION_ID,
// AGENTDECK_LOOPBACK_URL, and AGENTDECK_LOOPBACK_SECRET. stdout belongs to
// the MCP transport, so logs go to stderr.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// loopback holds the injected callback coordinates.
type loopback struct {
	sessionID string
	baseURL   string
	secret    string
	client    *http.Client
}

func main() {
	log, err := logger.New(logger.Config{
		Level:      envOr("AGENTDECK_TOOLS_LOG_LEVEL", "info"),
		Format:     "json",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	lb := &loopback{
		sessionID: os.Getenv("AGENTDECK_SESSION_ID"),
		baseURL:   os.Getenv("AGENTDECK_LOOPBACK_URL"),
		secret:    os.Getenv("AGENTDECK_LOOPBACK_SECRET"),
		client:    &http.Client{},
	}
	if lb.sessionID == "" || lb.baseURL == "" || lb.secret == "" {
		fmt.Fprintln(os.Stderr, "agentdeck-tools: AGENTDECK_SESSION_ID, AGENTDECK_LOOPBACK_URL, and AGENTDECK_LOOPBACK_SECRET must be set")
		os.Exit(1)
	}

	s := server.NewMCPServer(
		"agentdeck-tools",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(s, lb, log)

	log.Info("agentdeck-tools started", zap.String("session_id", lb.sessionID))
	if err := server.ServeStdio(s); err != nil {
		log.Error("stdio server error", zap.Error(err))
		os.Exit(1)
	}
}

func registerTools(s *server.MCPServer, lb *loopback, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("ask_user",
			mcp.WithDescription(
				"Ask the user a question and wait for their answer. "+
					"Use this when you need a decision, a preference, or missing information before proceeding. "+
					"Optionally provide 2-4 choices; the user can always answer with free text instead. "+
					"Returns the user's answer, or a bracketed sentinel like [Skipped by user] when no answer arrives.",
			),
			mcp.WithString("question",
				mcp.Required(),
				mcp.Description("The question to ask the user"),
			),
			mcp.WithArray("options",
				mcp.Description("Optional choices for the user to pick from (2-4 short labels)"),
			),
			mcp.WithBoolean("multiSelect",
				mcp.Description("Allow selecting more than one option"),
			),
		),
		askUserHandler(lb, log),
	)

	s.AddTool(
		mcp.NewTool("notify_user",
			mcp.WithDescription(
				"Send the user a fire-and-forget status notification. "+
					"Use this to report progress on long work or to surface something important without stopping. "+
					"Does not wait for a response.",
			),
			mcp.WithString("title",
				mcp.Required(),
				mcp.Description("Short notification title"),
			),
			mcp.WithString("detail",
				mcp.Description("Optional longer detail text"),
			),
			mcp.WithString("level",
				mcp.Description("Severity: info, warning, or error (default info)"),
			),
			mcp.WithNumber("progress",
				mcp.Description("Optional progress percentage 0-100"),
			),
		),
		notifyUserHandler(lb, log),
	)
}

func askUserHandler(lb *loopback, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]any{
			"requestId": uuid.NewString(),
			"sessionId": lb.sessionID,
			"question":  question,
		}
		if options := req.GetStringSlice("options", nil); len(options) > 0 {
			payload["options"] = options
		}
		if req.GetBool("multiSelect", false) {
			payload["multiSelect"] = true
		}

		var result struct {
			Answer string `json:"answer"`
		}
		if err := lb.post(ctx, "/ask", payload, &result); err != nil {
			log.Error("ask_user call failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to reach the user: %v", err)), nil
		}
		return mcp.NewToolResultText(result.Answer), nil
	}
}

func notifyUserHandler(lb *loopback, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]any{
			"sessionId": lb.sessionID,
			"title":     title,
		}
		if detail := req.GetString("detail", ""); detail != "" {
			payload["detail"] = detail
		}
		if level := req.GetString("level", ""); level != "" {
			payload["level"] = level
		}
		if progress := req.GetInt("progress", 0); progress > 0 {
			payload["progress"] = progress
		}

		if err := lb.post(ctx, "/notify", payload, nil); err != nil {
			log.Error("notify_user call failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to deliver notification: %v", err)), nil
		}
		return mcp.NewToolResultText("Notification delivered."), nil
	}
}

// post sends an authenticated JSON request to the loopback listener. /ask
// blocks until the user answers or the orchestrator times the question out,
// so no client-side timeout is applied beyond ctx.
func (lb *loopback) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lb.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+lb.secret)

	resp, err := lb.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("loopback %s: %s", path, apiErr.Error)
		}
		return fmt.Errorf("loopback %s: status %d", path, resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
