// Command agentmb-mcp republishes the core agentmb verbs as MCP tools
// over stdio, proxying to a running daemon's HTTP API. Configuration via
// AGENTMB_URL (default http://127.0.0.1:19315) and API_TOKEN.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const version = "dev"

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) do(ctx context.Context, method, path string, body any) (map[string]any, error) {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("X-API-Token", c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		msg, _ := out["error"].(string)
		detail, _ := out["message"].(string)
		if detail != "" {
			msg += ": " + detail
		}
		return out, fmt.Errorf("agentmb %s %s: %d %s", method, path, resp.StatusCode, msg)
	}
	return out, nil
}

// actionArgs is the shared tool input: a session plus the verb's params.
type actionArgs struct {
	SessionID string         `json:"session_id"`
	Params    map[string]any `json:"params,omitempty"`
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func actionSchema(desc string) map[string]any {
	return inputSchema(map[string]any{
		"session_id": map[string]any{"type": "string", "description": "Target session id"},
		"params":     map[string]any{"type": "object", "description": desc},
	}, []string{"session_id"})
}

// registerAction exposes one daemon verb as an MCP tool.
func registerAction(srv *mcp.Server, c *client, verb, desc string) {
	tool := &mcp.Tool{
		Name:        "agentmb_" + verb,
		Description: desc,
		InputSchema: actionSchema("Body for the " + verb + " action"),
	}
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args actionArgs
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("invalid arguments: %w", err))
			return &res, nil
		}
		out, err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+args.SessionID+"/"+verb, args.Params)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(err)
			return &res, nil
		}
		return textResult(out)
	})
}

func textResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		var res mcp.CallToolResult
		res.SetError(fmt.Errorf("marshal: %w", err))
		return &res, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil
}

func registerSessionTools(srv *mcp.Server, c *client) {
	create := &mcp.Tool{
		Name:        "agentmb_session_create",
		Description: "Create a browser session. Returns the session info including its id.",
		InputSchema: inputSchema(map[string]any{
			"params": map[string]any{"type": "object", "description": "Session create parameters (profile, headless, launch_mode, ...)"},
		}, nil),
	}
	srv.AddTool(create, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args struct {
			Params map[string]any `json:"params,omitempty"`
		}
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("invalid arguments: %w", err))
			return &res, nil
		}
		out, err := c.do(ctx, http.MethodPost, "/api/v1/sessions", args.Params)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(err)
			return &res, nil
		}
		return textResult(out)
	})

	destroy := &mcp.Tool{
		Name:        "agentmb_session_destroy",
		Description: "Destroy a browser session and its browser process.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
		}, []string{"session_id"}),
	}
	srv.AddTool(destroy, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args actionArgs
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("invalid arguments: %w", err))
			return &res, nil
		}
		if _, err := c.do(ctx, http.MethodDelete, "/api/v1/sessions/"+args.SessionID, nil); err != nil {
			var res mcp.CallToolResult
			res.SetError(err)
			return &res, nil
		}
		return textResult(map[string]any{"status": "ok"})
	})

	list := &mcp.Tool{
		Name:        "agentmb_session_list",
		Description: "List active browser sessions.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	srv.AddTool(list, func(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := c.do(ctx, http.MethodGet, "/api/v1/sessions", nil)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(err)
			return &res, nil
		}
		return textResult(out)
	})
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	base := os.Getenv("AGENTMB_URL")
	if base == "" {
		base = "http://127.0.0.1:19315"
	}
	c := &client{
		base:  base,
		token: os.Getenv("API_TOKEN"),
		http:  &http.Client{Timeout: 90 * time.Second},
	}

	srv := mcp.NewServer(&mcp.Implementation{Name: "agentmb-mcp", Version: version}, nil)

	registerSessionTools(srv, c)
	for _, t := range []struct{ verb, desc string }{
		{"navigate", "Navigate the active page to a URL (params: url, wait_until)"},
		{"click", "Click an element (params: selector | element_id | ref_id, button, click_count, executor)"},
		{"fill", "Fill an input (params: target union, value, fill_strategy, char_delay_ms)"},
		{"press", "Press a key (params: key, optional target union)"},
		{"extract", "Extract content from elements (params: target union, format, attribute, limit)"},
		{"screenshot", "Capture a screenshot (params: full_page, quality)"},
		{"element_map", "Label interactive elements in the live DOM (params: scope, include_unlabeled, limit)"},
		{"snapshot_map", "Capture an element snapshot with stable refs (params: scope, include_unlabeled, limit)"},
		{"eval", "Evaluate a JS function expression on the page (params: expression, arg)"},
		{"wait_page_stable", "Wait for the page to settle (params: dom_stable_ms, overlay_selector, timeout_ms)"},
		{"find", "Find an element semantically (params: query_type, query, exact)"},
		{"run_steps", "Run a batch of actions (params: steps [{action, params}], stop_on_error)"},
	} {
		registerAction(srv, c, t.verb, t.desc)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("agentmb-mcp serving on stdio", "daemon", base)
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		logger.Error("mcp server", "error", err)
		os.Exit(1)
	}
}
