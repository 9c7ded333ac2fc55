// Package mcptool exposes the tools of a Model Context Protocol server as
// tool.Tool values so they can be registered with a tool.Registry.
package mcptool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/tool"
)

// Client is the subset of the MCP client used by the adapter.
type Client interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

var _ Client = (*client.Client)(nil)

// Options configures the loaded tools.
type Options struct {
	// Prefix is prepended to every tool name ("<prefix>_<name>").
	Prefix string
	// Category is reported by every loaded tool.
	Category string
	// CallTimeout bounds a single tool call (default 60s).
	CallTimeout time.Duration
}

// ConnectStdio launches an MCP server as a child process and performs the
// initialize handshake.
func ConnectStdio(ctx context.Context, command string, args []string, env ...string) (*client.Client, error) {
	c, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("create mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "agentflow",
		Version: "1.0.0",
	}

	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize mcp client: %w", err)
	}

	return c, nil
}

// Load lists the server's tools and wraps each one.
func Load(ctx context.Context, c Client, optFns ...func(o *Options)) ([]tool.Tool, error) {
	opts := Options{Category: "mcp", CallTimeout: 60 * time.Second}
	for _, fn := range optFns {
		fn(&opts)
	}

	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list mcp tools: %w", err)
	}
	if res == nil {
		return nil, nil
	}

	tools := make([]tool.Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema, err := inputSchema(t)
		if err != nil {
			return nil, fmt.Errorf("mcp tool %s: %w", t.Name, err)
		}

		name := t.Name
		if opts.Prefix != "" {
			name = opts.Prefix + "_" + t.Name
		}

		tools = append(tools, &Tool{
			client:      c,
			name:        name,
			remoteName:  t.Name,
			description: t.Description,
			schema:      schema,
			opts:        opts,
		})
	}

	return tools, nil
}

// Tool is a remote MCP tool.
type Tool struct {
	client      Client
	name        string
	remoteName  string
	description string
	schema      map[string]any
	opts        Options
}

var _ tool.Tool = (*Tool)(nil)

func (t *Tool) Name() string                    { return t.name }
func (t *Tool) Description() string             { return t.description }
func (t *Tool) Parameters() map[string]any      { return t.schema }
func (t *Tool) Category() string                { return t.opts.Category }
func (t *Tool) Capabilities() tool.Capabilities { return tool.Capabilities{} }

// Call forwards the invocation to the server. Structured content is returned
// as-is; otherwise the text content items are joined.
func (t *Tool) Call(toolCtx *core.ToolContext, args map[string]any) (any, error) {
	ctx := toolCtx.Context()
	if t.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.CallTimeout)
		defer cancel()
	}

	res, err := t.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      t.remoteName,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mcp call %s: %w", t.remoteName, err)
	}

	text := contentText(res.Content)
	if res.IsError {
		if text == "" {
			text = "remote tool reported an error"
		}
		return nil, errors.New(text)
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}

	return text, nil
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func inputSchema(t mcp.Tool) (map[string]any, error) {
	var data []byte
	if len(t.RawInputSchema) > 0 {
		data = t.RawInputSchema
	} else {
		b, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, err
		}
		data = b
	}

	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	if schema == nil {
		schema = map[string]any{}
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	if props, ok := schema["properties"]; ok && props == nil {
		delete(schema, "properties")
	}

	return schema, nil
}
