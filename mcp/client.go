package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// NewClient creates a client for the named server over transport.
func NewClient(name string, transport Transport) (*Client, error) {
	if name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	return &Client{
		name:      name,
		transport: transport,
	}, nil
}

// Connect establishes a connection to the MCP server and performs the handshake.
func (c *Client) Connect(ctx context.Context, clientVersion string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}

	initParams := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo: ClientInfo{
			Name:    "mcpcage",
			Version: clientVersion,
		},
		Capabilities: ClientCapabilities{},
	}

	result, err := c.transport.Send(ctx, "initialize", initParams)
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}

	c.serverInfo = &ServerInfo{
		Name:            initResult.ServerInfo.Name,
		Version:         initResult.ServerInfo.Version,
		ProtocolVersion: initResult.ProtocolVersion,
		Capabilities:    initResult.Capabilities,
	}

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.transport.Close()
		return fmt.Errorf("initialized notification: %w", err)
	}

	c.transport.OnNotification(c.handleNotification)

	c.connected = true
	return nil
}

// DiscoverTools retrieves the full, paginated list of tools from the server.
func (c *Client) DiscoverTools(ctx context.Context) ([]MCPTool, error) {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return nil, fmt.Errorf("not connected")
	}
	c.mu.RUnlock()

	var tools []MCPTool
	var cursor string
	for {
		var params any
		if cursor != "" {
			params = ToolsListParams{Cursor: cursor}
		}
		result, err := c.transport.Send(ctx, "tools/list", params)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}

		var listResult ToolsListResult
		if err := json.Unmarshal(result, &listResult); err != nil {
			return nil, fmt.Errorf("parse tools list: %w", err)
		}
		for _, tool := range listResult.Tools {
			tool.ServerName = c.name
			tools = append(tools, tool)
		}
		if listResult.NextCursor == "" || listResult.NextCursor == cursor {
			break
		}
		cursor = listResult.NextCursor
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()

	return tools, nil
}

// Close closes the connection to the server.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	c.connected = false
	return c.transport.Close()
}

// Name returns the server name.
func (c *Client) Name() string {
	return c.name
}

// Connected returns whether the client is connected.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Tools returns the cached tools list.
func (c *Client) Tools() []MCPTool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// ServerInfo returns information about the connected server.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// handleNotification handles server notifications.
func (c *Client) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "notifications/tools/list_changed":
		// Re-discover tools
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c.DiscoverTools(ctx)
	}
}
