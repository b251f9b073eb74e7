package mcp

import (
	"context"
	"fmt"
	"sort"
)

// Allowed reports whether a tool name is on the allow-list.
type Allowed interface {
	Contains(name string) bool
}

// Audit is the result of comparing a server's tool list to an allow-list.
type Audit struct {
	Exposed    []string
	Unexpected []string
}

// OK reports whether every exposed tool was allowed.
func (a Audit) OK() bool {
	return len(a.Unexpected) == 0
}

// AuditTools compares discovered tools against allowed.
func AuditTools(discovered []MCPTool, allowed Allowed) Audit {
	var a Audit
	for _, tool := range discovered {
		a.Exposed = append(a.Exposed, tool.Name)
		if !allowed.Contains(tool.Name) {
			a.Unexpected = append(a.Unexpected, tool.Name)
		}
	}
	sort.Strings(a.Exposed)
	sort.Strings(a.Unexpected)
	return a
}

// AuditServer connects over transport, lists the server's tools and audits them.
func AuditServer(ctx context.Context, transport Transport, allowed Allowed, version string) (Audit, error) {
	client, err := NewClient("sandbox", transport)
	if err != nil {
		return Audit{}, err
	}
	if err := client.Connect(ctx, version); err != nil {
		return Audit{}, err
	}
	defer client.Close()

	if _, err := client.DiscoverTools(ctx); err != nil {
		return Audit{}, fmt.Errorf("discover tools: %w", err)
	}
	// The cache also reflects a tools/list_changed refresh that raced discovery.
	return AuditTools(client.Tools(), allowed), nil
}
