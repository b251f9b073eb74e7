// Package tools composes the set of operations the sandboxed tool server is
// told it may execute.
//
// Every known tool appears exactly once in a static catalog with a single
// class, so the hard denylist can never intersect the enabled sets: they are
// all derived from the same table. The orchestrator has no way to observe
// whether the server honours the list it is given.
package tools

import (
	"errors"
	"fmt"
	"strings"
)

// ErrToolNotFound is returned when a tool name is not in the catalog.
var ErrToolNotFound = errors.New("tool not found")

// Class is the enablement class of a tool.
type Class int

const (
	// AlwaysEnabled tools are read-only and sent on every launch.
	AlwaysEnabled Class = iota
	// OptIn tools modify remote state and are sent only with writes enabled.
	OptIn
	// Denied tools are never sent, whatever the configuration.
	Denied
)

func (c Class) String() string {
	switch c {
	case AlwaysEnabled:
		return "read"
	case OptIn:
		return "write"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// Tool is one catalog entry.
type Tool struct {
	Name  string
	Title string
	Class Class
}

// confluence is the tool set exposed by the Confluence server.
var confluence = []Tool{
	{"confluence_search", "Search Content", AlwaysEnabled},
	{"confluence_get_page", "Get Page", AlwaysEnabled},
	{"confluence_get_page_children", "Get Page Children", AlwaysEnabled},
	{"confluence_get_page_ancestors", "Get Page Ancestors", AlwaysEnabled},
	{"confluence_get_space_page_tree", "Get Space Page Tree", AlwaysEnabled},
	{"confluence_list_spaces", "List Spaces", AlwaysEnabled},
	{"confluence_get_comments", "Get Comments", AlwaysEnabled},
	{"confluence_get_labels", "Get Labels", AlwaysEnabled},
	{"confluence_search_user", "Search User", AlwaysEnabled},
	{"confluence_get_page_views", "Get Page Views", AlwaysEnabled},

	{"confluence_add_label", "Add Label", OptIn},
	{"confluence_create_page", "Create Page", OptIn},
	{"confluence_update_page", "Update Page", OptIn},
	{"confluence_add_comment", "Add Comment", OptIn},
	{"confluence_move_page_position", "Move Page Position", OptIn},

	{"confluence_delete_page", "Delete Page", Denied},
}

// Catalog is an immutable, validated tool table.
type Catalog struct {
	tools  []Tool
	byName map[string]Tool
}

// Default is the Confluence catalog.
var Default = MustCatalog(confluence)

// NewCatalog validates tools. A name listed twice is rejected, which is what
// keeps the denylist disjoint from the enabled sets.
func NewCatalog(tools []Tool) (*Catalog, error) {
	c := &Catalog{
		tools:  make([]Tool, 0, len(tools)),
		byName: make(map[string]Tool, len(tools)),
	}
	for _, t := range tools {
		if t.Name == "" {
			return nil, errors.New("tool with empty name")
		}
		if prev, ok := c.byName[t.Name]; ok {
			return nil, fmt.Errorf("tool %s listed twice (%s and %s)", t.Name, prev.Class, t.Class)
		}
		if t.Class < AlwaysEnabled || t.Class > Denied {
			return nil, fmt.Errorf("tool %s has unknown class %d", t.Name, t.Class)
		}
		c.byName[t.Name] = t
		c.tools = append(c.tools, t)
	}
	return c, nil
}

// MustCatalog is NewCatalog that panics on error. It is used for package-level
// tables so an inconsistent table fails every binary and test at init.
func MustCatalog(tools []Tool) *Catalog {
	c, err := NewCatalog(tools)
	if err != nil {
		panic("tools: " + err.Error())
	}
	return c
}

func (c *Catalog) names(class Class) []string {
	var out []string
	for _, t := range c.tools {
		if t.Class == class {
			out = append(out, t.Name)
		}
	}
	return out
}

// Always returns the read-only tools.
func (c *Catalog) Always() []string { return c.names(AlwaysEnabled) }

// OptIn returns the write tools.
func (c *Catalog) OptIn() []string { return c.names(OptIn) }

// Denylist returns the tools that are never enabled.
func (c *Catalog) Denylist() []string { return c.names(Denied) }

// Lookup returns the catalog entry for name.
func (c *Catalog) Lookup(name string) (Tool, error) {
	t, ok := c.byName[name]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// Allowlist composes the enabled set for writeEnabled.
func (c *Catalog) Allowlist(writeEnabled bool) Allowlist {
	return Compose(c.Always(), c.OptIn(), writeEnabled)
}

// Allowlist is an ordered set of enabled tool names.
type Allowlist []string

// Compose returns always when writes are disabled and always ∪ optIn when
// they are enabled. Order is preserved and duplicates dropped.
func Compose(always, optIn []string, writeEnabled bool) Allowlist {
	seen := make(map[string]bool, len(always)+len(optIn))
	out := make(Allowlist, 0, len(always)+len(optIn))
	add := func(names []string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	add(always)
	if writeEnabled {
		add(optIn)
	}
	return out
}

// Contains reports whether name is enabled.
func (a Allowlist) Contains(name string) bool {
	for _, n := range a {
		if n == name {
			return true
		}
	}
	return false
}

// String serializes the list in the flat comma-separated form the tool server reads.
func (a Allowlist) String() string {
	return strings.Join(a, ",")
}
