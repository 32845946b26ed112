// Package catalog presents a flat, namespaced tool list aggregated from all
// connected servers and executes planner tool calls against the right
// connection, with resilience to the naming drift LLM planners exhibit.
package catalog

import (
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

// Separator joins server and tool into a qualified name.
const Separator = ":"

// Tool is one callable operation, qualified by its owning server so that
// duplicate raw names across servers stay distinct.
type Tool struct {
	Server        string
	Name          string
	QualifiedName string
	Description   string
	InputSchema   mcp.ToolInputSchema
}

// Prefs is the subset of the preference store the catalog consults.
type Prefs interface {
	ToolDisabled(qualifiedName string) bool
}

// Catalog owns the qualified tool list. Only the connection manager mutates
// it (register on connect, deregister on stop); everyone else reads.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string][]Tool // server name -> tools
	prefs Prefs
}

// NewCatalog creates an empty catalog. prefs may be nil.
func NewCatalog(prefs Prefs) *Catalog {
	return &Catalog{
		tools: make(map[string][]Tool),
		prefs: prefs,
	}
}

// Register replaces the tool list for a server.
func (c *Catalog) Register(server string, tools []mcp.Tool) {
	list := make([]Tool, 0, len(tools))
	for _, t := range tools {
		list = append(list, Tool{
			Server:        server,
			Name:          t.Name,
			QualifiedName: server + Separator + t.Name,
			Description:   t.Description,
			InputSchema:   t.InputSchema,
		})
	}
	c.mu.Lock()
	c.tools[server] = list
	c.mu.Unlock()
}

// Deregister removes every tool belonging to a server. Idempotent.
func (c *Catalog) Deregister(server string) {
	c.mu.Lock()
	delete(c.tools, server)
	c.mu.Unlock()
}

// AvailableTools returns all registered tools minus individually disabled
// entries, in stable qualified-name order. Duplicate raw names across servers
// are intentionally preserved under their distinct prefixes.
func (c *Catalog) AvailableTools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Tool
	for _, tools := range c.tools {
		for _, t := range tools {
			if c.prefs != nil && c.prefs.ToolDisabled(t.QualifiedName) {
				continue
			}
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QualifiedName < out[j].QualifiedName })
	return out
}

// ServerTools returns the number of tools registered under a server.
func (c *Catalog) ServerTools(server string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools[server])
}

// Resolve finds a tool by name. Qualified names resolve directly; unqualified
// names fall back to a scan over raw names, defending against planners that
// hallucinate unprefixed names. The boolean reports whether a tool was found.
func (c *Catalog) Resolve(name string) (Tool, bool) {
	tools := c.AvailableTools()

	if strings.Contains(name, Separator) {
		for _, t := range tools {
			if t.QualifiedName == name {
				return t, true
			}
		}
		// The prefix may itself be hallucinated; fall through to match the
		// raw name portion.
		name = name[strings.Index(name, Separator)+1:]
	}

	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// QualifiedNames returns the available qualified names, for error messages.
func (c *Catalog) QualifiedNames() []string {
	tools := c.AvailableTools()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.QualifiedName
	}
	return names
}
