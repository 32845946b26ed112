package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/veldt/mcp-agent/internal/catalog"
)

// systemPromptTemplate instructs the model on the planning envelope and the
// qualified tool-name convention.
const systemPromptTemplate = `You are an assistant that satisfies user requests by calling tools exposed by connected servers.

Respond with a single JSON object and nothing else:
{
  "content": "text for the user (optional)",
  "toolCalls": [{"name": "server:tool", "arguments": {...}}],
  "needsMoreWork": true
}

Rules:
- Call tools by their fully qualified "server:tool" name.
- Use the exact argument key casing from each tool's schema.
- Execute dependent steps across iterations: call a tool, observe its result, then decide the next call.
- Set "needsMoreWork": false only when the request is fully satisfied.
- When no tool is needed, reply with "content" alone.

%s%s`

// BuildSystemPrompt renders the system message from the available tool
// catalog and the optional tracked-resource summary.
func BuildSystemPrompt(tools []catalog.Tool, resourceSummary string) string {
	var toolSection strings.Builder
	if len(tools) == 0 {
		toolSection.WriteString("No tools are currently available. Answer from your own knowledge.\n")
	} else {
		toolSection.WriteString("Available tools:\n")
		for _, t := range tools {
			fmt.Fprintf(&toolSection, "- %s: %s\n", t.QualifiedName, t.Description)
			if schema := renderSchema(t); schema != "" {
				fmt.Fprintf(&toolSection, "  arguments: %s\n", schema)
			}
		}
	}

	resources := ""
	if resourceSummary != "" {
		resources = "\n" + resourceSummary
	}
	return fmt.Sprintf(systemPromptTemplate, toolSection.String(), resources)
}

func renderSchema(t catalog.Tool) string {
	if len(t.InputSchema.Properties) == 0 {
		return ""
	}
	data, err := json.Marshal(t.InputSchema)
	if err != nil {
		return ""
	}
	const maxSchema = 500
	s := string(data)
	if len(s) > maxSchema {
		s = s[:maxSchema] + "..."
	}
	return s
}
