package planner

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// ParseOutcome is the tagged result of envelope extraction. When Malformed is
// true no strategy recovered a JSON envelope and Response carries the raw
// text as plain content.
type ParseOutcome struct {
	Response  Response
	Malformed bool
	Raw       string
}

// fencedBlockRe captures the body of a ``` or ```json fenced code block.
var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// Parse extracts the planning envelope from model output. Models wrap the
// JSON in prose or markdown fences often enough that extraction runs as an
// ordered chain: direct parse, code-block extraction, balanced-brace scan
// (longest candidate first), then a repair pass over each of those. If
// everything fails the raw text becomes plain content; a malformed planner
// response is never an error for the run.
func Parse(text string) ParseOutcome {
	trimmed := strings.TrimSpace(text)

	candidates := []string{trimmed}
	for _, m := range fencedBlockRe.FindAllStringSubmatch(trimmed, -1) {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	candidates = append(candidates, braceCandidates(trimmed)...)

	for _, candidate := range candidates {
		if resp, ok := tryUnmarshal(candidate); ok {
			return ParseOutcome{Response: resp, Raw: text}
		}
	}
	for _, candidate := range candidates {
		if resp, ok := tryUnmarshal(repairJSON(candidate)); ok {
			return ParseOutcome{Response: resp, Raw: text}
		}
	}

	return ParseOutcome{
		Response:  Response{Content: trimmed},
		Malformed: true,
		Raw:       text,
	}
}

// envelopeAliases tolerates snake_case field names from models that ignore
// the documented envelope casing.
type envelopeAliases struct {
	Content       string          `json:"content"`
	ToolCalls     json.RawMessage `json:"toolCalls"`
	ToolCallsAlt  json.RawMessage `json:"tool_calls"`
	NeedsMoreWork *bool           `json:"needsMoreWork"`
	NeedsMoreAlt  *bool           `json:"needs_more_work"`
}

func tryUnmarshal(candidate string) (Response, bool) {
	candidate = strings.TrimSpace(candidate)
	if len(candidate) == 0 || candidate[0] != '{' {
		return Response{}, false
	}

	var alias envelopeAliases
	if err := json.Unmarshal([]byte(candidate), &alias); err != nil {
		return Response{}, false
	}

	resp := Response{Content: alias.Content, NeedsMoreWork: alias.NeedsMoreWork}
	if resp.NeedsMoreWork == nil {
		resp.NeedsMoreWork = alias.NeedsMoreAlt
	}

	rawCalls := alias.ToolCalls
	if len(rawCalls) == 0 {
		rawCalls = alias.ToolCallsAlt
	}
	if len(rawCalls) > 0 {
		if err := json.Unmarshal(rawCalls, &resp.ToolCalls); err != nil {
			return Response{}, false
		}
	}

	// An object with none of the envelope fields is some other JSON the
	// model happened to emit, not a plan.
	if resp.Content == "" && len(resp.ToolCalls) == 0 && resp.NeedsMoreWork == nil {
		return Response{}, false
	}
	return resp, true
}

// braceCandidates returns every balanced top-level {...} substring, longest
// first, so the most complete envelope wins over embedded objects.
func braceCandidates(s string) []string {
	var out []string
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		depth := 0
		inString := false
		escaped := false
		for j := i; j < len(s); j++ {
			c := s[j]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					out = append(out, s[i:j+1])
					j = len(s)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// repairJSON fixes the two malformations models produce most: raw newlines
// inside string values and trailing commas before a closing brace/bracket.
func repairJSON(s string) string {
	var b strings.Builder
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
				b.WriteByte(c)
			case c == '\\':
				escaped = true
				b.WriteByte(c)
			case c == '"':
				inString = false
				b.WriteByte(c)
			case c == '\n':
				b.WriteString(`\n`)
			case c == '\r':
				b.WriteString(`\r`)
			case c == '\t':
				b.WriteString(`\t`)
			default:
				b.WriteByte(c)
			}
			continue
		}
		if c == '"' {
			inString = true
		}
		b.WriteByte(c)
	}

	repaired := b.String()
	repaired = trailingCommaRe.ReplaceAllString(repaired, "$1")
	return repaired
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
