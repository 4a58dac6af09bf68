package inference

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"
)

// DefaultSystemMessage is used when the guest sets none.
const DefaultSystemMessage = "You are a helpful AI assistant."

const toolAssistantInstructions = `
# Assistant Instructions
You are a helpful AI assistant that can use tools to provide accurate and up-to-date information.
`

const toolInstructions = `
# Tool Instructions
You have access to external tools. Use them when the user asks for real-time information,
needs data you do not have, or when a specialized tool gives a more accurate answer.

Available functions:
%s

Function calling protocol:
<function>{"name": "example_function_name", "arguments": {"example_name": "example_value"}}</function>

Requirements for function calls:
- Enclose the call in <function> and </function> tags.
- Respond ONLY with the function call and keep it on a single line.
- Call one function at a time and specify every required argument.
`

// systemPrompt builds the system message for options and the tools
// reachable from them.
func systemPrompt(now time.Time, system string, tools map[string]*toolRef) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Today Date: %s\n", now.Format("January 02, 2006"))

	if len(tools) == 0 {
		if system == "" {
			system = DefaultSystemMessage
		}
		b.WriteString("# Assistant Instructions\n")
		b.WriteString(system)
		return b.String()
	}

	b.WriteString(toolAssistantInstructions)
	if system != "" {
		b.WriteString(system)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, toolInstructions, toolCatalog(tools))
	return b.String()
}

// toolCatalog renders the tool definitions under their namespaced names,
// sorted by name.
func toolCatalog(tools map[string]*toolRef) string {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	slices.Sort(names)

	defs := make([]mcp.Tool, 0, len(names))
	for _, name := range names {
		def := *tools[name].tool
		def.Name = name
		defs = append(defs, def)
	}
	data, err := json.MarshalIndent(defs, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(data)
}

// functionCall is a tool invocation found in a model reply.
type functionCall struct {
	Name      string
	Arguments map[string]any
}

// parseFunctionCall extracts the JSON object between the first '{' and
// the last '}' of content and reads its name and arguments. Replies
// without such an object are not function calls.
func parseFunctionCall(content string) (functionCall, bool) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return functionCall{}, false
	}
	raw := content[start : end+1]
	if !gjson.Valid(raw) {
		return functionCall{}, false
	}

	obj := gjson.Parse(raw)
	name := obj.Get("name")
	args := obj.Get("arguments")
	if name.Type != gjson.String || name.String() == "" || !args.Exists() {
		return functionCall{}, false
	}

	call := functionCall{Name: name.String(), Arguments: map[string]any{}}
	if m, ok := args.Value().(map[string]any); ok {
		call.Arguments = m
	}
	return call, true
}
