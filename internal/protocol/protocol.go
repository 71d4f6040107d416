// Package protocol classifies raw language-model output as either a tool
// call or conversational prose.
//
// A reply is a tool call only when the entire trimmed text is one JSON
// object of the form
//
//	{"tool_name": "add_habit", "args": {"habitName": "run"}}
//
// Anything else, including valid JSON of a different shape, is prose and is
// returned verbatim.
package protocol

import (
	"strings"

	"github.com/tidwall/gjson"
)

const (
	// FieldTool names the string-valued tool identifier.
	FieldTool = "tool_name"
	// FieldArgs names the object-valued argument map.
	FieldArgs = "args"
)

// ToolCall is a validated tool invocation. It lives for one dispatch.
type ToolCall struct {
	Name string
	Args map[string]any
}

// String returns the argument value for key when it is a string.
func (c ToolCall) String(key string) (string, bool) {
	v, ok := c.Args[key].(string)
	return v, ok
}

// Kind tells the two classification outcomes apart.
type Kind int

const (
	KindText Kind = iota
	KindToolCall
)

func (k Kind) String() string {
	if k == KindToolCall {
		return "tool_call"
	}
	return "text"
}

// Result is the outcome of Classify. Exactly one of Call or Text is
// meaningful, selected by Kind.
type Result struct {
	Kind Kind
	Call ToolCall
	Text string

	// Rejected is set when the text parsed as JSON but failed the shape
	// check. Callers may log it; it is never an error.
	Rejected bool
}

// Classify runs the two-stage check: a syntactic parse of the whole text,
// then a structural check of the parsed value.
func Classify(raw string) Result {
	doc, ok := parse(raw)
	if !ok {
		return Result{Kind: KindText, Text: raw}
	}
	call, ok := shape(doc)
	if !ok {
		return Result{Kind: KindText, Text: raw, Rejected: true}
	}
	return Result{Kind: KindToolCall, Call: call}
}

// parse accepts only input that is exactly one JSON value, surrounding
// whitespace aside.
func parse(raw string) (gjson.Result, bool) {
	s := strings.TrimSpace(raw)
	if s == "" || !gjson.Valid(s) {
		return gjson.Result{}, false
	}
	return gjson.Parse(s), true
}

// shape checks the parsed object. Duplicate keys resolve last-wins, as
// encoding/json does. An empty tool name is not a call.
func shape(doc gjson.Result) (ToolCall, bool) {
	if !doc.IsObject() {
		return ToolCall{}, false
	}
	var name, args gjson.Result
	doc.ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case FieldTool:
			name = value
		case FieldArgs:
			args = value
		}
		return true
	})
	if name.Type != gjson.String || name.String() == "" {
		return ToolCall{}, false
	}
	if !args.IsObject() {
		return ToolCall{}, false
	}
	m, ok := args.Value().(map[string]any)
	if !ok {
		return ToolCall{}, false
	}
	return ToolCall{Name: name.String(), Args: m}, true
}
