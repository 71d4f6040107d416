// Package mcpserver exposes the quest tools over the Model Context
// Protocol so any MCP client can manage a user's quest log directly.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nous-labs/questbuddy/internal/protocol"
	"github.com/nous-labs/questbuddy/internal/quest"
)

// Version is set at build time via ldflags.
var Version = "dev"

const argUserID = "user_id"

// Dispatcher is the part of quest.Dispatcher the tools call.
type Dispatcher interface {
	Execute(ctx context.Context, call protocol.ToolCall, userID string) string
	Report(ctx context.Context, userID string) ([]quest.QuestProgress, error)
}

// QuestTool serves one quest verb.
type QuestTool struct {
	verb        string
	description string
	needsName   bool
	dispatcher  Dispatcher
}

// Tools returns one QuestTool per verb in the catalog.
func Tools(d Dispatcher) []*QuestTool {
	return []*QuestTool{
		{verb: quest.VerbAddHabit, needsName: true, dispatcher: d,
			description: "Open a new habit quest for the user."},
		{verb: quest.VerbMarkHabitDone, needsName: true, dispatcher: d,
			description: "Mark a habit quest as cleared for today. Awards XP once per day."},
		{verb: quest.VerbGetStatus, dispatcher: d,
			description: "Show level, XP, combo streak and badges for every quest of the user."},
		{verb: quest.VerbListHabits, dispatcher: d,
			description: "List the user's quests by name."},
		{verb: quest.VerbRemoveHabit, needsName: true, dispatcher: d,
			description: "Delete a quest and all of its history."},
		{verb: quest.VerbUndoLastEntry, needsName: true, dispatcher: d,
			description: "Remove the most recent clear of a quest."},
	}
}

// Definition returns the MCP tool definition.
func (t *QuestTool) Definition() mcp.Tool {
	opts := []mcp.ToolOption{
		mcp.WithDescription(t.description),
		mcp.WithString(argUserID,
			mcp.Required(),
			mcp.Description("Owner of the quest log"),
		),
	}
	if t.needsName {
		opts = append(opts, mcp.WithString(quest.ArgHabitName,
			mcp.Required(),
			mcp.Description("Quest name, case-insensitive"),
		))
	}
	return mcp.NewTool(t.verb, opts...)
}

// Handle runs the verb through the dispatcher.
func (t *QuestTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString(argUserID, "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	args := map[string]any{}
	if t.needsName {
		args[quest.ArgHabitName] = req.GetString(quest.ArgHabitName, "")
	}
	reply := t.dispatcher.Execute(ctx, protocol.ToolCall{Name: t.verb, Args: args}, userID)
	if reply == quest.MsgStoreUnavailable {
		return mcp.NewToolResultError(reply), nil
	}
	return mcp.NewToolResultText(reply), nil
}

// ReportTool returns the structured progress report as JSON.
type ReportTool struct {
	dispatcher Dispatcher
}

// Definition returns the MCP tool definition for quest_report.
func (t *ReportTool) Definition() mcp.Tool {
	return mcp.NewTool("quest_report",
		mcp.WithDescription("Structured progress of every quest (JSON): streak, XP, level and badges."),
		mcp.WithString(argUserID,
			mcp.Required(),
			mcp.Description("Owner of the quest log"),
		),
	)
}

// Handle processes the quest_report tool call.
func (t *ReportTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString(argUserID, "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	report, err := t.dispatcher.Report(ctx, userID)
	if err != nil {
		slog.Error("quest report failed", "user", userID, "error", err)
		return mcp.NewToolResultError(quest.MsgStoreUnavailable), nil
	}
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode report: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

// New creates the MCP server with every quest tool registered.
func New(d Dispatcher) *server.MCPServer {
	s := server.NewMCPServer(
		"questbuddy",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	for _, t := range Tools(d) {
		s.AddTool(t.Definition(), t.Handle)
	}
	report := &ReportTool{dispatcher: d}
	s.AddTool(report.Definition(), report.Handle)
	return s
}

// ServeStdio blocks serving s over stdin/stdout.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

const instructions = `Quest Buddy turns habits into quests. Each clear earns 50 XP (once per calendar day), ` +
	`every 500 XP is a level, and consecutive days build a combo streak that unlocks badges at 3, 7, 14 and 30 days. ` +
	`Always pass the same user_id for one person.`
