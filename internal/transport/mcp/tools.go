package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	mcpmcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	domainanalytics "github.com/alanyang/promptlab/internal/domain/analytics"
	domainprogress "github.com/alanyang/promptlab/internal/domain/progress"
	domainrun "github.com/alanyang/promptlab/internal/domain/run"
	runsvc "github.com/alanyang/promptlab/internal/service/run"
)

// RegisterTools registers all MCP tools on the server.
// [OCP] Add a new tool by adding a new AddTool call; server.go never changes.
func RegisterTools(s *mcpserver.MCPServer, reg *SessionRegistry, svc *runsvc.Service) {
	priorities := make([]string, len(domainrun.Tiers))
	for i, p := range domainrun.Tiers {
		priorities[i] = string(p)
	}

	s.AddTool(mcpmcp.NewTool("submit_run",
		mcpmcp.WithDescription("Submit a prompt card's test cases for execution. Returns the execution_id and whether the run started immediately (running) or was queued. Outcomes arrive later: poll get_run or call subscribe_progress."),
		mcpmcp.WithString("card_id", mcpmcp.Required(), mcpmcp.Description("Prompt card id")),
		mcpmcp.WithString("session_id", mcpmcp.Description("Session to scope live progress to")),
		mcpmcp.WithArray("test_cases", mcpmcp.WithStringItems(), mcpmcp.Description("Test case ids to run. Omit to run all of the card's test cases.")),
		mcpmcp.WithString("priority", mcpmcp.Enum(priorities...), mcpmcp.Description("Queue tier, default normal")),
		mcpmcp.WithNumber("parallelism", mcpmcp.Min(1), mcpmcp.Description("Test cases in flight at once, default 1")),
		mcpmcp.WithString("idempotency_key", mcpmcp.Description("Repeat a submission safely: the same key returns the original execution_id")),
	), submitRunHandler(svc))

	s.AddTool(mcpmcp.NewTool("cancel_run",
		mcpmcp.WithDescription("Cancel a queued or running run. Returns the run's status afterwards; finished runs are left as they are."),
		mcpmcp.WithString("execution_id", mcpmcp.Required(), mcpmcp.Description("Execution UUID from submit_run")),
	), cancelRunHandler(svc))

	s.AddTool(mcpmcp.NewTool("get_run",
		mcpmcp.WithDescription("Poll a run's status. Queued runs include their 1-based queue position."),
		mcpmcp.WithString("execution_id", mcpmcp.Required(), mcpmcp.Description("Execution UUID from submit_run")),
	), getRunHandler(svc))

	s.AddTool(mcpmcp.NewTool("queue_status",
		mcpmcp.WithDescription("Queued and running counts, the queue limit and the queued entries in dispatch order."),
	), queueStatusHandler(svc))

	s.AddTool(mcpmcp.NewTool("gate_status",
		mcpmcp.WithDescription("Concurrency gate usage. Omit name to list every gate."),
		mcpmcp.WithString("name", mcpmcp.Description("Gate name, e.g. runs or model")),
	), gateStatusHandler(svc))

	s.AddTool(mcpmcp.NewTool("resource_usage",
		mcpmcp.WithDescription("Admitted CPU and memory estimates, active runs, queue length and the configured limits."),
	), resourceUsageHandler(svc))

	s.AddTool(mcpmcp.NewTool("query_analytics",
		mcpmcp.WithDescription("Aggregate a card's terminal runs over an inclusive RFC 3339 time range, bucketed by minute, hour or day."),
		mcpmcp.WithString("card_id", mcpmcp.Required(), mcpmcp.Description("Prompt card id")),
		mcpmcp.WithString("start", mcpmcp.Required(), mcpmcp.Description("Range start, RFC 3339")),
		mcpmcp.WithString("end", mcpmcp.Required(), mcpmcp.Description("Range end, RFC 3339")),
		mcpmcp.WithString("granularity", mcpmcp.Enum("minute", "hour", "day"), mcpmcp.Description("Bucket width, default hour")),
	), queryAnalyticsHandler(svc))

	s.AddTool(mcpmcp.NewTool("subscribe_progress",
		mcpmcp.WithDescription("Receive live progress for one session and card as notifications on this MCP session. Delivery is best effort and nothing is replayed; poll get_run for authoritative status."),
		mcpmcp.WithString("session_id", mcpmcp.Required(), mcpmcp.Description("Session id used at submission")),
		mcpmcp.WithString("card_id", mcpmcp.Required(), mcpmcp.Description("Prompt card id")),
	), subscribeProgressHandler(reg))

	s.AddTool(mcpmcp.NewTool("unsubscribe_progress",
		mcpmcp.WithDescription("Stop a subscription created by subscribe_progress on this MCP session."),
		mcpmcp.WithString("subscriber_id", mcpmcp.Required(), mcpmcp.Description("Subscriber UUID from subscribe_progress")),
	), unsubscribeProgressHandler(reg))
}

func errorResult(format string, args ...any) *mcpmcp.CallToolResult {
	return mcpmcp.NewToolResultError("error: " + fmt.Sprintf(format, args...))
}

func jsonResult(v any) *mcpmcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult("encode result: %s", err)
	}
	return mcpmcp.NewToolResultText(string(data))
}

func submitRunHandler(svc *runsvc.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		ack, err := svc.SubmitRun(ctx, runsvc.SubmitInput{
			CardID:         req.GetString("card_id", ""),
			SessionID:      req.GetString("session_id", ""),
			TestCases:      req.GetStringSlice("test_cases", nil),
			Priority:       req.GetString("priority", ""),
			Parallelism:    req.GetInt("parallelism", 0),
			IdempotencyKey: req.GetString("idempotency_key", ""),
		})
		if err != nil {
			return errorResult("%s", err), nil
		}
		return jsonResult(ack), nil
	}
}

func cancelRunHandler(svc *runsvc.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		id, err := uuid.Parse(req.GetString("execution_id", ""))
		if err != nil {
			return errorResult("invalid execution_id"), nil
		}
		status, err := svc.CancelRun(ctx, id)
		if err != nil {
			return errorResult("%s", err), nil
		}
		return jsonResult(map[string]any{"execution_id": id, "status": status}), nil
	}
}

func getRunHandler(svc *runsvc.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		id, err := uuid.Parse(req.GetString("execution_id", ""))
		if err != nil {
			return errorResult("invalid execution_id"), nil
		}
		v, err := svc.GetRun(ctx, id)
		if err != nil {
			return errorResult("%s", err), nil
		}
		return jsonResult(v), nil
	}
}

func queueStatusHandler(svc *runsvc.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, _ mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		st, err := svc.QueueStatus(ctx)
		if err != nil {
			return errorResult("%s", err), nil
		}
		return jsonResult(st), nil
	}
}

func gateStatusHandler(svc *runsvc.Service) mcpserver.ToolHandlerFunc {
	return func(_ context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		name := req.GetString("name", "")
		if name == "" {
			return jsonResult(svc.GateStatuses()), nil
		}
		st, err := svc.GateStatus(name)
		if err != nil {
			return errorResult("%s", err), nil
		}
		return jsonResult(st), nil
	}
}

func resourceUsageHandler(svc *runsvc.Service) mcpserver.ToolHandlerFunc {
	return func(_ context.Context, _ mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		return jsonResult(svc.Usage()), nil
	}
}

func queryAnalyticsHandler(svc *runsvc.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		cardID := req.GetString("card_id", "")
		if cardID == "" {
			return errorResult("card_id is required"), nil
		}
		tr, err := domainanalytics.ParseTimeRange(req.GetString("start", ""), req.GetString("end", ""))
		if err != nil {
			return errorResult("%s", err), nil
		}
		g, err := domainanalytics.ParseGranularity(req.GetString("granularity", ""))
		if err != nil {
			return errorResult("%s", err), nil
		}
		res, err := svc.QueryAnalytics(ctx, domainanalytics.Query{CardID: cardID, Range: tr, Granularity: g})
		if err != nil {
			return errorResult("%s", err), nil
		}
		return jsonResult(res), nil
	}
}

func subscribeProgressHandler(reg *SessionRegistry) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		session := mcpserver.ClientSessionFromContext(ctx)
		if session == nil {
			return errorResult("subscribe_progress needs an MCP session"), nil
		}
		room := domainprogress.Room{
			SessionID: req.GetString("session_id", ""),
			CardID:    req.GetString("card_id", ""),
		}
		id, err := reg.Subscribe(session.SessionID(), room)
		if err != nil {
			return errorResult("%s", err), nil
		}
		return jsonResult(map[string]any{"subscriber_id": id, "method": ProgressMethod}), nil
	}
}

func unsubscribeProgressHandler(reg *SessionRegistry) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		session := mcpserver.ClientSessionFromContext(ctx)
		if session == nil {
			return errorResult("unsubscribe_progress needs an MCP session"), nil
		}
		id, err := uuid.Parse(req.GetString("subscriber_id", ""))
		if err != nil {
			return errorResult("invalid subscriber_id"), nil
		}
		return jsonResult(map[string]bool{"removed": reg.Unsubscribe(session.SessionID(), id)}), nil
	}
}
