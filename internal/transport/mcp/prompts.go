package mcp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	mcpmcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	domainanalytics "github.com/alanyang/promptlab/internal/domain/analytics"
	runsvc "github.com/alanyang/promptlab/internal/service/run"
)

const defaultAnalysisWindow = 24 * time.Hour

// RegisterPrompts registers the analyze_card prompt, which hands a client the
// recent metrics of a card as a ready-made review request.
func RegisterPrompts(s *mcpserver.MCPServer, svc *runsvc.Service) {
	s.AddPrompt(
		mcpmcp.NewPrompt("analyze_card",
			mcpmcp.WithPromptDescription("Summarise a prompt card's recent runs and ask for suggestions to improve it."),
			mcpmcp.WithArgument("card_id",
				mcpmcp.ArgumentDescription("Prompt card id"),
				mcpmcp.RequiredArgument(),
			),
			mcpmcp.WithArgument("window_hours",
				mcpmcp.ArgumentDescription("Trailing hours to analyse, default 24"),
			),
		),
		analyzeCardHandler(svc),
	)
}

func analyzeCardHandler(svc *runsvc.Service) mcpserver.PromptHandlerFunc {
	return func(ctx context.Context, req mcpmcp.GetPromptRequest) (*mcpmcp.GetPromptResult, error) {
		cardID := req.Params.Arguments["card_id"]
		if cardID == "" {
			return nil, fmt.Errorf("card_id is required")
		}
		window := defaultAnalysisWindow
		if v := req.Params.Arguments["window_hours"]; v != "" {
			h, err := strconv.Atoi(v)
			if err != nil || h <= 0 {
				return nil, fmt.Errorf("invalid window_hours %q", v)
			}
			window = time.Duration(h) * time.Hour
		}

		end := time.Now().UTC()
		res, err := svc.QueryAnalytics(ctx, domainanalytics.Query{
			CardID:      cardID,
			Range:       domainanalytics.TimeRange{Start: end.Add(-window), End: end},
			Granularity: domainanalytics.GranularityHour,
		})
		if err != nil {
			return nil, fmt.Errorf("query analytics for card %s: %w", cardID, err)
		}

		return mcpmcp.NewGetPromptResult(
			fmt.Sprintf("Analysis of card %s", cardID),
			[]mcpmcp.PromptMessage{
				mcpmcp.NewPromptMessage(mcpmcp.RoleUser, mcpmcp.NewTextContent(describe(cardID, window, res))),
			},
		), nil
	}
}

func describe(cardID string, window time.Duration, res domainanalytics.Result) string {
	a := res.Aggregates
	var b strings.Builder
	fmt.Fprintf(&b, "Prompt card %q over the last %s:\n", cardID, window)
	if a.TerminalRuns == 0 {
		b.WriteString("- no finished runs in this window\n")
	} else {
		fmt.Fprintf(&b, "- finished runs: %d (%d successful, success rate %.1f%%)\n",
			a.TerminalRuns, a.SuccessfulRuns, a.SuccessRate*100)
		fmt.Fprintf(&b, "- average duration: %.0f ms\n", a.AvgDurationMs)
		fmt.Fprintf(&b, "- tokens: %d, cost: %.4f\n", a.TotalTokens, a.TotalCost)
		fmt.Fprintf(&b, "- throughput: %.2f runs/min\n", a.Throughput)
	}
	b.WriteString("\nIdentify likely causes of failures or slow runs and suggest concrete changes to the prompt template or test cases.")
	return b.String()
}
