package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/echoes/internal/dayindex"
	"github.com/kalambet/echoes/internal/echo"
	"github.com/kalambet/echoes/internal/filter"
	"github.com/kalambet/echoes/internal/history"
	"github.com/kalambet/echoes/internal/pipeline"
)

const maxRecommendCount = 50

// MCPDeps holds dependencies for the MCP server. The tools never touch the
// interactive session, so an assistant can browse without cancelling a run.
type MCPDeps struct {
	Recommender pipeline.Recommender
	History     *history.Store
	Location    *time.Location   // optional; defaults to time.Local
	Now         func() time.Time // optional; defaults to time.Now
	BatchSize   int
}

// NewMCPServer creates an MCP server with all echoes tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"echoes",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("echoes: historical events for a calendar day, and the archive of generated echo cards."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("day_of_year",
			mcp.WithDescription("Return the ordinal day, the number of days in the year and the display labels for a date."),
			mcp.WithString("date", mcp.Description("ISO date YYYY-MM-DD (default today)")),
		),
		mcpDayOfYear(deps),
	)

	s.AddTool(
		mcp.NewTool("recommend_events",
			mcp.WithDescription("Suggest historically significant events that happened on a calendar day."),
			mcp.WithString("date", mcp.Description("ISO date YYYY-MM-DD (default today)")),
			mcp.WithString("era", mcp.Description("Era filter: All, Ancient, Medieval, Renaissance, Industrial, Modern, Contemporary (default: weekday rotation)")),
			mcp.WithString("category", mcp.Description("Category filter: All, Science, Arts, Politics, Religion, Discovery, Conflict (default: weekday rotation)")),
			mcp.WithNumber("count", mcp.Description("Number of events (default 20)")),
		),
		mcpRecommendEvents(deps),
	)

	s.AddTool(
		mcp.NewTool("list_echoes",
			mcp.WithDescription("List saved echoes, most recent first."),
		),
		mcpListEchoes(deps),
	)

	s.AddTool(
		mcp.NewTool("get_echo",
			mcp.WithDescription("Return the full content of a saved echo: scripture, posts and image prompt."),
			mcp.WithString("id", mcp.Description("Echo id from list_echoes"), mcp.Required()),
		),
		mcpGetEcho(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"echoes://history",
			"Echo History",
			mcp.WithResourceDescription("Saved echo entries as JSON, without full content"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceHistory(deps),
	)

	return s
}

func (d MCPDeps) date(req mcp.CallToolRequest) (time.Time, error) {
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	if s := req.GetString("date", ""); s != "" {
		return dayindex.Parse(s, loc)
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	return now().In(loc), nil
}

func mcpDayOfYear(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		t, err := deps.date(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		dc := dayindex.Compute(t)
		b, err := json.Marshal(struct {
			echo.DateContext
			Formatted string `json:"formatted"`
		}{dc, dc.Formatted()})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal date: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecommendEvents(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Recommender == nil {
			return mcpError("recommendations not available: no provider configured"), nil
		}
		t, err := deps.date(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		f := filter.Defaults(t)
		if s := req.GetString("era", ""); s != "" {
			if f.Era, err = echo.ParseEra(s); err != nil {
				return mcpError(err.Error()), nil
			}
		}
		if s := req.GetString("category", ""); s != "" {
			if f.Category, err = echo.ParseCategory(s); err != nil {
				return mcpError(err.Error()), nil
			}
		}

		count := deps.BatchSize
		if count <= 0 {
			count = pipeline.DefaultBatchSize
		}
		count = req.GetInt("count", count)
		if count <= 0 || count > maxRecommendCount {
			return mcpError(fmt.Sprintf("count must be between 1 and %d", maxRecommendCount)), nil
		}

		cands, err := deps.Recommender.Recommend(ctx, pipeline.RecommendRequest{
			DateContext: dayindex.Compute(t),
			Filter:      f,
			Count:       count,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("recommendation failed: %v", err)), nil
		}
		if len(cands) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(cands)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal events: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListEchoes(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(historySummaries(deps.History.List()))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal history: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetEcho(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		r, err := deps.History.Load(id)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		// Image data URIs run to megabytes and are useless to a text client.
		r.ImageURL = ""
		r.CustomBackgroundURL = ""
		b, err := json.Marshal(r)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal echo: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceHistory(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(historySummaries(deps.History.List()))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal history: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

type historySummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	DateLabel string `json:"date_label"`
	CreatedAt string `json:"created_at"`
}

func historySummaries(entries []echo.HistoryEntry) []historySummary {
	out := make([]historySummary, len(entries))
	for i, e := range entries {
		out[i] = historySummary{
			ID:        e.ID,
			Title:     e.Title,
			DateLabel: e.DateLabel,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		}
	}
	return out
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
