package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kibak812/taxupdater/kit"
)

// RegisterMCP registers the monitor tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerListSchedules(srv)
	s.registerGetSchedule(srv)
	s.registerUpdateSchedule(srv)
	s.registerTriggerCrawl(srv)
	s.registerCrawlAll(srv)
	s.registerListNotifications(srv)
	s.registerMarkRead(srv)
	s.registerRecentNewData(srv)
	s.registerSystemStatus(srv)
	s.registerListExecutions(srv)
	s.registerRecordStats(srv)
	s.registerSearchRecords(srv)
	s.registerSchedulerControl(srv)
	s.registerAuditLog(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sc["required"] = required
	}
	return sc
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func actor(ctx context.Context) string {
	if a := kit.GetActor(ctx); a != "" {
		return a
	}
	return "mcp"
}

// --- Schedules ---

func (s *Service) registerListSchedules(srv *mcp.Server) {
	type req struct{}
	tool := &mcp.Tool{
		Name:        "taxupdater_list_schedules",
		Description: "List every monitored tax portal with its cron schedule, next run, running flag and health",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, _ any) (any, error) {
		return s.ListSchedules(ctx)
	}, kit.DecodeJSON[req](), kit.Logging(s.logger, tool.Name))
}

func (s *Service) registerGetSchedule(srv *mcp.Server) {
	type req struct {
		SourceKey string `json:"source_key"`
	}
	tool := &mcp.Tool{
		Name:        "taxupdater_get_schedule",
		Description: "Get the schedule and health of one source",
		InputSchema: inputSchema(map[string]any{
			"source_key": prop("string", "Source key, e.g. moef, nts_authority"),
		}, []string{"source_key"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		return s.GetSchedule(ctx, r.(*req).SourceKey)
	}, kit.DecodeJSON[req](), kit.Logging(s.logger, tool.Name))
}

func (s *Service) registerUpdateSchedule(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "taxupdater_update_schedule",
		Description: "Change a source's cron expression, timezone, enabled flag, retries, timeout or notification threshold. Omitted fields are kept.",
		InputSchema: inputSchema(map[string]any{
			"source_key":             prop("string", "Source key"),
			"cron_expr":              prop("string", "Five-field cron expression, e.g. \"0 */6 * * *\""),
			"timezone":               prop("string", "IANA timezone, default Asia/Seoul"),
			"display_name":           prop("string", "Display name"),
			"enabled":                prop("boolean", "Whether the source is crawled on schedule"),
			"priority":               prop("integer", "Priority"),
			"timeout_ms":             prop("integer", "Fetch timeout in ms, 0 for none"),
			"retry_count":            prop("integer", "Retries after a failed fetch"),
			"retry_delay_ms":         prop("integer", "Base retry delay in ms"),
			"notification_threshold": prop("integer", "Minimum new records before a new-data alert"),
		}, []string{"source_key"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		return s.UpsertSchedule(ctx, *r.(*ScheduleInput))
	}, kit.DecodeJSON[ScheduleInput](), kit.Logging(s.logger, tool.Name))
}

// --- Crawls ---

func (s *Service) registerTriggerCrawl(srv *mcp.Server) {
	type req struct {
		SourceKey    string `json:"source_key"`
		DelaySeconds int    `json:"delay_seconds"`
	}
	tool := &mcp.Tool{
		Name:        "taxupdater_trigger_crawl",
		Description: "Crawl one source now, or after a delay. Runs in the background; fails if the source is already running.",
		InputSchema: inputSchema(map[string]any{
			"source_key":    prop("string", "Source key"),
			"delay_seconds": prop("integer", "Optional delay before the crawl"),
		}, []string{"source_key"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		delay := time.Duration(p.DelaySeconds) * time.Second
		if err := s.TriggerCrawl(ctx, p.SourceKey, delay, actor(ctx)); err != nil {
			return nil, err
		}
		return map[string]any{"triggered": p.SourceKey, "delay_seconds": p.DelaySeconds}, nil
	}, kit.DecodeJSON[req](), kit.Logging(s.logger, tool.Name))
}

func (s *Service) registerCrawlAll(srv *mcp.Server) {
	type req struct{}
	tool := &mcp.Tool{
		Name:        "taxupdater_crawl_all",
		Description: "Crawl every enabled source as one batch execution in the background",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, _ any) (any, error) {
		if err := s.CrawlAll(ctx, actor(ctx)); err != nil {
			return nil, err
		}
		return map[string]any{"triggered": "all"}, nil
	}, kit.DecodeJSON[req](), kit.Logging(s.logger, tool.Name))
}

// --- Notifications ---

func (s *Service) registerListNotifications(srv *mcp.Server) {
	type req struct {
		SourceKey  string `json:"source_key"`
		Type       string `json:"type"`
		UnreadOnly bool   `json:"unread_only"`
		Limit      int    `json:"limit"`
	}
	tool := &mcp.Tool{
		Name:        "taxupdater_list_notifications",
		Description: "List notifications, newest first",
		InputSchema: inputSchema(map[string]any{
			"source_key":  prop("string", "Filter by source"),
			"type":        prop("string", "Filter by type: new_data, error, schedule, system"),
			"unread_only": prop("boolean", "Only unread notifications"),
			"limit":       prop("integer", "Max results (default 50)"),
		}, nil),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.ListNotifications(ctx, NotificationFilter{
			SourceKey:  p.SourceKey,
			Type:       p.Type,
			UnreadOnly: p.UnreadOnly,
			Limit:      p.Limit,
		})
	}, kit.DecodeJSON[req](), kit.Logging(s.logger, tool.Name))
}

func (s *Service) registerMarkRead(srv *mcp.Server) {
	type req struct {
		ID  string `json:"id"`
		All bool   `json:"all"`
	}
	tool := &mcp.Tool{
		Name:        "taxupdater_mark_read",
		Description: "Mark one notification, or all of them, as read",
		InputSchema: inputSchema(map[string]any{
			"id":  prop("string", "Notification ID"),
			"all": prop("boolean", "Mark every notification read"),
		}, nil),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.All {
			n, err := s.MarkAllRead(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]int{"marked": n}, nil
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: id or all is required", ErrInvalidInput)
		}
		if err := s.MarkRead(ctx, p.ID); err != nil {
			return nil, err
		}
		return map[string]int{"marked": 1}, nil
	}, kit.DecodeJSON[req](), kit.Logging(s.logger, tool.Name))
}

func (s *Service) registerRecentNewData(srv *mcp.Server) {
	type req struct {
		SourceKey string `json:"source_key"`
		Hours     int    `json:"hours"`
		Limit     int    `json:"limit"`
	}
	tool := &mcp.Tool{
		Name:        "taxupdater_recent_new_data",
		Description: "Records first seen within the last hours (rulings, interpretations, decisions)",
		InputSchema: inputSchema(map[string]any{
			"source_key": prop("string", "Filter by source"),
			"hours":      prop("integer", "Look-back window in hours (default 24)"),
			"limit":      prop("integer", "Max results"),
		}, nil),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.RecentNewData(ctx, p.SourceKey, p.Hours, p.Limit)
	}, kit.DecodeJSON[req](), kit.Logging(s.logger, tool.Name))
}

// --- Status ---

func (s *Service) registerSystemStatus(srv *mcp.Server) {
	type req struct{}
	tool := &mcp.Tool{
		Name:        "taxupdater_system_status",
		Description: "Scheduler state, per-source health, circuit breakers and unread notification count",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, _ any) (any, error) {
		return s.SystemStatus(ctx)
	}, kit.DecodeJSON[req](), kit.Logging(s.logger, tool.Name))
}

func (s *Service) registerListExecutions(srv *mcp.Server) {
	type req struct {
		SourceKey string `json:"source_key"`
		Hours     int    `json:"hours"`
		Limit     int    `json:"limit"`
	}
	tool := &mcp.Tool{
		Name:        "taxupdater_list_executions",
		Description: "Crawl execution history with per-source results",
		InputSchema: inputSchema(map[string]any{
			"source_key": prop("string", "Filter by source"),
			"hours":      prop("integer", "Look-back window in hours"),
			"limit":      prop("integer", "Max results"),
		}, nil),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.ListExecutions(ctx, ExecutionFilter{SourceKey: p.SourceKey, Hours: p.Hours, Limit: p.Limit})
	}, kit.DecodeJSON[req](), kit.Logging(s.logger, tool.Name))
}

// --- Records ---

func (s *Service) registerRecordStats(srv *mcp.Server) {
	type req struct {
		SourceKey string `json:"source_key"`
	}
	tool := &mcp.Tool{
		Name:        "taxupdater_record_stats",
		Description: "Stored record count and last update per source",
		InputSchema: inputSchema(map[string]any{
			"source_key": prop("string", "Source key; omit for all sources"),
		}, nil),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		return s.RecordStats(ctx, r.(*req).SourceKey)
	}, kit.DecodeJSON[req](), kit.Logging(s.logger, tool.Name))
}

func (s *Service) registerSearchRecords(srv *mcp.Server) {
	type req struct {
		SourceKey string `json:"source_key"`
		Query     string `json:"query"`
		Page      int    `json:"page"`
		Limit     int    `json:"limit"`
	}
	tool := &mcp.Tool{
		Name:        "taxupdater_search_records",
		Description: "Search one source's stored records by substring",
		InputSchema: inputSchema(map[string]any{
			"source_key": prop("string", "Source key"),
			"query":      prop("string", "Substring to look for in any column"),
			"page":       prop("integer", "Page number, from 1"),
			"limit":      prop("integer", "Page size"),
		}, []string{"source_key"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.SearchRecords(ctx, p.SourceKey, p.Query, p.Page, p.Limit)
	}, kit.DecodeJSON[req](), kit.Logging(s.logger, tool.Name))
}

func (s *Service) registerSchedulerControl(srv *mcp.Server) {
	type req struct {
		Action string `json:"action"`
	}
	tool := &mcp.Tool{
		Name:        "taxupdater_scheduler",
		Description: "Start or stop the crawl scheduler",
		InputSchema: inputSchema(map[string]any{
			"action": map[string]any{"type": "string", "enum": []string{"start", "stop"}},
		}, []string{"action"}),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		var err error
		switch a := r.(*req).Action; a {
		case "start":
			err = s.Start(context.WithoutCancel(ctx))
		case "stop":
			stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			err = s.Stop(stopCtx)
		default:
			return nil, fmt.Errorf("%w: action %q", ErrInvalidInput, a)
		}
		if err != nil {
			return nil, err
		}
		return map[string]bool{"running": s.sched.Running()}, nil
	}, kit.DecodeJSON[req](), kit.Logging(s.logger, tool.Name))
}

func (s *Service) registerAuditLog(srv *mcp.Server) {
	type req struct {
		Action string `json:"action"`
		Actor  string `json:"actor"`
		Target string `json:"target"`
		Limit  int    `json:"limit"`
	}
	tool := &mcp.Tool{
		Name:        "taxupdater_audit_log",
		Description: "Who changed schedules, triggered crawls or paused the scheduler, newest first",
		InputSchema: inputSchema(map[string]any{
			"action": prop("string", "update_schedule, trigger_crawl, crawl_all, mark_read, mark_all_read, start_scheduler, stop_scheduler or cleanup"),
			"actor":  prop("string", "Filter by actor"),
			"target": prop("string", "Filter by source key or notification ID"),
			"limit":  prop("integer", "Max entries (default 100)"),
		}, nil),
	}
	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.AuditTrail(ctx, AuditFilter{Action: p.Action, Actor: p.Actor, Target: p.Target, Limit: p.Limit})
	}, kit.DecodeJSON[req](), kit.Logging(s.logger, tool.Name))
}
