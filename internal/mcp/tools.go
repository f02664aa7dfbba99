package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/patternd/internal/auth"
	"github.com/ashita-ai/patternd/internal/ctxutil"
	"github.com/ashita-ai/patternd/internal/jobs"
	"github.com/ashita-ai/patternd/internal/model"
	"github.com/ashita-ai/patternd/internal/storage"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("patterns_inspect",
			mcplib.WithDescription(`Inspect a tenant's learned conversion patterns.

Without pattern_type, lists every stored pattern with its confidence, sample
size, validity window and whether it has expired. With pattern_type, returns
the current payload (ranked categories, features, timing buckets or channel
sequences), optionally with superseded versions.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("tenant_id",
				mcplib.Description("Tenant UUID"),
				mcplib.Required(),
			),
			mcplib.WithString("pattern_type",
				mcplib.Description("One of who, what, when, how"),
				mcplib.Enum("who", "what", "when", "how"),
			),
			mcplib.WithBoolean("include_history",
				mcplib.Description("Also return superseded versions (requires pattern_type)"),
			),
			mcplib.WithNumber("history_limit",
				mcplib.Description("Maximum history entries"),
				mcplib.Min(1),
				mcplib.Max(500),
				mcplib.DefaultNumber(storage.DefaultHistoryLimit),
			),
		),
		s.handleInspect,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("patterns_backfill",
			mcplib.WithDescription(`Recompute all four patterns for one tenant now.

Runs the detectors over [since, until) (default: the full history up to now)
and writes each result. A detector that fails keeps its prior pattern; the
report lists each detector's outcome. Operator only.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("tenant_id",
				mcplib.Description("Tenant UUID"),
				mcplib.Required(),
			),
			mcplib.WithString("since", mcplib.Description("RFC 3339 lower bound (inclusive)")),
			mcplib.WithString("until", mcplib.Description("RFC 3339 upper bound (exclusive)")),
		),
		s.handleBackfill,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("patterns_health",
			mcplib.WithDescription(`List patterns that have expired or will expire within the horizon, grouped by tenant. Operator only.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("horizon",
				mcplib.Description("Go duration, e.g. 48h. Defaults to the configured health horizon."),
			),
		),
		s.handleHealth,
	)
}

func (s *Server) handleInspect(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenantID, errRes := tenantArg(ctx, request)
	if errRes != nil {
		return errRes, nil
	}

	typeArg := request.GetString("pattern_type", "")
	if typeArg == "" {
		patterns, err := s.patterns.ListPatterns(ctx, tenantID)
		if err != nil {
			return errorResult(fmt.Sprintf("list patterns failed: %v", err)), nil
		}
		if patterns == nil {
			patterns = []model.PatternSummary{}
		}
		return jsonResult(map[string]any{"tenant_id": tenantID, "patterns": patterns}), nil
	}

	typ, err := model.ParsePatternType(typeArg)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	current, err := s.patterns.GetPattern(ctx, tenantID, typ)
	if err != nil {
		return errorResult(fmt.Sprintf("get pattern failed: %v", err)), nil
	}
	out := map[string]any{"tenant_id": tenantID, "pattern_type": typ, "current": current}

	if request.GetBool("include_history", false) {
		entries, err := s.patterns.PatternHistory(ctx, tenantID, typ, request.GetInt("history_limit", storage.DefaultHistoryLimit))
		if err != nil {
			return errorResult(fmt.Sprintf("pattern history failed: %v", err)), nil
		}
		if entries == nil {
			entries = []model.PatternHistoryEntry{}
		}
		out["history"] = entries
		out["history_root"] = storage.HistoryRoot(entries)
	}
	return jsonResult(out), nil
}

func (s *Server) handleBackfill(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if errRes := requireOperator(ctx); errRes != nil {
		return errRes, nil
	}
	tenantID, errRes := tenantArg(ctx, request)
	if errRes != nil {
		return errRes, nil
	}

	var w model.Window
	for _, b := range []struct {
		name   string
		target *time.Time
	}{{"since", &w.Since}, {"until", &w.Until}} {
		v := request.GetString(b.name, "")
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return errorResult(fmt.Sprintf("%s must be RFC 3339: %v", b.name, err)), nil
		}
		*b.target = t.UTC()
	}

	s.logger.Info("mcp: backfill requested", "tenant_id", tenantID,
		"subject", ctxutil.ClaimsFromContext(ctx).Subject)
	report, err := s.ops.Backfill(ctx, tenantID, w)
	switch {
	case errors.Is(err, jobs.ErrEmptyWindow):
		return errorResult(err.Error()), nil
	case err != nil && len(report.Outcomes) == 0:
		return errorResult(fmt.Sprintf("backfill failed: %v", err)), nil
	}
	return jsonResult(report), nil
}

func (s *Server) handleHealth(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if errRes := requireOperator(ctx); errRes != nil {
		return errRes, nil
	}
	var horizon time.Duration
	if v := request.GetString("horizon", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return errorResult("horizon must be a positive duration"), nil
		}
		horizon = d
	}
	report, err := s.ops.RunHealth(ctx, horizon)
	if err != nil {
		return errorResult(fmt.Sprintf("health sweep failed: %v", err)), nil
	}
	return jsonResult(report), nil
}

// tenantArg parses tenant_id and checks the caller's token covers it.
func tenantArg(ctx context.Context, request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return uuid.Nil, errorResult("not authenticated")
	}
	id, err := uuid.Parse(request.GetString("tenant_id", ""))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, errorResult("tenant_id must be a non-nil UUID")
	}
	if !claims.CanAccess(id) {
		return uuid.Nil, errorResult(auth.ErrTenantScope.Error())
	}
	return id, nil
}

func requireOperator(ctx context.Context) *mcplib.CallToolResult {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("not authenticated")
	}
	if !model.RoleAtLeast(claims.Role, model.RoleOperator) {
		return errorResult("insufficient permissions: operator role required")
	}
	return nil
}
