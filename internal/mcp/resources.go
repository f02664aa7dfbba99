package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/patternd/internal/auth"
	"github.com/ashita-ai/patternd/internal/ctxutil"
)

const patternsURIPrefix = "patternd://tenants/"

func (s *Server) registerResources() {
	// patternd://tenants/{tenant_id}/patterns: pattern summaries for one tenant.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			patternsURIPrefix+"{tenant_id}/patterns",
			"Tenant Patterns",
			mcplib.WithTemplateDescription("Learned conversion pattern summaries for a tenant"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTenantPatterns,
	)
}

func (s *Server) handleTenantPatterns(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	raw, ok := strings.CutPrefix(uri, patternsURIPrefix)
	if !ok {
		return nil, fmt.Errorf("mcp: invalid patterns URI: %s", uri)
	}
	raw, ok = strings.CutSuffix(raw, "/patterns")
	if !ok {
		return nil, fmt.Errorf("mcp: invalid patterns URI: %s", uri)
	}
	tenantID, err := uuid.Parse(raw)
	if err != nil || tenantID == uuid.Nil {
		return nil, fmt.Errorf("mcp: invalid tenant id in URI: %s", uri)
	}
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil || !claims.CanAccess(tenantID) {
		return nil, auth.ErrTenantScope
	}

	patterns, err := s.patterns.ListPatterns(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("mcp: tenant patterns: %w", err)
	}
	data, err := json.MarshalIndent(patterns, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal patterns: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
