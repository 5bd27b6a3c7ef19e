// Package mcpapi exposes the pipeline as MCP tools over stateless streamable HTTP.
package mcpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hylla/crc/internal/adapters/server/common"
)

// Config names the MCP server and where it is mounted.
type Config struct {
	ServerName    string
	ServerVersion string
	EndpointPath  string
}

type Handler struct {
	streamable http.Handler
}

// NewHandler builds one stateless MCP adapter exposing the pipeline tools.
func NewHandler(cfg Config, service common.PipelineService) (*Handler, error) {
	if service == nil {
		return nil, fmt.Errorf("pipeline service is required")
	}
	cfg = normalizeConfig(cfg)

	mcpSrv := mcpserver.NewMCPServer(
		cfg.ServerName,
		cfg.ServerVersion,
		mcpserver.WithToolCapabilities(false),
	)
	registerDropTools(mcpSrv, service)
	registerReviewTools(mcpSrv, service)
	registerMergeTools(mcpSrv, service)
	registerLineageTools(mcpSrv, service)

	return &Handler{streamable: mcpserver.NewStreamableHTTPServer(
		mcpSrv,
		mcpserver.WithEndpointPath(cfg.EndpointPath),
		mcpserver.WithStateLess(true),
	)}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.streamable == nil {
		http.Error(w, "mcp handler unavailable", http.StatusServiceUnavailable)
		return
	}
	h.streamable.ServeHTTP(w, r)
}

// normalizeConfig fills the server identity and roots the endpoint path.
func normalizeConfig(cfg Config) Config {
	if cfg.ServerName = strings.TrimSpace(cfg.ServerName); cfg.ServerName == "" {
		cfg.ServerName = "crc"
	}
	if cfg.ServerVersion = strings.TrimSpace(cfg.ServerVersion); cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	if cfg.EndpointPath = path.Clean("/" + strings.TrimSpace(cfg.EndpointPath)); cfg.EndpointPath == "/" {
		cfg.EndpointPath = "/mcp"
	}
	return cfg
}

// registerDropTools registers ingest, get and history tools.
func registerDropTools(srv *mcpserver.MCPServer, service common.PipelineService) {
	srv.AddTool(
		mcp.NewTool(
			"crc.ingest_drop",
			mcp.WithDescription("Submit one text payload as a new drop."),
			mcp.WithString("location", mcp.Required(), mcp.Description("Source location or file name")),
			mcp.WithString("target_ref", mcp.Required(), mcp.Description("Integration target ref")),
			mcp.WithString("intent", mcp.Description("Declared intent (feature, bugfix, experiment)")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Payload text")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			location, err := req.RequireString("location")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			targetRef, err := req.RequireString("target_ref")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			content, err := req.RequireString("content")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			res, err := service.IngestDrop(ctx, common.IngestDropRequest{
				Location:  location,
				TargetRef: targetRef,
				Intent:    req.GetString("intent", ""),
				Content:   []byte(content),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("ingest_drop", res)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"crc.get_drop",
			mcp.WithDescription("Return one drop with its state, score, lane and diagnostics."),
			mcp.WithString("drop_id", mcp.Required(), mcp.Description("Drop identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			dropID, err := req.RequireString("drop_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			drop, err := service.GetDrop(ctx, dropID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("get_drop", drop)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"crc.history",
			mcp.WithDescription("Return the CL lineage of one drop, parents first."),
			mcp.WithString("drop_id", mcp.Required(), mcp.Description("Drop identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			dropID, err := req.RequireString("drop_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			nodes, err := service.DropHistory(ctx, dropID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("history", map[string]any{
				"drop_id": dropID,
				"nodes":   nodes,
			})
		},
	)
}

// registerReviewTools registers listing, approval and cancellation tools.
func registerReviewTools(srv *mcpserver.MCPServer, service common.PipelineService) {
	srv.AddTool(
		mcp.NewTool(
			"crc.list_drops",
			mcp.WithDescription("List drops, optionally filtered by state and target."),
			mcp.WithArray("states", mcp.Description("Only drops in these states"), mcp.WithStringItems()),
			mcp.WithString("target_ref", mcp.Description("Only drops for this target")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args common.ListDropsRequest
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			drops, err := service.ListDrops(ctx, args)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("list_drops", map[string]any{"drops": drops})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"crc.approve_drop",
			mcp.WithDescription("Approve a drop the analyzer routed to manual review."),
			mcp.WithString("drop_id", mcp.Required(), mcp.Description("Drop identifier")),
			mcp.WithString("approved_by", mcp.Required(), mcp.Description("Reviewer recorded on the drop")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args common.ApproveDropRequest
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			drop, err := service.ApproveDrop(ctx, args)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("approve_drop", drop)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"crc.cancel_drop",
			mcp.WithDescription("Cancel a drop that has not started validation."),
			mcp.WithString("drop_id", mcp.Required(), mcp.Description("Drop identifier")),
			mcp.WithString("reason", mcp.Description("Reason recorded on the cancellation node")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args common.CancelDropRequest
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			drop, err := service.CancelDrop(ctx, args)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("cancel_drop", drop)
		},
	)
}

// registerMergeTools registers manual merge listing and resolution tools.
func registerMergeTools(srv *mcpserver.MCPServer, service common.PipelineService) {
	srv.AddTool(
		mcp.NewTool(
			"crc.list_manual_merges",
			mcp.WithDescription("List merge decisions awaiting external resolution."),
			mcp.WithString("target_ref", mcp.Description("Only decisions for this target")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			merges, err := service.ListMerges(ctx, common.ListMergesRequest{
				TargetRef:   req.GetString("target_ref", ""),
				PendingOnly: true,
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("list_manual_merges", map[string]any{"merges": merges})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"crc.apply_resolution",
			mcp.WithDescription("Resolve a manual_required merge by choosing a drop's version or literal content per conflicted path."),
			mcp.WithString("merge_id", mcp.Required(), mcp.Description("Merge decision identifier")),
			mcp.WithString("resolved_by", mcp.Required(), mcp.Description("Actor applying the resolution")),
			mcp.WithArray("choices",
				mcp.Required(),
				mcp.Description("One entry per conflicted path"),
				mcp.Items(map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":    map[string]any{"type": "string"},
						"drop_id": map[string]any{"type": "string"},
						"content": map[string]any{"type": "string"},
					},
					"required": []string{"path"},
				}),
			),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args common.ApplyResolutionRequest
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			decision, err := service.ApplyResolution(ctx, args)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("apply_resolution", decision)
		},
	)
}

// registerLineageTools registers the CL diff and target view tools.
func registerLineageTools(srv *mcpserver.MCPServer, service common.PipelineService) {
	srv.AddTool(
		mcp.NewTool(
			"crc.diff",
			mcp.WithDescription("Compare the lineage of two CL nodes."),
			mcp.WithString("a", mcp.Required(), mcp.Description("First node id")),
			mcp.WithString("b", mcp.Required(), mcp.Description("Second node id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			a, err := req.RequireString("a")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			b, err := req.RequireString("b")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			diff, err := service.Diff(ctx, a, b)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("diff", diff)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"crc.get_target",
			mcp.WithDescription("Return the file listing and revision of one integration target."),
			mcp.WithString("target_ref", mcp.Required(), mcp.Description("Integration target ref")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			ref, err := req.RequireString("target_ref")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			target, err := service.GetTarget(ctx, ref)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("get_target", target)
		},
	)
}

// jsonResult encodes one tool payload as structured JSON content.
func jsonResult(tool string, v any) (*mcp.CallToolResult, error) {
	result, err := mcp.NewToolResultJSON(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", tool, err)
	}
	return result, nil
}

func invalidRequestToolResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError("invalid_request: " + err.Error())
}

// toolErrorCodes prefixes tool errors the same way the REST API names its error codes.
var toolErrorCodes = []struct {
	err  error
	code string
}{
	{common.ErrInvalidRequest, "invalid_request"},
	{common.ErrNotFound, "not_found"},
	{common.ErrConflict, "conflict"},
	{common.ErrUnavailable, "service_unavailable"},
}

// toolResultFromError turns a service error into an isError tool result.
func toolResultFromError(err error) *mcp.CallToolResult {
	if err == nil {
		return mcp.NewToolResultError("unknown error")
	}
	code := "internal_error"
	for _, m := range toolErrorCodes {
		if errors.Is(err, m.err) {
			code = m.code
			break
		}
	}
	return mcp.NewToolResultError(code + ": " + err.Error())
}
