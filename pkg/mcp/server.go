// Package mcp exposes gateway usage, catalog, safety and audit tools to MCP
// clients over stdio.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ganger-platform/aigateway/pkg/models"
	"github.com/ganger-platform/aigateway/pkg/tracker"
)

const maxLineBytes = 1 << 20

// Gateway is the part of the gateway the tools read from.
type Gateway interface {
	GetUsage(ctx context.Context, app string) (*models.UsageReport, error)
	Models() []models.ModelDescriptor
	CheckSafety(content string, sc models.SafetyContext) models.SafetyVerdict
}

// CacheStatter reports response cache statistics.
type CacheStatter interface {
	Stats() (models.CacheStats, error)
}

// AuditReader searches the safety audit trail.
type AuditReader interface {
	Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error)
	Stats(ctx context.Context) ([]models.AuditStat, error)
}

// Server speaks JSON-RPC 2.0, one message per line.
type Server struct {
	gateway Gateway
	tracker tracker.Tracker
	cache   CacheStatter
	auditor AuditReader
	version string
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithTracker enables the per-model breakdown in aigw_usage.
func WithTracker(t tracker.Tracker) Option { return func(s *Server) { s.tracker = t } }

// WithCache enables aigw_cache_stats.
func WithCache(c CacheStatter) Option { return func(s *Server) { s.cache = c } }

// WithAudit enables the audit tools.
func WithAudit(a AuditReader) Option { return func(s *Server) { s.auditor = a } }

// WithVersion sets the version reported by initialize.
func WithVersion(v string) Option { return func(s *Server) { s.version = v } }

// WithClock overrides the clock used for "today".
func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// WithLogger sets the logger. Logs must not go to the protocol stream.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// New creates a Server around gw.
func New(gw Gateway, opts ...Option) *Server {
	s := &Server{gateway: gw, version: "dev", now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "mcp")
	return s
}

// Run serves requests from r until r is exhausted or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, errorResponse(nil, CodeParseError, "parse error"))
			continue
		}
		if req.JSONRPC != jsonRPCVersion {
			if !req.isNotification() {
				s.write(w, errorResponse(req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\""))
			}
			continue
		}

		resp := s.dispatch(ctx, &req)
		if resp == nil || req.isNotification() {
			continue
		}
		s.write(w, resp)
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: serverName, Version: s.version},
			Capabilities:    Capabilities{Tools: &struct{}{}},
			Instructions:    "Read-only view of AI gateway usage, budgets, model catalog, safety screening and the audit trail.",
		})
	case "ping":
		return resultResponse(req.ID, struct{}{})
	case "tools/list":
		return resultResponse(req.ID, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.callTool(ctx, req)
	}
	if req.isNotification() {
		return nil
	}
	return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
}

func (s *Server) callTool(ctx context.Context, req *Request) (resp *Response) {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, CodeInvalidParams, "invalid params")
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return resultResponse(req.ID, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("tool panicked", "tool", params.Name, "panic", p)
			resp = errorResponse(req.ID, CodeInternalError, "internal error")
		}
	}()
	result := handler(ctx, s, params.Arguments)
	s.logger.Debug("tool call", "tool", params.Name, "is_error", result.IsError, "duration", time.Since(start))
	return resultResponse(req.ID, result)
}

func (s *Server) write(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Error("write response", "error", err)
	}
}
