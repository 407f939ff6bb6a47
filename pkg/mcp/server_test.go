package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ganger-platform/aigateway/pkg/models"
)

type fakeGateway struct {
	report  models.UsageReport
	catalog []models.ModelDescriptor
	verdict models.SafetyVerdict
	gotApp  string
	gotSC   models.SafetyContext
}

func (f *fakeGateway) GetUsage(_ context.Context, app string) (*models.UsageReport, error) {
	f.gotApp = app
	r := f.report
	r.App = app
	return &r, nil
}

func (f *fakeGateway) Models() []models.ModelDescriptor { return f.catalog }

func (f *fakeGateway) CheckSafety(_ string, sc models.SafetyContext) models.SafetyVerdict {
	f.gotSC = sc
	return f.verdict
}

// fakeTracker implements tracker.Tracker for testing.
type fakeTracker struct {
	summaries []models.UsageSummary
	since     time.Time
}

func (f *fakeTracker) Record(context.Context, models.UsageEvent) error { return nil }
func (f *fakeTracker) Query(context.Context, string, time.Time, int) ([]models.UsageEvent, error) {
	return nil, nil
}
func (f *fakeTracker) TopModels(context.Context, string, time.Time, int) ([]models.TopModel, error) {
	return nil, nil
}
func (f *fakeTracker) Summary(_ context.Context, _ string, since time.Time) ([]models.UsageSummary, error) {
	f.since = since
	return f.summaries, nil
}
func (f *fakeTracker) Prune(context.Context, time.Time) (int64, error) { return 0, nil }
func (f *fakeTracker) Close() error                                    { return nil }

// fakeCache implements CacheStatter for testing.
type fakeCache struct {
	stats models.CacheStats
}

func (f *fakeCache) Stats() (models.CacheStats, error) { return f.stats, nil }

type fakeAudit struct {
	entries []models.AuditEntry
	stats   []models.AuditStat
	opts    models.AuditQueryOpts
}

func (f *fakeAudit) Query(_ context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	f.opts = opts
	return f.entries, nil
}

func (f *fakeAudit) Stats(context.Context) ([]models.AuditStat, error) { return f.stats, nil }

func fixedNow() time.Time { return time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC) }

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name, args string) ToolCallResult {
	t.Helper()
	p := ToolCallParams{Name: name}
	if args != "" {
		p.Arguments = json.RawMessage(args)
	}
	params, _ := json.Marshal(p)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`3`),
		Method:  "tools/call",
		Params:  params,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	json.Unmarshal(data, &result)
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	return result
}

func TestInitialize(t *testing.T) {
	srv := New(&fakeGateway{}, WithVersion("test"))
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	json.Unmarshal(data, &result)

	if result.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocol version = %s, want 2024-11-05", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "aigateway" || result.ServerInfo.Version != "test" {
		t.Errorf("server info = %+v", result.ServerInfo)
	}
	if result.Capabilities.Tools == nil {
		t.Error("expected tools capability")
	}
}

func TestToolsList(t *testing.T) {
	srv := New(&fakeGateway{}, WithVersion("test"))
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/list",
	})

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	json.Unmarshal(data, &result)

	names := make(map[string]bool)
	for _, tool := range result.Tools {
		names[tool.Name] = true
		if _, ok := toolHandlers[tool.Name]; !ok {
			t.Errorf("tool %s has no handler", tool.Name)
		}
	}
	for _, want := range []string{"aigw_usage", "aigw_models", "aigw_safety_check", "aigw_cache_stats", "aigw_audit_search", "aigw_audit_stats"} {
		if !names[want] {
			t.Errorf("missing tool: %s", want)
		}
	}
}

func TestToolCallUsage(t *testing.T) {
	gw := &fakeGateway{report: models.UsageReport{
		Requests: 12, Cost: 0.42, Budget: 10, RemainingBudget: 9.58, Status: models.BudgetHealthy,
		TopModels: []models.TopModel{{Model: "llama-3.2-11b-vision-instruct", Count: 12}},
	}}
	tr := &fakeTracker{summaries: []models.UsageSummary{
		{App: "handouts", Model: "llama-3.2-11b-vision-instruct", RequestCount: 12, TotalTokens: 5250, TotalCost: 0.42},
	}}
	srv := New(gw, WithTracker(tr), WithClock(fixedNow))

	result := callTool(t, srv, "aigw_usage", `{"app":"handouts"}`)
	text := result.Content[0].Text
	if gw.gotApp != "handouts" {
		t.Errorf("usage asked for %q", gw.gotApp)
	}
	if !tr.since.Equal(time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("summary should start at midnight UTC, got %v", tr.since)
	}
	for _, want := range []string{"handouts", "$0.4200 of $10.00", "healthy", "5250"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in output, got: %s", want, text)
		}
	}
}

func TestToolCallUsagePlatform(t *testing.T) {
	srv := New(&fakeGateway{report: models.UsageReport{Budget: 200}})
	result := callTool(t, srv, "aigw_usage", "")
	if !strings.Contains(result.Content[0].Text, "platform") {
		t.Errorf("expected platform report, got: %s", result.Content[0].Text)
	}
}

func TestToolCallModels(t *testing.T) {
	gw := &fakeGateway{catalog: []models.ModelDescriptor{{ID: "bge-m3", Tier: 2, CostPerToken: 0.00002, HIPAACompliant: true}}}
	srv := New(gw)
	text := callTool(t, srv, "aigw_models", "").Content[0].Text
	if !strings.Contains(text, "bge-m3") || !strings.Contains(text, "0.000020") {
		t.Errorf("unexpected models output: %s", text)
	}
}

func TestToolCallSafetyCheck(t *testing.T) {
	gw := &fakeGateway{verdict: models.SafetyVerdict{Score: 0.5, Blocked: true, ContainsPHI: true, Flags: []string{"phi:ssn"}}}
	srv := New(gw)

	text := callTool(t, srv, "aigw_safety_check", `{"content":"ref 123-45-6789","compliance":"strict"}`).Content[0].Text
	if !strings.Contains(text, "BLOCKED") || !strings.Contains(text, "phi:ssn") {
		t.Errorf("unexpected verdict output: %s", text)
	}
	if gw.gotSC.Compliance != models.ComplianceStrict {
		t.Errorf("compliance not passed through: %+v", gw.gotSC)
	}

	if !callTool(t, srv, "aigw_safety_check", `{}`).IsError {
		t.Error("expected isError=true for missing content")
	}
}

func TestToolCallCacheNotConfigured(t *testing.T) {
	srv := New(&fakeGateway{}, WithVersion("test"))
	text := callTool(t, srv, "aigw_cache_stats", "").Content[0].Text
	if !strings.Contains(text, "not configured") {
		t.Errorf("expected 'not configured', got: %s", text)
	}
}

func TestToolCallCacheStats(t *testing.T) {
	cache := &fakeCache{stats: models.CacheStats{Entries: 42, Hits: 10, Misses: 5}}
	srv := New(&fakeGateway{}, WithCache(cache))

	text := callTool(t, srv, "aigw_cache_stats", "").Content[0].Text
	if !strings.Contains(text, "42") || !strings.Contains(text, "66.7%") {
		t.Errorf("unexpected cache stats output: %s", text)
	}
}

func TestToolCallAuditSearch(t *testing.T) {
	a := &fakeAudit{entries: []models.AuditEntry{{
		RequestID: "req-7", App: "handouts", UseCase: models.UseCasePatientCommunication,
		Direction: "request", Score: 0.6, Blocked: true, Flags: []string{"phi:phone"},
		CreatedAt: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
	}}}
	srv := New(&fakeGateway{}, WithAudit(a))

	text := callTool(t, srv, "aigw_audit_search", `{"app":"handouts","blocked_only":true,"since":"2026-03-01"}`).Content[0].Text
	if !strings.Contains(text, "req-7") || !strings.Contains(text, "phi:phone") {
		t.Errorf("unexpected audit output: %s", text)
	}
	if a.opts.App != "handouts" || !a.opts.BlockedOnly || a.opts.Limit != 50 {
		t.Errorf("unexpected query opts %+v", a.opts)
	}
	if !a.opts.Since.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected since %v", a.opts.Since)
	}

	if !callTool(t, srv, "aigw_audit_search", `{"since":"yesterday"}`).IsError {
		t.Error("expected isError=true for a bad date")
	}
}

func TestToolCallAuditStats(t *testing.T) {
	a := &fakeAudit{stats: []models.AuditStat{{App: "handouts", Day: "2026-03-04", Count: 9, Blocked: 2}}}
	srv := New(&fakeGateway{}, WithAudit(a))
	text := callTool(t, srv, "aigw_audit_stats", "").Content[0].Text
	if !strings.Contains(text, "2026-03-04") {
		t.Errorf("unexpected stats output: %s", text)
	}

	srv = New(&fakeGateway{}, WithVersion("test"))
	if text := callTool(t, srv, "aigw_audit_stats", "").Content[0].Text; !strings.Contains(text, "not configured") {
		t.Errorf("expected 'not configured', got: %s", text)
	}
}

func TestUnknownTool(t *testing.T) {
	srv := New(&fakeGateway{}, WithVersion("test"))
	if !callTool(t, srv, "aigw_bogus", "").IsError {
		t.Error("expected isError=true for unknown tool")
	}
}

func TestNotificationNoResponse(t *testing.T) {
	srv := New(&fakeGateway{}, WithVersion("test"))

	line, _ := json.Marshal(Request{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	line = append(line, '\n')

	var out bytes.Buffer
	_ = srv.Run(context.Background(), bytes.NewReader(line), &out)

	if out.Len() != 0 {
		t.Errorf("expected no output for notification, got: %s", out.String())
	}
}

func TestUnknownMethod(t *testing.T) {
	srv := New(&fakeGateway{}, WithVersion("test"))
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`9`),
		Method:  "unknown/method",
	})

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}

func TestPing(t *testing.T) {
	resp := sendAndReceive(t, New(&fakeGateway{}), Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`4`),
		Method:  "ping",
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
}

func TestRejectsWrongVersion(t *testing.T) {
	resp := sendAndReceive(t, New(&fakeGateway{}), Request{
		JSONRPC: "1.0",
		ID:      json.RawMessage(`5`),
		Method:  "tools/list",
	})
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", resp.Error)
	}
}

func TestParseError(t *testing.T) {
	var out bytes.Buffer
	if err := New(&fakeGateway{}).Run(context.Background(), strings.NewReader("{not json\n"), &out); err != nil {
		t.Fatal(err)
	}
	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Errorf("expected parse error, got %+v", resp.Error)
	}
}

func TestToolCallBadArguments(t *testing.T) {
	srv := New(&fakeGateway{})
	if !callTool(t, srv, "aigw_safety_check", `["not","an","object"]`).IsError {
		t.Error("expected isError=true for malformed arguments")
	}
}
