package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/haasonsaas/toolgate/internal/store"
	"github.com/haasonsaas/toolgate/pkg/protocol"
)

type auditLogBody struct {
	Entries []store.AuditEntry `json:"entries"`
	Total   int                `json:"total"`
	Page    int                `json:"page"`
	PerPage int                `json:"per_page"`
	Pages   int                `json:"pages"`
}

// seedAudit runs one allowed and one denied request through the gateway so
// the dashboard has rows to show.
func seedAudit(t *testing.T, h *harness) {
	t.Helper()
	conn := h.dialAuthed(t)
	resp := call(t, conn, `{"jsonrpc": "2.0", "method": "tool_request", "params": {"tool": "ha_get_state", "args": {"entity_id": "sensor.temp"}}, "id": 1}`)
	if resp.Error != nil {
		t.Fatalf("seed allow failed: %+v", resp.Error)
	}
	resp = call(t, conn, `{"jsonrpc": "2.0", "method": "tool_request", "params": {"tool": "lock_unlock", "args": {"entity_id": "lock.front_door"}}, "id": 2}`)
	if resp.Error == nil || resp.Error.Code != protocol.CodePolicyDenied {
		t.Fatalf("seed deny: got %+v, want policy denial", resp.Error)
	}
}

func getAuditLog(t *testing.T, h *harness, query string) auditLogBody {
	t.Helper()
	resp, err := http.Get(h.httpURL + "/audit/api/log" + query)
	if err != nil {
		t.Fatalf("GET /audit/api/log%s: %v", query, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", resp.StatusCode)
	}
	var body auditLogBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("audit log body is not JSON: %v", err)
	}
	return body
}

func TestAuditLogAPI(t *testing.T) {
	h := newHarness(t, nil)
	seedAudit(t, h)

	body := getAuditLog(t, h, "")
	if body.Total != 2 || len(body.Entries) != 2 {
		t.Errorf("total = %d with %d entries, want 2 and 2", body.Total, len(body.Entries))
	}
	if body.Page != 1 || body.PerPage != 50 || body.Pages != 1 {
		t.Errorf("page/per_page/pages = %d/%d/%d, want 1/50/1", body.Page, body.PerPage, body.Pages)
	}
}

func TestAuditLogAPIFilters(t *testing.T) {
	h := newHarness(t, nil)
	seedAudit(t, h)

	cases := []struct {
		name  string
		query string
		total int
	}{
		{"by decision", "?decision=allow", 1},
		{"by resolution", "?resolution=executed", 1},
		{"by tool", "?tool_name=lock_unlock", 1},
		{"from past date", "?from=2020-01-01", 2},
		{"to past date", "?to=2020-01-01", 0},
		{"unparseable date ignored", "?from=bogus", 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := getAuditLog(t, h, tc.query)
			if body.Total != tc.total {
				t.Errorf("total = %d, want %d", body.Total, tc.total)
			}
		})
	}
}

func TestAuditLogAPIPagination(t *testing.T) {
	h := newHarness(t, nil)
	seedAudit(t, h)

	body := getAuditLog(t, h, "?per_page=1&page=2")
	if len(body.Entries) != 1 {
		t.Errorf("got %d entries, want 1", len(body.Entries))
	}
	if body.Page != 2 || body.Pages != 2 {
		t.Errorf("page/pages = %d/%d, want 2/2", body.Page, body.Pages)
	}

	// per_page is clamped to its maximum.
	body = getAuditLog(t, h, "?per_page=1000")
	if body.PerPage != 200 {
		t.Errorf("per_page = %d, want clamped to 200", body.PerPage)
	}
}

func TestAuditStatsAPI(t *testing.T) {
	h := newHarness(t, nil)
	seedAudit(t, h)

	resp, err := http.Get(h.httpURL + "/audit/api/stats")
	if err != nil {
		t.Fatalf("GET /audit/api/stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", resp.StatusCode)
	}
	var stats store.AuditStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("stats body is not JSON: %v", err)
	}
	if stats.TotalRequests != 2 || stats.Last24h != 2 {
		t.Errorf("total/last24h = %d/%d, want 2/2", stats.TotalRequests, stats.Last24h)
	}
	if stats.DecisionBreakdown["allow"] != 1 || stats.DecisionBreakdown["deny"] != 1 {
		t.Errorf("breakdown = %v, want allow 1 deny 1", stats.DecisionBreakdown)
	}
}

func TestAuditPageHTML(t *testing.T) {
	h := newHarness(t, nil)
	seedAudit(t, h)

	resp, err := http.Get(h.httpURL + "/audit/")
	if err != nil {
		t.Fatalf("GET /audit/: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	page, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	html := string(page)
	for _, want := range []string{"toolgate audit log", "ha_get_state", "lock_unlock"} {
		if !strings.Contains(html, want) {
			t.Errorf("page is missing %q", want)
		}
	}
}

func TestAuditPagePagination(t *testing.T) {
	h := newHarness(t, nil)
	seedAudit(t, h)

	resp, err := http.Get(h.httpURL + "/audit/?per_page=1")
	if err != nil {
		t.Fatalf("GET /audit/?per_page=1: %v", err)
	}
	defer resp.Body.Close()
	page, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(page), "Page 1 of 2") {
		t.Error("page is missing the pager line")
	}
	if !strings.Contains(string(page), "per_page=1") {
		t.Error("pager links do not carry the page size")
	}
}

func TestAuditPageUnknownPath(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.httpURL + "/audit/nope")
	if err != nil {
		t.Fatalf("GET /audit/nope: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status code = %d, want 404", resp.StatusCode)
	}
}
