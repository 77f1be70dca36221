package gateway

import (
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/haasonsaas/toolgate/internal/store"
)

//go:embed templates/*.html
var templatesFS embed.FS

const (
	auditDefaultPerPage = 50
	auditMaxPerPage     = 200
)

// dashboard serves the audit log UI and its JSON API off the HTTP surface.
type dashboard struct {
	store     *store.Store
	templates *template.Template
	logger    *slog.Logger
}

func newDashboard(st *store.Store, logger *slog.Logger) (*dashboard, error) {
	funcMap := template.FuncMap{
		"formatTime": formatEpoch,
		"prettyJSON": prettyJSON,
		"percent":    func(rate float64) float64 { return rate * 100 },
		"add":        func(a, b int) int { return a + b },
		"sub":        func(a, b int) int { return a - b },
	}
	tmpl, err := template.New("").Funcs(funcMap).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("dashboard templates: %w", err)
	}
	return &dashboard{store: st, templates: tmpl, logger: logger}, nil
}

func (d *dashboard) register(mux *http.ServeMux) {
	mux.HandleFunc("/audit/", d.handleAuditPage)
	mux.HandleFunc("/audit/api/log", d.handleAuditLog)
	mux.HandleFunc("/audit/api/stats", d.handleAuditStats)
}

// auditQuery is one parsed set of dashboard filters. Raw string values are
// kept alongside the store filter so the page can re-render its form and
// build pagination links.
type auditQuery struct {
	ToolName   string
	Decision   string
	Resolution string
	From       string
	To         string
	Page       int
	PerPage    int
}

func parseAuditQuery(r *http.Request) auditQuery {
	q := auditQuery{
		ToolName:   r.URL.Query().Get("tool_name"),
		Decision:   r.URL.Query().Get("decision"),
		Resolution: r.URL.Query().Get("resolution"),
		From:       r.URL.Query().Get("from"),
		To:         r.URL.Query().Get("to"),
		Page:       parseIntParam(r, "page", 1),
		PerPage:    parseIntParam(r, "per_page", auditDefaultPerPage),
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage < 1 {
		q.PerPage = 1
	}
	if q.PerPage > auditMaxPerPage {
		q.PerPage = auditMaxPerPage
	}
	return q
}

func (q auditQuery) filter() store.AuditFilter {
	return store.AuditFilter{
		ToolName:   q.ToolName,
		Decision:   q.Decision,
		Resolution: q.Resolution,
		From:       parseTimeParam(q.From),
		To:         parseTimeParam(q.To),
		Limit:      q.PerPage,
		Offset:     (q.Page - 1) * q.PerPage,
	}
}

// pageURL renders the link to another page of the same filtered view.
func (q auditQuery) pageURL(page int) string {
	v := url.Values{}
	if q.ToolName != "" {
		v.Set("tool_name", q.ToolName)
	}
	if q.Decision != "" {
		v.Set("decision", q.Decision)
	}
	if q.Resolution != "" {
		v.Set("resolution", q.Resolution)
	}
	if q.From != "" {
		v.Set("from", q.From)
	}
	if q.To != "" {
		v.Set("to", q.To)
	}
	if q.PerPage != auditDefaultPerPage {
		v.Set("per_page", strconv.Itoa(q.PerPage))
	}
	v.Set("page", strconv.Itoa(page))
	return "/audit/?" + v.Encode()
}

// parseTimeParam accepts the date formats the filter form and API clients
// send. Unparseable values are skipped rather than rejected, matching the
// permissive filter behavior of the API.
func parseTimeParam(raw string) *float64 {
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			epoch := float64(t.UTC().Unix())
			return &epoch
		}
	}
	return nil
}

func pageCount(total, perPage int) int {
	pages := (total + perPage - 1) / perPage
	if pages < 1 {
		pages = 1
	}
	return pages
}

// handleAuditLog serves the filtered, paginated audit log as JSON.
func (d *dashboard) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	q := parseAuditQuery(r)
	entries, total, err := d.store.AuditLogFiltered(r.Context(), q.filter())
	if err != nil {
		d.logger.Error("audit log query failed", "error", err)
		d.jsonError(w, "failed to load audit log", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	d.jsonResponse(w, map[string]any{
		"entries":  entries,
		"total":    total,
		"page":     q.Page,
		"per_page": q.PerPage,
		"pages":    pageCount(total, q.PerPage),
	})
}

// handleAuditStats serves the summary statistics block.
func (d *dashboard) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := d.store.Stats(r.Context())
	if err != nil {
		d.logger.Error("audit stats query failed", "error", err)
		d.jsonError(w, "failed to load stats", http.StatusInternalServerError)
		return
	}
	d.jsonResponse(w, stats)
}

type auditPageData struct {
	Entries   []store.AuditEntry
	Total     int
	Page      int
	PerPage   int
	Pages     int
	Stats     *store.AuditStats
	ToolNames []string
	Query     auditQuery
	PrevURL   string
	NextURL   string
}

// handleAuditPage renders the HTML dashboard.
func (d *dashboard) handleAuditPage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/audit/" {
		http.NotFound(w, r)
		return
	}

	q := parseAuditQuery(r)
	entries, total, err := d.store.AuditLogFiltered(r.Context(), q.filter())
	if err != nil {
		d.logger.Error("audit log query failed", "error", err)
		http.Error(w, "failed to load audit log", http.StatusInternalServerError)
		return
	}
	stats, err := d.store.Stats(r.Context())
	if err != nil {
		d.logger.Error("audit stats query failed", "error", err)
		http.Error(w, "failed to load stats", http.StatusInternalServerError)
		return
	}
	toolNames, err := d.store.DistinctToolNames(r.Context())
	if err != nil {
		d.logger.Error("tool name query failed", "error", err)
		toolNames = nil
	}

	data := auditPageData{
		Entries:   entries,
		Total:     total,
		Page:      q.Page,
		PerPage:   q.PerPage,
		Pages:     pageCount(total, q.PerPage),
		Stats:     stats,
		ToolNames: toolNames,
		Query:     q,
	}
	if q.Page > 1 {
		data.PrevURL = q.pageURL(q.Page - 1)
	}
	if q.Page < data.Pages {
		data.NextURL = q.pageURL(q.Page + 1)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := d.templates.ExecuteTemplate(w, "audit.html", data); err != nil {
		d.logger.Error("dashboard render failed", "error", err)
	}
}

// jsonResponse writes a JSON response.
func (d *dashboard) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, data, d.logger)
}

// jsonError writes a JSON error response.
func (d *dashboard) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"error": message}, d.logger)
}

func writeJSON(w http.ResponseWriter, data any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("json encode error", "error", err)
	}
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func formatEpoch(epoch float64) string {
	if epoch == 0 {
		return ""
	}
	return time.Unix(int64(epoch), 0).UTC().Format("2006-01-02 15:04:05")
}

func prettyJSON(v any) string {
	if v == nil {
		return ""
	}
	if raw, ok := v.(json.RawMessage); ok {
		return string(raw)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
