package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/toolgate/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testService(url string) config.ServiceConfig {
	return config.ServiceConfig{
		Name: "homeassistant",
		URL:  url,
		Auth: config.AuthConfig{Type: "bearer", Token: "secret-token"},
		Health: config.HealthConfig{
			Method:       "GET",
			Path:         "/api/",
			ExpectStatus: 200,
		},
	}
}

func getStateTool() config.ToolDefinition {
	return config.ToolDefinition{
		Name:        "ha_get_state",
		ServiceName: "homeassistant",
		Request:     &config.RequestDefinition{Method: "GET", Path: "/api/states/{entity_id}"},
	}
}

func callServiceTool() config.ToolDefinition {
	return config.ToolDefinition{
		Name:        "ha_call_service",
		ServiceName: "homeassistant",
		Request: &config.RequestDefinition{
			Method:      "POST",
			Path:        "/api/services/{domain}/{service}",
			BodyExclude: []string{"domain", "service"},
		},
		Response: &config.ResponseDefinition{Wrap: "result"},
	}
}

func TestExecuteInterpolatesPathAndAuth(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"state": "on"})
	}))
	defer srv.Close()

	h := NewHTTPHandler(testService(srv.URL), discardLogger())
	got, err := h.Execute(context.Background(), getStateTool(), map[string]any{"entity_id": "light.bedroom"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if gotPath != "/api/states/light.bedroom" {
		t.Errorf("path = %q, want /api/states/light.bedroom", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	var result map[string]any
	if err := json.Unmarshal(got, &result); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if result["state"] != "on" {
		t.Errorf("result = %v", result)
	}
}

func TestExecuteMissingPathArgBecomesEmpty(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	h := NewHTTPHandler(testService(srv.URL), discardLogger())
	if _, err := h.Execute(context.Background(), getStateTool(), nil); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if gotPath != "/api/states/" {
		t.Errorf("path = %q, want /api/states/", gotPath)
	}
}

func TestExecutePostBodyExcludesPathArgs(t *testing.T) {
	var gotBody map[string]any
	var gotContentType, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`[{"entity_id": "light.bedroom"}]`))
	}))
	defer srv.Close()

	h := NewHTTPHandler(testService(srv.URL), discardLogger())
	args := map[string]any{
		"domain":     "light",
		"service":    "turn_on",
		"entity_id":  "light.bedroom",
		"brightness": float64(128),
	}
	got, err := h.Execute(context.Background(), callServiceTool(), args)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if gotPath != "/api/services/light/turn_on" {
		t.Errorf("path = %q", gotPath)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if _, ok := gotBody["domain"]; ok {
		t.Error("body contains excluded arg domain")
	}
	if _, ok := gotBody["service"]; ok {
		t.Error("body contains excluded arg service")
	}
	if gotBody["entity_id"] != "light.bedroom" || gotBody["brightness"] != float64(128) {
		t.Errorf("body = %v", gotBody)
	}

	// Wrapped response.
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(got, &wrapped); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if _, ok := wrapped["result"]; !ok {
		t.Errorf("result not wrapped: %s", got)
	}
}

func TestExecuteAuthModes(t *testing.T) {
	tests := []struct {
		name  string
		auth  config.AuthConfig
		check func(t *testing.T, r *http.Request)
	}{
		{
			name: "header",
			auth: config.AuthConfig{Type: "header", HeaderName: "X-Api-Key", Token: "k123"},
			check: func(t *testing.T, r *http.Request) {
				if got := r.Header.Get("X-Api-Key"); got != "k123" {
					t.Errorf("X-Api-Key = %q", got)
				}
			},
		},
		{
			name: "query",
			auth: config.AuthConfig{Type: "query", QueryParam: "apikey", Token: "k123"},
			check: func(t *testing.T, r *http.Request) {
				if got := r.URL.Query().Get("apikey"); got != "k123" {
					t.Errorf("apikey = %q", got)
				}
			},
		},
		{
			name: "basic",
			auth: config.AuthConfig{Type: "basic", Username: "admin", Password: "pw"},
			check: func(t *testing.T, r *http.Request) {
				user, pass, ok := r.BasicAuth()
				if !ok || user != "admin" || pass != "pw" {
					t.Errorf("basic auth = %q/%q ok=%v", user, pass, ok)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tt.check(t, r)
				w.Write([]byte("{}"))
			}))
			defer srv.Close()

			svc := testService(srv.URL)
			svc.Auth = tt.auth
			h := NewHTTPHandler(svc, discardLogger())
			if _, err := h.Execute(context.Background(), getStateTool(), map[string]any{"entity_id": "x.y"}); err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
		})
	}
}

func TestExecuteUpstreamErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		mappings []config.ErrorMapping
		want     string
	}{
		{
			name:   "mapped error with placeholders",
			status: 422,
			body:   `{"detail": "bad entity"}`,
			mappings: []config.ErrorMapping{
				{Status: 422, Message: "Rejected ({status}): {body}"},
			},
			want: `Rejected (422): {"detail": "bad entity"}`,
		},
		{
			name:   "unauthorized fallback",
			status: 401,
			want:   "Service authentication failed",
		},
		{
			name:   "not found fallback",
			status: 404,
			want:   "Resource not found",
		},
		{
			name:   "generic fallback includes status and body",
			status: 500,
			body:   "boom",
			want:   "API error 500: boom",
		},
		{
			name:     "mapping beats fallback",
			status:   404,
			mappings: []config.ErrorMapping{{Status: 404, Message: "No such entity"}},
			want:     "No such entity",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			svc := testService(srv.URL)
			svc.Errors = tt.mappings
			h := NewHTTPHandler(svc, discardLogger())
			_, err := h.Execute(context.Background(), getStateTool(), map[string]any{"entity_id": "x.y"})
			if err == nil {
				t.Fatal("Execute() = nil, want error")
			}
			if got := AgentMessage(err); got != tt.want {
				t.Errorf("AgentMessage() = %q, want %q", got, tt.want)
			}
			if code := GetErrorCode(err); code != ErrCodeUpstream {
				t.Errorf("GetErrorCode() = %q, want %q", code, ErrCodeUpstream)
			}
		})
	}
}

func TestExecuteNoRequestDefinition(t *testing.T) {
	h := NewHTTPHandler(testService("http://127.0.0.1:1"), discardLogger())
	tool := config.ToolDefinition{Name: "ha_get_states", ServiceName: "homeassistant"}
	_, err := h.Execute(context.Background(), tool, nil)
	if err == nil {
		t.Fatal("Execute() = nil, want error")
	}
	if code := GetErrorCode(err); code != ErrCodeNoRequest {
		t.Errorf("GetErrorCode() = %q, want %q", code, ErrCodeNoRequest)
	}
	if got := AgentMessage(err); got != "Tool ha_get_states has no request definition" {
		t.Errorf("AgentMessage() = %q", got)
	}
}

func TestExecuteServiceUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	h := NewHTTPHandler(testService(srv.URL), discardLogger())
	_, err := h.Execute(context.Background(), getStateTool(), map[string]any{"entity_id": "x.y"})
	if err == nil {
		t.Fatal("Execute() = nil, want error")
	}
	if code := GetErrorCode(err); code != ErrCodeUnreachable {
		t.Errorf("GetErrorCode() = %q, want %q", code, ErrCodeUnreachable)
	}
	if !strings.Contains(AgentMessage(err), "Service unreachable: homeassistant") {
		t.Errorf("AgentMessage() = %q", AgentMessage(err))
	}
}

func TestExecuteRejectsNonJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>not json</html>")
	}))
	defer srv.Close()

	h := NewHTTPHandler(testService(srv.URL), discardLogger())
	_, err := h.Execute(context.Background(), getStateTool(), map[string]any{"entity_id": "x.y"})
	if err == nil {
		t.Fatal("Execute() = nil, want error")
	}
	if !strings.Contains(AgentMessage(err), "Invalid JSON response") {
		t.Errorf("AgentMessage() = %q", AgentMessage(err))
	}
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name   string
		status int
		expect int
		want   bool
	}{
		{"matching status", 200, 200, true},
		{"unexpected status", 500, 200, false},
		{"custom expected status", 204, 204, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/" {
					t.Errorf("health path = %q, want /api/", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			svc := testService(srv.URL)
			svc.Health.ExpectStatus = tt.expect
			h := NewHTTPHandler(svc, discardLogger())
			if got := h.HealthCheck(context.Background()); got != tt.want {
				t.Errorf("HealthCheck() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHealthCheckUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	h := NewHTTPHandler(testService(srv.URL), discardLogger())
	if h.HealthCheck(context.Background()) {
		t.Error("HealthCheck() = true for a dead server")
	}
}

func TestBaseURLTrimsTrailingSlash(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	h := NewHTTPHandler(testService(srv.URL+"/"), discardLogger())
	if _, err := h.Execute(context.Background(), getStateTool(), map[string]any{"entity_id": "a.b"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if strings.Contains(gotPath, "//") {
		t.Errorf("path %q contains a double slash", gotPath)
	}
}
