package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/JonMunkholm/csvw/internal/config"
	"github.com/JonMunkholm/csvw/internal/fetch"
)

const intMeta = `{"url": "data.csv", "tableSchema": {"columns": [{"name": "id", "datatype": "integer"}]}}`

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port: 8080, ShutdownTimeout: time.Second, RequestTimeout: 10 * time.Second,
			MaxBodySize: 1 << 20, MaxConcurrent: 2, MaxWaitTime: 50 * time.Millisecond,
		},
		Fetch:      config.FetchConfig{HTTPTimeout: time.Second, RetryAttempts: 1},
		Validation: config.ValidationConfig{Mode: "failfast"},
		Logging:    config.LoggingConfig{Level: "info", Format: "text"},
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	f := fetch.New(cfg.Fetch.FetchConfig(), t.TempDir())
	t.Cleanup(func() { f.Close() })
	return NewServer(cfg, f, nil)
}

func do(t *testing.T, s *Server, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = strings.NewReader(string(data))
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func runRequest(files map[string]string, mode string) RunRequest {
	return RunRequest{Metadata: json.RawMessage(intMeta), Files: files, Mode: mode}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "ok", gjson.Get(rec.Body.String(), "status").String())
	assert.Equal(t, int64(2), gjson.Get(rec.Body.String(), "limiter.max_concurrent").Int())
}

func TestValidate(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/validate", runRequest(map[string]string{"data.csv": "id\n1\n2\n"}, ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ValidateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Valid)
	assert.Equal(t, "failfast", resp.Mode)
	assert.Equal(t, 1, resp.Tables)
	assert.Empty(t, resp.Violations)
	assert.Equal(t, rec.Header().Get("X-Run-ID"), resp.RunID)
	assert.Len(t, resp.RunID, 36)
}

func TestValidate_Collect(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/validate", runRequest(map[string]string{"data.csv": "id\n1\nx\n3\ny\n"}, "collect"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ValidateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Valid)
	require.Len(t, resp.Violations, 2)

	v := resp.Violations[0]
	assert.Equal(t, "mem://request/data.csv", v.URL)
	assert.Equal(t, 3, v.Line)
	assert.Equal(t, 1, v.Column)
	assert.Equal(t, "id", v.Header)
	assert.True(t, strings.HasPrefix(v.Code, "TYPE"), v.Code)
	assert.Equal(t, 5, resp.Violations[1].Line)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		body   any
		status int
		code   string
	}{
		{
			name:   "invalid metadata",
			body:   RunRequest{Metadata: json.RawMessage(`{"tables": "nope"}`)},
			status: http.StatusUnprocessableEntity,
			code:   "META",
		},
		{
			name:   "metadata and url",
			body:   RunRequest{Metadata: json.RawMessage(intMeta), URL: "http://example.org/m.json"},
			status: http.StatusBadRequest,
		},
		{
			name:   "neither metadata nor url",
			body:   RunRequest{},
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown field",
			body:   `{"metadata": {}, "extra": 1}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "bad mode",
			body:   runRequest(nil, "lenient"),
			status: http.StatusBadRequest,
		},
		{
			name:   "local file refused",
			body:   RunRequest{Metadata: json.RawMessage(`{"url": "file:///etc/passwd", "tableSchema": {"columns": [{"name": "x"}]}}`)},
			status: http.StatusBadRequest,
			code:   "FETCH002",
		},
		{
			name:   "missing data file",
			body:   runRequest(nil, ""),
			status: http.StatusNotFound,
			code:   "FETCH001",
		},
		{
			name:   "body too large",
			mutate: func(c *config.Config) { c.Server.MaxBodySize = 16 },
			body:   runRequest(map[string]string{"data.csv": "id\n1\n"}, ""),
			status: http.StatusRequestEntityTooLarge,
			code:   "REQ001",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.mutate)
			rec := do(t, s, http.MethodPost, "/api/validate", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Message)
			if tt.code != "" {
				assert.True(t, strings.HasPrefix(resp.Code, tt.code), "code %s, want %s", resp.Code, tt.code)
			}
		})
	}
}

func TestValidate_Busy(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Server.MaxConcurrent = 1 })
	require.True(t, s.limiter.TryAcquire())
	defer s.limiter.Release()

	rec := do(t, s, http.MethodPost, "/api/validate", runRequest(map[string]string{"data.csv": "id\n1\n"}, ""))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "REQ002", gjson.Get(rec.Body.String(), "code").String())
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestValidate_RemoteMetadata(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/meta.json":
			io.WriteString(w, intMeta)
		case "/data.csv":
			io.WriteString(w, "id\n1\n")
		default:
			http.NotFound(w, r)
		}
	}))
	defer remote.Close()

	s := newTestServer(t, nil)
	rec := do(t, s, http.MethodPost, "/api/validate", RunRequest{URL: remote.URL + "/meta.json"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, gjson.Get(rec.Body.String(), "valid").Bool())
}

func TestJSON(t *testing.T) {
	s := newTestServer(t, nil)
	body := runRequest(map[string]string{"data.csv": "id\n1\n2\n"}, "")

	rec := do(t, s, http.MethodPost, "/api/json?mode=minimal", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `[{"id": 1}, {"id": 2}]`, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/json", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "data.csv#row=2", gjson.Get(rec.Body.String(), "tables.0.row.0.url").String())

	rec = do(t, s, http.MethodPost, "/api/json?mode=compact", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJSON_CollectDropsBadRows(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(t, s, http.MethodPost, "/api/json?mode=minimal", runRequest(map[string]string{"data.csv": "id\n1\nx\n3\n"}, "collect"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `[{"id": 1}, {"id": 3}]`, rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get("X-Violations"))
}

func TestDescribe(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(t, s, http.MethodPost, "/api/describe", DescribeRequest{
		Name:    "cities.csv",
		Content: "id;city\n1;Oslo\n",
		Dialect: json.RawMessage(`{"delimiter": ";"}`),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := rec.Body.String()
	assert.Equal(t, "cities.csv", gjson.Get(body, "tables.0.url").String())
	assert.Equal(t, `["id","city"]`, gjson.Get(body, "tables.0.tableSchema.columns.#.name").Raw)
	assert.Equal(t, ";", gjson.Get(body, "tables.0.dialect.delimiter").String())

	rec = do(t, s, http.MethodPost, "/api/describe", DescribeRequest{Content: "a\n"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Security.RequireAPIKey = true
		c.Security.APIKeys = []string{"secret"}
	})
	body := runRequest(map[string]string{"data.csv": "id\n1\n"}, "")

	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodPost, "/api/validate", body).Code)
	assert.Equal(t, http.StatusForbidden, do(t, s, http.MethodPost, "/api/validate", body, "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/validate", body, "X-API-Key", "secret").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", nil).Code)
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	do(t, s, http.MethodPost, "/api/validate", runRequest(map[string]string{"data.csv": "id\n1\n"}, ""))
	do(t, s, http.MethodPost, "/api/validate", runRequest(map[string]string{"data.csv": "id\nx\n"}, "collect"))

	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `csvw_runs_total{operation="validate",outcome="valid"} 1`)
	assert.Contains(t, body, `csvw_runs_total{operation="validate",outcome="invalid"} 1`)
	assert.Contains(t, body, `csvw_violations_total{kind="TYPE"} 1`)
	assert.Contains(t, body, `csvw_http_requests_total{method="POST",route="/api/validate",status="200"} 2`)
	assert.Contains(t, body, "csvw_active_runs 0")
}

func TestShutdown_NotStarted(t *testing.T) {
	s := newTestServer(t, nil)
	assert.NoError(t, s.Shutdown(context.Background()))
}
