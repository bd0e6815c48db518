package transport_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyang/promptlab/internal/testutil"
	"github.com/alanyang/promptlab/internal/transport"
	mcptransport "github.com/alanyang/promptlab/internal/transport/mcp"
	runhandler "github.com/alanyang/promptlab/internal/transport/run"
)

func TestRouter_MountsAPI(t *testing.T) {
	core := testutil.NewCore(t, testutil.TestConfig(), nil, testutil.Greeting)
	mcpServer := mcptransport.New(mcptransport.NewSessionRegistry(core.Service), core.Service, "test")
	r := transport.NewRouter(core.Service, mcpServer)

	tests := []struct {
		method     string
		path       string
		wantStatus int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/api/runs", http.StatusOK},
		{http.MethodGet, "/api/queue", http.StatusOK},
		{http.MethodGet, "/api/gates/model", http.StatusOK},
		{http.MethodGet, "/api/usage", http.StatusOK},
		{http.MethodGet, "/api/analytics", http.StatusBadRequest},
		{http.MethodGet, "/api/nope", http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
			assert.Equal(t, tc.wantStatus, w.Code)
		})
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	core := testutil.NewCore(t, testutil.TestConfig(), nil, testutil.Greeting)
	r := transport.NewRouter(core.Service, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/runs", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), runhandler.IdempotencyHeader)
}

func TestRouter_MCPInitialize(t *testing.T) {
	core := testutil.NewCore(t, testutil.TestConfig(), nil, testutil.Greeting)
	mcpServer := mcptransport.New(mcptransport.NewSessionRegistry(core.Service), core.Service, "test")
	r := transport.NewRouter(core.Service, mcpServer)

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0.0"}}}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"promptlab"`)
}
