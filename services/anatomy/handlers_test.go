// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package anatomy

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy/config"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/flow"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/store"
)

const eventLoopSource = `console.log('A');
setTimeout(() => { console.log('B'); }, 0);
Promise.resolve().then(() => { console.log('C'); });
console.log('D');
`

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Simulator.StreamInterval = time.Millisecond
	cfg.Simulator.MinStreamInterval = 0
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestStore(t *testing.T) *store.PlanStore {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("failed to open in-memory badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := store.NewPlanStore(db, testLogger(), 0)
	if err != nil {
		t.Fatalf("NewPlanStore: %v", err)
	}
	return s
}

func setupTestRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	v1 := router.Group("/v1")
	RegisterRoutes(v1, NewHandlers(svc))
	return router
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// logArgs returns the first argument of every console.log record, in order.
func logArgs(tasks []flow.Task) []string {
	var out []string
	for _, task := range tasks {
		if task.Name == "console.log" && len(task.Args) > 0 {
			out = append(out, task.Args[0])
		}
	}
	return out
}

func TestHandleAnalyze_Success(t *testing.T) {
	router := setupTestRouter(NewService(testConfig(), WithServiceLogger(testLogger())))

	w := doJSON(t, router, http.MethodPost, "/v1/anatomy/analyze", AnalyzeRequest{Source: eventLoopSource})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp AnalyzeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.True(t, resp.Success)
	assert.Nil(t, resp.Tree)
	assert.Len(t, resp.Hash, 64)
	assert.False(t, resp.Cached)
	require.Len(t, resp.Analysis, 7)
	assert.NoError(t, resp.Analysis.Validate())
	assert.Equal(t, flow.CategoryMacroTask, resp.Analysis[1].Category)
	assert.Equal(t, "Promise.then", resp.Analysis[4].Name)
}

func TestHandleAnalyze_IncludeTree(t *testing.T) {
	router := setupTestRouter(NewService(testConfig()))

	w := doJSON(t, router, http.MethodPost, "/v1/anatomy/analyze",
		AnalyzeRequest{Source: "foo();", IncludeTree: true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp AnalyzeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Tree)
	assert.Equal(t, "program", resp.Tree.Type)
}

func TestHandleAnalyze_ParseError(t *testing.T) {
	router := setupTestRouter(NewService(testConfig()))

	w := doJSON(t, router, http.MethodPost, "/v1/anatomy/analyze",
		AnalyzeRequest{Source: "foo();\nconst = 5;\n"})
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	var resp AnalyzeErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, CodeParseError, resp.Code)
	assert.NotEmpty(t, resp.Error)
	require.NotNil(t, resp.Location)
	assert.Equal(t, 2, resp.Location.Line)
}

func TestHandleAnalyze_InvalidRequests(t *testing.T) {
	router := setupTestRouter(NewService(testConfig()))

	tests := []struct {
		name string
		body any
		code string
	}{
		{"missing source", map[string]any{}, CodeInvalidRequest},
		{"whitespace source", AnalyzeRequest{Source: "  \n\t"}, CodeEmptySource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, "/v1/anatomy/analyze", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

			var resp AnalyzeErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestHandleAnalyze_Oversized(t *testing.T) {
	t.Run("request body", func(t *testing.T) {
		cfg := testConfig()
		cfg.Server.MaxRequestBytes = 64
		router := setupTestRouter(NewService(cfg))

		w := doJSON(t, router, http.MethodPost, "/v1/anatomy/analyze",
			AnalyzeRequest{Source: strings.Repeat("a();", 50)})
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code, w.Body.String())
	})

	t.Run("source size", func(t *testing.T) {
		cfg := testConfig()
		cfg.Parser.MaxSourceBytes = 10
		router := setupTestRouter(NewService(cfg))

		w := doJSON(t, router, http.MethodPost, "/v1/anatomy/analyze",
			AnalyzeRequest{Source: strings.Repeat("a();", 10)})
		require.Equal(t, http.StatusRequestEntityTooLarge, w.Code, w.Body.String())

		var resp AnalyzeErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, CodeSourceTooLarge, resp.Code)
	})
}

func TestHandleAnalyze_Cached(t *testing.T) {
	svc := NewService(testConfig(), WithStore(newTestStore(t)), WithServiceLogger(testLogger()))
	router := setupTestRouter(svc)

	first := doJSON(t, router, http.MethodPost, "/v1/anatomy/analyze", AnalyzeRequest{Source: eventLoopSource})
	require.Equal(t, http.StatusOK, first.Code)
	second := doJSON(t, router, http.MethodPost, "/v1/anatomy/analyze", AnalyzeRequest{Source: eventLoopSource})
	require.Equal(t, http.StatusOK, second.Code)

	var a, b AnalyzeResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))

	assert.False(t, a.Cached)
	assert.True(t, b.Cached)
	assert.Equal(t, a.Analysis, b.Analysis)
	assert.Equal(t, a.Hash, b.Hash)
}

func TestHandleSimulate_Source(t *testing.T) {
	router := setupTestRouter(NewService(testConfig()))

	w := doJSON(t, router, http.MethodPost, "/v1/anatomy/simulate", SimulateRequest{Source: eventLoopSource})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp SimulateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.True(t, resp.Success)
	assert.Equal(t, []string{`"A"`, `"D"`, `"C"`, `"B"`}, logArgs(resp.Executed))
	assert.NotEmpty(t, resp.Logs)
	assert.Len(t, resp.Snapshots, resp.Steps)
	require.NotNil(t, resp.Scenario)
	assert.Len(t, resp.Scenario.MainScript, 5)
}

func TestHandleSimulate_Plan(t *testing.T) {
	router := setupTestRouter(NewService(testConfig()))

	plan := flow.Plan{
		{Category: flow.CategoryMacroTask, ID: "async-1", RunContext: flow.RunContextMain, Name: "setTimeout"},
		{Category: flow.CategoryCallStack, ParentID: "async-1", RunContext: flow.RunContextAsyncCallback, Name: "later"},
	}
	w := doJSON(t, router, http.MethodPost, "/v1/anatomy/simulate", SimulateRequest{Plan: plan})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp SimulateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Executed, 2)
	assert.Equal(t, "later", resp.Executed[1].Name)
	assert.Empty(t, resp.Hash)
}

func TestHandleSimulate_StepLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Simulator.MaxSteps = 20
	router := setupTestRouter(NewService(cfg))

	plan := flow.Plan{
		{Category: flow.CategoryMicroTask, ID: "async-1", RunContext: flow.RunContextMain, Name: "Promise.then"},
		{Category: flow.CategoryMicroTask, ID: "async-1", ParentID: "async-1", RunContext: flow.RunContextAsyncCallback, Name: "Promise.then"},
	}
	w := doJSON(t, router, http.MethodPost, "/v1/anatomy/simulate", SimulateRequest{Plan: plan})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, CodeSimulation, resp.Code)
}

func TestHandleSimulate_InvalidRequests(t *testing.T) {
	router := setupTestRouter(NewService(testConfig()))

	neither := doJSON(t, router, http.MethodPost, "/v1/anatomy/simulate", SimulateRequest{})
	assert.Equal(t, http.StatusBadRequest, neither.Code)

	both := doJSON(t, router, http.MethodPost, "/v1/anatomy/simulate",
		SimulateRequest{Source: "a();", Plan: flow.Plan{}})
	assert.Equal(t, http.StatusBadRequest, both.Code)

	broken := doJSON(t, router, http.MethodPost, "/v1/anatomy/simulate", SimulateRequest{Source: "a(;"})
	assert.Equal(t, http.StatusBadRequest, broken.Code)
}

func TestHandlePlans_CacheDisabled(t *testing.T) {
	router := setupTestRouter(NewService(testConfig()))

	w := doJSON(t, router, http.MethodGet, "/v1/anatomy/plans", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, CodeCacheDisabled, resp.Code)
}

func TestHandlePlans_Lifecycle(t *testing.T) {
	router := setupTestRouter(NewService(testConfig(), WithStore(newTestStore(t)), WithServiceLogger(testLogger())))

	analyzed := doJSON(t, router, http.MethodPost, "/v1/anatomy/analyze", AnalyzeRequest{Source: eventLoopSource})
	require.Equal(t, http.StatusOK, analyzed.Code)
	var ar AnalyzeResponse
	require.NoError(t, json.Unmarshal(analyzed.Body.Bytes(), &ar))

	list := doJSON(t, router, http.MethodGet, "/v1/anatomy/plans?limit=10", nil)
	require.Equal(t, http.StatusOK, list.Code)
	var lr ListPlansResponse
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &lr))
	require.Equal(t, 1, lr.Count)
	assert.Equal(t, ar.Hash, lr.Plans[0].Hash)
	assert.Equal(t, 7, lr.Plans[0].TaskCount)

	got := doJSON(t, router, http.MethodGet, "/v1/anatomy/plans/"+ar.Hash, nil)
	require.Equal(t, http.StatusOK, got.Code)
	var pr PlanResponse
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &pr))
	assert.Equal(t, ar.Analysis, pr.Plan)

	del := doJSON(t, router, http.MethodDelete, "/v1/anatomy/plans/"+ar.Hash, nil)
	assert.Equal(t, http.StatusNoContent, del.Code)

	missing := doJSON(t, router, http.MethodGet, "/v1/anatomy/plans/"+ar.Hash, nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)

	badLimit := doJSON(t, router, http.MethodGet, "/v1/anatomy/plans?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, badLimit.Code)
}

func TestHandleHealthAndReady(t *testing.T) {
	router := setupTestRouter(NewService(testConfig()))

	for _, path := range []string{"/v1/anatomy/health", "/v1/anatomy/ready"} {
		w := doJSON(t, router, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, path)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, Version, resp.Version)
		assert.False(t, resp.Cache)
	}
}

func TestRequestID(t *testing.T) {
	router := setupTestRouter(NewService(testConfig()))

	req, _ := http.NewRequest(http.MethodGet, "/v1/anatomy/plans", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))

	w = doJSON(t, router, http.MethodGet, "/v1/anatomy/plans", nil)
	assert.Len(t, w.Header().Get(RequestIDHeader), 36)
}

func dialStream(t *testing.T, router http.Handler) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/anatomy/simulate/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
	return conn
}

func TestHandleStream_Snapshots(t *testing.T) {
	conn := dialStream(t, setupTestRouter(NewService(testConfig())))
	require.NoError(t, conn.WriteJSON(StreamRequest{Source: eventLoopSource, IntervalMS: 1}))

	var snapshots []StreamFrame
	var done StreamFrame
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var frame StreamFrame
		require.NoError(t, conn.ReadJSON(&frame))
		require.NotEmpty(t, frame.Session)
		if frame.Type == FrameDone {
			done = frame
			break
		}
		require.Equal(t, FrameSnapshot, frame.Type, frame.Error)
		snapshots = append(snapshots, frame)
	}

	require.NotEmpty(t, snapshots)
	for i, frame := range snapshots {
		require.NotNil(t, frame.Snapshot)
		assert.Equal(t, i+1, frame.Snapshot.Step)
		assert.Equal(t, snapshots[0].Session, frame.Session)
	}
	assert.Equal(t, len(snapshots), done.Steps)
	assert.Equal(t, []string{`"A"`, `"D"`, `"C"`, `"B"`}, logArgs(done.Executed))
	assert.NotEmpty(t, done.Logs)
	assert.Len(t, done.Plan, 7)
}

func TestHandleStream_ParseError(t *testing.T) {
	conn := dialStream(t, setupTestRouter(NewService(testConfig())))
	require.NoError(t, conn.WriteJSON(StreamRequest{Source: "const = 5;"}))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame StreamFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, FrameError, frame.Type)
	assert.Equal(t, CodeParseError, frame.Code)
	require.NotNil(t, frame.Location)
	assert.Equal(t, 1, frame.Location.Line)
}

func TestHandleStream_MissingInput(t *testing.T) {
	conn := dialStream(t, setupTestRouter(NewService(testConfig())))
	require.NoError(t, conn.WriteJSON(StreamRequest{}))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame StreamFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, FrameError, frame.Type)
	assert.Equal(t, CodeInvalidRequest, frame.Code)
}

func TestStreamInterval(t *testing.T) {
	cfg := testConfig()
	cfg.Simulator.StreamInterval = 400 * time.Millisecond
	cfg.Simulator.MinStreamInterval = 10 * time.Millisecond
	h := NewHandlers(NewService(cfg))

	assert.Equal(t, 400*time.Millisecond, h.streamInterval(0))
	assert.Equal(t, 10*time.Millisecond, h.streamInterval(1))
	assert.Equal(t, 250*time.Millisecond, h.streamInterval(250))
}
