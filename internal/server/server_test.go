package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/axonlabs/axon/internal/config"
	"github.com/axonlabs/axon/internal/hub"
	"github.com/axonlabs/axon/internal/ingest"
	"github.com/axonlabs/axon/internal/observability"
	"github.com/axonlabs/axon/internal/storage"
	"github.com/axonlabs/axon/pkg/models"
)

func startTestServer(t *testing.T) (*Server, storage.StoreSet) {
	t.Helper()
	logger := observability.Discard()
	stores := storage.NewMemoryStoreSet()
	h := hub.New(logger)
	wsHandler := hub.NewHandler(h, &stores, nil, logger)
	applier := ingest.NewApplier(&stores, logger)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0

	srv := New(cfg, wsHandler, applier, nil, logger)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv, stores
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	srv, _ := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", srv.Addr()))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestIngestSingleEvent(t *testing.T) {
	srv, stores := startTestServer(t)
	url := fmt.Sprintf("http://%s/v1/ingest", srv.Addr())

	resp := postJSON(t, url, `{
		"type": "llm_start",
		"traceId": "tr-1",
		"nodeId": "n-1",
		"runId": "run-1",
		"timestamp": "2026-03-01T12:00:00Z"
	}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["accepted"] != 1 {
		t.Fatalf("body = %v", body)
	}

	node, err := stores.Nodes.Get(context.Background(), "tr-1", "n-1")
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if node.Status != models.NodeRunning {
		t.Fatalf("node = %+v", node)
	}
}

func TestIngestAssignsRequestID(t *testing.T) {
	srv, _ := startTestServer(t)
	url := fmt.Sprintf("http://%s/v1/ingest", srv.Addr())

	resp := postJSON(t, url, `{
		"type": "llm_start",
		"traceId": "tr-1",
		"nodeId": "n-1",
		"runId": "run-1",
		"timestamp": "2026-03-01T12:00:00Z"
	}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("X-Request-Id header missing")
	}

	// Rejected requests are tagged too.
	bad := postJSON(t, url, `{"type": "mystery", "traceId": "tr-1"}`)
	if bad.Header.Get("X-Request-Id") == "" {
		t.Fatal("X-Request-Id header missing on rejection")
	}
	if bad.Header.Get("X-Request-Id") == resp.Header.Get("X-Request-Id") {
		t.Fatal("request IDs must be unique per request")
	}
}

func TestIngestBatch(t *testing.T) {
	srv, stores := startTestServer(t)
	url := fmt.Sprintf("http://%s/v1/ingest", srv.Addr())

	resp := postJSON(t, url, `[
		{"type": "chain_start", "traceId": "tr-1", "nodeId": "n-1", "runId": "r-1", "timestamp": "2026-03-01T12:00:00Z"},
		{"type": "chain_end", "traceId": "tr-1", "runId": "r-1", "timestamp": "2026-03-01T12:00:05Z"},
		{"type": "trace_end", "traceId": "tr-1", "timestamp": "2026-03-01T12:00:06Z"}
	]`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	trace, err := stores.Traces.Get(context.Background(), "tr-1")
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	if trace.Status != models.TraceComplete {
		t.Fatalf("trace = %+v", trace)
	}
}

func TestIngestRejectsBadPayloads(t *testing.T) {
	srv, _ := startTestServer(t)
	url := fmt.Sprintf("http://%s/v1/ingest", srv.Addr())

	if resp := postJSON(t, url, "not json"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", resp.StatusCode)
	}
	if resp := postJSON(t, url, `{"type": "mystery", "traceId": "tr-1"}`); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unknown type status = %d", resp.StatusCode)
	}
	if resp := postJSON(t, url, `{"type": "llm_start"}`); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("missing trace status = %d", resp.StatusCode)
	}
}

func TestIngestMethodNotAllowed(t *testing.T) {
	srv, _ := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/v1/ingest", srv.Addr()))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", srv.Addr()))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
