package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/CavinKrenik/QRES-RaaS/internal/app/node"
	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/persist"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/sqlite"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/transport"
)

// ─── Setup ──────────────────────────────────────────────────────────────────

var target = domain.VectorFromFloats([]float64{0.25, 0.5})

func setupServer(t *testing.T, withHistory bool) (*httptest.Server, *node.Node) {
	t.Helper()
	hub := transport.NewHub()
	model := node.LocalModelFunc(func(context.Context, uint64, domain.Vector) (domain.Vector, error) {
		return target.Clone(), nil
	})

	var db *sqlite.DB
	cfg := node.DefaultConfig("api-node", len(target))
	cfg.Energy.Capacity = 1 << 30
	cfg.Energy.HarvestCalm = 1 << 16
	dep := node.Deps{Transport: hub.Join("api-node"), Model: model}
	if withHistory {
		dir := t.TempDir()
		var err error
		db, err = sqlite.Open(dir)
		if err != nil {
			t.Fatalf("open db: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		cfg.Persistence = true
		cfg.Persist = persist.DefaultConfig(dir)
		cfg.Persist.CheckpointEvery = 2
		dep.Store = db
		dep.Recorder = db
	}
	n, err := node.New(cfg, dep)
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	n.AddPeer("peer-1", "")
	if err := n.Boot(context.Background()); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := n.Round(context.Background()); err != nil {
			t.Fatalf("Round: %v", err)
		}
	}

	var srv *Server
	if withHistory {
		srv = NewServer(n, db)
	} else {
		srv = NewServer(n, nil)
	}
	srv.EnableMetrics()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, n
}

func get(t *testing.T, ts *httptest.Server, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

// ─── Tests ──────────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	ts, _ := setupServer(t, false)
	resp, body := get(t, ts, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var m map[string]string
	json.Unmarshal(body, &m)
	if m["status"] != "ok" {
		t.Errorf("status = %q", m["status"])
	}
}

func TestStatus(t *testing.T) {
	ts, _ := setupServer(t, false)
	resp, body := get(t, ts, "/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var st node.Status
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.NodeID != "api-node" || st.Round != 4 {
		t.Errorf("status = %+v", st)
	}
	if len(st.Weights) != len(target) {
		t.Errorf("weights = %v", st.Weights)
	}
}

func TestReputation(t *testing.T) {
	ts, _ := setupServer(t, false)
	_, body := get(t, ts, "/api/reputation?limit=1")
	var resp struct {
		Nodes []reputationEntry `json:"nodes"`
		Count int               `json:"count"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || len(resp.Nodes) != 1 {
		t.Fatalf("expected 1 entry, got %+v", resp)
	}
	if resp.Nodes[0].NodeID != "api-node" {
		t.Errorf("best node = %s, want the contributing node", resp.Nodes[0].NodeID)
	}
}

func TestSummary_Decodes(t *testing.T) {
	ts, n := setupServer(t, false)
	resp, body := get(t, ts, "/api/summary")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("content type = %q", ct)
	}
	sum, err := persist.DecodeSummary(body)
	if err != nil {
		t.Fatalf("DecodeSummary: %v", err)
	}
	if sum.Round != n.CurrentRound() {
		t.Errorf("summary round = %d, want %d", sum.Round, n.CurrentRound())
	}
	if !sum.Consensus.Equal(n.Weights()) {
		t.Errorf("consensus = %v, want %v", sum.Consensus.Floats(), n.Weights().Floats())
	}
}

func TestSpans(t *testing.T) {
	ts, _ := setupServer(t, false)
	_, body := get(t, ts, "/api/spans?round=3")
	var spans []map[string]interface{}
	if err := json.Unmarshal(body, &spans); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(spans) == 0 {
		t.Fatal("expected spans for round 3")
	}
	for _, s := range spans {
		if s["round"] != float64(3) {
			t.Errorf("span from round %v", s["round"])
		}
	}

	resp, _ := get(t, ts, "/api/spans?round=abc")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSnapshots(t *testing.T) {
	ts, _ := setupServer(t, true)
	resp, body := get(t, ts, "/api/snapshots")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var snaps []snapshotEntry
	if err := json.Unmarshal(body, &snaps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots (rounds 2 and 4), got %d", len(snaps))
	}
	if snaps[0].Round != 4 {
		t.Errorf("newest snapshot round = %d, want 4", snaps[0].Round)
	}
}

func TestHistory_Unavailable(t *testing.T) {
	ts, _ := setupServer(t, false)
	for _, path := range []string{"/api/snapshots", "/api/audits", "/api/bans"} {
		resp, _ := get(t, ts, path)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, resp.StatusCode)
		}
	}
}

func TestMetrics(t *testing.T) {
	ts, _ := setupServer(t, false)
	resp, body := get(t, ts, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(body) == 0 {
		t.Error("empty metrics body")
	}
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := setupServer(t, false)
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/status", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
