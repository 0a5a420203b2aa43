// Package api provides the node's HTTP status and onboarding server.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CavinKrenik/QRES-RaaS/internal/app/node"
	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/observability"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/persist"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/reputation"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/sqlite"
)

// Version is reported by /api/version.
var Version = "0.1.0"

// Node is the part of a running node the server reads.
type Node interface {
	Status() node.Status
	Reputation(limit int) []reputation.NodeReputation
	Summary() (domain.Summary, error)
	Tracer() *observability.Tracer
}

// History is the persisted record the server exposes.
type History interface {
	ListSnapshots(limit int) ([]domain.SnapshotRecord, error)
	ListAudits(limit int) ([]domain.AuditRecord, error)
	ListBans() ([]sqlite.Ban, error)
}

// Server is the QRES HTTP API server.
type Server struct {
	node           Node
	history        History
	metricsEnabled bool
}

// NewServer creates a new API server. history may be nil.
func NewServer(n Node, history History) *Server {
	return &Server{node: n, history: history}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": Version})
		})
		r.Get("/status", s.handleStatus)
		r.Get("/reputation", s.handleReputation)
		r.Get("/summary", s.handleSummary)
		r.Get("/spans", s.handleSpans)
		r.Get("/snapshots", s.handleSnapshots)
		r.Get("/audits", s.handleAudits)
		r.Get("/bans", s.handleBans)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Status())
}

// reputationEntry is the JSON form of one tracked node.
type reputationEntry struct {
	NodeID        string  `json:"node_id"`
	Score         float64 `json:"score"`
	Banned        bool    `json:"banned"`
	BanReason     string  `json:"ban_reason,omitempty"`
	AuditFailures int     `json:"audit_failures"`
	Rounds        int     `json:"rounds"`
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	nodes := s.node.Reputation(limit)
	out := make([]reputationEntry, len(nodes))
	for i, n := range nodes {
		out[i] = reputationEntry{
			NodeID:        n.NodeID,
			Score:         n.Score.Float(),
			Banned:        n.Banned,
			BanReason:     n.BanReason,
			AuditFailures: n.AuditFailures,
			Rounds:        n.Rounds,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": out, "count": len(out)})
}

// handleSummary serves the binary onboarding summary a joining node adopts
// instead of replaying history.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.node.Summary()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	b := persist.EncodeSummary(sum)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-QRES-Round", strconv.FormatUint(sum.Round, 10))
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

func (s *Server) handleSpans(w http.ResponseWriter, r *http.Request) {
	t := s.node.Tracer()
	if round := r.URL.Query().Get("round"); round != "" {
		n, err := strconv.ParseUint(round, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid round")
			return
		}
		writeJSON(w, http.StatusOK, t.RoundSpans(n))
		return
	}
	writeJSON(w, http.StatusOK, t.Spans(queryInt(r, "limit", 100)))
}

// snapshotEntry is a snapshot row without its payload.
type snapshotEntry struct {
	Seq       int64  `json:"seq"`
	ID        string `json:"id"`
	NodeID    string `json:"node_id"`
	Round     uint64 `json:"round"`
	NodeCount int    `json:"node_count"`
	Dimension int    `json:"dimension"`
	SizeBytes int    `json:"size_bytes"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not enabled")
		return
	}
	recs, err := s.history.ListSnapshots(queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]snapshotEntry, len(recs))
	for i, rec := range recs {
		out[i] = snapshotEntry{
			Seq: rec.Seq, ID: rec.ID, NodeID: rec.NodeID, Round: rec.Round,
			NodeCount: rec.NodeCount, Dimension: rec.Dimension,
			SizeBytes: rec.SizeBytes, CreatedAt: rec.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAudits(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not enabled")
		return
	}
	recs, err := s.history.ListAudits(queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]interface{}, len(recs))
	for i, rec := range recs {
		out[i] = map[string]interface{}{
			"id":      rec.ID,
			"round":   rec.Round,
			"sampled": rec.Sampled,
			"failed":  rec.Failed,
			"banned":  rec.Banned,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBans(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not enabled")
		return
	}
	bans, err := s.history.ListBans()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]interface{}, len(bans))
	for i, b := range bans {
		out[i] = map[string]interface{}{
			"node_id":   b.NodeID,
			"reason":    b.Reason,
			"round":     b.Round,
			"banned_at": b.BannedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}

// corsMiddleware adds CORS headers for local dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
