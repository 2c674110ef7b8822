package api

import (
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/gambitbot/gambit/internal/checkpoint"
	"github.com/gambitbot/gambit/internal/ledger"
	"github.com/gambitbot/gambit/internal/loop"
)

type fakeStats struct {
	stats loop.Stats
}

func (f *fakeStats) Stats() loop.Stats { return f.stats }

func newTestServer(t *testing.T) (*Server, *ledger.Store, *checkpoint.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ldg, err := ledger.NewStore(db)
	if err != nil {
		t.Fatalf("ledger store: %v", err)
	}
	cps, err := checkpoint.NewStore(db)
	if err != nil {
		t.Fatalf("checkpoint store: %v", err)
	}

	stats := &fakeStats{stats: loop.Stats{
		RunID: "run-1", Seq: 7, Phase: "AwaitingSnapshot", ConfirmedTag: "Overworld",
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer("", 0, stats, ldg, cps, nil, logger), ldg, cps
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := get(t, s, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %q, want healthy", body["status"])
	}
}

func TestStatusReportsLoopAndLedger(t *testing.T) {
	s, ldg, _ := newTestServer(t)
	for seq := int64(1); seq <= 3; seq++ {
		err := ldg.AppendTurn(&ledger.Turn{
			Seq: seq, RunID: "run-1", Fingerprint: "f", Tag: "Overworld",
			Decision: "action:a", Validation: "ok", Execution: "ok",
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rec := get(t, s, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["run_id"] != "run-1" || body["game_state"] != "Overworld" {
		t.Errorf("body = %v", body)
	}
	if body["ledger_turns"] != float64(3) {
		t.Errorf("ledger_turns = %v, want 3", body["ledger_turns"])
	}
}

func TestTurnsReturnsRecentNewestLast(t *testing.T) {
	s, ldg, _ := newTestServer(t)
	for seq := int64(1); seq <= 5; seq++ {
		err := ldg.AppendTurn(&ledger.Turn{
			Seq: seq, RunID: "run-1", Fingerprint: "f", Tag: "Overworld",
			Decision: "action:up", Validation: "ok", Execution: "ok",
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rec := get(t, s, "/api/turns?limit=3")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		RunID string `json:"run_id"`
		Turns []struct {
			Seq int64 `json:"seq"`
		} `json:"turns"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Turns) != 3 {
		t.Fatalf("len(turns) = %d, want 3", len(body.Turns))
	}
	if body.Turns[0].Seq != 3 || body.Turns[2].Seq != 5 {
		t.Errorf("turns = %+v, want seqs 3..5 oldest first", body.Turns)
	}
}

func TestTurnsRejectsBadLimit(t *testing.T) {
	s, _, _ := newTestServer(t)

	for _, path := range []string{"/api/turns?limit=0", "/api/turns?limit=9999", "/api/turns?limit=abc"} {
		if rec := get(t, s, path); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rec.Code)
		}
	}
}

func TestCheckpointsListsMetadata(t *testing.T) {
	s, _, cps := newTestServer(t)
	if _, err := cps.Write("run-1", checkpoint.TriggerPeriodic, &checkpoint.State{Seq: 50}); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}

	rec := get(t, s, "/api/checkpoints")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Checkpoints []struct {
			RunID   string `json:"run_id"`
			Seq     int64  `json:"seq"`
			Trigger string `json:"trigger"`
		} `json:"checkpoints"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Checkpoints) != 1 {
		t.Fatalf("len = %d, want 1", len(body.Checkpoints))
	}
	got := body.Checkpoints[0]
	if got.RunID != "run-1" || got.Seq != 50 || got.Trigger != "periodic" {
		t.Errorf("checkpoint = %+v", got)
	}
}

func TestMetricsNotFoundWithoutHandler(t *testing.T) {
	s, _, _ := newTestServer(t)

	if rec := get(t, s, "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
