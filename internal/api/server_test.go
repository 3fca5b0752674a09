package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sshsentry/internal/alerts"
	"sshsentry/internal/metrics"
	"sshsentry/internal/model"
)

type stubDetector struct {
	blocked []string
}

func (d stubDetector) Stats() model.DetectorStats {
	return model.DetectorStats{Tracked: 2, Blocked: len(d.blocked), Registered: 7}
}
func (d stubDetector) Blocked() []string       { return d.blocked }
func (d stubDetector) Threshold() int          { return 5 }
func (d stubDetector) Interval() time.Duration { return time.Minute }
func (d stubDetector) WhitelistSize() int      { return 1 }

type stubMonitor struct {
	running bool
	err     error
}

func (m stubMonitor) Running() bool                { return m.running }
func (m stubMonitor) Err() error                   { return m.err }
func (m stubMonitor) SourceKind() model.SourceKind { return model.SourceJournal }

func newTestServer(mon stubMonitor, store *alerts.Store) http.Handler {
	s := NewServer(stubDetector{blocked: []string{"10.0.0.5"}}, mon, metrics.NewStore(), store, Info{Version: "test", Firewall: "iptables"}, nil)
	return s.Handler()
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestServer(stubMonitor{running: true}, alerts.NewStore(10))
	if rec := get(h, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}

	lost := newTestServer(stubMonitor{running: true, err: errors.New("journalctl exited")}, alerts.NewStore(10))
	rec := get(lost, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when source is lost, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "journalctl exited") {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

func TestStatus(t *testing.T) {
	h := newTestServer(stubMonitor{running: true}, alerts.NewStore(10))
	rec := get(h, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Source != "journal" || resp.Firewall.Backend != "iptables" {
		t.Fatalf("unexpected status: %+v", resp)
	}
	if resp.Detection.Threshold != 5 || resp.Detection.IntervalSec != 60 || resp.Detection.Stats.Registered != 7 {
		t.Fatalf("detection: %+v", resp.Detection)
	}
}

func TestBlocked(t *testing.T) {
	store := alerts.NewStore(10)
	base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	store.Add(model.BlockRecord{ID: "a", Address: "10.0.0.4", Timestamp: base})
	store.Add(model.BlockRecord{ID: "b", Address: "10.0.0.5", Timestamp: base.Add(time.Minute)})
	h := newTestServer(stubMonitor{running: true}, store)

	rec := get(h, "/blocked?limit=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("blocked: %d", rec.Code)
	}
	var resp struct {
		Addresses []string            `json:"addresses"`
		Records   []model.BlockRecord `json:"records"`
		Count     int                 `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Records[0].ID != "b" || len(resp.Addresses) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	rec = get(h, "/blocked?since=2026-01-05T10:00:30Z")
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Records[0].ID != "b" {
		t.Fatalf("since filter: %+v", resp)
	}

	if rec := get(h, "/blocked?limit=x"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", rec.Code)
	}
	if rec := get(h, "/blocked?since=yesterday"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since: %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestServer(stubMonitor{running: true}, alerts.NewStore(10))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(stubMonitor{running: true}, alerts.NewStore(10))
	rec := get(h, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "sshsentry_source_up") {
		t.Fatalf("metrics: %d\n%s", rec.Code, rec.Body.String())
	}
}

func TestBlockedWithoutStore(t *testing.T) {
	h := newTestServer(stubMonitor{running: true}, nil)
	rec := get(h, "/blocked?limit=5")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"count":0`) {
		t.Fatalf("blocked without store: %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(h, "/blocked?since=2026-01-05T10:00:00Z"); rec.Code != http.StatusOK {
		t.Fatalf("since without store: %d", rec.Code)
	}
}
