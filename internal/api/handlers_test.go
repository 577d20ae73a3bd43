package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/batchwrap/internal/auth"
	"github.com/mattjoyce/batchwrap/internal/dispatch"
	"github.com/mattjoyce/batchwrap/internal/events"
	"github.com/mattjoyce/batchwrap/internal/journal"
	"github.com/mattjoyce/batchwrap/internal/sample"
)

type fakeStatus struct {
	st dispatch.Status
}

func (f *fakeStatus) Status() dispatch.Status { return f.st }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runningStatus() *fakeStatus {
	return &fakeStatus{st: dispatch.Status{
		RunID: "run-7",
		State: dispatch.StatePolling,
		Total: 10,
		Done:  4,
		Hosts: []dispatch.HostStatus{
			{Host: "n1", State: dispatch.StateDone, FirstID: 0, Size: 5, Done: 4},
			{Host: "n2", State: dispatch.StatePolling, FirstID: 5, Size: 5},
		},
	}}
}

func newTestJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	started := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	err = j.Record(context.Background(), journal.Entry{
		RunID:    "run-1",
		Wrapper:  "./model.sh",
		Points:   2,
		Hosts:    []string{"n1"},
		Started:  started,
		Finished: started.Add(time.Minute),
		Report: &dispatch.Report{
			Results:   []sample.Result{sample.OK(sample.Point{1}), {Err: "exit status 3"}},
			HadErrors: true,
			Hosts:     []dispatch.HostReport{{Host: "n1", Size: 2, State: dispatch.StateDone, HadErrors: true}},
		},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	return j
}

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := New(Config{Tokens: []auth.TokenConfig{{Token: "secret"}}}, runningStatus(), nil, nil, testLogger())
	rr := get(t, s.Handler(), "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp HealthzResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.RunID != "run-7" || resp.State != "polling" {
		t.Fatalf("unexpected healthz: %+v", resp)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	s := New(Config{}, runningStatus(), nil, nil, testLogger())
	rr := get(t, s.Handler(), "/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var st dispatch.Status
	if err := json.NewDecoder(rr.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Total != 10 || st.Done != 4 || len(st.Hosts) != 2 || st.Hosts[1].Host != "n2" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestAuthAndScopes(t *testing.T) {
	t.Parallel()

	cfg := Config{Tokens: []auth.TokenConfig{
		{Token: "viewer", Scopes: []string{auth.ScopeStatus}},
		{Token: "admin", Scopes: []string{auth.ScopeAll}},
	}}
	s := New(cfg, runningStatus(), nil, newTestJournal(t), testLogger())
	h := s.Handler()

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{name: "no token", path: "/status", want: http.StatusUnauthorized},
		{name: "bad token", path: "/status", token: "guess", want: http.StatusUnauthorized},
		{name: "viewer status", path: "/status", token: "viewer", want: http.StatusOK},
		{name: "viewer runs", path: "/runs", token: "viewer", want: http.StatusForbidden},
		{name: "admin runs", path: "/runs", token: "admin", want: http.StatusOK},
		{name: "openapi is public", path: "/openapi.json", want: http.StatusOK},
	}
	for _, tt := range tests {
		rr := get(t, h, tt.path, tt.token)
		if rr.Code != tt.want {
			t.Errorf("%s: expected %d, got %d (%s)", tt.name, tt.want, rr.Code, rr.Body.String())
		}
	}
}

func TestRuns(t *testing.T) {
	t.Parallel()

	s := New(Config{}, runningStatus(), nil, newTestJournal(t), testLogger())
	h := s.Handler()

	rr := get(t, h, "/runs?limit=5", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var list RunListResponse
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Runs) != 1 || list.Runs[0].ID != "run-1" || list.Runs[0].Status != journal.StatusHadErrors {
		t.Fatalf("unexpected runs: %+v", list.Runs)
	}
	if list.Runs[0].FinishedAt == nil {
		t.Fatal("finished_at missing")
	}

	rr = get(t, h, "/runs/run-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var detail RunDetailResponse
	if err := json.NewDecoder(rr.Body).Decode(&detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(detail.Errors) != 1 || detail.Errors[0].PointID != 1 || detail.Errors[0].Host != "n1" {
		t.Fatalf("unexpected errors: %+v", detail.Errors)
	}

	if rr := get(t, h, "/runs/nope", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", rr.Code)
	}
	if rr := get(t, h, "/runs?limit=abc", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rr.Code)
	}
}

func TestRunsWithoutJournal(t *testing.T) {
	t.Parallel()

	s := New(Config{}, runningStatus(), nil, nil, testLogger())
	if rr := get(t, s.Handler(), "/runs", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

type failingRuns struct{}

func (failingRuns) Runs(context.Context, int) ([]journal.Run, error) {
	return nil, errors.New("disk I/O error")
}
func (failingRuns) Get(context.Context, string) (journal.Run, error) {
	return journal.Run{}, errors.New("disk I/O error")
}
func (failingRuns) PointErrors(context.Context, string) ([]journal.PointError, error) {
	return nil, nil
}

func TestRunsStoreError(t *testing.T) {
	t.Parallel()

	s := New(Config{}, runningStatus(), nil, failingRuns{}, testLogger())
	if rr := get(t, s.Handler(), "/runs", ""); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if rr := get(t, s.Handler(), "/runs/x", ""); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestOpenAPIDocListsRoutes(t *testing.T) {
	t.Parallel()

	doc := buildOpenAPIDoc(true)
	paths := doc["paths"].(map[string]any)
	for _, p := range []string{"/healthz", "/status", "/events", "/runs", "/runs/{runID}"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("path %s missing from document", p)
		}
	}
	op := paths["/status"].(map[string]any)["get"].(map[string]any)
	if _, ok := op["security"]; !ok {
		t.Error("secured document should carry security requirements")
	}

	op = buildOpenAPIDoc(false)["paths"].(map[string]any)["/status"].(map[string]any)["get"].(map[string]any)
	if _, ok := op["security"]; ok {
		t.Error("open document should not carry security requirements")
	}
}

func TestEventsStream(t *testing.T) {
	t.Parallel()

	hub := events.NewHub(16)
	hub.Publish(events.TypeRunState, events.RunState{RunID: "run-7", State: "launching", Total: 2, Hosts: 1})
	hub.Publish(events.TypePointDone, events.Point{Host: "n1", ID: 0})

	s := New(Config{}, runningStatus(), hub, nil, testLogger())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Replay starts after Last-Event-ID, then live events follow.
	go hub.Publish(events.TypePointErr, events.Point{Host: "n1", ID: 1, Error: "boom"})

	var ids, types []string
	sawPayload := false
	scanner := bufio.NewScanner(resp.Body)
	for !sawPayload && scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		case strings.HasPrefix(line, "event: "):
			types = append(types, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: ") && len(types) == 2:
			if !strings.Contains(line, `"error":"boom"`) {
				t.Fatalf("unexpected payload: %s", line)
			}
			sawPayload = true
		}
	}
	if len(types) != 2 || types[0] != events.TypePointDone || types[1] != events.TypePointErr {
		t.Fatalf("unexpected event types: %v", types)
	}
	if ids[0] != "2" || ids[1] != "3" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestStartServesUntilCancelled(t *testing.T) {
	t.Parallel()

	s := New(Config{Listen: "127.0.0.1:0"}, runningStatus(), nil, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Start returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStartListenError(t *testing.T) {
	t.Parallel()

	s := New(Config{Listen: "256.0.0.1:bad"}, runningStatus(), nil, nil, testLogger())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
	if s.Addr() != "" {
		t.Fatal("Addr should be empty after a failed listen")
	}
}

func TestEventsStreamFiltersAndEnds(t *testing.T) {
	t.Parallel()

	hub := events.NewHub(16)
	hub.Publish(events.TypeRunState, events.RunState{RunID: "run-8", State: "polling", Total: 3, Hosts: 2})
	hub.Publish(events.TypePointDone, events.Point{Host: "n1", ID: 0})
	hub.Publish(events.TypePointErr, events.Point{Host: "n2", ID: 2, Error: "diverged"})
	hub.Publish(events.TypePointDone, events.Point{Host: "n1", ID: 1})

	s := New(Config{}, runningStatus(), hub, nil, testLogger())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?since=1&types=point.error,run.state", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	hub.Close()

	var types []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "event: ") {
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
	}
	want := []string{events.TypePointErr, events.TypeStreamEnd}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("event types = %v, want %v", types, want)
	}
}
