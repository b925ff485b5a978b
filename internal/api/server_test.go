package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ivolnistov/telegram-rutor-bot/internal/model"
	"github.com/ivolnistov/telegram-rutor-bot/internal/scheduler"
	"github.com/ivolnistov/telegram-rutor-bot/internal/search"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	searches []model.Search
	execs    []model.TaskExecution
	gotLimit int
}

func (f *fakeStore) ListSearches(ctx context.Context) ([]model.Search, error) {
	return f.searches, nil
}

func (f *fakeStore) ListExecutions(ctx context.Context, limit int) ([]model.TaskExecution, error) {
	f.gotLimit = limit
	if limit < len(f.execs) {
		return f.execs[:limit], nil
	}
	return f.execs, nil
}

type fakeTrigger struct {
	err        error
	gotID      uint
	gotNotify  bool
	execStatus string
}

func (f *fakeTrigger) RunNow(ctx context.Context, searchID uint, notifySubs bool) (*model.TaskExecution, error) {
	f.gotID = searchID
	f.gotNotify = notifySubs
	if f.err != nil {
		return nil, f.err
	}
	status := f.execStatus
	if status == "" {
		status = model.TaskStatusPending
	}
	return &model.TaskExecution{ID: 7, SearchID: searchID, Status: status}, nil
}

func serve(t *testing.T, store *fakeStore, trigger *fakeTrigger, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	srv := NewServer(testLogger(), store, trigger)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	w := serve(t, &fakeStore{}, &fakeTrigger{}, http.MethodGet, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestListSearches(t *testing.T) {
	store := &fakeStore{searches: []model.Search{{ID: 1, URL: "http://tracker/q", Cron: "0 */4 * * *"}}}
	w := serve(t, store, &fakeTrigger{}, http.MethodGet, "/api/searches")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body struct {
		Searches []model.Search `json:"searches"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Searches) != 1 || body.Searches[0].ID != 1 {
		t.Fatalf("searches = %+v", body.Searches)
	}
}

func TestRunSearchAccepted(t *testing.T) {
	trigger := &fakeTrigger{}
	w := serve(t, &fakeStore{}, trigger, http.MethodPost, "/api/searches/5/run?notify=false")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	if trigger.gotID != 5 {
		t.Errorf("triggered search %d, want 5", trigger.gotID)
	}
	if trigger.gotNotify {
		t.Error("notify=false was not honored")
	}

	var body struct {
		ExecutionID uint `json:"execution_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ExecutionID != 7 {
		t.Errorf("execution_id = %d, want 7", body.ExecutionID)
	}
}

func TestRunSearchDefaultsToNotify(t *testing.T) {
	trigger := &fakeTrigger{}
	serve(t, &fakeStore{}, trigger, http.MethodPost, "/api/searches/5/run")
	if !trigger.gotNotify {
		t.Error("notify must default to true")
	}
}

func TestRunSearchErrors(t *testing.T) {
	cases := []struct {
		name   string
		target string
		err    error
		want   int
	}{
		{"bad id", "/api/searches/abc/run", nil, http.StatusBadRequest},
		{"not found", "/api/searches/5/run", search.ErrNotFound, http.StatusNotFound},
		{"already running", "/api/searches/5/run", scheduler.ErrAlreadyRunning, http.StatusConflict},
	}
	for _, tc := range cases {
		w := serve(t, &fakeStore{}, &fakeTrigger{err: tc.err}, http.MethodPost, tc.target)
		if w.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, w.Code, tc.want)
		}
	}
}

func TestListExecutionsLimit(t *testing.T) {
	store := &fakeStore{execs: []model.TaskExecution{
		{ID: 3, Status: model.TaskStatusSuccess},
		{ID: 2, Status: model.TaskStatusFailed},
		{ID: 1, Status: model.TaskStatusSuccess},
	}}
	w := serve(t, store, &fakeTrigger{}, http.MethodGet, "/api/executions?limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if store.gotLimit != 2 {
		t.Errorf("limit passed to store = %d, want 2", store.gotLimit)
	}

	var body struct {
		Executions []model.TaskExecution `json:"executions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Executions) != 2 {
		t.Fatalf("executions = %d, want 2", len(body.Executions))
	}
}

func TestListExecutionsBadLimit(t *testing.T) {
	w := serve(t, &fakeStore{}, &fakeTrigger{}, http.MethodGet, "/api/executions?limit=-1")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
