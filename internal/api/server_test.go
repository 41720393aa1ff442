package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chronoflow/internal/config"
	"chronoflow/internal/dispatch"
	"chronoflow/internal/domain"
	"chronoflow/internal/events"
	"chronoflow/internal/scheduler"
	"chronoflow/internal/store"
	"chronoflow/internal/worker"
)

var t0 = time.Date(2025, 6, 4, 8, 0, 0, 0, time.UTC)

type env struct {
	st  *store.Store
	srv *httptest.Server
}

func newEnv(t *testing.T, opts ...func(*store.Store) Option) *env {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.DialectSQLite, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus()
	now := func() time.Time { return t0 }
	svc := scheduler.New(st, dispatch.New(bus, nil, nil), bus, config.SchedulerConfig{
		InstanceID: "test", PollInterval: time.Second, BatchLimit: 10,
		MissWindow: 10 * time.Minute, DispatchTimeout: time.Second,
	}, scheduler.WithClock(now))
	serverOpts := []Option{WithClock(now)}
	for _, o := range opts {
		serverOpts = append(serverOpts, o(st))
	}
	srv := httptest.NewServer(NewServer(svc, st, serverOpts...))
	t.Cleanup(srv.Close)
	return &env{st: st, srv: srv}
}

func (e *env) do(t *testing.T, method, path, tenant string, body any) (int, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}

func decodeInto[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return v
}

func reportJob() map[string]any {
	return map[string]any{
		"key": "report", "max_attempts": 3, "timeout_sec": 30,
		"backoff": map[string]any{"strategy": "EXPONENTIAL", "base_sec": 10, "max_sec": 300},
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, "GET", "/health", "", nil)
	if code != 200 || string(body) != "ok" {
		t.Fatalf("health = %d %s", code, body)
	}
	code, body = e.do(t, "GET", "/metrics", "", nil)
	if code != 200 || !strings.Contains(string(body), "chronoflow_up 1") || !strings.Contains(string(body), "chronoflow_fires_total 0") {
		t.Fatalf("metrics = %d %s", code, body)
	}
}

func TestTenantRequired(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, "GET", "/api/schedules", "", nil)
	if code != http.StatusBadRequest {
		t.Fatalf("code = %d", code)
	}
	if got := decodeInto[errorsResp](t, body); len(got.Errors) != 1 {
		t.Fatalf("errors = %v", got.Errors)
	}
}

func TestJobs(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, "POST", "/api/jobs", "t1", reportJob())
	if code != http.StatusCreated {
		t.Fatalf("create = %d %s", code, body)
	}
	job := decodeInto[jobView](t, body)
	if job.Queue != "default" || !job.Enabled || job.Version != 1 {
		t.Fatalf("job = %+v", job)
	}

	if code, _ := e.do(t, "POST", "/api/jobs", "t1", reportJob()); code != http.StatusConflict {
		t.Fatalf("duplicate key = %d", code)
	}
	// keys are per tenant
	if code, _ := e.do(t, "POST", "/api/jobs", "t2", reportJob()); code != http.StatusCreated {
		t.Fatalf("other tenant = %d", code)
	}

	code, body = e.do(t, "POST", "/api/jobs", "t1", map[string]any{"key": "bad", "backoff": map[string]any{"strategy": "LINEAR"}})
	if code != http.StatusBadRequest {
		t.Fatalf("invalid = %d", code)
	}
	if got := decodeInto[errorsResp](t, body); len(got.Errors) < 2 {
		t.Fatalf("expected every problem listed, got %v", got.Errors)
	}

	code, body = e.do(t, "POST", "/api/jobs/report/disable", "t1", nil)
	if code != 200 || decodeInto[jobView](t, body).Enabled {
		t.Fatalf("disable = %d %s", code, body)
	}
	code, body = e.do(t, "GET", "/api/jobs/report", "t1", nil)
	if got := decodeInto[jobView](t, body); code != 200 || got.Enabled || got.Version != 2 {
		t.Fatalf("get = %d %+v", code, got)
	}
	if code, _ := e.do(t, "GET", "/api/jobs/missing", "t1", nil); code != http.StatusNotFound {
		t.Fatalf("missing = %d", code)
	}
}

func TestSchedules(t *testing.T) {
	e := newEnv(t)
	e.do(t, "POST", "/api/jobs", "t1", reportJob())

	req := map[string]any{
		"name":    "daily-report",
		"tz":      "Europe/Berlin",
		"trigger": map[string]any{"type": "CRON", "cron": "0 9 * * 1-5"},
		"target":  map[string]any{"kind": "EVENT", "event_topic": "reports.daily"},
		"job_key": "report",
	}
	code, body := e.do(t, "POST", "/api/schedules", "t1", req)
	if code != http.StatusCreated {
		t.Fatalf("create = %d %s", code, body)
	}
	sch := decodeInto[scheduleView](t, body)
	// 09:00 Berlin is 07:00 UTC, already past on the 4th
	want := time.Date(2025, 6, 5, 7, 0, 0, 0, time.UTC)
	if sch.NextFireAt == nil || !sch.NextFireAt.Equal(want) {
		t.Fatalf("next fire = %v", sch.NextFireAt)
	}
	if !sch.Enabled || sch.JobID == nil {
		t.Fatalf("schedule = %+v", sch)
	}

	if code, _ := e.do(t, "POST", "/api/schedules", "t1", req); code != http.StatusConflict {
		t.Fatalf("duplicate name = %d", code)
	}
	req["name"] = "other"
	req["job_key"] = "nope"
	if code, _ := e.do(t, "POST", "/api/schedules", "t1", req); code != http.StatusBadRequest {
		t.Fatalf("unknown job = %d", code)
	}

	if code, _ := e.do(t, "GET", "/api/schedules/"+sch.ID, "t2", nil); code != http.StatusNotFound {
		t.Fatalf("cross tenant = %d", code)
	}
	code, body = e.do(t, "GET", "/api/schedules", "t1", nil)
	if list := decodeInto[[]scheduleView](t, body); code != 200 || len(list) != 1 {
		t.Fatalf("list = %d %s", code, body)
	}

	code, body = e.do(t, "POST", "/api/schedules/"+sch.ID+"/disable", "t1", nil)
	if got := decodeInto[scheduleView](t, body); code != 200 || got.Enabled {
		t.Fatalf("disable = %d %s", code, body)
	}
	code, body = e.do(t, "POST", "/api/schedules/"+sch.ID+"/enable", "t1", nil)
	if got := decodeInto[scheduleView](t, body); code != 200 || !got.Enabled || got.NextFireAt == nil {
		t.Fatalf("enable = %d %s", code, body)
	}

	code, body = e.do(t, "GET", "/api/schedules/"+sch.ID+"/runs", "t1", nil)
	if runs := decodeInto[[]runView](t, body); code != 200 || len(runs) != 0 {
		t.Fatalf("runs = %d %s", code, body)
	}
	if code, _ := e.do(t, "GET", "/api/schedules/"+sch.ID+"/runs?limit=0", "t1", nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", code)
	}
}

func TestValidateSchedule(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, "POST", "/api/schedules/validate", "t1", map[string]any{
		"name":    "x",
		"trigger": map[string]any{"type": "CRON", "cron": "not a cron"},
		"target":  map[string]any{"kind": "HTTP"},
	})
	if code != 200 {
		t.Fatalf("code = %d", code)
	}
	res := decodeInto[scheduler.ValidationResult](t, body)
	if res.Valid || len(res.Errors) < 2 {
		t.Fatalf("result = %+v", res)
	}

	_, body = e.do(t, "POST", "/api/schedules/validate", "t1", map[string]any{
		"name":    "x",
		"trigger": map[string]any{"type": "FIXED_DELAY", "delay_sec": 60},
		"target":  map[string]any{"kind": "QUEUE", "queue": map[string]any{"topic": "jobs"}},
	})
	if res := decodeInto[scheduler.ValidationResult](t, body); !res.Valid {
		t.Fatalf("result = %+v", res)
	}
}

func TestEnqueueAndRuns(t *testing.T) {
	e := newEnv(t)
	e.do(t, "POST", "/api/jobs", "t1", reportJob())

	body := map[string]any{"payload": map[string]any{"day": "2025-06-04"}, "dedupe_key": "2025-06-04"}
	code, b := e.do(t, "POST", "/api/jobs/report/runs", "t1", body)
	if code != http.StatusAccepted {
		t.Fatalf("enqueue = %d %s", code, b)
	}
	run := decodeInto[runView](t, b)
	if run.Status != domain.RunPending || run.Attempt != 1 || run.JobID == nil {
		t.Fatalf("run = %+v", run)
	}

	code, b = e.do(t, "POST", "/api/jobs/report/runs", "t1", body)
	if again := decodeInto[runView](t, b); code != http.StatusOK || again.ID != run.ID {
		t.Fatalf("dedupe = %d %+v", code, again)
	}

	code, b = e.do(t, "GET", "/api/runs/"+run.ID, "t1", nil)
	if got := decodeInto[runView](t, b); code != 200 || string(got.Payload) != `{"day":"2025-06-04"}` {
		t.Fatalf("get run = %d %s", code, b)
	}
	if code, _ := e.do(t, "GET", "/api/runs/"+run.ID, "t2", nil); code != http.StatusNotFound {
		t.Fatalf("cross tenant run = %d", code)
	}

	e.do(t, "POST", "/api/jobs/report/disable", "t1", nil)
	if code, _ := e.do(t, "POST", "/api/jobs/report/runs", "t1", map[string]any{}); code != http.StatusConflict {
		t.Fatalf("disabled job = %d", code)
	}
	if code, _ := e.do(t, "POST", "/api/jobs/nope/runs", "t1", nil); code != http.StatusNotFound {
		t.Fatalf("unknown job = %d", code)
	}
}

func TestEnqueueAssign(t *testing.T) {
	e := newEnv(t, func(st *store.Store) Option {
		return WithAssigner(worker.NewAssigner(st, time.Minute))
	})
	ctx := context.Background()
	e.do(t, "POST", "/api/jobs", "t1", reportJob())

	if code, b := e.do(t, "POST", "/api/jobs/report/runs", "t1", map[string]any{"assign": true}); code != http.StatusAccepted ||
		decodeInto[runView](t, b).Status != domain.RunPending {
		t.Fatalf("no workers = %d %s", code, b)
	}

	w, err := domain.NewWorker(domain.NewID(domain.PrefixWorker), "w1",
		domain.Capabilities{Queues: []string{"default"}, JobKeys: []string{"report"}}, 2, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	w, err = e.st.RegisterWorker(ctx, w)
	if err != nil {
		t.Fatal(err)
	}

	code, b := e.do(t, "POST", "/api/jobs/report/runs", "t1", map[string]any{"assign": true})
	run := decodeInto[runView](t, b)
	if code != http.StatusAccepted || run.Status != domain.RunRunning || run.WorkerID == nil || *run.WorkerID != w.ID {
		t.Fatalf("assigned = %d %s", code, b)
	}

	code, b = e.do(t, "GET", "/api/workers", "t1", nil)
	workers := decodeInto[[]workerView](t, b)
	if code != 200 || len(workers) != 1 || workers[0].CurrentJobs != 1 || !workers[0].Healthy {
		t.Fatalf("workers = %d %s", code, b)
	}
}

func TestCalendars(t *testing.T) {
	e := newEnv(t)
	code, b := e.do(t, "PUT", "/api/calendars/DE-BE", "t1", map[string]any{
		"name": "Berlin", "holidays": []string{"2025-12-25", "2025-06-09"},
	})
	if code != 200 {
		t.Fatalf("put = %d %s", code, b)
	}
	cal := decodeInto[calendarView](t, b)
	if len(cal.Holidays) != 2 || cal.Holidays[0] != "2025-06-09" || !cal.BusinessDays.Mon || cal.BusinessDays.Sat {
		t.Fatalf("calendar = %+v", cal)
	}

	e.do(t, "PUT", "/api/calendars/DE-BE", "t1", map[string]any{"name": "Berlin", "holidays": []string{"2025-12-26"}})
	code, b = e.do(t, "GET", "/api/calendars/DE-BE", "t1", nil)
	if got := decodeInto[calendarView](t, b); code != 200 || len(got.Holidays) != 1 || got.Holidays[0] != "2025-12-26" {
		t.Fatalf("replaced = %d %s", code, b)
	}

	code, b = e.do(t, "PUT", "/api/calendars/bad", "t1", map[string]any{
		"holidays": []string{"25.12.2025"}, "business_days": map[string]any{},
	})
	if got := decodeInto[errorsResp](t, b); code != http.StatusBadRequest || len(got.Errors) != 2 {
		t.Fatalf("invalid = %d %s", code, b)
	}
	if code, _ := e.do(t, "GET", "/api/calendars/DE-BE", "t2", nil); code != http.StatusNotFound {
		t.Fatalf("cross tenant = %d", code)
	}
}
