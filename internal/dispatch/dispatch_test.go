package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"chronoflow/internal/domain"
	"chronoflow/internal/events"
	"chronoflow/internal/queue"
)

func env() Envelope {
	return Envelope{
		TenantID: "t1", ScheduleID: "sch_1", RunID: "run_1", Attempt: 1,
		FireAt:  time.Date(2025, 6, 10, 7, 0, 0, 0, time.UTC),
		Payload: json.RawMessage(`{"report":"daily"}`),
	}
}

func TestDispatchHTTPSigned(t *testing.T) {
	var gotSig, gotTS, gotTeam string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		gotTeam = r.Header.Get("X-Team")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	h := NewHTTP(srv.Client(), 0, 0, map[string]string{"main": "s3cret"})
	h.now = func() time.Time { return time.Unix(1700000000, 0) }
	d := New(nil, nil, h)
	target := domain.Target{Kind: domain.TargetHTTP, HTTP: &domain.HTTPTarget{
		URL: srv.URL, Method: "post", Headers: map[string]string{"X-Team": "ops"}, HMACKeyRef: "main",
	}}
	res, err := d.Dispatch(context.Background(), target, env())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.StatusCode != http.StatusAccepted || string(res.Body) != "ok" {
		t.Fatalf("result = %+v", res)
	}
	if string(gotBody) != `{"report":"daily"}` || gotTeam != "ops" || gotTS != "1700000000" {
		t.Fatalf("request body=%s team=%s ts=%s", gotBody, gotTeam, gotTS)
	}
	if !Verify("s3cret", gotTS, gotBody, gotSig) {
		t.Fatalf("signature %q does not verify", gotSig)
	}
	if Verify("other", gotTS, gotBody, gotSig) {
		t.Fatalf("signature verified with the wrong secret")
	}
}

func TestDispatchHTTPFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			time.Sleep(200 * time.Millisecond)
		}
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()
	d := New(nil, nil, NewHTTP(srv.Client(), 0, 0, nil))

	cases := []struct {
		name   string
		target domain.HTTPTarget
		ctxTO  time.Duration
	}{
		{"server error", domain.HTTPTarget{URL: srv.URL + "/x"}, time.Second},
		{"timeout", domain.HTTPTarget{URL: srv.URL + "/slow"}, 20 * time.Millisecond},
		{"unknown key", domain.HTTPTarget{URL: srv.URL, HMACKeyRef: "missing"}, time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), tc.ctxTO)
			defer cancel()
			target := tc.target
			_, err := d.Dispatch(ctx, domain.Target{Kind: domain.TargetHTTP, HTTP: &target}, env())
			var derr *domain.DispatchError
			if !errors.As(err, &derr) || !errors.Is(err, domain.ErrDispatchFailure) || derr.Kind != domain.TargetHTTP {
				t.Fatalf("expected dispatch error, got %v", err)
			}
		})
	}
}

func TestDispatchEvent(t *testing.T) {
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(1)
	defer unsub()
	d := New(bus, nil, nil)

	if _, err := d.Dispatch(context.Background(), domain.Target{Kind: domain.TargetEvent, EventTopic: "reports.daily"}, env()); err != nil {
		t.Fatal(err)
	}
	e := <-ch
	if e.Topic != "reports.daily" || e.RunID != "run_1" || string(e.Data) != `{"report":"daily"}` {
		t.Fatalf("event = %+v", e)
	}
}

func TestDispatchQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	streams := queue.NewStreams(rdb, "q:", 0)
	d := New(nil, streams, nil)

	res, err := d.Dispatch(context.Background(), domain.Target{Kind: domain.TargetQueue, Queue: &domain.QueueTarget{Topic: "billing"}}, env())
	if err != nil {
		t.Fatal(err)
	}
	msgs, _ := streams.Read(context.Background(), "billing", "0", 10)
	if len(msgs) != 1 || msgs[0].ID != res.MessageID {
		t.Fatalf("messages = %+v, result = %+v", msgs, res)
	}
	var got Envelope
	if err := json.Unmarshal(msgs[0].Data, &got); err != nil || got.RunID != "run_1" {
		t.Fatalf("envelope = %+v (%v)", got, err)
	}
}

func TestDispatchUnknownKind(t *testing.T) {
	d := New(nil, nil, nil)
	for _, target := range []domain.Target{
		{Kind: "SMS"},
		{Kind: domain.TargetQueue},
		{Kind: domain.TargetEvent, EventTopic: "x"},
	} {
		if _, err := d.Dispatch(context.Background(), target, env()); !errors.Is(err, domain.ErrDispatchFailure) {
			t.Fatalf("%s: got %v", target.Kind, err)
		}
	}
}

func TestRateLimitHonorsContext(t *testing.T) {
	h := NewHTTP(nil, 0.001, 1, nil)
	// drain the only token
	if !h.limiter.Allow() {
		t.Fatal("first token not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.Do(ctx, domain.HTTPTarget{URL: "http://127.0.0.1:1"}, nil); err == nil {
		t.Fatal("expected rate limit error")
	}
}
