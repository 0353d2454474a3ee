package logctx

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/lookout/internal/event"
)

func testEvent() *event.LogEvent {
	return &event.LogEvent{
		Message:   "OOMKilled",
		Pod:       "api-7d9f-x2",
		Namespace: "prod",
		Container: "api",
		AppLabel:  "api",
		Timestamp: "2025-11-17T11:08:45Z",
	}
}

func TestSelector(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ev   event.LogEvent
		want string
	}{
		{"full", *testEvent(), `{namespace="prod", pod="api-7d9f-x2", container="api"}`},
		{"no container", event.LogEvent{Namespace: "prod", Pod: "p"}, `{namespace="prod", pod="p"}`},
		{"no pod", event.LogEvent{Namespace: "prod"}, ""},
		{"no namespace", event.LogEvent{Pod: "p"}, ""},
		{"quotes escaped", event.LogEvent{Namespace: `a"b`, Pod: "p"}, `{namespace="a\"b", pod="p"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Selector(&tt.ev); got != tt.want {
				t.Errorf("Selector = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFlattenStreams(t *testing.T) {
	t.Parallel()

	streams := []lokiStream{
		{Values: [][]string{{"300", "third"}, {"100", "first"}}},
		{Values: [][]string{{"200", "second\n"}, {"bad", "skipped"}, {"400"}}},
	}

	got := flattenStreams(streams, 10)
	want := []string{"first", "second", "third"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("flattenStreams = %v, want %v", got, want)
	}

	got = flattenStreams(streams, 2)
	if strings.Join(got, ",") != "second,third" {
		t.Errorf("flattenStreams limit 2 = %v, want newest two oldest first", got)
	}
}

func TestRecent_QueriesPodWindow(t *testing.T) {
	t.Parallel()

	var gotQuery, gotStart, gotEnd, gotTenant, gotDir string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/loki/api/v1/query_range" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		gotQuery, gotStart, gotEnd, gotDir = q.Get("query"), q.Get("start"), q.Get("end"), q.Get("direction")
		gotTenant = r.Header.Get("X-Scope-OrgID")
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"status":"success","data":{"resultType":"streams","result":[
			{"stream":{"pod":"api-7d9f-x2"},"values":[["1763377720000000000","heap at 97%"],["1763377710000000000","gc pause 800ms"]]}
		]}}`)
	}))
	defer srv.Close()

	l := NewLoki(srv.URL, "tenant-a")
	lines, err := l.Recent(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}

	if gotQuery != `{namespace="prod", pod="api-7d9f-x2", container="api"}` {
		t.Errorf("query = %q", gotQuery)
	}
	if gotEnd != "2025-11-17T11:08:45Z" {
		t.Errorf("end = %q, want event timestamp", gotEnd)
	}
	if gotStart != "2025-11-17T10:53:45Z" {
		t.Errorf("start = %q, want 15m before event", gotStart)
	}
	if gotDir != "backward" {
		t.Errorf("direction = %q", gotDir)
	}
	if gotTenant != "tenant-a" {
		t.Errorf("tenant = %q", gotTenant)
	}
	if len(lines) != 2 || lines[0] != "gc pause 800ms" || lines[1] != "heap at 97%" {
		t.Errorf("lines = %v", lines)
	}
}

func TestRecent_UnparseableTimestampUsesNow(t *testing.T) {
	t.Parallel()

	var gotEnd string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEnd = r.URL.Query().Get("end")
		_, _ = fmt.Fprint(w, `{"status":"success","data":{"resultType":"streams","result":[]}}`)
	}))
	defer srv.Close()

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := NewLoki(srv.URL, "")
	l.now = func() time.Time { return fixed }

	ev := testEvent()
	ev.Timestamp = "yesterday-ish"
	lines, err := l.Recent(context.Background(), ev)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("lines = %v, want none", lines)
	}
	if gotEnd != fixed.Format(time.RFC3339Nano) {
		t.Errorf("end = %q, want %q", gotEnd, fixed.Format(time.RFC3339Nano))
	}
}

func TestRecent_NoPodSkipsQuery(t *testing.T) {
	t.Parallel()

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()

	lines, err := NewLoki(srv.URL, "").Recent(context.Background(), &event.LogEvent{Message: "x", AppLabel: "a"})
	if err != nil || lines != nil {
		t.Errorf("Recent = (%v, %v), want (nil, nil)", lines, err)
	}
	if called {
		t.Error("Loki queried for an event without pod metadata")
	}
}

func TestRecent_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"http error", http.StatusBadGateway, "upstream down"},
		{"bad json", http.StatusOK, "not json"},
		{"query failed", http.StatusOK, `{"status":"error"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			if _, err := NewLoki(srv.URL, "").Recent(context.Background(), testEvent()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func FuzzRecent(f *testing.F) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"status":"success","data":{"resultType":"streams","result":[]}}`)
	}))
	defer srv.Close()

	l := NewLoki(srv.URL, "test")

	f.Add("prod", "api-1", "api", "2025-11-17T11:08:45Z")
	f.Add("", "", "", "")
	f.Add(`"}`, "{", "\x00\xff", "not a time")

	f.Fuzz(func(_ *testing.T, ns, pod, container, ts string) {
		// Must not panic
		_, _ = l.Recent(context.Background(), &event.LogEvent{Namespace: ns, Pod: pod, Container: container, Timestamp: ts})
	})
}
