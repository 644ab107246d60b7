package alert_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/anamnese/internal/alert"
)

func TestCollector_EvictsOldest(t *testing.T) {
	t.Parallel()
	c := alert.NewCollector(2)
	c.Add(alert.Entry{Message: "one"})
	c.Add(alert.Entry{Message: "two"})
	c.Add(alert.Entry{Message: "three"})

	got := c.Entries()
	if len(got) != 2 || got[0].Message != "two" || got[1].Message != "three" {
		t.Errorf("Entries = %+v", got)
	}
	if c.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", c.Dropped())
	}
}

func TestHandler_TeesIntoContextCollector(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	logger := slog.New(alert.NewHandler(slog.NewTextHandler(&out, nil))).
		With("worker", "completion").
		WithGroup("req")

	ctx, col := alert.WithCollector(context.Background(), 10)
	logger.InfoContext(ctx, "summarizing", "conversation", "c1")
	logger.Info("no collector here")

	entries := col.Entries()
	if len(entries) != 1 {
		t.Fatalf("want 1 entry, got %d", len(entries))
	}
	if entries[0].Message != "summarizing" {
		t.Errorf("Message = %q", entries[0].Message)
	}
	if want := "worker=completion req.conversation=c1"; entries[0].Attrs != want {
		t.Errorf("Attrs = %q, want %q", entries[0].Attrs, want)
	}
	if !strings.Contains(out.String(), "no collector here") {
		t.Error("records must still reach the wrapped handler")
	}
}

func TestCollectors_AreIsolated(t *testing.T) {
	t.Parallel()
	logger := slog.New(alert.NewHandler(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	ctxA, colA := alert.WithCollector(context.Background(), 10)
	ctxB, colB := alert.WithCollector(context.Background(), 10)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); logger.InfoContext(ctxA, "a") }()
		go func() { defer wg.Done(); logger.InfoContext(ctxB, "b") }()
	}
	wg.Wait()

	for _, e := range colA.Entries() {
		if e.Message != "a" {
			t.Fatalf("collector A leaked entry %q", e.Message)
		}
	}
	for _, e := range colB.Entries() {
		if e.Message != "b" {
			t.Fatalf("collector B leaked entry %q", e.Message)
		}
	}
}

func TestSlack_PostsLogs(t *testing.T) {
	t.Parallel()
	var (
		mu     sync.Mutex
		bodies []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
	}))
	defer srv.Close()

	s := alert.NewSlack(srv.URL, alert.WithSource("completion"))
	err := s.Alert(context.Background(), "boom", []alert.Entry{{Level: slog.LevelInfo, Message: "step 1", Attrs: "k=v"}})
	if err != nil {
		t.Fatalf("Alert: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("want 1 post, got %d", len(bodies))
	}
	raw, _ := json.Marshal(bodies[0])
	for _, want := range []string{"boom", "step 1", "k=v", "completion"} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("payload missing %q: %s", want, raw)
		}
	}
}

func TestSlack_FallsBackWhenRejected(t *testing.T) {
	t.Parallel()
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too large", http.StatusRequestEntityTooLarge)
	}))
	defer primary.Close()

	var fallbackHits int
	var mu sync.Mutex
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		fallbackHits++
		mu.Unlock()
	}))
	defer fallback.Close()

	s := alert.NewSlack(primary.URL, alert.WithFallbackURL(fallback.URL))
	if err := s.Alert(context.Background(), "boom", nil); err != nil {
		t.Fatalf("Alert: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if fallbackHits != 1 {
		t.Errorf("fallback hits = %d, want 1", fallbackHits)
	}
}

func TestSlack_EmptyURLIsNoop(t *testing.T) {
	t.Parallel()
	if err := alert.NewSlack("").Alert(context.Background(), "x", nil); err != nil {
		t.Errorf("Alert: %v", err)
	}
}

type recordingAlerter struct {
	message string
	entries []alert.Entry
}

func (r *recordingAlerter) Alert(_ context.Context, message string, entries []alert.Entry) error {
	r.message = message
	r.entries = entries
	return errors.New("alert channel down")
}

func TestReport_AttachesHistoryAndSwallowsErrors(t *testing.T) {
	ctx, col := alert.WithCollector(context.Background(), 10)
	col.Add(alert.Entry{Message: "before failure"})

	rec := &recordingAlerter{}
	alert.Report(ctx, rec, "completion failed", errors.New("db down"))

	if rec.message != "completion failed: db down" {
		t.Errorf("message = %q", rec.message)
	}
	if len(rec.entries) == 0 || rec.entries[0].Message != "before failure" {
		t.Errorf("entries = %+v", rec.entries)
	}
}
