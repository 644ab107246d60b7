package queue_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/MrWong99/anamnese/internal/queue"
)

func testJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()
	url := os.Getenv("ANAMNESE_TEST_NATS_URL")
	if url == "" {
		t.Skip("ANAMNESE_TEST_NATS_URL not set, skipping JetStream integration tests")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	return js
}

func TestQueue_RunDeadLettersPermanentFailures(t *testing.T) {
	js := testJetStream(t)
	suffix := uuid.NewString()[:8]
	cfg := queue.Config{
		Stream:     "TEST_" + suffix,
		Subject:    "test." + suffix + ".uploaded",
		DLQSubject: "test." + suffix + ".dlq",
		Consumer:   "ingest",
		FetchWait:  200 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q, err := queue.New(ctx, js, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = js.DeleteStream(context.Background(), cfg.Stream)
		_ = js.DeleteStream(context.Background(), cfg.Stream+"_DLQ")
	})

	if err := q.Publish(ctx, queue.NewNotification("b", "good", 1)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := q.Publish(ctx, queue.NewNotification("b", "bad", 1)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(runCtx, queue.HandlerFunc(func(_ context.Context, batch []queue.Message) []queue.Failure {
			var failures []queue.Failure
			for _, m := range batch {
				n, _ := queue.DecodeNotification(m.Body)
				key, _ := n.Records[0].ObjectKey()
				mu.Lock()
				seen[key]++
				mu.Unlock()
				if key == "bad" {
					failures = append(failures, queue.Failure{ID: m.ID, Err: queue.Permanent(errors.New("malformed"))})
				}
			}
			if len(seen) == 2 {
				stop()
			}
			return failures
		}))
	}()
	<-done

	dlq, err := js.Stream(ctx, cfg.Stream+"_DLQ")
	if err != nil {
		t.Fatalf("dlq stream: %v", err)
	}
	msg, err := dlq.GetLastMsgForSubject(ctx, cfg.DLQSubject)
	if err != nil {
		t.Fatalf("no dead-lettered record: %v", err)
	}
	if got := msg.Header.Get(queue.HeaderReason); got != queue.ReasonPermanent {
		t.Errorf("reason = %q, want %q", got, queue.ReasonPermanent)
	}
}
