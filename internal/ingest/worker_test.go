package ingest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/anamnese/internal/ingest"
	"github.com/MrWong99/anamnese/internal/queue"
	blobmock "github.com/MrWong99/anamnese/pkg/blob/mock"
	"github.com/MrWong99/anamnese/pkg/provider/stt"
	"github.com/MrWong99/anamnese/pkg/provider/stt/fixture"
	sttmock "github.com/MrWong99/anamnese/pkg/provider/stt/mock"
	storemock "github.com/MrWong99/anamnese/pkg/store/mock"
	"github.com/MrWong99/anamnese/pkg/types"
)

const (
	key0 = "userId=u1/conversationId=c1/chunkId=000-isLastChunk=false.webm"
	key1 = "userId=u1/conversationId=c1/chunkId=001-isLastChunk=true.webm"
)

type testEnv struct {
	blobs  *blobmock.Store
	stt    *sttmock.Provider
	store  *storemock.Store
	worker *ingest.Worker
}

func newEnv(t *testing.T, sttProvider *sttmock.Provider) testEnv {
	t.Helper()
	env := testEnv{
		blobs: &blobmock.Store{},
		stt:   sttProvider,
		store: storemock.New(),
	}
	env.worker = ingest.New(env.blobs, env.stt, env.store, ingest.WithConcurrency(2))
	return env
}

func (e testEnv) upload(t *testing.T, key, audio string) {
	t.Helper()
	if err := e.blobs.Put(context.Background(), key, "audio/webm", strings.NewReader(audio)); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func messageFor(t *testing.T, id string, keys ...string) queue.Message {
	t.Helper()
	n := queue.Notification{}
	for _, k := range keys {
		n.Records = append(n.Records, queue.NewNotification("audio", k, 1).Records...)
	}
	var buf bytes.Buffer
	if err := jsonEncode(&buf, n); err != nil {
		t.Fatal(err)
	}
	return queue.Message{ID: id, Body: buf.Bytes(), Delivery: 1}
}

// echoSTT returns one segment per call containing the audio bytes, preceded
// by a boilerplate opening segment.
func echoSTT() *sttmock.Provider {
	return &sttmock.Provider{
		TranscribeFunc: func(_ context.Context, req stt.Request) (*types.Transcription, error) {
			return &types.Transcription{Segments: []types.Segment{
				{Text: "boilerplate"},
				{Text: string(req.Audio)},
			}}, nil
		},
	}
}

func TestIngest_UsesPreviousChunkContext(t *testing.T) {
	env := newEnv(t, echoSTT())
	ctx := context.Background()
	env.upload(t, key0, "A")
	env.upload(t, key1, "B")

	if err := env.worker.Ingest(ctx, key0); err != nil {
		t.Fatalf("Ingest chunk 0: %v", err)
	}
	if err := env.worker.Ingest(ctx, key1); err != nil {
		t.Fatalf("Ingest chunk 1: %v", err)
	}

	if got := env.stt.Calls[0].Req.PreviousContext; got != "" {
		t.Errorf("chunk 0 context = %q, want empty", got)
	}
	second := env.stt.Calls[1].Req
	if second.PreviousContext != "A" {
		t.Errorf("chunk 1 context = %q, want %q", second.PreviousContext, "A")
	}
	if second.FileName != "chunkId=001-isLastChunk=true.webm" {
		t.Errorf("file name = %q", second.FileName)
	}
	if second.Language != stt.DefaultLanguage {
		t.Errorf("language = %q, want %q", second.Language, stt.DefaultLanguage)
	}

	chunks, _ := env.store.ListChunks(ctx, "u1", "c1")
	if len(chunks) != 2 {
		t.Fatalf("want 2 stored chunks, got %d", len(chunks))
	}
	if !chunks[1].IsLastChunk || chunks[0].IsLastChunk {
		t.Errorf("last flags = %v, %v", chunks[0].IsLastChunk, chunks[1].IsLastChunk)
	}
}

func TestIngest_OutOfOrderProceedsWithoutContext(t *testing.T) {
	env := newEnv(t, echoSTT())
	env.upload(t, key1, "B")

	if err := env.worker.Ingest(context.Background(), key1); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if got := env.stt.Calls[0].Req.PreviousContext; got != "" {
		t.Errorf("context = %q, want empty when previous chunk is missing", got)
	}
}

func TestIngest_PreviousLookupErrorIsNotFatal(t *testing.T) {
	env := newEnv(t, echoSTT())
	env.store.GetChunkErr = errors.New("db hiccup")
	env.upload(t, key1, "B")

	if err := env.worker.Ingest(context.Background(), key1); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
}

func TestIngest_Idempotent(t *testing.T) {
	env := newEnv(t, echoSTT())
	ctx := context.Background()
	env.upload(t, key0, "A")

	for range 2 {
		if err := env.worker.Ingest(ctx, key0); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	chunks, _ := env.store.ListChunks(ctx, "u1", "c1")
	if len(chunks) != 1 {
		t.Errorf("want 1 chunk after re-ingest, got %d", len(chunks))
	}
}

func TestIngest_MalformedKeyIsPermanent(t *testing.T) {
	env := newEnv(t, echoSTT())

	err := env.worker.Ingest(context.Background(), "foo/bar.webm")
	if !queue.IsPermanent(err) {
		t.Fatalf("want permanent error, got %v", err)
	}
	if env.stt.CallCount() != 0 {
		t.Error("transcription must not run for malformed keys")
	}
	if env.store.CallCount("UpsertChunk") != 0 {
		t.Error("no record may be written for malformed keys")
	}
}

func TestIngest_MissingBlobIsPermanent(t *testing.T) {
	env := newEnv(t, echoSTT())
	if err := env.worker.Ingest(context.Background(), key0); !queue.IsPermanent(err) {
		t.Fatalf("want permanent error, got %v", err)
	}
}

func TestIngest_ProviderErrorIsTransient(t *testing.T) {
	env := newEnv(t, &sttmock.Provider{Err: errors.New("503 from provider")})
	env.upload(t, key0, "A")

	err := env.worker.Ingest(context.Background(), key0)
	if err == nil {
		t.Fatal("expected error")
	}
	if queue.IsPermanent(err) {
		t.Error("provider errors must be retried, not dead-lettered")
	}
}

func TestHandleBatch_IsolatesFailures(t *testing.T) {
	env := newEnv(t, echoSTT())
	env.upload(t, key0, "A")
	env.upload(t, key1, "B")

	batch := []queue.Message{
		messageFor(t, "1", key0),
		{ID: "2", Body: []byte(`{"Records":[{"s3":{"object":{"key":"foo/bar.webm"}}}]}`)},
		messageFor(t, "3", key1),
		{ID: "4", Body: []byte(`garbage`)},
	}
	failures := env.worker.HandleBatch(context.Background(), batch)

	failed := map[string]error{}
	for _, f := range failures {
		failed[f.ID] = f.Err
	}
	if len(failed) != 2 {
		t.Fatalf("want 2 failures, got %v", failures)
	}
	for _, id := range []string{"2", "4"} {
		if !queue.IsPermanent(failed[id]) {
			t.Errorf("record %s: want permanent failure, got %v", id, failed[id])
		}
	}
	chunks, _ := env.store.ListChunks(context.Background(), "u1", "c1")
	if len(chunks) != 2 {
		t.Errorf("healthy siblings must be stored, got %d chunks", len(chunks))
	}
}

func TestHandleMessage_MixedRecordsAreTransient(t *testing.T) {
	env := newEnv(t, &sttmock.Provider{Err: errors.New("timeout")})
	env.upload(t, key0, "A")

	err := env.worker.HandleMessage(context.Background(), messageFor(t, "1", "foo/bar.webm", key0))
	if err == nil {
		t.Fatal("expected error")
	}
	if queue.IsPermanent(err) {
		t.Error("a message with any transient failure must stay retryable")
	}
}

func TestIngest_WithFixtureProvider(t *testing.T) {
	env := newEnv(t, nil)
	env.worker = ingest.New(env.blobs, fixture.New(), env.store)
	env.upload(t, key0, "A")

	if err := env.worker.Ingest(context.Background(), key0); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	c, err := env.store.GetChunk(context.Background(), "u1", "c1", 0)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if len(c.Content.Segments) != len(fixture.DefaultSegments) {
		t.Errorf("segments = %d, want %d", len(c.Content.Segments), len(fixture.DefaultSegments))
	}
}

func TestTailContext(t *testing.T) {
	t.Parallel()
	segs := func(texts ...string) []types.Segment {
		out := make([]types.Segment, len(texts))
		for i, s := range texts {
			out[i] = types.Segment{Text: s}
		}
		return out
	}
	tests := []struct {
		name string
		in   []types.Segment
		n    int
		want string
	}{
		{"empty", nil, 10, ""},
		{"only first segment", segs("intro"), 10, ""},
		{"skips first", segs("intro", "a", "b"), 10, "a b"},
		{"keeps last n", segs("intro", "a", "b", "c", "d"), 2, "c d"},
		{"skips blanks", segs("intro", "a", " ", "b"), 10, "a b"},
		{"n larger than first excluded", segs("intro", "a"), 5, "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ingest.TailContext(tt.in, tt.n); got != tt.want {
				t.Errorf("TailContext = %q, want %q", got, tt.want)
			}
		})
	}
}

func jsonEncode(buf *bytes.Buffer, v any) error {
	return json.NewEncoder(buf).Encode(v)
}
