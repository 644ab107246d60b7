package whisper_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/anamnese/pkg/provider/stt"
	"github.com/MrWong99/anamnese/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

type capturedForm struct {
	fields   map[string]string
	fileName string
	audio    string
}

// newMockServer creates a test server that responds to POST /inference with
// body. Every matched request's form is stored in *last.
func newMockServer(t *testing.T, body any, callCount *atomic.Int32, last *atomic.Pointer[capturedForm]) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if callCount != nil {
			callCount.Add(1)
		}
		if last != nil {
			cf := &capturedForm{fields: map[string]string{}}
			for k, v := range r.MultipartForm.Value {
				cf.fields[k] = v[0]
			}
			if fh := r.MultipartForm.File["file"]; len(fh) > 0 {
				cf.fileName = fh[0].Filename
				f, _ := fh[0].Open()
				b, _ := io.ReadAll(f)
				f.Close()
				cf.audio = string(b)
			}
			last.Store(cf)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ---- provider construction --------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	_, err := whisper.New("")
	if err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestNew_ValidServerURL_ReturnsProvider(t *testing.T) {
	p, err := whisper.New("http://localhost:8080/", whisper.WithModel("small"), whisper.WithLanguage("en"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

// ---- transcription ----------------------------------------------------------

func TestTranscribe_VerboseSegments(t *testing.T) {
	var calls atomic.Int32
	var last atomic.Pointer[capturedForm]
	body := map[string]any{
		"text":     "primeira frase segunda frase",
		"duration": 9.0,
		"segments": []map[string]any{
			{"start": 0.0, "end": 3.0, "text": " primeira frase", "avg_logprob": -0.3, "no_speech_prob": 0.1},
			{"start": 3.0, "end": 6.0, "text": " ruído", "avg_logprob": -1.8, "no_speech_prob": 1.2},
			{"start": 6.0, "end": 9.0, "text": " segunda frase", "avg_logprob": -0.6, "no_speech_prob": 0.2},
		},
	}
	srv := newMockServer(t, body, &calls, &last)

	p, err := whisper.New(srv.URL, whisper.WithModel("small"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr, err := p.Transcribe(context.Background(), stt.Request{
		Audio:           []byte("audio"),
		FileName:        "chunkId=002-isLastChunk=true.webm",
		PreviousContext: "contexto",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1", calls.Load())
	}
	if tr.Duration != 9 {
		t.Errorf("Duration = %v, want 9", tr.Duration)
	}
	if len(tr.Segments) != 2 {
		t.Fatalf("len(Segments) = %d, want 2", len(tr.Segments))
	}
	if tr.Segments[0].Text != "primeira frase" || tr.Segments[1].Text != "segunda frase" {
		t.Errorf("Segments = %+v", tr.Segments)
	}

	cf := last.Load()
	if cf == nil {
		t.Fatal("no request captured")
	}
	if cf.audio != "audio" || cf.fileName != "chunkId=002-isLastChunk=true.webm" {
		t.Errorf("file = %q (%q)", cf.audio, cf.fileName)
	}
	for k, want := range map[string]string{
		"response_format": "verbose_json",
		"language":        "pt",
		"model":           "small",
		"prompt":          "contexto",
	} {
		if got := cf.fields[k]; got != want {
			t.Errorf("field %s = %q, want %q", k, got, want)
		}
	}
}

func TestTranscribe_NoPromptWithoutContext(t *testing.T) {
	var last atomic.Pointer[capturedForm]
	srv := newMockServer(t, map[string]any{"text": "olá"}, nil, &last)

	p, _ := whisper.New(srv.URL)
	tr, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("a"), Language: "en"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(tr.Segments) != 1 || tr.Segments[0].Text != "olá" {
		t.Errorf("Segments = %+v", tr.Segments)
	}
	cf := last.Load()
	if _, ok := cf.fields["prompt"]; ok {
		t.Error("prompt field sent without previous context")
	}
	if cf.fields["language"] != "en" {
		t.Errorf("language = %q, want en", cf.fields["language"])
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("a")}); err == nil {
		t.Fatal("expected error for HTTP 500")
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	p, _ := whisper.New("http://localhost:1")
	if _, err := p.Transcribe(context.Background(), stt.Request{}); err == nil {
		t.Fatal("expected error for empty audio")
	}
}

func TestTranscribe_CancelledContext(t *testing.T) {
	srv := newMockServer(t, map[string]any{"text": "x"}, nil, nil)
	p, _ := whisper.New(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Transcribe(ctx, stt.Request{Audio: []byte("a")}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
