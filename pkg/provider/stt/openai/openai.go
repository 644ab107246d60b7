// Package openai provides an STT provider backed by the OpenAI audio
// transcription API (whisper-1).
//
// Requests ask for the verbose JSON response with segment timestamps. Each
// returned segment is filtered through [stt.HasSpeech] using its no-speech
// probability and average log-probability, and the exponentiated average
// log-probability is reported as the segment confidence.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/anamnese/pkg/provider/stt"
	"github.com/MrWong99/anamnese/pkg/types"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

const defaultModel = oai.AudioModelWhisper1

// Provider implements stt.Provider using the OpenAI transcription endpoint.
type Provider struct {
	client   oai.Client
	model    oai.AudioModel
	language string
}

type config struct {
	baseURL  string
	model    string
	language string
	timeout  time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// OpenAI-compatible servers and for tests.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel overrides the transcription model. Defaults to "whisper-1".
// Only models that support the verbose_json response format produce segments.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithLanguage sets the default language hint. Defaults to
// [stt.DefaultLanguage]. A per-request language takes precedence.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a new OpenAI STT Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}

	cfg := &config{model: string(defaultModel), language: stt.DefaultLanguage}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    oai.AudioModel(cfg.model),
		language: cfg.language,
	}, nil
}

// verboseResponse is the subset of the verbose_json transcription body the
// provider consumes. The SDK's Transcription type only models the plain text
// response, so segments are decoded from the raw JSON.
type verboseResponse struct {
	Text     string           `json:"text"`
	Duration float64          `json:"duration"`
	Segments []verboseSegment `json:"segments"`
}

type verboseSegment struct {
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Text         string  `json:"text"`
	AvgLogprob   float64 `json:"avg_logprob"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*types.Transcription, error) {
	if len(req.Audio) == 0 {
		return nil, errors.New("openai stt: audio must not be empty")
	}

	fileName := req.FileName
	if fileName == "" {
		fileName = "audio.webm"
	}
	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	params := oai.AudioTranscriptionNewParams{
		File:                   oai.File(bytes.NewReader(req.Audio), fileName, contentType(fileName)),
		Model:                  p.model,
		ResponseFormat:         oai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"segment"},
	}
	if lang != "" {
		params.Language = param.NewOpt(lang)
	}
	if req.PreviousContext != "" {
		params.Prompt = param.NewOpt(req.PreviousContext)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai stt: transcribe %s: %w", fileName, err)
	}

	return parseVerbose(resp.RawJSON())
}

// parseVerbose decodes a verbose_json body into a Transcription. Segments
// that fail the speech heuristic are dropped. A body without segments but with
// text yields a single untimed segment.
func parseVerbose(raw string) (*types.Transcription, error) {
	var v verboseResponse
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("openai stt: decode verbose response: %w", err)
	}

	out := &types.Transcription{Duration: v.Duration, Segments: make([]types.Segment, 0, len(v.Segments))}
	if len(v.Segments) == 0 {
		if text := strings.TrimSpace(v.Text); text != "" {
			out.Segments = append(out.Segments, types.Segment{End: v.Duration, Text: text})
		}
		return out, nil
	}

	for _, s := range v.Segments {
		if !stt.HasSpeech(s.NoSpeechProb, s.AvgLogprob) {
			continue
		}
		conf := math.Exp(s.AvgLogprob)
		out.Segments = append(out.Segments, types.Segment{
			Start:      s.Start,
			End:        s.End,
			Text:       strings.TrimSpace(s.Text),
			Confidence: &conf,
		})
	}
	return out, nil
}

// contentType guesses the MIME type of an audio upload from its extension.
func contentType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".webm":
		return "audio/webm"
	case ".m4a":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".ogg", ".oga":
		return "audio/ogg"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
