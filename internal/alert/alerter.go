package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Alerter delivers an alert for an unhandled error.
type Alerter interface {
	Alert(ctx context.Context, message string, entries []Entry) error
}

// Nop discards every alert.
type Nop struct{}

// Alert implements [Alerter].
func (Nop) Alert(context.Context, string, []Entry) error { return nil }

// Report logs err and sends an alert carrying the log history of the
// collector in ctx. Delivery failures are logged and swallowed; Report never
// fails the caller.
func Report(ctx context.Context, a Alerter, message string, err error) {
	slog.ErrorContext(ctx, message, "err", err)
	if a == nil {
		return
	}
	var entries []Entry
	if c := FromContext(ctx); c != nil {
		entries = c.Entries()
	}
	text := message
	if err != nil {
		text = fmt.Sprintf("%s: %v", message, err)
	}
	// The invocation context may already be cancelled or expired.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if aerr := a.Alert(sendCtx, text, entries); aerr != nil {
		slog.Warn("alert: delivery failed", "err", aerr)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Slack-compatible incoming webhook
// ─────────────────────────────────────────────────────────────────────────────

// SlackOption configures a [Slack] alerter.
type SlackOption func(*Slack)

// WithFallbackURL sets the webhook that receives the short fallback alert.
// Defaults to the primary webhook.
func WithFallbackURL(url string) SlackOption {
	return func(s *Slack) { s.fallbackURL = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) SlackOption {
	return func(s *Slack) { s.client = c }
}

// WithSource sets the component name shown in alerts.
func WithSource(name string) SlackOption {
	return func(s *Slack) { s.source = name }
}

// Slack posts alerts to a Slack-compatible incoming webhook using Block Kit.
// When the full alert is rejected (for example because the log attachment is
// too large), a short alert without logs is sent instead.
type Slack struct {
	mu          sync.RWMutex
	url         string
	fallbackURL string
	source      string
	client      *http.Client
}

var _ Alerter = (*Slack)(nil)

// NewSlack returns a [Slack] alerter posting to url.
func NewSlack(url string, opts ...SlackOption) *Slack {
	s := &Slack{
		url:    url,
		source: "anamnese",
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetURLs replaces both webhook URLs. It is used by config hot reload.
func (s *Slack) SetURLs(url, fallbackURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
	s.fallbackURL = fallbackURL
}

// Alert implements [Alerter].
func (s *Slack) Alert(ctx context.Context, message string, entries []Entry) error {
	s.mu.RLock()
	url, fallbackURL, source := s.url, s.fallbackURL, s.source
	s.mu.RUnlock()

	if url == "" {
		return nil
	}
	if fallbackURL == "" {
		fallbackURL = url
	}

	err := s.post(ctx, url, buildAlert(source, message, entries))
	if err == nil {
		return nil
	}
	if ferr := s.post(ctx, fallbackURL, buildFallback(source)); ferr != nil {
		return errors.Join(err, fmt.Errorf("fallback: %w", ferr))
	}
	return nil
}

func (s *Slack) post(ctx context.Context, url string, payload slackMessage) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("alert: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alert: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("alert: webhook returned %s", resp.Status)
	}
	return nil
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

func section(text string) slackBlock {
	return slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: text}}
}

func buildAlert(source, message string, entries []Entry) slackMessage {
	blocks := []slackBlock{
		section(":warning: *Error captured* :warning:"),
		section(message + "."),
		section(fmt.Sprintf("Issue happened on `%s`. Please check the logs for details.", source)),
		{Type: "divider"},
		section("*Logs from execution* :scroll:"),
	}
	for _, e := range entries {
		blocks = append(blocks, section(fmt.Sprintf("`[%s]` %s", e.Level, e.Message)))
		if e.Attrs != "" {
			blocks = append(blocks, section("```"+e.Attrs+"```"))
		}
	}
	blocks = append(blocks, slackBlock{Type: "divider"})
	return slackMessage{Text: message, Blocks: blocks}
}

func buildFallback(source string) slackMessage {
	return slackMessage{
		Text: "Error captured on " + source,
		Blocks: []slackBlock{
			section(":warning: *Error captured* :warning:"),
			section(fmt.Sprintf("Issue happened on `%s`. Please check the logs for details.", source)),
			{Type: "divider"},
			section("There was an error while sending the logs to Slack. Check the service logs directly."),
		},
	}
}
