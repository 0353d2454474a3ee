// Package slack sends analysis notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/lookout/internal/analysis"
)

const (
	maxSectionLen = 2900
	maxHeaderLen  = 150
	httpTimeout   = 10 * time.Second
)

// Notifier sends analysis records to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Send posts an analysis record to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, rec *analysis.Record) error {
	if n.webhookURL == "" || rec == nil {
		return nil
	}

	body, err := json.Marshal(buildMessage(rec))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack notification sent", "analysis_id", rec.ID, "verdict", string(rec.Verdict))
	return nil
}

func buildMessage(r *analysis.Record) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(r),
			{"type": "divider"},
			fieldsBlock(r),
			{"type": "divider"},
			textSection("Probable cause", r.Result.ProbableCause),
			textSection("Suggested action", r.Result.SuggestedAction),
			{"type": "divider"},
			contextBlock(r),
		},
	}
}

func headerBlock(r *analysis.Record) map[string]any {
	title := "Root cause"
	if r.Verdict != analysis.VerdictParsed {
		title = "Analysis degraded"
	}
	app := r.Event.AppLabel
	if app == "" {
		app = "unknown app"
	}
	text := fmt.Sprintf("%s %s: %s", verdictEmoji(r.Verdict), title, app)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, maxHeaderLen),
		},
	}
}

func fieldsBlock(r *analysis.Record) map[string]any {
	field := func(label, value string) map[string]any {
		if value == "" {
			value = "-"
		}
		return map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*%s:* %s", label, value)}
	}

	return map[string]any{
		"type": "section",
		"fields": []map[string]any{
			field("Namespace", r.Event.Namespace),
			field("Pod", r.Event.Pod),
			field("Container", r.Event.Container),
			field("Image", r.Event.Image),
			field("Verdict", string(r.Verdict)),
			field("Duration", fmt.Sprintf("%.1fs", r.Duration)),
		},
	}
}

func textSection(label, body string) map[string]any {
	body = truncate(body, maxSectionLen)
	if body == "" {
		body = "_Not available._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s*\n%s", label, body),
		},
	}
}

func contextBlock(r *analysis.Record) map[string]any {
	ts := r.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("lookout • analysis %s • batch %s • %s", r.ID, r.BatchID, ts.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func verdictEmoji(v analysis.Verdict) string {
	switch v {
	case analysis.VerdictParsed:
		return "\U0001f7e2" // green circle
	case analysis.VerdictUnparseable:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f534" // red circle
	}
}

// truncate cuts s to at most limit runes, ending in "...".
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-3]) + "..."
}
