// Package logctx fetches log lines surrounding an event so the analysis
// prompt can show what the pod was doing just before it failed.
package logctx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/lookout/internal/event"
)

const (
	// DefaultWindow is how far back from the event Loki is searched.
	DefaultWindow = 15 * time.Minute
	// DefaultLimit is the maximum number of context lines returned.
	DefaultLimit = 20

	maxLineLen   = 500
	maxBodyBytes = 2 << 20
	successState = "success"
)

// Loki reads recent lines for an event's pod from a Loki query_range API.
type Loki struct {
	endpoint   string
	tenantID   string
	window     time.Duration
	limit      int
	httpClient *http.Client
	now        func() time.Time
}

// NewLoki creates a Loki context source. tenantID may be empty.
func NewLoki(endpoint, tenantID string) *Loki {
	return &Loki{
		endpoint: endpoint,
		tenantID: tenantID,
		window:   DefaultWindow,
		limit:    DefaultLimit,
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string       `json:"resultType"`
		Result     []lokiStream `json:"result"`
	} `json:"data"`
}

// Selector returns the LogQL stream selector for ev, or "" when the event
// does not carry enough Kubernetes metadata to pin down a pod.
func Selector(ev *event.LogEvent) string {
	if ev.Namespace == "" || ev.Pod == "" {
		return ""
	}
	sel := fmt.Sprintf("{namespace=%s, pod=%s", strconv.Quote(ev.Namespace), strconv.Quote(ev.Pod))
	if ev.Container != "" {
		sel += fmt.Sprintf(", container=%s", strconv.Quote(ev.Container))
	}
	return sel + "}"
}

// Recent returns up to the configured limit of lines logged by ev's pod in
// the window ending at the event timestamp (or now when it does not parse),
// oldest first. Events without namespace and pod yield no lines.
func (l *Loki) Recent(ctx context.Context, ev *event.LogEvent) ([]string, error) {
	sel := Selector(ev)
	if sel == "" {
		return nil, nil
	}

	end := l.now().UTC()
	if ts, err := time.Parse(time.RFC3339Nano, ev.Timestamp); err == nil {
		end = ts.UTC()
	}
	start := end.Add(-l.window)

	u, err := url.Parse(l.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "loki/api/v1/query_range")

	q := u.Query()
	q.Set("query", sel)
	q.Set("start", start.Format(time.RFC3339Nano))
	q.Set("end", end.Format(time.RFC3339Nano))
	q.Set("limit", strconv.Itoa(l.limit))
	q.Set("direction", "backward")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if l.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", l.tenantID)
	}

	resp, err := l.httpClient.Do(req) //nolint:gosec // endpoint comes from config; event fields are query-string encoded
	if err != nil {
		return nil, fmt.Errorf("loki query failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("loki returned %d: %s", resp.StatusCode, event.Truncate(string(body), 200))
	}

	var lr lokiResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if lr.Status != successState {
		return nil, fmt.Errorf("loki query status %q", lr.Status)
	}

	return flattenStreams(lr.Data.Result, l.limit), nil
}

type entry struct {
	ts   int64
	line string
}

// flattenStreams merges all streams, keeps the newest limit entries and
// returns them oldest first.
func flattenStreams(streams []lokiStream, limit int) []string {
	var entries []entry
	for _, s := range streams {
		for _, v := range s.Values {
			if len(v) < 2 {
				continue
			}
			ts, err := strconv.ParseInt(v[0], 10, 64)
			if err != nil {
				continue
			}
			entries = append(entries, entry{ts: ts, line: v[1]})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ts < entries[j].ts })
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, event.Truncate(strings.TrimRight(e.line, "\r\n"), maxLineLen))
	}
	return lines
}
