package analysis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lookout/internal/event"
)

const claudeTestModel = "claude-sonnet-4-20250514"

// mockProvider returns resp or err and records the last request.
type mockProvider struct {
	resp *LLMResponse
	err  error

	mu   sync.Mutex
	last *LLMRequest
}

func (m *mockProvider) Send(_ context.Context, req *LLMRequest) (*LLMResponse, error) {
	m.mu.Lock()
	m.last = req
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func (m *mockProvider) lastRequest() *LLMRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

type stubSource struct {
	lines []string
	err   error
}

func (s *stubSource) Recent(context.Context, *event.LogEvent) ([]string, error) {
	return s.lines, s.err
}

func TestEngine_Analyze(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{resp: &LLMResponse{
		Text:  validOutput,
		Model: claudeTestModel,
		Usage: Usage{InputTokens: 120, OutputTokens: 40},
	}}

	var in, out, calls int
	var hookErr error
	engine := NewEngine(provider, nil, log.Nop(), EngineHooks{
		OnLLMCall: func(i, o int, _ float64, err error) {
			calls++
			in, out, hookErr = i, o, err
		},
	})

	raw, err := engine.Analyze(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if raw != validOutput {
		t.Errorf("raw = %q, want provider text verbatim", raw)
	}
	if calls != 1 || in != 120 || out != 40 || hookErr != nil {
		t.Errorf("hook = (%d calls, %d in, %d out, %v)", calls, in, out, hookErr)
	}

	req := provider.lastRequest()
	if req.MaxTokens != ResponseTokens {
		t.Errorf("MaxTokens = %d, want %d", req.MaxTokens, ResponseTokens)
	}
	for _, key := range []string{"service_affected", "probable_cause", "suggested_action"} {
		if !strings.Contains(req.System, key) {
			t.Errorf("system prompt missing key %q", key)
		}
	}
	ev := testEvent()
	for _, want := range []string{ev.Message, ev.Pod, ev.Namespace, ev.Container, ev.AppLabel, ev.Image} {
		if !strings.Contains(req.Prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(req.Prompt, "Recent logs") {
		t.Error("prompt has a context section without a source")
	}
}

func TestEngine_ProviderError(t *testing.T) {
	t.Parallel()

	boom := errors.New("503 overloaded")
	var hookErr error
	engine := NewEngine(&mockProvider{err: boom}, nil, log.Nop(), EngineHooks{
		OnLLMCall: func(_, _ int, _ float64, err error) { hookErr = err },
	})

	_, err := engine.Analyze(context.Background(), testEvent())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapping %v", err, boom)
	}
	if !errors.Is(hookErr, boom) {
		t.Errorf("hook err = %v, want %v", hookErr, boom)
	}
}

func TestEngine_EmptyResponse(t *testing.T) {
	t.Parallel()

	engine := NewEngine(&mockProvider{resp: &LLMResponse{Text: "  \n"}}, nil, log.Nop(), EngineHooks{})
	if _, err := engine.Analyze(context.Background(), testEvent()); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestEngine_ContextSource(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{resp: &LLMResponse{Text: validOutput}}
	source := &stubSource{lines: []string{"retrying transaction 1/3", "retrying transaction 2/3"}}
	engine := NewEngine(provider, source, log.Nop(), EngineHooks{})

	if _, err := engine.Analyze(context.Background(), testEvent()); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	prompt := provider.lastRequest().Prompt
	if !strings.Contains(prompt, "Recent logs from the same pod") {
		t.Error("prompt missing context section")
	}
	if !strings.Contains(prompt, "retrying transaction 2/3") {
		t.Error("prompt missing context lines")
	}
}

func TestEngine_ContextSourceFailureDegrades(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{resp: &LLMResponse{Text: validOutput}}
	engine := NewEngine(provider, &stubSource{err: errors.New("loki unavailable")}, log.Nop(), EngineHooks{})

	raw, err := engine.Analyze(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if raw != validOutput {
		t.Errorf("raw = %q", raw)
	}
	if strings.Contains(provider.lastRequest().Prompt, "Recent logs") {
		t.Error("context section present after failed lookup")
	}
}

func TestBuildPrompt_UnknownFields(t *testing.T) {
	t.Parallel()

	p := buildPrompt(&event.LogEvent{Message: "boom", AppLabel: "api"}, nil)
	if !strings.Contains(p, "- Pod: unknown") {
		t.Errorf("prompt missing unknown pod placeholder:\n%s", p)
	}
	if strings.Contains(p, "- Job:") || strings.Contains(p, "- Image:") {
		t.Errorf("prompt renders empty optional fields:\n%s", p)
	}
}
