package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lookout/internal/event"
)

// ResponseTokens caps the length of a single analysis answer.
const ResponseTokens = 1024

// ErrEmptyResponse is returned when the provider answered with no text.
var ErrEmptyResponse = errors.New("llm returned no text")

// Analyzer produces the raw textual analysis for one event.
type Analyzer interface {
	Analyze(ctx context.Context, ev *event.LogEvent) (string, error)
}

// ContextSource fetches log lines surrounding an event to enrich the prompt.
type ContextSource interface {
	Recent(ctx context.Context, ev *event.LogEvent) ([]string, error)
}

// EngineHooks receives per-call observations. Nil funcs are skipped.
type EngineHooks struct {
	OnLLMCall func(inputTokens, outputTokens int, duration float64, err error)
}

// Engine is the LLM-backed Analyzer.
type Engine struct {
	provider Provider
	source   ContextSource
	logger   log.Logger
	hooks    EngineHooks
}

// NewEngine creates an Engine. source may be nil.
func NewEngine(provider Provider, source ContextSource, logger log.Logger, hooks EngineHooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		provider: provider,
		source:   source,
		logger:   logger,
		hooks:    hooks,
	}
}

// Analyze asks the provider for a root-cause judgment of ev and returns the
// model's text verbatim. Context lookup failures only degrade the prompt.
func (e *Engine) Analyze(ctx context.Context, ev *event.LogEvent) (string, error) {
	var recent []string
	if e.source != nil {
		lines, err := e.source.Recent(ctx, ev)
		if err != nil {
			e.logger.Warn(ctx, "log context lookup failed", "pod", ev.Pod, "namespace", ev.Namespace, "error", err)
		} else {
			recent = lines
		}
	}

	ctx, span := tracer.Start(ctx, "llm.call",
		trace.WithAttributes(
			attribute.String("gen_ai.operation.name", "llm.call"),
			attribute.Int("gen_ai.request.max_tokens", ResponseTokens),
			attribute.Int("lookout.context.lines", len(recent)),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := e.provider.Send(ctx, &LLMRequest{
		MaxTokens: ResponseTokens,
		System:    systemPrompt,
		Prompt:    buildPrompt(ev, recent),
	})
	dur := time.Since(start).Seconds()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.report(0, 0, dur, err)
		return "", fmt.Errorf("llm call: %w", err)
	}
	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.String("gen_ai.response.finish_reason", resp.StopReason),
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
	)
	e.report(resp.Usage.InputTokens, resp.Usage.OutputTokens, dur, nil)

	if strings.TrimSpace(resp.Text) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Text, nil
}

func (e *Engine) report(in, out int, dur float64, err error) {
	if e.hooks.OnLLMCall != nil {
		e.hooks.OnLLMCall(in, out, dur, err)
	}
}
