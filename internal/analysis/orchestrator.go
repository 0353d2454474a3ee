package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lookout/internal/dedup"
	"github.com/linnemanlabs/lookout/internal/event"
	"github.com/linnemanlabs/lookout/internal/throttle"
)

var tracer = otel.Tracer("github.com/linnemanlabs/lookout/internal/analysis")

// ErrAnalyzerPanic wraps a panic recovered from an Analyzer.
var ErrAnalyzerPanic = errors.New("analyzer panicked")

// OrchestratorHooks receives batch observations. Nil funcs are skipped.
type OrchestratorHooks struct {
	OnBatch    func(received, admitted, skipped int)
	OnAnalyzed func(duration float64, err error)
}

// Outcome is the raw result of analyzing one admitted event.
type Outcome struct {
	Event       event.LogEvent
	Fingerprint string
	Raw         string
	Err         error
	Duration    time.Duration
}

// BatchResult is the fan-in of one batch. Outcomes are in arrival order of
// the admitted events.
type BatchResult struct {
	Received int
	Skipped  int
	Outcomes []Outcome
}

// Processed returns the number of events that were analyzed.
func (b *BatchResult) Processed() int { return len(b.Outcomes) }

// Orchestrator filters a batch through the dedup cache and analyzes the
// survivors concurrently under the shared throttle.
type Orchestrator struct {
	cache       *dedup.Cache
	throttle    *throttle.Throttle
	analyzer    Analyzer
	callTimeout time.Duration
	logger      log.Logger
	hooks       OrchestratorHooks
	now         func() time.Time
}

// NewOrchestrator creates an Orchestrator. A non-positive callTimeout
// leaves engine calls bounded only by the caller's context.
func NewOrchestrator(cache *dedup.Cache, th *throttle.Throttle, analyzer Analyzer, callTimeout time.Duration, logger log.Logger, hooks OrchestratorHooks) *Orchestrator {
	if logger == nil {
		logger = log.Nop()
	}
	return &Orchestrator{
		cache:       cache,
		throttle:    th,
		analyzer:    analyzer,
		callTimeout: callTimeout,
		logger:      logger,
		hooks:       hooks,
		now:         time.Now,
	}
}

// Run analyzes a batch and returns once every admitted event has an
// outcome. The dedup decision for all events is taken against a single
// timestamp in arrival order, so a fingerprint repeated inside the batch is
// analyzed at most once.
func (o *Orchestrator) Run(ctx context.Context, events []event.LogEvent) *BatchResult {
	ctx, span := tracer.Start(ctx, "analysis.batch",
		trace.WithAttributes(attribute.Int("lookout.batch.received", len(events))),
	)
	defer span.End()

	now := o.now()
	br := &BatchResult{Received: len(events)}
	admitted := make([]Outcome, 0, len(events))

	for i := range events {
		ev := events[i]
		fp := ev.Fingerprint()
		if !o.cache.Admit(fp, now) {
			br.Skipped++
			until, _ := o.cache.SuppressedUntil(fp)
			o.logger.Info(ctx, "skipping duplicate log",
				"app", ev.AppLabel,
				"fingerprint", fp,
				"suppressed_until", until.Format(time.TimeOnly),
			)
			continue
		}
		admitted = append(admitted, Outcome{Event: ev, Fingerprint: fp})
	}

	span.SetAttributes(
		attribute.Int("lookout.batch.admitted", len(admitted)),
		attribute.Int("lookout.batch.skipped", br.Skipped),
	)
	o.logger.Info(ctx, "received logs", "received", len(events), "unique", len(admitted), "skipped", br.Skipped)
	if o.hooks.OnBatch != nil {
		o.hooks.OnBatch(len(events), len(admitted), br.Skipped)
	}

	var wg sync.WaitGroup
	for i := range admitted {
		wg.Add(1)
		go func(out *Outcome) {
			defer wg.Done()
			o.analyze(ctx, out)
		}(&admitted[i])
	}
	wg.Wait()

	br.Outcomes = admitted
	return br
}

// analyze fills out in place. Each goroutine owns exactly one slot.
func (o *Orchestrator) analyze(ctx context.Context, out *Outcome) {
	ctx, span := tracer.Start(ctx, "analysis.analyze",
		trace.WithAttributes(
			attribute.String("lookout.fingerprint", out.Fingerprint),
			attribute.String("k8s.app", out.Event.AppLabel),
			attribute.String("k8s.pod.name", out.Event.Pod),
			attribute.String("k8s.namespace.name", out.Event.Namespace),
		),
	)
	defer span.End()

	start := time.Now()
	out.Err = o.throttle.Do(ctx, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrAnalyzerPanic, r)
			}
		}()

		if o.callTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.callTimeout)
			defer cancel()
		}

		raw, err := o.analyzer.Analyze(ctx, &out.Event)
		if err != nil {
			return err
		}
		out.Raw = raw
		return nil
	})
	out.Duration = time.Since(start)

	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}
	if o.hooks.OnAnalyzed != nil {
		o.hooks.OnAnalyzed(out.Duration.Seconds(), out.Err)
	}
}
