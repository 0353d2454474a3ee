package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/lookout/internal/event"
)

const (
	// logExcerpt bounds raw engine output written to the log on parse failure.
	logExcerpt = 150
	// storedExcerpt bounds raw engine output kept on a Record.
	storedExcerpt = 2000
)

var errUnparseable = errors.New("llm output is not a JSON object")

// ServiceHooks receives per-record observations. Nil funcs are skipped.
type ServiceHooks struct {
	OnRecord func(v Verdict)
}

// Service is the business boundary for log analysis.
type Service struct {
	store    Store
	orch     *Orchestrator
	logger   log.Logger
	hooks    ServiceHooks
	notifier Notifier
}

// NewService creates a new analysis service. notifier may be nil.
func NewService(store Store, orch *Orchestrator, logger log.Logger, hooks ServiceHooks, notifier Notifier) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:    store,
		orch:     orch,
		logger:   logger,
		hooks:    hooks,
		notifier: notifier,
	}
}

// Submit analyzes a batch of events and returns once every admitted event
// has a normalized result. Work is detached from ctx cancellation once it
// starts, so a client hanging up does not leave the dedup cache claiming
// fingerprints that were never analyzed. A ctx that is already done when
// Submit is called is rejected without touching the cache.
func (s *Service) Submit(ctx context.Context, events []event.LogEvent) (*Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	batchID := ulid.Make().String()
	L := s.logger.With("batch_id", batchID)

	br := s.orch.Run(ctx, events)

	sum := &Summary{
		Status:    "ok",
		BatchID:   batchID,
		Received:  br.Received,
		Processed: br.Processed(),
		Skipped:   br.Skipped,
		Results:   make([]*Record, 0, br.Processed()),
	}

	for i := range br.Outcomes {
		out := &br.Outcomes[i]
		rec := s.record(ctx, L, batchID, out)

		if err := s.store.Put(ctx, rec); err != nil {
			L.Error(ctx, err, "failed to persist analysis record", "record_id", rec.ID)
		}
		if s.notifier != nil {
			if err := s.notifier.Send(ctx, rec); err != nil {
				L.Error(ctx, err, "failed to send analysis notification", "record_id", rec.ID)
			}
		}
		if s.hooks.OnRecord != nil {
			s.hooks.OnRecord(rec.Verdict)
		}
		sum.Results = append(sum.Results, rec)
	}

	sum.Message = summaryMessage(sum)
	return sum, nil
}

// record normalizes one outcome and logs the result block.
func (s *Service) record(ctx context.Context, L log.Logger, batchID string, out *Outcome) *Record {
	res, verdict := Normalize(&out.Event, out.Raw, out.Err)

	rec := &Record{
		ID:          ulid.Make().String(),
		BatchID:     batchID,
		Fingerprint: out.Fingerprint,
		Event:       out.Event,
		Result:      res,
		Verdict:     verdict,
		CreatedAt:   time.Now().UTC(),
		Duration:    out.Duration.Seconds(),
	}

	switch verdict {
	case VerdictEngineError:
		rec.Error = out.Err.Error()
		L.Error(ctx, out.Err, "analysis engine call failed", "pod", out.Event.Pod, "app", out.Event.AppLabel)
	case VerdictUnparseable:
		rec.Error = errUnparseable.Error()
		rec.RawExcerpt = event.Truncate(out.Raw, storedExcerpt)
		L.Error(ctx, errUnparseable, "llm output error (bad JSON)",
			"pod", out.Event.Pod,
			"raw", event.Truncate(out.Raw, logExcerpt),
		)
	}

	L.Info(ctx, "analysis result",
		"record_id", rec.ID,
		"pod", out.Event.Pod,
		"namespace", out.Event.Namespace,
		"message", out.Event.Message,
		"service_affected", res.ServiceAffected,
		"probable_cause", res.ProbableCause,
		"suggested_action", res.SuggestedAction,
		"verdict", verdict,
		"duration", out.Duration.Seconds(),
	)

	return rec
}

func summaryMessage(sum *Summary) string {
	if sum.Received == 0 {
		return "No log events received."
	}
	if sum.Processed == 0 {
		return fmt.Sprintf("All %d logs were duplicates and skipped.", sum.Received)
	}
	return fmt.Sprintf("Processed %d of %d log events (%d duplicates skipped).", sum.Processed, sum.Received, sum.Skipped)
}

// Get retrieves an analysis record by ID.
func (s *Service) Get(ctx context.Context, id string) (*Record, bool, error) {
	return s.store.Get(ctx, id)
}

// Recent returns up to limit records, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]*Record, error) {
	return s.store.Recent(ctx, limit)
}
