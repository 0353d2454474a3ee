package analysis

import (
	"time"

	"github.com/linnemanlabs/lookout/internal/event"
)

// Verdict records how a Result was obtained.
type Verdict string

const (
	// VerdictParsed means the engine output parsed as a structured result
	VerdictParsed Verdict = "parsed"

	// VerdictUnparseable means the engine answered but the output was not a JSON object
	VerdictUnparseable Verdict = "unparseable"

	// VerdictEngineError means the engine call itself failed
	VerdictEngineError Verdict = "engine_error"
)

// Result is the normalized root-cause judgment for one event.
type Result struct {
	ServiceAffected string `json:"service_affected"`
	ProbableCause   string `json:"probable_cause"`
	SuggestedAction string `json:"suggested_action"`
}

// Record is a normalized analysis together with the event it belongs to.
type Record struct {
	ID          string         `json:"id"`
	BatchID     string         `json:"batch_id"`
	Fingerprint string         `json:"fingerprint"`
	Event       event.LogEvent `json:"event"`
	Result      Result         `json:"result"`
	Verdict     Verdict        `json:"verdict"`
	Error       string         `json:"error,omitempty"`
	RawExcerpt  string         `json:"raw_excerpt,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Duration    float64        `json:"duration_seconds"`
}

// Summary is what the caller of a batch submission gets back.
type Summary struct {
	Status    string    `json:"status"`
	BatchID   string    `json:"batch_id"`
	Received  int       `json:"received"`
	Processed int       `json:"processed"`
	Skipped   int       `json:"skipped"`
	Message   string    `json:"message"`
	Results   []*Record `json:"results"`
}
