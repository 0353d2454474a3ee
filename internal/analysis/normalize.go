package analysis

import (
	"strings"

	"github.com/valyala/fastjson"

	"github.com/linnemanlabs/lookout/internal/event"
)

const (
	causeEngineFailed  = "Analysis engine call failed"
	actionEngineHealth = "Check network connectivity and the analysis engine (LLM service) health, credentials and quota."

	causeUnparseable  = "Analysis engine returned unparseable output. See server logs for the raw response."
	actionUnparseable = "Inspect the engine's raw output in the server logs and tighten the prompt contract for strict JSON output."
)

var normalizerParsers fastjson.ParserPool

// Normalize turns the outcome of an engine call into a Result. It never
// fails: a call error or output that is not a JSON object produces a
// fallback Result attributed to the event's app label.
func Normalize(ev *event.LogEvent, raw string, callErr error) (Result, Verdict) {
	if callErr != nil {
		return Result{
			ServiceAffected: ev.AppLabel,
			ProbableCause:   causeEngineFailed + ": " + callErr.Error(),
			SuggestedAction: actionEngineHealth,
		}, VerdictEngineError
	}

	res, ok := parseResult(stripFence(raw))
	if !ok {
		return Result{
			ServiceAffected: ev.AppLabel,
			ProbableCause:   causeUnparseable,
			SuggestedAction: actionUnparseable,
		}, VerdictUnparseable
	}
	return res, VerdictParsed
}

// stripFence removes surrounding whitespace and markdown code fence markers,
// the opening one optionally labelled json. Each end is handled on its own.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimLeft(s, "`")
		if len(s) >= 4 && strings.EqualFold(s[:4], "json") {
			s = s[4:]
		}
		s = strings.TrimSpace(s)
	}
	if strings.HasSuffix(s, "```") {
		s = strings.TrimSpace(strings.TrimRight(s, "`"))
	}
	return s
}

func parseResult(s string) (Result, bool) {
	p := normalizerParsers.Get()
	defer normalizerParsers.Put(p)

	v, err := p.Parse(s)
	if err != nil || v.Type() != fastjson.TypeObject {
		return Result{}, false
	}
	return Result{
		ServiceAffected: field(v, "service_affected", "serviceAffected"),
		ProbableCause:   field(v, "probable_cause", "probableCause"),
		SuggestedAction: field(v, "suggested_action", "suggestedAction"),
	}, true
}

// field returns the first of keys present on v. Missing keys and nulls
// yield "", non-string values their JSON text.
func field(v *fastjson.Value, keys ...string) string {
	for _, k := range keys {
		fv := v.Get(k)
		if fv == nil {
			continue
		}
		switch fv.Type() {
		case fastjson.TypeString:
			b, _ := fv.StringBytes()
			return string(b)
		case fastjson.TypeNull:
			return ""
		default:
			return fv.String()
		}
	}
	return ""
}
