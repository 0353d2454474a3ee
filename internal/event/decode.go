package event

import (
	"errors"
	"fmt"

	"github.com/valyala/fastjson"
)

// ErrInvalidJSON is returned when the request body is not valid JSON.
var ErrInvalidJSON = errors.New("invalid JSON format in request body")

// ValidationError rejects a batch whose structure does not match LogEvent.
type ValidationError struct {
	Index int    // position in the batch, -1 for the top-level value
	Field string // offending field, empty when the whole value is wrong
	Msg   string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Index < 0:
		return "invalid payload: " + e.Msg
	case e.Field == "":
		return fmt.Sprintf("invalid event %d: %s", e.Index, e.Msg)
	default:
		return fmt.Sprintf("invalid event %d: field %q %s", e.Index, e.Field, e.Msg)
	}
}

type field struct {
	name     string
	required bool // must be non-empty
	set      func(*LogEvent, string)
}

var fields = []field{
	{"message", true, func(e *LogEvent, v string) { e.Message = v }},
	{"level", false, func(e *LogEvent, v string) { e.Level = v }},
	{"k8s_container", false, func(e *LogEvent, v string) { e.Container = v }},
	{"k8s_pod", false, func(e *LogEvent, v string) { e.Pod = v }},
	{"k8s_namespace", false, func(e *LogEvent, v string) { e.Namespace = v }},
	{"k8s_app_label", true, func(e *LogEvent, v string) { e.AppLabel = v }},
	{"k8s_job_name", false, func(e *LogEvent, v string) { e.JobName = v }},
	{"k8s_image", false, func(e *LogEvent, v string) { e.Image = v }},
	{"timestamp", false, func(e *LogEvent, v string) { e.Timestamp = v }},
}

var parserPool fastjson.ParserPool

// DecodeBatch parses a request body holding either a single event object or
// an array of them. Every field must be present and a string; message and
// k8s_app_label must also be non-empty. Any violation rejects the batch.
func DecodeBatch(body []byte) ([]LogEvent, error) {
	p := parserPool.Get()
	defer parserPool.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	switch v.Type() {
	case fastjson.TypeObject:
		ev, err := decodeEvent(0, v)
		if err != nil {
			return nil, err
		}
		return []LogEvent{ev}, nil
	case fastjson.TypeArray:
		arr, _ := v.Array()
		events := make([]LogEvent, 0, len(arr))
		for i, item := range arr {
			ev, err := decodeEvent(i, item)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
		return events, nil
	default:
		return nil, &ValidationError{Index: -1, Msg: "expected an event object or an array of events, got " + v.Type().String()}
	}
}

func decodeEvent(idx int, v *fastjson.Value) (LogEvent, error) {
	var ev LogEvent
	if v.Type() != fastjson.TypeObject {
		return ev, &ValidationError{Index: idx, Msg: "expected an object, got " + v.Type().String()}
	}
	for _, f := range fields {
		fv := v.Get(f.name)
		if fv == nil {
			return ev, &ValidationError{Index: idx, Field: f.name, Msg: "is required"}
		}
		b, err := fv.StringBytes()
		if err != nil {
			return ev, &ValidationError{Index: idx, Field: f.name, Msg: "must be a string"}
		}
		if f.required && len(b) == 0 {
			return ev, &ValidationError{Index: idx, Field: f.name, Msg: "must not be empty"}
		}
		f.set(&ev, string(b))
	}
	return ev, nil
}
