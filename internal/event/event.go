// Package event defines the log event shipped by the log agent and the
// fingerprint used to collapse repeated incidents.
package event

import "unicode/utf8"

// FingerprintPrefix is the number of leading message characters that take
// part in the fingerprint.
const FingerprintPrefix = 50

// LogEvent is a single error log line with the Kubernetes metadata attached
// by the shipping agent. Only Message and AppLabel are guaranteed non-empty.
type LogEvent struct {
	Message   string `json:"message"`
	Level     string `json:"level"`
	Container string `json:"k8s_container"`
	Pod       string `json:"k8s_pod"`
	Namespace string `json:"k8s_namespace"`
	AppLabel  string `json:"k8s_app_label"`
	JobName   string `json:"k8s_job_name"`
	Image     string `json:"k8s_image"`
	Timestamp string `json:"timestamp"`
}

// Fingerprint returns the dedup key of the event. See Fingerprint.
func (e *LogEvent) Fingerprint() string {
	return Fingerprint(e.AppLabel, e.Message)
}

// Fingerprint derives the dedup key from an app label and a message:
// appLabel + ":" + the first FingerprintPrefix characters of message.
//
// No normalization is applied. Messages that only differ after the prefix
// collapse into one incident, messages that differ inside it (an embedded
// request id, say) do not.
func Fingerprint(appLabel, message string) string {
	return appLabel + ":" + prefix(message, FingerprintPrefix)
}

// prefix returns the first n characters of s without splitting a rune.
func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Truncate shortens s to at most n characters, appending "..." when cut.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return prefix(s, n) + "..."
}
