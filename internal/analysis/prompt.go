package analysis

import (
	"fmt"
	"strings"

	"github.com/linnemanlabs/lookout/internal/event"
)

const systemPrompt = `You are an expert Site Reliability Engineer analyzing error logs from a Kubernetes cluster.
Determine the root cause of the error and the next step an on-call engineer should take.

Respond ONLY with a single JSON object and nothing else, using exactly these keys:
  "service_affected": the service or component that is failing
  "probable_cause": a short root-cause hypothesis grounded in the log line and its context
  "suggested_action": a concrete next step (a command to run, a config to check, a dependency to inspect)

Do not wrap the object in markdown and do not add commentary.`

// buildPrompt renders the user turn for one event. recent holds optional
// surrounding log lines from the same pod, oldest first.
func buildPrompt(ev *event.LogEvent, recent []string) string {
	var b strings.Builder

	b.WriteString("Analyze this error log from a Kubernetes workload.\n\n")
	b.WriteString("## Context\n")
	fmt.Fprintf(&b, "- Namespace: %s\n", orUnknown(ev.Namespace))
	fmt.Fprintf(&b, "- Pod: %s\n", orUnknown(ev.Pod))
	fmt.Fprintf(&b, "- Container: %s\n", orUnknown(ev.Container))
	fmt.Fprintf(&b, "- App label: %s\n", orUnknown(ev.AppLabel))
	if ev.JobName != "" {
		fmt.Fprintf(&b, "- Job: %s\n", ev.JobName)
	}
	if ev.Image != "" {
		fmt.Fprintf(&b, "- Image: %s\n", ev.Image)
	}
	if ev.Level != "" {
		fmt.Fprintf(&b, "- Level: %s\n", ev.Level)
	}
	if ev.Timestamp != "" {
		fmt.Fprintf(&b, "- Timestamp: %s\n", ev.Timestamp)
	}

	b.WriteString("\n## Error message\n")
	b.WriteString(ev.Message)
	b.WriteString("\n")

	if len(recent) > 0 {
		b.WriteString("\n## Recent logs from the same pod\n")
		for _, line := range recent {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
