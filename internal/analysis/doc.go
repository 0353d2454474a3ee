// Package analysis provides the business boundary for Lookout's log analysis.
// It defines the Orchestrator (dedup filter, throttled fan-out/fan-in), the
// Engine (prompting an LLM Provider), the Normalizer that turns whatever the
// engine returned into a Result, the Service that ties them to a Store and a
// Notifier, and the domain models.
package analysis
