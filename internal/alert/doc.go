// Package alert holds the alert pipeline's domain types: job types, severity
// colors, sensor signals and their deltas, classification results and the
// published per-job-type alert state read by the HTTP layer.
package alert
