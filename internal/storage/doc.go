// Package storage provides the durable state behind the alert pipeline.
//
// It currently supports:
//   - Recurring schedule registrations and per-job-type fire watermarks
//   - The job queue (waiting/delayed/active entries with leases)
//   - The previous-window signal snapshot cache
//   - Published alerts
//   - Raw sensor readings (separate store, see OpenReadings)
//
// Drivers: "sqlite" (default, single file) and "redis" for pipeline state;
// "sqlite" and "postgres" for readings.
package storage
