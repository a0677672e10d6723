// Package notify delivers published alerts to downstream consumers.
//
// Delivery is best effort. A Fanout calls every configured Sink under a
// shared rate limit with a bounded per-attempt timeout and a small number of
// retries. Failures are logged and published on the event bus; they are never
// reported back to the evaluation that produced the alert, whose published
// state is already committed by the time delivery starts.
package notify
