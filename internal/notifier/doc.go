// Package notifier renders and delivers chat messages.
//
// Nags go out synchronously through Send, which implements the heartbeat's
// Notifier: the caller needs the message id for the audit record and must
// know whether delivery failed. Operator alerts (health changes, startup)
// go through Alert, an async queue with retry and duplicate suppression.
// Both paths share one rate limiter so bursts stay under the platform limit.
package notifier
