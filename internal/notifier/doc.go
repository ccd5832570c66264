// Package notifier turns run events into operator alerts.
//
// Alerts are queued and delivered by one worker through a Sender (Telegram
// in production). Delivery is rate limited and retried with backoff; a
// sender may ask for a specific delay (Telegram flood control).
//
// # Dedup
//
// An alert carries a key. Alerts with the same key inside the dedup window
// are dropped. Suppression windows are written to the run store so a
// restarted daemon does not repeat an alert it just sent.
package notifier
