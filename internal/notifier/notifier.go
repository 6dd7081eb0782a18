// Package notifier
package notifier

// Notifier interface for surfacing operator-facing conditions (e.g. Telegram).
type Notifier interface {
	Send(msg string) error
	SendWithRetry(msg string) error
}
