// Package notifier delivers short operator messages about task outcomes.
//
// A Service queues messages, suppresses duplicates inside a window, throttles
// delivery with a token bucket and retries failed sends. Delivery itself is a
// Sender: Telegram, the process log, or several of them through Multi.
//
// Callers treat notification as best effort and never fail a task because a
// message could not be sent.
package notifier
