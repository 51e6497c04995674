// Package notifier delivers bot messages asynchronously.
//
// Callers enqueue and return immediately. Jobs are sharded by chat id onto
// per-worker queues, so messages to one chat keep their order while
// different chats are delivered in parallel. A shared token bucket keeps the
// bot under Telegram's global rate limit; failed sends are retried with
// jittered backoff and then logged.
//
// Emphasized messages carry the configured motivation image and fall back to
// plain text if the photo cannot be delivered.
package notifier
