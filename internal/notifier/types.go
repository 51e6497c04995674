package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Workers       int
	QueueSize     int // per worker
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration

	// MotivationImageURL is attached to emphasized messages. Empty sends text only.
	MotivationImageURL string
}

type HistoryItem struct {
	At     time.Time
	ChatID int64
	Kind   string
	Text   string
}

// Stats are cumulative counters since New.
type Stats struct {
	Queued  uint64
	Sent    uint64
	Failed  uint64
	Dropped uint64
}

// NotificationEvent is emitted on the event bus for failed or dropped sends.
type NotificationEvent struct {
	ChatID int64     `json:"chat_id"`
	Kind   string    `json:"kind"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
