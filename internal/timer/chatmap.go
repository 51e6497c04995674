package timer

import (
	"sync"
	"sync/atomic"
	"time"
)

const shardCount = 64

// chatTimer is the per-chat state. All fields are guarded by mu.
// gen is written only under mu but may be read without it.
type chatTimer struct {
	mu sync.Mutex

	chatID    int64
	phase     Phase
	pending   Timer
	gen       atomic.Uint64
	startedAt time.Time

	// removed is set once the entry is unlinked from its shard. A goroutine that
	// locked a removed entry must look it up again.
	removed bool
}

type chatShard struct {
	mu sync.Mutex
	m  map[int64]*chatTimer
}

// chatMap is a striped map of chat timers. Shard locks are held only for
// lookup, insert and remove, never while a transition runs.
//
// Lock order: chatTimer.mu before chatShard.mu.
type chatMap struct {
	shards [shardCount]chatShard
}

func newChatMap() *chatMap {
	m := &chatMap{}
	for i := range m.shards {
		m.shards[i].m = make(map[int64]*chatTimer)
	}
	return m
}

func (m *chatMap) shard(chatID int64) *chatShard {
	return &m.shards[uint64(chatID)%shardCount]
}

// acquire returns the chat's entry with its mutex held, or nil when the chat
// has no entry and create is false.
func (m *chatMap) acquire(chatID int64, create bool) *chatTimer {
	sh := m.shard(chatID)
	for {
		sh.mu.Lock()
		ct := sh.m[chatID]
		if ct == nil {
			if !create {
				sh.mu.Unlock()
				return nil
			}
			ct = &chatTimer{chatID: chatID}
			sh.m[chatID] = ct
		}
		sh.mu.Unlock()

		ct.mu.Lock()
		if !ct.removed {
			return ct
		}
		ct.mu.Unlock()
	}
}

// peek returns the chat's entry unlocked, with the generation it carried
// while the shard lock was held.
func (m *chatMap) peek(chatID int64) (*chatTimer, uint64) {
	sh := m.shard(chatID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ct := sh.m[chatID]
	if ct == nil {
		return nil, 0
	}
	return ct, ct.gen.Load()
}

// release unlocks ct, unlinking it first when it went Idle.
func (m *chatMap) release(ct *chatTimer) {
	if ct.phase == Idle && !ct.removed {
		sh := m.shard(ct.chatID)
		sh.mu.Lock()
		if sh.m[ct.chatID] == ct {
			delete(sh.m, ct.chatID)
		}
		sh.mu.Unlock()
		ct.removed = true
	}
	ct.mu.Unlock()
}

func (m *chatMap) len() int {
	n := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

// snapshot returns the current entries without locking them.
func (m *chatMap) snapshot() []*chatTimer {
	var out []*chatTimer
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for _, ct := range sh.m {
			out = append(out, ct)
		}
		sh.mu.Unlock()
	}
	return out
}
