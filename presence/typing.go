package presence

import (
	"sync"
	"time"

	"github.com/corvidchat/corvid/globals"
	"github.com/robfig/cron/v3"
)

type typingKey struct {
	userId string
	chatId string
}

// TypingRegistry tracks (user, chat) -> typing-start timestamps. Every entry
// is armed with a deferred expiry callback; a cron backstop sweep clears
// entries whose timer was lost, so staleness stays bounded either way.
// The onExpire callback is invoked outside the registry lock.
type TypingRegistry struct {
	expiry    time.Duration
	sweepSpec string
	onExpire  func(userId, chatId string)

	mu      sync.Mutex
	entries map[typingKey]time.Time
	timers  map[typingKey]*time.Timer

	sweeper *cron.Cron
}

func NewTypingRegistry(expiry time.Duration, sweepSpec string, onExpire func(userId, chatId string)) *TypingRegistry {
	return &TypingRegistry{
		expiry:    expiry,
		sweepSpec: sweepSpec,
		onExpire:  onExpire,
		entries:   make(map[typingKey]time.Time),
		timers:    make(map[typingKey]*time.Timer),
	}
}

// Run starts the backstop sweep. Safe to skip in tests.
func (t *TypingRegistry) Run() error {
	t.sweeper = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := t.sweeper.AddFunc(t.sweepSpec, t.sweep)
	if err != nil {
		return err
	}
	t.sweeper.Start()
	return nil
}

func (t *TypingRegistry) Close() {
	if t.sweeper != nil {
		t.sweeper.Stop()
	}
}

// Start idempotently (re)sets the entry for (userId, chatId) and (re)arms its
// expiry callback.
func (t *TypingRegistry) Start(userId, chatId string) {
	key := typingKey{userId: userId, chatId: chatId}
	now := time.Now()
	t.mu.Lock()
	if old, ok := t.timers[key]; ok {
		old.Stop()
	}
	t.entries[key] = now
	t.timers[key] = time.AfterFunc(t.expiry, func() { t.expire(key, now) })
	t.mu.Unlock()
}

// Stop removes the entry and disarms its callback. It reports whether an
// entry existed, so the caller knows whether a typing:stop is due.
func (t *TypingRegistry) Stop(userId, chatId string) bool {
	key := typingKey{userId: userId, chatId: chatId}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remove(key)
}

// StopAll clears every entry owned by userId and returns the affected chat
// ids. Used on disconnect.
func (t *TypingRegistry) StopAll(userId string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	chatIds := make([]string, 0)
	for key := range t.entries {
		if key.userId == userId {
			t.remove(key)
			chatIds = append(chatIds, key.chatId)
		}
	}
	return chatIds
}

func (t *TypingRegistry) IsTyping(userId, chatId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[typingKey{userId: userId, chatId: chatId}]
	return ok
}

// remove must be called with the lock held.
func (t *TypingRegistry) remove(key typingKey) bool {
	if _, ok := t.entries[key]; !ok {
		return false
	}
	delete(t.entries, key)
	if timer, ok := t.timers[key]; ok {
		timer.Stop()
		delete(t.timers, key)
	}
	return true
}

// expire runs when a per-entry timer fires. The stamp comparison makes a
// stale callback (one that lost the race against a refreshing Start) a
// guarded no-op.
func (t *TypingRegistry) expire(key typingKey, stamp time.Time) {
	t.mu.Lock()
	started, ok := t.entries[key]
	if !ok || !started.Equal(stamp) {
		t.mu.Unlock()
		return
	}
	t.remove(key)
	t.mu.Unlock()
	if t.onExpire != nil {
		t.onExpire(key.userId, key.chatId)
	}
}

// sweep clears any entry older than the expiry. Backstop against lost
// timers.
func (t *TypingRegistry) sweep() {
	cutoff := time.Now().Add(-t.expiry)
	expired := make([]typingKey, 0)
	t.mu.Lock()
	for key, started := range t.entries {
		if started.Before(cutoff) {
			t.remove(key)
			expired = append(expired, key)
		}
	}
	t.mu.Unlock()
	if len(expired) > 0 {
		globals.AppLogger.Debug("typing sweep cleared stale entries", "count", len(expired))
	}
	if t.onExpire != nil {
		for _, key := range expired {
			t.onExpire(key.userId, key.chatId)
		}
	}
}
