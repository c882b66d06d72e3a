package connector

import "sync"

// Event names published on the bus.
const (
	EventSessionsChanged = "sessions-changed"
	EventVaultLocked     = "vault-locked"
	EventVaultUnlocked   = "vault-unlocked"
)

// EventBus distributes session and vault lifecycle notifications.
// The host application may supply its own implementation.
type EventBus interface {
	Emit(event string)
	Subscribe(event string, fn func())
}

// MemoryBus is a synchronous in-process EventBus. Handlers run on the
// emitting goroutine and must not block.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]func()
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]func())}
}

func (b *MemoryBus) Emit(event string) {
	b.mu.RLock()
	handlers := b.subs[event]
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn()
	}
}

func (b *MemoryBus) Subscribe(event string, fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[event] = append(b.subs[event], fn)
}
