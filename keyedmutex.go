package gryag

import "sync"

// keyedMutex serializes turns per (chat, user) so the model always sees
// a consistent history. Distinct keys proceed in parallel. Entries are
// reference counted and dropped once idle.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[turnKey]*keyedLock
}

type turnKey struct {
	chatID int64
	userID int64
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[turnKey]*keyedLock)}
}

// Lock blocks until the key is free and returns its unlock function.
func (k *keyedMutex) Lock(chatID, userID int64) func() {
	key := turnKey{chatID: chatID, userID: userID}
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
