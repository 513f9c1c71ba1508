package gryag

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PromptResolver resolves the active system prompt for a turn by
// walking personal(user) → chat → global, first hit wins, with the
// compiled-in persona as the final fallback. Lookups are cached with a
// TTL; any prompt mutation clears the cache.
type PromptResolver struct {
	store    PromptStore
	fallback string
	ttl      time.Duration
	log      *slog.Logger

	mu    sync.RWMutex
	cache map[promptCacheKey]promptCacheEntry
	now   func() time.Time // test hook
}

type promptCacheKey struct {
	scope string
	key   int64
}

type promptCacheEntry struct {
	text    string
	active  bool
	expires time.Time
}

// NewPromptResolver creates a resolver. ttl <= 0 selects one hour.
func NewPromptResolver(store PromptStore, fallback string, ttl time.Duration, log *slog.Logger) *PromptResolver {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if log == nil {
		log = nopLogger
	}
	return &PromptResolver{
		store:    store,
		fallback: fallback,
		ttl:      ttl,
		log:      log,
		cache:    make(map[promptCacheKey]promptCacheEntry),
		now:      time.Now,
	}
}

// Resolve returns the prompt text governing a turn. Store failures skip
// the scope; the resolver always returns usable text.
func (r *PromptResolver) Resolve(ctx context.Context, chatID, userID int64) string {
	scopes := []promptCacheKey{
		{scope: ScopePersonal, key: userID},
		{scope: ScopeChat, key: chatID},
		{scope: ScopeGlobal, key: 0},
	}
	for _, sk := range scopes {
		if sk.key == 0 && sk.scope != ScopeGlobal {
			continue
		}
		text, active, ok := r.cached(sk)
		if !ok {
			p, err := r.store.ActivePrompt(ctx, sk.scope, sk.key)
			if err != nil {
				r.log.Error("prompt lookup failed", "scope", sk.scope, "key", sk.key, "error", err)
				continue
			}
			active = p != nil
			if active {
				text = p.Text
			}
			r.put(sk, text, active)
		}
		if active {
			return text
		}
	}
	return r.fallback
}

// SetPrompt installs p as the new active prompt in its scope and clears
// the cache.
func (r *PromptResolver) SetPrompt(ctx context.Context, p SystemPrompt) (SystemPrompt, error) {
	stored, err := r.store.SetPrompt(ctx, p)
	if err != nil {
		return SystemPrompt{}, err
	}
	r.Invalidate()
	return stored, nil
}

// DeactivatePrompt retires a prompt row and clears the cache, so the
// resolver falls back to the next scope.
func (r *PromptResolver) DeactivatePrompt(ctx context.Context, id string) error {
	if err := r.store.DeactivatePrompt(ctx, id); err != nil {
		return err
	}
	r.Invalidate()
	return nil
}

// Invalidate clears every cached scope.
func (r *PromptResolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[promptCacheKey]promptCacheEntry)
	r.mu.Unlock()
}

func (r *PromptResolver) cached(k promptCacheKey) (text string, active, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cache[k]
	if !ok || r.now().After(e.expires) {
		return "", false, false
	}
	return e.text, e.active, true
}

func (r *PromptResolver) put(k promptCacheKey, text string, active bool) {
	r.mu.Lock()
	r.cache[k] = promptCacheEntry{text: text, active: active, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()
}
