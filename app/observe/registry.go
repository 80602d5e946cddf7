package observe

import (
	"sync"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/objstore/app/engine"
)

// Registry keeps at most one active subscription token per name. Safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]*engine.NotificationToken
}

// NewRegistry makes empty registry
func NewRegistry() *Registry {
	return &Registry{tokens: map[string]*engine.NotificationToken{}}
}

// Set stores token under name, invalidating the token registered under the same name before
func (r *Registry) Set(name string, tok *engine.NotificationToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.tokens[name]; ok && prev != tok {
		prev.Invalidate()
		log.Printf("[DEBUG] token %s replaced", name)
	}
	r.tokens[name] = tok
}

// Invalidate stops the token registered under name. With remove the name is freed,
// otherwise the invalidated token stays accessible with Token.
func (r *Registry) Invalidate(name string, remove bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[name].Invalidate()
	if remove {
		delete(r.tokens, name)
	}
}

// Token returns token registered under name, nil if none
func (r *Registry) Token(name string) *engine.NotificationToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens[name]
}

// InvalidateAll stops and removes all tokens
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, tok := range r.tokens {
		tok.Invalidate()
		delete(r.tokens, name)
	}
}

// Len returns number of registered names
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
