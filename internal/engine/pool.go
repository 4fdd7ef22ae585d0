package engine

import (
	"context"
	"sync"

	"github.com/comigor/chatsync/internal/logger"
)

// Pool hands out one started engine per owner. Engines share the template's
// store, completer and outbox.
type Pool struct {
	template Config

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewPool creates a pool; template.Owner and template.Directory are ignored.
func NewPool(template Config) *Pool {
	template.Owner = ""
	template.Directory = nil
	return &Pool{template: template, engines: make(map[string]*Engine)}
}

// For returns the engine of owner, creating and starting it on first use.
func (p *Pool) For(ctx context.Context, owner string) (*Engine, error) {
	if owner == "" {
		return nil, ErrUnauthenticated
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.engines[owner]; ok {
		return e, nil
	}

	cfg := p.template
	cfg.Owner = owner
	e, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := e.Start(ctx); err != nil {
		// the subscription is live; the directory fills on the next refresh
		logger.L.Warn("engine started without session directory", "owner", owner, "error", err)
	}
	p.engines[owner] = e
	return e, nil
}

// Close stops every engine.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for owner, e := range p.engines {
		e.Close()
		delete(p.engines, owner)
	}
}
