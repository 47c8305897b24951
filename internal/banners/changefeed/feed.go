// Package changefeed distributes committed banner mutations to in-process
// consumers such as the index and the cache.
package changefeed

import (
	"context"
	"sync"

	"github.com/Leopold1975/banners_resolver/internal/banners/domain/models"
)

type Handler func(context.Context, models.Change)

type subscriber struct {
	name string
	h    Handler
}

// Feed delivers every published change to all subscribers synchronously, in
// subscription order. Publish returns after the last handler returned.
type Feed struct {
	mu     sync.RWMutex
	subs   []subscriber
	origin string
}

func New(origin string) *Feed {
	return &Feed{origin: origin}
}

// Origin identifies this process on shared notification channels.
func (f *Feed) Origin() string {
	return f.origin
}

func (f *Feed) Subscribe(name string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.subs = append(f.subs, subscriber{name: name, h: h})
}

// Publish stamps changes without an origin as local ones.
func (f *Feed) Publish(ctx context.Context, c models.Change) {
	if c.Origin == "" {
		c.Origin = f.origin
	}

	f.mu.RLock()
	subs := f.subs
	f.mu.RUnlock()

	for _, s := range subs {
		s.h(ctx, c)
	}
}

// Subscribers returns subscriber names in delivery order.
func (f *Feed) Subscribers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.subs))
	for _, s := range f.subs {
		names = append(names, s.name)
	}

	return names
}
