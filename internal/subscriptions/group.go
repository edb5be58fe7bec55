// Package subscriptions bundles the change feeds a coordinator needs into a
// group that is lost as a unit.
package subscriptions

import (
	"context"
	"log"
	"sync"

	"github.com/pkg/errors"

	"ue1live/pkg/interfaces"
	"ue1live/pkg/types"
)

// Feed describes one change subscription of a group.
type Feed struct {
	Table    string
	Filter   types.Filter
	OnChange interfaces.ChangeHandler
}

// Group is a set of live subscriptions. When any member is lost the whole
// group is: its snapshot can no longer be trusted and must be re-fetched.
type Group struct {
	subs []interfaces.Subscription

	lost      chan struct{}
	lostOnce  sync.Once
	stop      chan struct{}
	closeOnce sync.Once
}

// Open subscribes to every feed in order. If one subscription fails the ones
// already made are released and the error is returned.
func Open(ctx context.Context, store interfaces.RealtimeStore, feeds ...Feed) (*Group, error) {
	g := &Group{
		lost: make(chan struct{}),
		stop: make(chan struct{}),
	}
	for _, f := range feeds {
		sub, err := store.Subscribe(ctx, f.Table, f.Filter, f.OnChange)
		if err != nil {
			g.Close()
			return nil, errors.Wrapf(err, "subscribe %s", f.Table)
		}
		g.subs = append(g.subs, sub)
	}
	for _, sub := range g.subs {
		go g.watch(sub)
	}
	return g, nil
}

func (g *Group) watch(sub interfaces.Subscription) {
	select {
	case err, ok := <-sub.Lost():
		if ok && err != nil {
			g.lostOnce.Do(func() { close(g.lost) })
		}
	case <-g.stop:
	}
}

// Lost is closed once any member subscription is lost.
func (g *Group) Lost() <-chan struct{} {
	return g.lost
}

// Len returns the number of member subscriptions.
func (g *Group) Len() int {
	return len(g.subs)
}

// Close unsubscribes every member. Idempotent.
func (g *Group) Close() {
	g.closeOnce.Do(func() {
		close(g.stop)
		for _, sub := range g.subs {
			if err := sub.Unsubscribe(); err != nil {
				log.Printf("Failed to unsubscribe: %v", err)
			}
		}
	})
}
