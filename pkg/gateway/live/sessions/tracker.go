// Package sessions tracks live relayed calls so shutdown can wait for them
// and cancel whatever outlives the grace period.
package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Handle is what the tracker needs to end one call.
type Handle struct {
	Cancel    func()
	StartedAt time.Time
}

type Tracker struct {
	mu    sync.Mutex
	calls map[string]*trackedCall
	// idle is open while any call is registered and closed when the last
	// one leaves.
	idle chan struct{}
}

type trackedCall struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		calls: make(map[string]*trackedCall),
	}
}

// Register adds a call and returns the func that removes it. Registering an
// id twice replaces the earlier entry.
func (t *Tracker) Register(callID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedCall{handle: h}

	t.mu.Lock()
	if t.calls == nil {
		t.calls = make(map[string]*trackedCall)
	}
	old := t.calls[callID]
	t.calls[callID] = entry
	if t.idle == nil {
		t.idle = make(chan struct{})
	}
	t.mu.Unlock()

	if old != nil {
		t.unregister(callID, old)
	}

	return func() { t.unregister(callID, entry) }
}

func (t *Tracker) unregister(callID string, entry *trackedCall) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.calls != nil && t.calls[callID] == entry {
			delete(t.calls, callID)
		}
		if len(t.calls) == 0 && t.idle != nil {
			close(t.idle)
			t.idle = nil
		}
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// IDs lists live calls, oldest first.
func (t *Tracker) IDs() []string {
	if t == nil {
		return nil
	}
	type idAt struct {
		id string
		at time.Time
	}
	t.mu.Lock()
	all := make([]idAt, 0, len(t.calls))
	for id, entry := range t.calls {
		all = append(all, idAt{id: id, at: entry.handle.StartedAt})
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].at.Equal(all[j].at) {
			return all[i].id < all[j].id
		}
		return all[i].at.Before(all[j].at)
	})
	ids := make([]string, len(all))
	for i, c := range all {
		ids[i] = c.id
	}
	return ids
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.calls {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered call has unregistered or ctx is done.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()
	if idle == nil {
		return true
	}
	if ctx == nil {
		<-idle
		return true
	}

	select {
	case <-idle:
		return true
	case <-ctx.Done():
		return false
	}
}
