package syncapi

import (
	"context"
	"sync"

	"github.com/agentworkforce/relaysync/internal/broadcast"
)

type SyncStatus string

const (
	StatusSaved         SyncStatus = "saved"
	StatusSyncing       SyncStatus = "syncing"
	StatusOfflineQueued SyncStatus = "offline-queued"
	StatusError         SyncStatus = "error"
)

// StatusTracker derives the sync indicator from queue broadcasts.
type StatusTracker struct {
	mu       sync.RWMutex
	queued   int
	draining bool
	retrying bool
	failed   bool
}

func NewStatusTracker() *StatusTracker {
	return &StatusTracker{}
}

func (t *StatusTracker) Observe(msg broadcast.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch m := msg.(type) {
	case broadcast.QueueState:
		t.queued = len(m.Queue)
		t.draining = m.Draining
		if t.queued == 0 {
			t.failed = false
			t.retrying = false
		}
	case broadcast.QueueEvent:
		switch m.Event {
		case broadcast.EventQueued:
			t.queued++
		case broadcast.EventRetrying:
			t.retrying = true
		case broadcast.EventFailed:
			t.failed = true
			t.retrying = false
		case broadcast.EventSent, broadcast.EventDiscarded:
			t.failed = false
			t.retrying = false
		}
	}
}

func (t *StatusTracker) Status() SyncStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch {
	case t.failed && t.queued > 0:
		return StatusError
	case t.draining || t.retrying:
		return StatusSyncing
	case t.queued > 0:
		return StatusOfflineQueued
	default:
		return StatusSaved
	}
}

// Follow feeds every message from obs to each handler until ctx is done or
// the observer is closed.
func Follow(ctx context.Context, obs *broadcast.Observer, handlers ...func(broadcast.Message)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-obs.Messages():
			if !ok {
				return
			}
			for _, handle := range handlers {
				handle(msg)
			}
		}
	}
}
