package syncapi

import (
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/broadcast"
)

// Override is the user's last intended value for a resource, shown until
// the server confirms state at least as new.
type Override struct {
	Value any       `json:"value"`
	At    time.Time `json:"at"`
}

type Overrides struct {
	resourceParam string
	now           func() time.Time

	mu    sync.Mutex
	items map[string]Override
}

// NewOverrides tracks overrides by resource id; resourceParam names the id
// in queued envelopes so resolved envelopes can clear their override.
func NewOverrides(resourceParam string, now func() time.Time) *Overrides {
	if now == nil {
		now = time.Now
	}
	if strings.TrimSpace(resourceParam) == "" {
		resourceParam = "id"
	}
	return &Overrides{resourceParam: resourceParam, now: now, items: map[string]Override{}}
}

func (o *Overrides) Set(id string, value any) Override {
	override := Override{Value: value, At: o.now()}
	o.mu.Lock()
	o.items[id] = override
	o.mu.Unlock()
	return override
}

func (o *Overrides) Get(id string) (Override, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	override, ok := o.items[id]
	return override, ok
}

// Confirm drops the override for id when serverTime is not older than it.
func (o *Overrides) Confirm(id string, serverTime time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	override, ok := o.items[id]
	if !ok || serverTime.Before(override.At) {
		return false
	}
	delete(o.items, id)
	return true
}

// Apply returns the value to display for id given the server's value and
// its timestamp.
func (o *Overrides) Apply(id string, serverValue any, serverTime time.Time) any {
	o.mu.Lock()
	defer o.mu.Unlock()
	override, ok := o.items[id]
	if !ok {
		return serverValue
	}
	if serverTime.Before(override.At) {
		return override.Value
	}
	delete(o.items, id)
	return serverValue
}

func (o *Overrides) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *Overrides) Snapshot() map[string]Override {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]Override, len(o.items))
	for id, override := range o.items {
		out[id] = override
	}
	return out
}

// Observe clears the override for the resource of a sent or discarded
// envelope.
func (o *Overrides) Observe(msg broadcast.Message) {
	event, ok := msg.(broadcast.QueueEvent)
	if !ok || (event.Event != broadcast.EventSent && event.Event != broadcast.EventDiscarded) {
		return
	}
	id := event.Entry.ResourceID(o.resourceParam)
	if id == "" {
		return
	}
	o.mu.Lock()
	delete(o.items, id)
	o.mu.Unlock()
}
