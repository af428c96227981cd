// Package broadcast fans engine state out to UI observers and defines the
// control messages observers may send back.
package broadcast

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentworkforce/relaysync/internal/outbox"
)

const (
	TypeQueueState       = "queue-state"
	TypeQueueEvent       = "queue-event"
	TypePrefetchProgress = "prefetch-progress"
)

type Event string

const (
	EventQueued    Event = "queued"
	EventRetrying  Event = "retrying"
	EventSent      Event = "sent"
	EventDiscarded Event = "discarded"
	EventFailed    Event = "failed"
)

type Message interface {
	MessageType() string
}

type QueueState struct {
	Type     string            `json:"type"`
	Queue    []outbox.Envelope `json:"queue"`
	Draining bool              `json:"draining"`
}

func NewQueueState(queue []outbox.Envelope, draining bool) QueueState {
	if queue == nil {
		queue = []outbox.Envelope{}
	}
	return QueueState{Type: TypeQueueState, Queue: queue, Draining: draining}
}

func (QueueState) MessageType() string { return TypeQueueState }

type QueueEvent struct {
	Type  string          `json:"type"`
	Event Event           `json:"event"`
	Entry outbox.Envelope `json:"entry"`
	// Status is the last upstream HTTP status seen for the entry, if any.
	Status int    `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func NewQueueEvent(event Event, entry outbox.Envelope) QueueEvent {
	return QueueEvent{Type: TypeQueueEvent, Event: event, Entry: entry}
}

func (QueueEvent) MessageType() string { return TypeQueueEvent }

type PrefetchStatus string

const (
	PrefetchStart    PrefetchStatus = "start"
	PrefetchProgress PrefetchStatus = "progress"
	PrefetchDone     PrefetchStatus = "done"
	PrefetchError    PrefetchStatus = "error"
)

type PrefetchProgressMessage struct {
	Type      string         `json:"type"`
	Status    PrefetchStatus `json:"status"`
	Total     int            `json:"total"`
	Completed int            `json:"completed"`
	URL       string         `json:"url,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func NewPrefetchProgress(status PrefetchStatus, total, completed int) PrefetchProgressMessage {
	return PrefetchProgressMessage{Type: TypePrefetchProgress, Status: status, Total: total, Completed: completed}
}

func (PrefetchProgressMessage) MessageType() string { return TypePrefetchProgress }

const (
	ControlGetQueue    = "get-queue"
	ControlRetryItem   = "retry-item"
	ControlDiscardItem = "discard-item"
	ControlRetryAll    = "retry-all"
)

// Control is a UI → engine command.
type Control struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

func ParseControl(data []byte) (Control, error) {
	var ctl Control
	if err := json.Unmarshal(data, &ctl); err != nil {
		return Control{}, fmt.Errorf("decode control message: %w", err)
	}
	ctl.Type = strings.TrimSpace(ctl.Type)
	ctl.ID = strings.TrimSpace(ctl.ID)
	return ctl, ctl.Validate()
}

func (c Control) Validate() error {
	switch c.Type {
	case ControlGetQueue, ControlRetryAll:
		return nil
	case ControlRetryItem, ControlDiscardItem:
		if c.ID == "" {
			return fmt.Errorf("%s requires an id", c.Type)
		}
		return nil
	default:
		return fmt.Errorf("unknown control message type %q", c.Type)
	}
}
