// Package drain replays the outbox in enqueue order. The mapping from
// triggers to state changes is the pure Transition function; Engine applies
// the resulting effects.
package drain

type State string

const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
	StateBlocked  State = "drain-blocked"
)

type TriggerKind string

const (
	TriggerConnectivityRestored TriggerKind = "connectivity-restored"
	TriggerPeriodicWake         TriggerKind = "periodic-wake"
	TriggerRetryAll             TriggerKind = "retry-all"
	TriggerRetryItem            TriggerKind = "retry-item"
	TriggerDiscardItem          TriggerKind = "discard-item"
	TriggerGetQueue             TriggerKind = "get-queue"
	// TriggerItemResolved follows an operator retry or discard that removed
	// an envelope from the outbox.
	TriggerItemResolved   TriggerKind = "item-resolved"
	TriggerDrainExhausted TriggerKind = "drain-exhausted"
	TriggerDrainFailed    TriggerKind = "drain-failed"
)

type Trigger struct {
	Kind TriggerKind
	ID   string
}

type EffectKind string

const (
	EffectStartDrain        EffectKind = "start-drain"
	EffectRetryItem         EffectKind = "retry-item"
	EffectDiscardItem       EffectKind = "discard-item"
	EffectPublishQueueState EffectKind = "publish-queue-state"
)

type Effect struct {
	Kind EffectKind
	ID   string
}

// Transition returns the next state and the effects to run for trigger.
// It has no side effects.
func Transition(state State, trigger Trigger) (State, []Effect) {
	switch trigger.Kind {
	case TriggerConnectivityRestored, TriggerPeriodicWake, TriggerRetryAll:
		if state == StateDraining {
			return state, nil
		}
		return StateDraining, []Effect{{Kind: EffectStartDrain}, {Kind: EffectPublishQueueState}}
	case TriggerItemResolved:
		if state != StateBlocked {
			return state, nil
		}
		return StateDraining, []Effect{{Kind: EffectStartDrain}, {Kind: EffectPublishQueueState}}
	case TriggerDrainExhausted:
		if state != StateDraining {
			return state, nil
		}
		return StateIdle, []Effect{{Kind: EffectPublishQueueState}}
	case TriggerDrainFailed:
		if state != StateDraining {
			return state, nil
		}
		return StateBlocked, []Effect{{Kind: EffectPublishQueueState}}
	case TriggerRetryItem:
		if trigger.ID == "" {
			return state, nil
		}
		return state, []Effect{{Kind: EffectRetryItem, ID: trigger.ID}}
	case TriggerDiscardItem:
		if trigger.ID == "" {
			return state, nil
		}
		return state, []Effect{{Kind: EffectDiscardItem, ID: trigger.ID}}
	case TriggerGetQueue:
		return state, []Effect{{Kind: EffectPublishQueueState}}
	default:
		return state, nil
	}
}
