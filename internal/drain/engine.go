package drain

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/broadcast"
	"github.com/agentworkforce/relaysync/internal/dispatch"
	"github.com/agentworkforce/relaysync/internal/metrics"
	"github.com/agentworkforce/relaysync/internal/outbox"
)

// Sender replays one envelope under the retry policy.
type Sender interface {
	SendWithRetry(ctx context.Context, env outbox.Envelope) dispatch.Result
}

type Options struct {
	Store     outbox.Store
	Sender    Sender
	Publisher broadcast.Publisher
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	// WakeInterval enables the periodic background trigger when positive.
	WakeInterval time.Duration
	WakeJitter   float64
}

// Summary describes one drain pass.
type Summary struct {
	Sent      int    `json:"sent"`
	Discarded int    `json:"discarded"`
	BlockedOn string `json:"blockedOn,omitempty"`
	// Skipped is set when another pass was already running.
	Skipped bool `json:"skipped,omitempty"`
}

// RetryResult reports a manual retry of one envelope.
type RetryResult struct {
	Found   bool             `json:"found"`
	Outcome dispatch.Outcome `json:"outcome,omitempty"`
	Status  int              `json:"status,omitempty"`
}

type Engine struct {
	store        outbox.Store
	sender       Sender
	publisher    broadcast.Publisher
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	wakeInterval time.Duration
	wakeJitter   float64

	mu    sync.Mutex
	state State

	// sendMu keeps exactly one envelope in flight across drains and
	// manual retries.
	sendMu sync.Mutex

	triggers chan Trigger
	wg       sync.WaitGroup
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Sender == nil {
		return nil, errors.New("drain engine requires a store and a sender")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Engine{
		store:        opts.Store,
		sender:       opts.Sender,
		publisher:    opts.Publisher,
		logger:       opts.Logger.With().Str("component", "drain").Logger(),
		metrics:      opts.Metrics,
		wakeInterval: opts.WakeInterval,
		wakeJitter:   ClampJitterRatio(opts.WakeJitter),
		state:        StateIdle,
		triggers:     make(chan Trigger, 32),
	}, nil
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Fire queues trigger for Run without blocking. It reports false when the
// trigger backlog is full; drain triggers are idempotent so a dropped one is
// harmless.
func (e *Engine) Fire(trigger Trigger) bool {
	select {
	case e.triggers <- trigger:
		return true
	default:
		e.logger.Warn().Str("trigger", string(trigger.Kind)).Msg("trigger backlog full; dropping")
		return false
	}
}

// Run processes triggers and the periodic wake until ctx is done, then waits
// for in-flight work to stop. Any envelopes left behind are retried from the
// top on the next start.
func (e *Engine) Run(ctx context.Context) error {
	var wake <-chan time.Time
	var timer *time.Timer
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	if e.wakeInterval > 0 {
		timer = time.NewTimer(JitteredInterval(e.wakeInterval, e.wakeJitter, rng.Float64()))
		defer timer.Stop()
		wake = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return nil
		case trigger := <-e.triggers:
			e.Handle(ctx, trigger)
		case <-wake:
			e.Handle(ctx, Trigger{Kind: TriggerPeriodicWake})
			timer.Reset(JitteredInterval(e.wakeInterval, e.wakeJitter, rng.Float64()))
		}
	}
}

// Handle applies trigger immediately. Drains and item retries it starts run
// in the background.
func (e *Engine) Handle(ctx context.Context, trigger Trigger) {
	for _, effect := range e.transition(trigger) {
		switch effect.Kind {
		case EffectStartDrain:
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				_, _ = e.runDrain(ctx)
			}()
		case EffectRetryItem:
			id := effect.ID
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				if _, err := e.RetryItem(ctx, id); err != nil {
					e.logger.Error().Err(err).Str("id", id).Msg("manual retry failed")
				}
			}()
		case EffectDiscardItem:
			if _, err := e.DiscardItem(ctx, effect.ID); err != nil {
				e.logger.Error().Err(err).Str("id", effect.ID).Msg("manual discard failed")
			}
		case EffectPublishQueueState:
			e.PublishQueueState(ctx)
		}
	}
}

// DrainNow runs a retry-all pass on the caller's goroutine.
func (e *Engine) DrainNow(ctx context.Context) (Summary, error) {
	effects := e.transition(Trigger{Kind: TriggerRetryAll})
	started := false
	for _, effect := range effects {
		switch effect.Kind {
		case EffectStartDrain:
			started = true
		case EffectPublishQueueState:
			e.PublishQueueState(ctx)
		}
	}
	if !started {
		return Summary{Skipped: true}, nil
	}
	return e.runDrain(ctx)
}

func (e *Engine) transition(trigger Trigger) []Effect {
	e.mu.Lock()
	defer e.mu.Unlock()
	next, effects := Transition(e.state, trigger)
	if next != e.state {
		e.logger.Debug().Str("from", string(e.state)).Str("to", string(next)).Str("trigger", string(trigger.Kind)).Msg("drain state change")
	}
	e.state = next
	return effects
}

func (e *Engine) runDrain(ctx context.Context) (Summary, error) {
	summary, err := e.drain(ctx)
	finish := Trigger{Kind: TriggerDrainExhausted}
	result := "exhausted"
	if summary.BlockedOn != "" || err != nil {
		finish.Kind = TriggerDrainFailed
		result = "blocked"
	}
	e.metrics.DrainRuns.WithLabelValues(result).Inc()
	e.Handle(ctx, finish)
	if err != nil {
		e.logger.Error().Err(err).Msg("drain stopped")
	} else if summary.BlockedOn != "" {
		e.logger.Warn().Str("id", summary.BlockedOn).Int("sent", summary.Sent).Int("discarded", summary.Discarded).Msg("drain blocked on failed envelope")
	} else if summary.Sent+summary.Discarded > 0 {
		e.logger.Info().Int("sent", summary.Sent).Int("discarded", summary.Discarded).Msg("drain complete")
	}
	return summary, err
}

// drain replays the oldest envelope until the outbox is empty or a send
// fails. A failed envelope blocks everything behind it.
func (e *Engine) drain(ctx context.Context) (Summary, error) {
	var summary Summary
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		items, err := e.store.GetAll(ctx)
		if err != nil {
			return summary, fmt.Errorf("read outbox: %w", err)
		}
		if len(items) == 0 {
			return summary, nil
		}
		env := items[0]

		e.sendMu.Lock()
		if _, err := e.store.Get(ctx, env.ID); err != nil {
			e.sendMu.Unlock()
			if errors.Is(err, outbox.ErrNotFound) {
				// Resolved by an operator while we waited for the send slot.
				continue
			}
			return summary, fmt.Errorf("read envelope %s: %w", env.ID, err)
		}
		result, err := e.replay(ctx, env)
		e.sendMu.Unlock()
		if err != nil {
			return summary, err
		}

		switch result.Outcome {
		case dispatch.OutcomeSuccess:
			summary.Sent++
		case dispatch.OutcomeDiscard:
			summary.Discarded++
		default:
			summary.BlockedOn = env.ID
			return summary, nil
		}
	}
}

// RetryItem replays one envelope regardless of its position in the queue.
// An unknown id reports Found=false and broadcasts nothing.
func (e *Engine) RetryItem(ctx context.Context, id string) (RetryResult, error) {
	e.sendMu.Lock()
	env, err := e.store.Get(ctx, id)
	if errors.Is(err, outbox.ErrNotFound) {
		e.sendMu.Unlock()
		return RetryResult{}, nil
	}
	if err != nil {
		e.sendMu.Unlock()
		return RetryResult{}, err
	}
	e.publish(broadcast.NewQueueEvent(broadcast.EventRetrying, env))
	result, err := e.replay(ctx, env)
	e.sendMu.Unlock()

	out := RetryResult{Found: true, Outcome: result.Outcome, Status: result.Status}
	if err != nil {
		return out, err
	}
	if result.Outcome != dispatch.OutcomeSuccess && result.Outcome != dispatch.OutcomeDiscard {
		return out, nil
	}
	e.Handle(ctx, Trigger{Kind: TriggerItemResolved, ID: env.ID})
	return out, nil
}

// replay sends env and settles it: deleted and broadcast on success or
// discard, left queued with a failed event otherwise. Callers hold sendMu
// so the envelope is gone before any other replay can look it up.
func (e *Engine) replay(ctx context.Context, env outbox.Envelope) (dispatch.Result, error) {
	result := e.sender.SendWithRetry(ctx, env)
	var err error
	switch result.Outcome {
	case dispatch.OutcomeSuccess:
		err = e.resolve(ctx, env, broadcast.EventSent, result)
	case dispatch.OutcomeDiscard:
		err = e.resolve(ctx, env, broadcast.EventDiscarded, result)
	default:
		e.publishFailed(env, result)
	}
	return result, err
}

// DiscardItem removes an envelope unconditionally. Discarding an id that is
// not queued is a no-op with no broadcast.
func (e *Engine) DiscardItem(ctx context.Context, id string) (bool, error) {
	env, err := e.store.Get(ctx, id)
	if errors.Is(err, outbox.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	removed, err := e.store.Delete(ctx, env.ID)
	if err != nil || !removed {
		return false, err
	}
	event := broadcast.NewQueueEvent(broadcast.EventDiscarded, env)
	event.Reason = "operator"
	e.publish(event)
	e.metrics.SendOutcomes.WithLabelValues("operator-discard").Inc()
	e.PublishQueueState(ctx)
	e.Handle(ctx, Trigger{Kind: TriggerItemResolved, ID: env.ID})
	return true, nil
}

func (e *Engine) Queue(ctx context.Context) ([]outbox.Envelope, error) {
	return e.store.GetAll(ctx)
}

func (e *Engine) PublishQueueState(ctx context.Context) {
	items, err := e.store.GetAll(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("queue state unavailable")
		return
	}
	e.metrics.QueueDepth.Set(float64(len(items)))
	e.publish(broadcast.NewQueueState(items, e.State() == StateDraining))
}

func (e *Engine) resolve(ctx context.Context, env outbox.Envelope, event broadcast.Event, result dispatch.Result) error {
	if _, err := e.store.Delete(ctx, env.ID); err != nil {
		return fmt.Errorf("delete resolved envelope %s: %w", env.ID, err)
	}
	msg := broadcast.NewQueueEvent(event, env)
	msg.Status = result.Status
	if event == broadcast.EventDiscarded {
		msg.Reason = "conflict"
	}
	e.publish(msg)
	e.PublishQueueState(ctx)
	return nil
}

func (e *Engine) publishFailed(env outbox.Envelope, result dispatch.Result) {
	msg := broadcast.NewQueueEvent(broadcast.EventFailed, env)
	msg.Status = result.Status
	if result.Err != nil {
		msg.Reason = result.Err.Error()
	}
	e.publish(msg)
}

func (e *Engine) publish(msg broadcast.Message) {
	if e.publisher != nil {
		e.publisher.Publish(msg)
	}
}
