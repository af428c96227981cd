package outbox

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/records"
)

// Store is the durable outbox. Implementations must make every operation
// atomic with respect to concurrent readers, including readers in other
// processes sharing the same backing storage.
type Store interface {
	Put(ctx context.Context, env Envelope) error
	Get(ctx context.Context, id string) (Envelope, error)
	// GetAll returns a consistent snapshot ordered by ascending timestamp.
	GetAll(ctx context.Context) ([]Envelope, error)
	// Delete reports whether an envelope with id existed.
	Delete(ctx context.Context, id string) (bool, error)
	Close() error
}

// Coalescer is implemented by stores that can replace same-intent envelopes
// in one atomic step.
type Coalescer interface {
	PutCoalesced(ctx context.Context, env Envelope) ([]Envelope, error)
}

type Options struct {
	Logger zerolog.Logger
}

// Enqueue stores env. When env carries an intent, queued envelopes with the
// same intent are removed first and returned so callers can report them.
func Enqueue(ctx context.Context, store Store, env Envelope) ([]Envelope, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if err := validateForPut(env); err != nil {
		return nil, err
	}
	if env.Intent == "" {
		return nil, store.Put(ctx, env)
	}
	if coalescer, ok := store.(Coalescer); ok {
		return coalescer.PutCoalesced(ctx, env)
	}
	all, err := store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	var superseded []Envelope
	for _, queued := range all {
		if queued.Intent != env.Intent || queued.ID == env.ID {
			continue
		}
		removed, err := store.Delete(ctx, queued.ID)
		if err != nil {
			return superseded, err
		}
		if removed {
			superseded = append(superseded, queued)
		}
	}
	return superseded, store.Put(ctx, env)
}

func validateForPut(env Envelope) error {
	if strings.TrimSpace(env.ID) == "" || strings.TrimSpace(env.URL) == "" || !IsMutating(env.Method) {
		return ErrInvalidInput
	}
	return nil
}

func sortEnvelopes(items []Envelope) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Timestamp != items[j].Timestamp {
			return items[i].Timestamp < items[j].Timestamp
		}
		return items[i].ID < items[j].ID
	})
}

func cloneEnvelope(env Envelope) Envelope {
	out := env
	out.Headers = append([]Header(nil), env.Headers...)
	if env.Body != nil {
		out.Body = append([]byte{}, env.Body...)
	}
	return out
}

func marshalRecord(env Envelope) ([]byte, error) {
	if env.Headers == nil {
		env.Headers = []Header{}
	}
	return json.Marshal(env)
}

// unmarshalRecord validates a stored blob before trusting it.
func unmarshalRecord(data []byte) (Envelope, error) {
	if err := records.ValidateEnvelope(data); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
