package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/fsutil"
)

// FileStore keeps the outbox as one JSON snapshot on disk. Every operation
// reloads the snapshot under an advisory lock, so several processes may share
// the same file.
type FileStore struct {
	path   string
	logger zerolog.Logger
	mu     sync.Mutex
}

type fileStoreState struct {
	Items []json.RawMessage `json:"items"`
}

func NewFileStore(path string, opts Options) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &FileStore{
		path:   path,
		logger: opts.Logger.With().Str("component", "outbox").Str("path", path).Logger(),
	}
	// Surface unreadable snapshots at construction rather than on first use.
	if _, err := s.GetAll(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Put(_ context.Context, env Envelope) error {
	if err := validateForPut(env); err != nil {
		return err
	}
	return s.update(func(items []Envelope) ([]Envelope, error) {
		for _, queued := range items {
			if queued.ID == env.ID {
				return items, nil
			}
		}
		return append(items, cloneEnvelope(env)), nil
	})
}

func (s *FileStore) PutCoalesced(_ context.Context, env Envelope) ([]Envelope, error) {
	if err := validateForPut(env); err != nil {
		return nil, err
	}
	var superseded []Envelope
	err := s.update(func(items []Envelope) ([]Envelope, error) {
		kept := items[:0]
		for _, queued := range items {
			if env.Intent != "" && queued.Intent == env.Intent && queued.ID != env.ID {
				superseded = append(superseded, queued)
				continue
			}
			kept = append(kept, queued)
		}
		return append(kept, cloneEnvelope(env)), nil
	})
	if err != nil {
		return nil, err
	}
	return superseded, nil
}

func (s *FileStore) Get(ctx context.Context, id string) (Envelope, error) {
	items, err := s.GetAll(ctx)
	if err != nil {
		return Envelope{}, err
	}
	id = strings.TrimSpace(id)
	for _, env := range items {
		if env.ID == id {
			return env, nil
		}
	}
	return Envelope{}, ErrNotFound
}

func (s *FileStore) GetAll(_ context.Context) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, err := fsutil.Lock(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer lock.Unlock()
	items, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	sortEnvelopes(items)
	return items, nil
}

func (s *FileStore) Delete(_ context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	removed := false
	err := s.update(func(items []Envelope) ([]Envelope, error) {
		kept := items[:0]
		for _, queued := range items {
			if queued.ID == id {
				removed = true
				continue
			}
			kept = append(kept, queued)
		}
		return kept, nil
	})
	return removed, err
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) update(mutate func([]Envelope) ([]Envelope, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, err := fsutil.Lock(s.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer lock.Unlock()
	items, err := s.loadLocked()
	if err != nil {
		return err
	}
	next, err := mutate(items)
	if err != nil {
		return err
	}
	return s.saveLocked(next)
}

func (s *FileStore) loadLocked() ([]Envelope, error) {
	data, err := fsutil.ReadFileIfExists(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if len(data) == 0 {
		return []Envelope{}, nil
	}
	var snapshot fileStoreState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode outbox snapshot %s: %w", s.path, err)
	}
	items := make([]Envelope, 0, len(snapshot.Items))
	for _, raw := range snapshot.Items {
		env, err := unmarshalRecord(raw)
		if err != nil {
			s.logger.Warn().Err(err).Msg("skipping malformed outbox record")
			continue
		}
		items = append(items, env)
	}
	return items, nil
}

func (s *FileStore) saveLocked(items []Envelope) error {
	sortEnvelopes(items)
	snapshot := fileStoreState{Items: make([]json.RawMessage, 0, len(items))}
	for _, env := range items {
		raw, err := marshalRecord(env)
		if err != nil {
			return err
		}
		snapshot.Items = append(snapshot.Items, raw)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}
