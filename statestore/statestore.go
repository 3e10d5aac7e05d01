// Package statestore persists engine snapshots through a generic storage backend.
package statestore

import (
	"context"

	"github.com/tokenized/remittance/manager"

	"github.com/pkg/errors"
	"github.com/tokenized/pkg/storage"
)

// Store binds an engine's load and save callbacks to a single object path in a storage backend.
type Store struct {
	store storage.StreamReadWriter
	path  string
}

func NewStore(store storage.StreamReadWriter, path string) *Store {
	return &Store{
		store: store,
		path:  path,
	}
}

// Load reads the persisted engine snapshot. A missing object is not an error and means the
// engine starts empty.
func (s *Store) Load(ctx context.Context) (*manager.PersistedState, error) {
	state := &manager.PersistedState{}
	if err := storage.StreamRead(ctx, s.store, s.path, state); err != nil {
		if errors.Cause(err) == storage.ErrNotFound {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read state")
	}

	return state, nil
}

func (s *Store) Save(ctx context.Context, state *manager.PersistedState) error {
	if err := storage.StreamWrite(ctx, s.store, s.path, state); err != nil {
		return errors.Wrap(err, "write state")
	}

	return nil
}

func (s *Store) Loader() manager.StateLoader {
	return s.Load
}

func (s *Store) Saver() manager.StateSaver {
	return s.Save
}
