package storage

import (
	"errors"
	"sync"
)

// ErrStageActive is returned by Begin when a stage is already open.
var ErrStageActive = errors.New("storage: stage already open")

// Staged wraps a database so a group of writes can be held back and flushed
// as one batch. Outside an open stage every call passes straight through.
// While a stage is open, reads observe the held writes.
type Staged struct {
	base Database

	mu      sync.RWMutex
	open    bool
	pending map[string][]byte
}

// NewStaged wraps base.
func NewStaged(base Database) *Staged {
	return &Staged{base: base}
}

// Begin opens a stage. Stages do not nest.
func (s *Staged) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return ErrStageActive
	}
	s.open = true
	s.pending = make(map[string][]byte)
	return nil
}

// Commit writes every held entry to the backing database in one batch and
// closes the stage. The stage is closed even when the write fails, in which
// case nothing reached the backing database.
func (s *Staged) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	batch := new(Batch)
	for key, value := range s.pending {
		batch.Put([]byte(key), value)
	}
	s.open = false
	s.pending = nil
	return s.base.Write(batch)
}

// Discard drops the held writes and closes the stage.
func (s *Staged) Discard() {
	s.mu.Lock()
	s.open = false
	s.pending = nil
	s.mu.Unlock()
}

func (s *Staged) Put(key []byte, value []byte) error {
	s.mu.Lock()
	if s.open {
		s.pending[string(key)] = append([]byte(nil), value...)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.base.Put(key, value)
}

func (s *Staged) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	if s.open {
		if value, ok := s.pending[string(key)]; ok {
			s.mu.RUnlock()
			return append([]byte(nil), value...), nil
		}
	}
	s.mu.RUnlock()
	return s.base.Get(key)
}

func (s *Staged) Has(key []byte) (bool, error) {
	s.mu.RLock()
	if s.open {
		if _, ok := s.pending[string(key)]; ok {
			s.mu.RUnlock()
			return true, nil
		}
	}
	s.mu.RUnlock()
	return s.base.Has(key)
}

// Write folds the batch into the open stage, or applies it directly.
func (s *Staged) Write(batch *Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	s.mu.Lock()
	if s.open {
		for i, key := range batch.keys {
			s.pending[string(key)] = batch.values[i]
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.base.Write(batch)
}

// Close closes the backing database.
func (s *Staged) Close() {
	s.Discard()
	s.base.Close()
}
