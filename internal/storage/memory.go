// Package storage keeps upload metadata and extraction results in memory.
package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/dharsanguruparan/TableDrop/internal/model"
	"github.com/dharsanguruparan/TableDrop/internal/table"
)

// ErrNotFound is returned for unknown file ids.
var ErrNotFound = errors.New("file not found")

// MemoryStore is a concurrency-safe map of file records.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]*model.FileRecord
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files: make(map[string]*model.FileRecord),
	}
}

// Save inserts or replaces a record.
func (m *MemoryStore) Save(record *model.FileRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	m.files[record.ID] = record
}

// UpdateStatus updates status/message.
func (m *MemoryStore) UpdateStatus(id string, status model.FileStatus, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.files[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.Message = msg
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// SaveResult records the outcome of an extraction. A nil table marks the
// file as empty and clears any earlier result.
func (m *MemoryStore) SaveResult(id, selection string, tbl *table.Combined, pages []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.files[id]
	if !ok {
		return ErrNotFound
	}
	rec.Selection = selection
	rec.Result = tbl
	rec.ResultPages = append([]int(nil), pages...)
	if tbl == nil {
		rec.Status = model.StatusEmpty
		rec.Message = model.MessageNoTable
	} else {
		rec.Status = model.StatusCompleted
		rec.Message = model.MessageExtracted
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Get returns a copy of the record. The Result table is shared and must be
// treated as read-only.
func (m *MemoryStore) Get(id string) (*model.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *rec
	copy.ResultPages = append([]int(nil), rec.ResultPages...)
	return &copy, nil
}

// Delete removes the record and returns it.
func (m *MemoryStore) Delete(id string) (*model.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.files, id)
	return rec, nil
}
