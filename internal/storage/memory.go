// Package storage provides the per-tenant capture and user stores.
// The in-memory implementation backs development and tests; the PostgreSQL
// implementation is intended for production use.
package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/avangrid-gui/vpi-recordings-go/internal/model"
	"github.com/avangrid-gui/vpi-recordings-go/internal/query"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// CaptureStore reads recording metadata for one tenant.
type CaptureStore interface {
	// SearchCaptures returns the requested page of records matching pred,
	// newest first by dateadded, plus the total match count. page is 1-based.
	SearchCaptures(ctx context.Context, pred query.Predicate, page, size int) ([]model.CaptureRecord, int64, error)

	// GetCaptureByID returns a single record or ErrNotFound.
	GetCaptureByID(ctx context.Context, id uuid.UUID) (*model.CaptureRecord, error)
}

// UserStore reads the tenant user directory.
type UserStore interface {
	// FindUserIDsByNameContainsAny returns the ids of users whose display
	// name contains any of the given substrings, case-insensitively.
	FindUserIDsByNameContainsAny(ctx context.Context, names []string) ([]uuid.UUID, error)

	// FindUsersByIDs returns the users with the given ids. Unknown ids are
	// silently skipped.
	FindUsersByIDs(ctx context.Context, ids []uuid.UUID) ([]model.UserRecord, error)
}

// TenantStore is the full storage surface bound to one tenant database.
type TenantStore interface {
	CaptureStore
	UserStore
	Close()
}

// Memory is an in-memory TenantStore guarded by a RWMutex. The seeding
// helpers make it usable for development and tests.
type Memory struct {
	mu       sync.RWMutex
	captures map[uuid.UUID]model.CaptureRecord
	users    map[uuid.UUID]model.UserRecord
}

// NewMemory creates a new empty in-memory tenant store.
func NewMemory() *Memory {
	return &Memory{
		captures: make(map[uuid.UUID]model.CaptureRecord),
		users:    make(map[uuid.UUID]model.UserRecord),
	}
}

// AddCapture inserts or replaces a capture record.
func (m *Memory) AddCapture(rec model.CaptureRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captures[rec.ObjectID] = rec
}

// AddUser inserts or replaces a user record.
func (m *Memory) AddUser(user model.UserRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.UserID] = user
}

// Close implements TenantStore.
func (m *Memory) Close() {}

// SearchCaptures implements CaptureStore.
func (m *Memory) SearchCaptures(ctx context.Context, pred query.Predicate, page, size int) ([]model.CaptureRecord, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []model.CaptureRecord
	for _, rec := range m.captures {
		if pred.Match(&rec) {
			matched = append(matched, rec)
		}
	}

	// Newest first, with the id as a stable tiebreak.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].DateAdded.Equal(matched[j].DateAdded) {
			return matched[i].DateAdded.After(matched[j].DateAdded)
		}
		return matched[i].ObjectID.String() < matched[j].ObjectID.String()
	})

	total := int64(len(matched))
	offset := (page - 1) * size
	if offset >= len(matched) {
		return []model.CaptureRecord{}, total, nil
	}
	end := offset + size
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

// GetCaptureByID implements CaptureStore.
func (m *Memory) GetCaptureByID(ctx context.Context, id uuid.UUID) (*model.CaptureRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.captures[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// FindUserIDsByNameContainsAny implements UserStore.
func (m *Memory) FindUserIDsByNameContainsAny(ctx context.Context, names []string) ([]uuid.UUID, error) {
	names = query.CleanStrings(names)
	if len(names) == 0 {
		return nil, nil
	}
	lowered := make([]string, len(names))
	for i, n := range names {
		lowered[i] = strings.ToLower(n)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []uuid.UUID
	for _, user := range m.users {
		full := strings.ToLower(user.FullName)
		for _, n := range lowered {
			if strings.Contains(full, n) {
				ids = append(ids, user.UserID)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// FindUsersByIDs implements UserStore.
func (m *Memory) FindUsersByIDs(ctx context.Context, ids []uuid.UUID) ([]model.UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var users []model.UserRecord
	for _, id := range ids {
		if user, ok := m.users[id]; ok {
			users = append(users, user)
		}
	}
	return users, nil
}
