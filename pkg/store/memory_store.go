package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"rentalhub/pkg/domain"
)

// MemoryStore keeps records in-process. Used by tests and local runs without a DSN.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[int64]domain.User
	email    map[string]int64 // email -> user ID
	username map[string]int64 // username -> user ID
	listings map[int64]domain.Listing
	events   []domain.ListingEvent
	nextUser int64
	nextList int64
	nextEvt  int64
	now      func() time.Time

	adminClaimed bool
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]domain.User),
		email:    make(map[string]int64),
		username: make(map[string]int64),
		listings: make(map[int64]domain.Listing),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreateUser(_ context.Context, u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createUserLocked(u)
}

func (m *MemoryStore) createUserLocked(u domain.User) (domain.User, error) {
	if _, ok := m.email[u.Email]; ok {
		return domain.User{}, ErrDuplicate
	}
	if _, ok := m.username[u.Username]; ok {
		return domain.User{}, ErrDuplicate
	}
	m.nextUser++
	u.ID = m.nextUser
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now()
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	m.username[u.Username] = u.ID
	return u, nil
}

func (m *MemoryStore) CreateFirstAdmin(_ context.Context, u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.adminClaimed {
		return domain.User{}, ErrAdminExists
	}
	for _, existing := range m.users {
		if existing.Role == domain.RoleAdmin {
			return domain.User{}, ErrAdminExists
		}
	}
	u.Role = domain.RoleAdmin
	created, err := m.createUserLocked(u)
	if err == nil {
		m.adminClaimed = true
	}
	return created, err
}

func (m *MemoryStore) UpdateUser(_ context.Context, u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.users[u.ID]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	if id, ok := m.email[u.Email]; ok && id != u.ID {
		return domain.User{}, ErrDuplicate
	}
	if id, ok := m.username[u.Username]; ok && id != u.ID {
		return domain.User{}, ErrDuplicate
	}
	delete(m.email, prev.Email)
	delete(m.username, prev.Username)
	u.CreatedAt = prev.CreatedAt
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	m.username[u.Username] = u.ID
	return u, nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id int64) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.User{}, false, nil
	}
	return m.users[id], true, nil
}

func (m *MemoryStore) ListUsers(_ context.Context) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		res = append(res, u)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (m *MemoryStore) DeleteUser(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	delete(m.email, u.Email)
	delete(m.username, u.Username)
	return nil
}

func (m *MemoryStore) CountUsersByRole(_ context.Context, role domain.UserRole) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, u := range m.users {
		if role == "" || u.Role == role {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateListing(_ context.Context, l domain.Listing, actorID int64) (domain.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextList++
	l.ID = m.nextList
	l.Owner = nil
	if l.CreatedAt.IsZero() {
		l.CreatedAt = m.now()
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = l.CreatedAt
	}
	m.listings[l.ID] = l
	m.appendEventLocked(domain.ListingEvent{
		ListingID: l.ID,
		Type:      domain.EventCreated,
		ActorID:   actorID,
		ToStatus:  l.Status,
		CreatedAt: l.CreatedAt,
	})
	return l, nil
}

func (m *MemoryStore) GetListing(_ context.Context, id int64) (domain.Listing, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return domain.Listing{}, false, nil
	}
	return m.withOwnerLocked(l), true, nil
}

func (m *MemoryStore) MutateListing(_ context.Context, id, actorID int64, fn ListingMutation) (domain.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before, ok := m.listings[id]
	if !ok {
		return domain.Listing{}, ErrNotFound
	}
	after := before
	evType, err := fn(&after)
	if err != nil {
		return domain.Listing{}, err
	}
	after.ID = before.ID
	after.OwnerID = before.OwnerID
	after.CreatedAt = before.CreatedAt
	after.Owner = nil
	if after.UpdatedAt.Equal(before.UpdatedAt) {
		after.UpdatedAt = m.now()
	}
	m.listings[id] = after
	m.appendEventLocked(domain.ListingEvent{
		ListingID:  id,
		Type:       evType,
		ActorID:    actorID,
		FromStatus: before.Status,
		ToStatus:   after.Status,
		Changes:    domain.ChangedFields(before, after),
		CreatedAt:  after.UpdatedAt,
	})
	return after, nil
}

func (m *MemoryStore) DeleteListing(_ context.Context, id, actorID int64, check ListingCheck) (domain.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.listings[id]
	if !ok {
		return domain.Listing{}, ErrNotFound
	}
	if check != nil {
		if err := check(current); err != nil {
			return domain.Listing{}, err
		}
	}
	delete(m.listings, id)
	m.appendEventLocked(domain.ListingEvent{
		ListingID:  id,
		Type:       domain.EventDeleted,
		ActorID:    actorID,
		FromStatus: current.Status,
		CreatedAt:  m.now(),
	})
	return current, nil
}

// ListListings returns listings matching filter, newest first.
func (m *MemoryStore) ListListings(_ context.Context, filter domain.ListingFilter, withOwner bool) ([]domain.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Listing, 0)
	for _, l := range m.listings {
		if !matchesFilter(l, filter) {
			continue
		}
		if withOwner {
			l = m.withOwnerLocked(l)
		}
		res = append(res, l)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].ID > res[j].ID
	})
	return res, nil
}

func (m *MemoryStore) CountListings(_ context.Context, filter domain.ListingFilter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, l := range m.listings {
		if matchesFilter(l, filter) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, listingID int64) ([]domain.ListingEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.ListingEvent, 0)
	for _, ev := range m.events {
		if ev.ListingID == listingID {
			res = append(res, ev)
		}
	}
	return res, nil
}

func (m *MemoryStore) appendEventLocked(ev domain.ListingEvent) {
	m.nextEvt++
	ev.ID = m.nextEvt
	m.events = append(m.events, ev)
}

func (m *MemoryStore) withOwnerLocked(l domain.Listing) domain.Listing {
	if u, ok := m.users[l.OwnerID]; ok {
		l.Owner = &domain.OwnerSummary{ID: u.ID, Username: u.Username}
	}
	return l
}

func matchesFilter(l domain.Listing, f domain.ListingFilter) bool {
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if f.OwnerID != 0 && l.OwnerID != f.OwnerID {
		return false
	}
	if city := strings.TrimSpace(f.City); city != "" && !strings.EqualFold(l.City, city) {
		return false
	}
	if category := strings.TrimSpace(f.Category); category != "" && !strings.EqualFold(l.Category, category) {
		return false
	}
	if f.MinPrice > 0 && l.Price < f.MinPrice {
		return false
	}
	if f.MaxPrice > 0 && l.Price > f.MaxPrice {
		return false
	}
	return true
}
