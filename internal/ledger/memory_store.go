package ledger

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/starboard-app/starboard/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	entries map[int64]*Entry
	credits []*Credit
	charges map[string]int64 // charge id -> user id
	ids     map[string]int64 // credit id -> user id
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[int64]*Entry),
		credits: make([]*Credit, 0),
		charges: make(map[string]int64),
		ids:     make(map[string]int64),
	}
}

func (m *MemoryStore) UpsertProfile(ctx context.Context, p *Profile, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[p.UserID]
	if !ok {
		e = &Entry{UserID: p.UserID}
		m.entries[p.UserID] = e
	}
	e.Username = coalesce(p.Username, e.Username)
	e.FirstName = coalesce(p.FirstName, e.FirstName)
	e.LastName = coalesce(p.LastName, e.LastName)
	e.PhotoURL = coalesce(p.PhotoURL, e.PhotoURL)
	e.UpdatedAt = now
	return nil
}

func (m *MemoryStore) AddSpend(ctx context.Context, c *Credit) (*CreditResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner, seen := m.ids[c.ID]
	if !seen && c.ChargeID != "" {
		owner, seen = m.charges[c.ChargeID]
	}
	if seen {
		var total int64
		if e, ok := m.entries[owner]; ok {
			total = e.SpentTotal
		}
		return &CreditResult{UserID: owner, SpentTotal: total, Duplicate: true}, nil
	}

	var current int64
	if e, ok := m.entries[c.UserID]; ok {
		current = e.SpentTotal
	}
	if current > math.MaxInt64-c.Amount {
		return nil, ErrSpentOverflow
	}

	e, ok := m.entries[c.UserID]
	if !ok {
		e = &Entry{UserID: c.UserID}
		m.entries[c.UserID] = e
	}
	e.SpentTotal += c.Amount
	e.UpdatedAt = c.CreatedAt

	cp := *c
	m.credits = append(m.credits, &cp)
	m.ids[c.ID] = c.UserID
	if c.ChargeID != "" {
		m.charges[c.ChargeID] = c.UserID
	}

	return &CreditResult{UserID: c.UserID, SpentTotal: e.SpentTotal}, nil
}

func (m *MemoryStore) GetEntry(ctx context.Context, userID int64) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[userID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Leaderboard(ctx context.Context, limit, offset int) ([]*Entry, error) {
	m.mu.RLock()
	all := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		cp := *e
		all = append(all, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].SpentTotal != all[j].SpentTotal {
			return all[i].SpentTotal > all[j].SpentTotal
		}
		return all[i].UserID < all[j].UserID
	})

	start, end := pagination.Page{Limit: limit, Offset: offset}.Window(len(all))
	return all[start:end], nil
}

func (m *MemoryStore) Credits(ctx context.Context, userID int64) ([]*Credit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Credit
	for _, c := range m.credits {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func coalesce(incoming, current *string) *string {
	if incoming != nil {
		v := *incoming
		return &v
	}
	return current
}
