package deals

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raine/deal-scout/internal/storage"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned by mutations addressing an unknown deal id.
var ErrNotFound = errors.New("deal not found")

// View selects a derived subset of the collection.
type View string

const (
	ViewActive    View = "active"
	ViewFavorites View = "favorites"
	ViewTrashed   View = "trashed"
)

// ParseView maps a query value to a View, defaulting to active.
func ParseView(s string) (View, bool) {
	switch View(s) {
	case "", ViewActive:
		return ViewActive, true
	case ViewFavorites:
		return ViewFavorites, true
	case ViewTrashed:
		return ViewTrashed, true
	default:
		return "", false
	}
}

// Store owns the canonical deal collection. Every mutation builds the next
// collection, persists it as one blob, and only then swaps it in memory, so a
// failed write leaves both storage and memory at the previous state.
type Store struct {
	mu    sync.RWMutex
	blobs storage.BlobStore
	deals []Deal
	now   func() time.Time
}

// NewStore loads the persisted collection from blobs.
func NewStore(blobs storage.BlobStore) (*Store, error) {
	s := &Store{blobs: blobs, now: time.Now}

	raw, ok, err := blobs.GetBlob(storage.KeyDeals)
	if err != nil {
		return nil, fmt.Errorf("failed to load deals: %w", err)
	}
	if ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.deals); err != nil {
			return nil, fmt.Errorf("failed to unmarshal deals: %w", err)
		}
	}

	log.Info().Int("count", len(s.deals)).Msg("deal store loaded")
	return s, nil
}

// commit persists next and makes it the current collection. Callers hold mu.
func (s *Store) commit(next []Deal) error {
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal deals: %w", err)
	}
	if err := s.blobs.PutBlob(storage.KeyDeals, raw); err != nil {
		log.Error().Err(err).Int("count", len(next)).Msg("failed to persist deals, keeping previous state")
		return fmt.Errorf("failed to persist deals: %w", err)
	}
	s.deals = next
	return nil
}

// Add prepends newDeals so the most recent scan comes first.
func (s *Store) Add(newDeals []Deal) error {
	if len(newDeals) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]Deal, 0, len(newDeals)+len(s.deals))
	next = append(next, newDeals...)
	next = append(next, s.deals...)
	if err := s.commit(next); err != nil {
		return err
	}

	log.Info().Int("added", len(newDeals)).Int("total", len(next)).Msg("deals added")
	return nil
}

// update applies fn to a copy of the deal with the given id and commits.
func (s *Store) update(id string, fn func(d *Deal)) (Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return Deal{}, ErrNotFound
	}

	next := make([]Deal, len(s.deals))
	copy(next, s.deals)
	fn(&next[idx])

	if err := s.commit(next); err != nil {
		return Deal{}, err
	}
	return next[idx], nil
}

// ToggleFavorite flips the favorite flag.
func (s *Store) ToggleFavorite(id string) (Deal, error) {
	return s.update(id, func(d *Deal) {
		d.Favorite = !d.Favorite
	})
}

// Trash soft-deletes a deal. Trashing always clears the favorite flag.
func (s *Store) Trash(id string) (Deal, error) {
	now := s.now()
	return s.update(id, func(d *Deal) {
		d.Trashed = true
		d.Favorite = false
		d.TrashedAt = &now
	})
}

// Restore takes a deal out of the trash. The favorite flag stays cleared.
func (s *Store) Restore(id string) (Deal, error) {
	return s.update(id, func(d *Deal) {
		d.Trashed = false
		d.TrashedAt = nil
	})
}

// Purge hard-deletes a deal.
func (s *Store) Purge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return ErrNotFound
	}

	next := make([]Deal, 0, len(s.deals)-1)
	next = append(next, s.deals[:idx]...)
	next = append(next, s.deals[idx+1:]...)
	return s.commit(next)
}

// PurgeTrashed hard-deletes every trashed deal and returns how many went.
func (s *Store) PurgeTrashed() (int, error) {
	return s.purgeWhere(func(d Deal) bool { return d.Trashed })
}

// PurgeExpired hard-deletes deals that have been in the trash longer than
// maxAge. Deals trashed before TrashedAt was recorded are left alone.
func (s *Store) PurgeExpired(maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)
	return s.purgeWhere(func(d Deal) bool {
		return d.Trashed && d.TrashedAt != nil && d.TrashedAt.Before(cutoff)
	})
}

func (s *Store) purgeWhere(match func(Deal) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]Deal, 0, len(s.deals))
	for _, d := range s.deals {
		if !match(d) {
			next = append(next, d)
		}
	}

	removed := len(s.deals) - len(next)
	if removed == 0 {
		return 0, nil
	}
	if err := s.commit(next); err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Store) indexOf(id string) int {
	for i, d := range s.deals {
		if d.ID == id {
			return i
		}
	}
	return -1
}

// Get returns the deal with the given id.
func (s *Store) Get(id string) (Deal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if idx := s.indexOf(id); idx >= 0 {
		return s.deals[idx], true
	}
	return Deal{}, false
}

// All returns the whole collection, most recent first.
func (s *Store) All() []Deal {
	return s.filter(func(Deal) bool { return true })
}

// Active returns deals that are not in the trash.
func (s *Store) Active() []Deal {
	return s.filter(func(d Deal) bool { return !d.Trashed })
}

// Favorites returns favorite deals that are not in the trash.
func (s *Store) Favorites() []Deal {
	return s.filter(func(d Deal) bool { return d.Favorite && !d.Trashed })
}

// Trashed returns deals in the trash.
func (s *Store) Trashed() []Deal {
	return s.filter(func(d Deal) bool { return d.Trashed })
}

// List returns the deals of a view.
func (s *Store) List(view View) []Deal {
	switch view {
	case ViewFavorites:
		return s.Favorites()
	case ViewTrashed:
		return s.Trashed()
	default:
		return s.Active()
	}
}

func (s *Store) filter(keep func(Deal) bool) []Deal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Deal, 0, len(s.deals))
	for _, d := range s.deals {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}
