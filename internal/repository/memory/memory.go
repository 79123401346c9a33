// Package memory implements the repository interfaces in process memory. It
// enforces the same uniqueness rules as the PostgreSQL schema and backs the
// development server when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/iap-keeper/internal/errs"
	"github.com/and161185/iap-keeper/internal/model"
	"github.com/and161185/iap-keeper/internal/repository"
)

// Store holds subscriptions and profile flags. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	subs     map[uuid.UUID]model.SubscriptionRecord
	profiles map[uuid.UUID]model.Status
}

var (
	_ repository.SubscriptionRepository = (*Store)(nil)
	_ repository.ProfileRepository      = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		subs:     make(map[uuid.UUID]model.SubscriptionRecord),
		profiles: make(map[uuid.UUID]model.Status),
	}
}

// GetActive returns the user's active row with the latest period end.
func (s *Store) GetActive(_ context.Context, userID uuid.UUID) (*model.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *model.SubscriptionRecord
	for _, r := range s.subs {
		if r.UserID != userID || r.Status != model.StatusActive {
			continue
		}
		if best == nil || r.CurrentPeriodEnd.After(best.CurrentPeriodEnd) {
			best = &r
		}
	}
	if best == nil {
		return nil, errs.ErrNotFound
	}
	return best, nil
}

// HasTransaction reports whether transactionID is recorded on any row.
func (s *Store) HasTransaction(_ context.Context, transactionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txOwner(transactionID) != uuid.Nil, nil
}

func (s *Store) txOwner(transactionID string) uuid.UUID {
	for id, r := range s.subs {
		if r.TransactionID == transactionID {
			return id
		}
	}
	return uuid.Nil
}

// Create inserts rec.
func (s *Store) Create(_ context.Context, rec *model.SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txOwner(rec.TransactionID) != uuid.Nil {
		return errs.ErrAlreadyExists
	}
	if rec.Status == model.StatusActive {
		for _, r := range s.subs {
			if r.UserID == rec.UserID && r.Status == model.StatusActive {
				return errs.ErrVersionConflict
			}
		}
	}
	now := time.Now().UTC()
	cp := *rec
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.subs[cp.ID] = cp
	return nil
}

// Replace rewrites the active row rec.ID.
func (s *Store) Replace(_ context.Context, rec *model.SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.subs[rec.ID]
	if !ok || cur.Status != model.StatusActive {
		return errs.ErrNotFound
	}
	if owner := s.txOwner(rec.TransactionID); owner != uuid.Nil && owner != rec.ID {
		return errs.ErrAlreadyExists
	}
	cur.Plan = rec.Plan
	cur.CurrentPeriodStart = rec.CurrentPeriodStart
	cur.CurrentPeriodEnd = rec.CurrentPeriodEnd
	cur.PriceID = rec.PriceID
	cur.TransactionID = rec.TransactionID
	cur.ReceiptSnippet = rec.ReceiptSnippet
	cur.ReceiptHash = rec.ReceiptHash
	cur.Environment = rec.Environment
	cur.UpdatedAt = time.Now().UTC()
	s.subs[rec.ID] = cur
	return nil
}

// ListFlagDrift returns users with a current active row whose flag is not active.
func (s *Store) ListFlagDrift(_ context.Context, now time.Time, limit int) ([]model.FlagDrift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]model.SubscriptionRecord, 0)
	for _, r := range s.subs {
		if r.Status == model.StatusActive && r.CurrentPeriodEnd.After(now) && s.profiles[r.UserID] != model.StatusActive {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UpdatedAt.Before(rows[j].UpdatedAt) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]model.FlagDrift, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.FlagDrift{UserID: r.UserID, Want: model.StatusActive, Have: s.profiles[r.UserID]})
	}
	return out, nil
}

// SetSubscriptionStatus writes the profile flag.
func (s *Store) SetSubscriptionStatus(_ context.Context, userID uuid.UUID, status model.Status) error {
	s.mu.Lock()
	s.profiles[userID] = status
	s.mu.Unlock()
	return nil
}

// GetSubscriptionStatus reads the profile flag.
func (s *Store) GetSubscriptionStatus(_ context.Context, userID uuid.UUID) (model.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.profiles[userID]
	if !ok {
		return "", errs.ErrNotFound
	}
	return st, nil
}

// Records returns a copy of every row for userID, active or not.
func (s *Store) Records(userID uuid.UUID) []model.SubscriptionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SubscriptionRecord
	for _, r := range s.subs {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out
}

// Deactivate marks a row inactive, as an out-of-band expiry would.
func (s *Store) Deactivate(id uuid.UUID) {
	s.mu.Lock()
	if r, ok := s.subs[id]; ok {
		r.Status = model.StatusInactive
		s.subs[id] = r
	}
	s.mu.Unlock()
}
