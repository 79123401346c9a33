// Package service contains application services for subscription entitlements.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/iap-keeper/internal/crypto"
	"github.com/and161185/iap-keeper/internal/errs"
	"github.com/and161185/iap-keeper/internal/metrics"
	"github.com/and161185/iap-keeper/internal/model"
	"github.com/and161185/iap-keeper/internal/repository"
)

// receiptSnippetLen is how much of a receipt is kept on the row for audit.
const receiptSnippetLen = 100

// EntitlementService turns validated purchases into persisted entitlements.
type EntitlementService interface {
	// HandlePurchaseCompleted records a validated purchase for userID. Safe to call twice.
	// A transaction already recorded on any other row fails with errs.ErrAlreadyExists.
	HandlePurchaseCompleted(ctx context.Context, userID uuid.UUID, p model.CompletedPurchase) (model.ReconcileAction, error)
	// Status resolves the user's entitlement from the subscription table and profile flag.
	Status(ctx context.Context, userID uuid.UUID) (model.SubscriptionStatus, error)
	// Known reports whether a transaction id is already recorded.
	Known(ctx context.Context, transactionID string) (bool, error)
}

type EntitlementServiceImpl struct {
	subs     repository.SubscriptionRepository
	profiles repository.ProfileRepository
	log      *zap.Logger
	m        *metrics.Metrics
	now      func() time.Time
}

var _ EntitlementService = (*EntitlementServiceImpl)(nil)

// NewEntitlementService constructs EntitlementService with required dependencies.
func NewEntitlementService(subs repository.SubscriptionRepository, profiles repository.ProfileRepository, log *zap.Logger, m *metrics.Metrics) *EntitlementServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &EntitlementServiceImpl{subs: subs, profiles: profiles, log: log, m: m, now: time.Now}
}

// PlanFor derives the billing plan from a store product id: yearly when the
// id contains "year", monthly otherwise. The second result is false when the
// id names neither period.
func PlanFor(productID string) (model.Plan, bool) {
	switch {
	case strings.Contains(productID, "year"):
		return model.PlanYearly, true
	case strings.Contains(productID, "month"):
		return model.PlanMonthly, true
	default:
		return model.PlanMonthly, false
	}
}

// PeriodEnd returns the end of a billing period starting at start.
func PeriodEnd(plan model.Plan, start time.Time) time.Time {
	if plan == model.PlanYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// HandlePurchaseCompleted writes or refreshes the active subscription row, then
// raises the profile flag. A flag failure after the row write is reported as
// errs.ErrPartialPersistence together with the action already taken.
//
// A repeated delivery of the active row's transaction leaves the row untouched
// but still writes the profile flag once, which repairs a flag lost earlier.
// A transaction recorded on another user's row, or on an inactive row of this
// user, writes nothing and fails with errs.ErrAlreadyExists.
func (s *EntitlementServiceImpl) HandlePurchaseCompleted(ctx context.Context, userID uuid.UUID, p model.CompletedPurchase) (model.ReconcileAction, error) {
	if userID == uuid.Nil {
		return "", fmt.Errorf("validation: empty userID: %w", errs.ErrNoSession)
	}
	if p.TransactionID == "" || p.ProductID == "" {
		return "", errors.New("validation: empty transaction or product id")
	}

	plan, known := PlanFor(p.ProductID)
	if !known {
		s.log.Warn("unrecognized product period, assuming monthly", zap.String("product", p.ProductID))
	}
	start := s.now().UTC()
	rec := &model.SubscriptionRecord{
		UserID:             userID,
		Status:             model.StatusActive,
		Plan:               plan,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   PeriodEnd(plan, start),
		PriceID:            p.ProductID,
		TransactionID:      p.TransactionID,
		ReceiptSnippet:     snippet(p.Receipt),
		ReceiptHash:        crypto.HashReceipt(p.Receipt),
		Environment:        p.Environment,
	}

	action, entitled, err := s.write(ctx, rec)
	if err != nil {
		return "", err
	}
	if !entitled {
		s.m.Reconcile("conflict")
		s.log.Warn("transaction already recorded elsewhere",
			zap.String("user", userID.String()),
			zap.String("tx", p.TransactionID))
		return action, fmt.Errorf("%w: transaction recorded elsewhere", errs.ErrAlreadyExists)
	}
	s.m.Reconcile(string(action))
	s.log.Info("purchase reconciled",
		zap.String("user", userID.String()),
		zap.String("tx", p.TransactionID),
		zap.String("action", string(action)),
		zap.String("plan", string(plan)))

	if err := s.profiles.SetSubscriptionStatus(ctx, userID, model.StatusActive); err != nil {
		s.m.Drift("write")
		s.log.Error("profile flag not updated after subscription write",
			zap.Bool("entitlement_drift", true),
			zap.String("user", userID.String()),
			zap.String("tx", p.TransactionID),
			zap.Error(err))
		return action, fmt.Errorf("%w: set profile flag: %v", errs.ErrPartialPersistence, err)
	}
	return action, nil
}

// write applies the row change. entitled reports whether the user's active row
// now carries rec's transaction and the profile flag should follow it.
func (s *EntitlementServiceImpl) write(ctx context.Context, rec *model.SubscriptionRecord) (model.ReconcileAction, bool, error) {
	// One retry covers a concurrent writer creating or deactivating the active row.
	for attempt := 0; attempt < 2; attempt++ {
		cur, err := s.subs.GetActive(ctx, rec.UserID)
		switch {
		case err == nil:
			if cur.TransactionID == rec.TransactionID {
				if rec.ReceiptHash != nil && !crypto.SameReceipt(cur.ReceiptHash, rec.ReceiptHash) {
					s.log.Info("duplicate delivery carries a different receipt", zap.String("tx", rec.TransactionID))
				}
				return model.ActionDuplicate, true, nil
			}
			rec.ID, rec.CreatedAt = cur.ID, cur.CreatedAt
			err = s.subs.Replace(ctx, rec)
			switch {
			case err == nil:
				return model.ActionRenewed, true, nil
			case errors.Is(err, errs.ErrNotFound):
				continue
			case errors.Is(err, errs.ErrAlreadyExists):
				return model.ActionDuplicate, false, nil
			default:
				return "", false, fmt.Errorf("replace subscription: %w", err)
			}

		case errors.Is(err, errs.ErrNotFound):
			id, err := uuid.NewV4()
			if err != nil {
				return "", false, err
			}
			rec.ID = id
			err = s.subs.Create(ctx, rec)
			switch {
			case err == nil:
				return model.ActionCreated, true, nil
			case errors.Is(err, errs.ErrVersionConflict):
				continue
			case errors.Is(err, errs.ErrAlreadyExists):
				return model.ActionDuplicate, s.isActiveTx(ctx, rec), nil
			default:
				return "", false, fmt.Errorf("create subscription: %w", err)
			}

		default:
			return "", false, fmt.Errorf("load active subscription: %w", err)
		}
	}
	return "", false, fmt.Errorf("reconcile subscription: %w", errs.ErrVersionConflict)
}

func (s *EntitlementServiceImpl) isActiveTx(ctx context.Context, rec *model.SubscriptionRecord) bool {
	cur, err := s.subs.GetActive(ctx, rec.UserID)
	return err == nil && cur.TransactionID == rec.TransactionID
}

// Status prefers the subscription table and falls back to the profile flag when
// the table has no row or cannot be read. Disagreement is logged and counted,
// never returned as an error.
func (s *EntitlementServiceImpl) Status(ctx context.Context, userID uuid.UUID) (model.SubscriptionStatus, error) {
	if userID == uuid.Nil {
		return model.SubscriptionStatus{}, fmt.Errorf("validation: empty userID: %w", errs.ErrNoSession)
	}

	rec, err := s.subs.GetActive(ctx, userID)
	if err == nil {
		st := model.SubscriptionStatus{
			Source:    model.SourceSubscription,
			Plan:      rec.Plan,
			PeriodEnd: rec.CurrentPeriodEnd,
			Record:    rec,
		}
		if rec.Expired(s.now()) {
			st.Expired = true
		} else {
			st.Active = true
		}
		flag, ferr := s.profiles.GetSubscriptionStatus(ctx, userID)
		switch {
		case ferr == nil, errors.Is(ferr, errs.ErrNotFound):
			if (flag == model.StatusActive) != st.Active {
				st.Drift = true
				s.drift(userID, flag, st.Active)
			}
		default:
			s.log.Warn("profile flag unreadable", zap.String("user", userID.String()), zap.Error(ferr))
		}
		return st, nil
	}

	if !errors.Is(err, errs.ErrNotFound) {
		s.log.Warn("subscription table unreadable, falling back to profile flag",
			zap.String("user", userID.String()), zap.Error(err))
	}
	flag, ferr := s.profiles.GetSubscriptionStatus(ctx, userID)
	switch {
	case ferr == nil:
	case errors.Is(ferr, errs.ErrNotFound):
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return model.SubscriptionStatus{}, fmt.Errorf("subscription status: %w", err)
		}
		return model.SubscriptionStatus{Source: model.SourceNone}, nil
	default:
		if errors.Is(err, errs.ErrNotFound) {
			return model.SubscriptionStatus{}, fmt.Errorf("profile flag: %w", ferr)
		}
		return model.SubscriptionStatus{}, fmt.Errorf("subscription status: %w", errors.Join(err, ferr))
	}

	st := model.SubscriptionStatus{Source: model.SourceProfile, Active: flag == model.StatusActive}
	if errors.Is(err, errs.ErrNotFound) && st.Active {
		st.Drift = true
		s.drift(userID, flag, false)
	}
	return st, nil
}

// Known reports whether transactionID is already recorded on any row.
func (s *EntitlementServiceImpl) Known(ctx context.Context, transactionID string) (bool, error) {
	return s.subs.HasTransaction(ctx, transactionID)
}

func (s *EntitlementServiceImpl) drift(userID uuid.UUID, flag model.Status, active bool) {
	s.m.Drift("read")
	s.log.Warn("profile flag disagrees with subscription table",
		zap.Bool("entitlement_drift", true),
		zap.String("user", userID.String()),
		zap.String("flag", string(flag)),
		zap.Bool("subscription_active", active))
}

func snippet(receipt string) string {
	if len(receipt) <= receiptSnippetLen {
		return receipt
	}
	return receipt[:receiptSnippetLen]
}
