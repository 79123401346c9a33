// Package model defines domain entities used by the engine, services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Environment selects the validator's receipt-verification backend.
type Environment string

const (
	EnvSandbox    Environment = "sandbox"
	EnvProduction Environment = "production"
)

// Valid reports whether e is one of the known environments.
func (e Environment) Valid() bool { return e == EnvSandbox || e == EnvProduction }

// Price is the store-formatted price of a product.
type Price struct {
	Formatted    string // e.g. "$9.99"
	AmountMicros int64  // 9990000
	CurrencyCode string // ISO 4217
}

// StoreProduct is a read-only catalog entry. Immutable for the session.
type StoreProduct struct {
	ID                 string
	Price              Price
	Title              string
	Description        string
	SubscriptionPeriod string // ISO 8601 period tag, e.g. P1M
}

// ResponseCode is the status the store attaches to a purchase update.
type ResponseCode int

const (
	ResponseOK ResponseCode = iota
	ResponseUserCanceled
	ResponseDeferred
	ResponseError
)

func (c ResponseCode) String() string {
	switch c {
	case ResponseOK:
		return "OK"
	case ResponseUserCanceled:
		return "USER_CANCELED"
	case ResponseDeferred:
		return "DEFERRED"
	default:
		return "ERROR"
	}
}

// Purchase is a single entry delivered by the store callback or found in the history.
type Purchase struct {
	ProductID     string
	TransactionID string
	Acknowledged  bool
	Receipt       string // may be empty at callback time
	PurchasedAt   time.Time
}

// PurchaseUpdate is what the store pushes to the purchase listener.
type PurchaseUpdate struct {
	ResponseCode ResponseCode
	Results      []Purchase
	ErrorCode    int
}

// Protocol names the validation payload flavor.
type Protocol string

const (
	ProtocolReceipt     Protocol = "receipt"
	ProtocolTransaction Protocol = "transaction"
)

// ValidationOutcome is the verdict of the remote validator. Never trusted client-side.
type ValidationOutcome struct {
	Valid    bool
	Reason   string
	Attempts int // receipt lookups consulted before validation
	Protocol Protocol
}

// Plan is the billing period of a subscription.
type Plan string

const (
	PlanMonthly Plan = "monthly"
	PlanYearly  Plan = "yearly"
)

// Status of a subscription row or profile flag.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// SubscriptionRecord is one persisted entitlement row, unique by TransactionID.
type SubscriptionRecord struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	Status             Status
	Plan               Plan
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	PriceID            string // store product id
	TransactionID      string
	ReceiptSnippet     string // truncated receipt for audit
	ReceiptHash        []byte // BLAKE2b-256 of the full receipt, nil when unknown
	Environment        Environment
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Expired reports whether the current period has already ended at now.
func (r *SubscriptionRecord) Expired(now time.Time) bool {
	return !r.CurrentPeriodEnd.After(now)
}

// CompletedPurchase is a validated transaction handed to the reconciler.
type CompletedPurchase struct {
	ProductID     string
	TransactionID string
	Receipt       string
	Environment   Environment
}

// ReconcileAction tells what the reconciler did with a completed purchase.
type ReconcileAction string

const (
	ActionCreated   ReconcileAction = "created"
	ActionRenewed   ReconcileAction = "renewed"
	ActionDuplicate ReconcileAction = "duplicate"
)

// StatusSource names where a SubscriptionStatus was read from.
type StatusSource string

const (
	SourceSubscription StatusSource = "subscription"
	SourceProfile      StatusSource = "profile"
	SourceNone         StatusSource = "none"
)

// SubscriptionStatus is the user's resolved entitlement.
type SubscriptionStatus struct {
	Active    bool
	Plan      Plan
	PeriodEnd time.Time
	Source    StatusSource
	Drift     bool // profile flag disagrees with the subscription table
	Expired   bool // record exists but its period has ended
	Record    *SubscriptionRecord
}

// FlagDrift is a user whose profile flag disagrees with the subscription table.
type FlagDrift struct {
	UserID uuid.UUID
	Want   Status // what the subscription table implies
	Have   Status // what the profile currently says
}
