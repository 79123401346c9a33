// Package validator submits purchases to the remote receipt-validation endpoint.
// Validation is fail-closed: anything but an explicit positive verdict is invalid.
package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/and161185/iap-keeper/internal/errs"
	"github.com/and161185/iap-keeper/internal/metrics"
	"github.com/and161185/iap-keeper/internal/model"
	"github.com/and161185/iap-keeper/internal/session"
)

// Request identifies the purchase to validate.
type Request struct {
	ProductID     string
	TransactionID string
	Receipt       string // required by the receipt protocol only
}

// Validator checks a purchase with the remote validator.
type Validator interface {
	// Protocol reports which payload flavor this validator sends.
	Protocol() model.Protocol
	// Validate returns a positive outcome or an error wrapping
	// errs.ErrValidationRejected, errs.ErrValidationNetwork or errs.ErrNoSession.
	Validate(ctx context.Context, req Request) (model.ValidationOutcome, error)
}

// strategy is the per-protocol part of the request.
type strategy struct {
	protocol     model.Protocol
	path         string
	needsReceipt bool
}

var strategies = map[model.Protocol]strategy{
	model.ProtocolReceipt:     {protocol: model.ProtocolReceipt, path: "/api/validate-apple-receipt", needsReceipt: true},
	model.ProtocolTransaction: {protocol: model.ProtocolTransaction, path: "/api/validate-apple-transaction"},
}

// NeedsReceipt reports whether protocol p sends the raw receipt.
func NeedsReceipt(p model.Protocol) bool { return strategies[p].needsReceipt }

// Config configures the HTTP validator.
type Config struct {
	BaseURL     string
	Protocol    model.Protocol
	Environment model.Environment
	Timeout     time.Duration
}

// HTTP is the resty-backed Validator.
type HTTP struct {
	http     *resty.Client
	sessions session.Provider
	strategy strategy
	env      model.Environment
	log      *zap.Logger
	metrics  *metrics.Metrics
}

var _ Validator = (*HTTP)(nil)

// New constructs an HTTP validator.
func New(cfg Config, sessions session.Provider, log *zap.Logger, m *metrics.Metrics) (*HTTP, error) {
	st, ok := strategies[cfg.Protocol]
	if !ok {
		return nil, fmt.Errorf("validator: unknown protocol %q", cfg.Protocol)
	}
	if !cfg.Environment.Valid() {
		return nil, fmt.Errorf("validator: unknown environment %q", cfg.Environment)
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("validator: empty base url")
	}
	if sessions == nil {
		return nil, errors.New("validator: nil session provider")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)
	return &HTTP{http: client, sessions: sessions, strategy: st, env: cfg.Environment, log: log, metrics: m}, nil
}

// Protocol implements Validator.
func (v *HTTP) Protocol() model.Protocol { return v.strategy.protocol }

type validateRequest struct {
	UserID        string `json:"userId"`
	ProductID     string `json:"productId"`
	ReceiptData   string `json:"receiptData,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	Environment   string `json:"environment"`
}

type validateResponse struct {
	Valid *bool  `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Validate implements Validator.
func (v *HTTP) Validate(ctx context.Context, req Request) (model.ValidationOutcome, error) {
	out := model.ValidationOutcome{Protocol: v.strategy.protocol}
	if v.strategy.needsReceipt && req.Receipt == "" {
		return out, fmt.Errorf("validate %s: %w", req.TransactionID, errs.ErrReceiptUnobtainable)
	}

	sess, err := v.sessions.Current(ctx)
	if err != nil {
		v.record("no_session")
		if !errors.Is(err, errs.ErrNoSession) {
			err = fmt.Errorf("%w: %v", errs.ErrNoSession, err)
		}
		return out, fmt.Errorf("validate: %w", err)
	}

	body := validateRequest{
		UserID:        sess.UserID.String(),
		ProductID:     req.ProductID,
		TransactionID: req.TransactionID,
		Environment:   string(v.env),
	}
	if v.strategy.needsReceipt {
		body.ReceiptData = req.Receipt
	}

	resp, err := v.http.R().
		SetContext(ctx).
		SetAuthToken(sess.Token).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(v.strategy.path)
	if err != nil {
		return v.unavailable(out, req, fmt.Sprintf("request failed: %v", err))
	}

	code := resp.StatusCode()
	var vr validateResponse
	jsonErr := json.Unmarshal(resp.Body(), &vr)

	switch {
	case code == http.StatusUnauthorized:
		v.record("no_session")
		return out, fmt.Errorf("validator refused token: %w", errs.ErrNoSession)
	case code >= 500, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return v.unavailable(out, req, fmt.Sprintf("validator returned %d", code))
	case code < 200 || code >= 300:
		reason := fmt.Sprintf("validator returned %d", code)
		if jsonErr == nil && vr.Error != "" {
			reason = vr.Error
		}
		return v.rejected(out, req, reason)
	case jsonErr != nil || vr.Valid == nil:
		return v.unavailable(out, req, "malformed validator response")
	case !*vr.Valid:
		reason := vr.Error
		if reason == "" {
			reason = "purchase is not valid"
		}
		return v.rejected(out, req, reason)
	}

	out.Valid = true
	v.record("valid")
	v.log.Info("purchase validated",
		zap.String("product", req.ProductID),
		zap.String("tx", req.TransactionID),
		zap.String("protocol", string(v.strategy.protocol)),
		zap.String("env", string(v.env)),
	)
	return out, nil
}

func (v *HTTP) rejected(out model.ValidationOutcome, req Request, reason string) (model.ValidationOutcome, error) {
	v.record("rejected")
	v.log.Warn("purchase rejected by validator",
		zap.String("product", req.ProductID),
		zap.String("tx", req.TransactionID),
		zap.String("reason", reason),
	)
	out.Reason = reason
	return out, fmt.Errorf("%w: %s", errs.ErrValidationRejected, reason)
}

func (v *HTTP) unavailable(out model.ValidationOutcome, req Request, reason string) (model.ValidationOutcome, error) {
	v.record("unavailable")
	v.log.Warn("validator unavailable",
		zap.String("product", req.ProductID),
		zap.String("tx", req.TransactionID),
		zap.String("reason", reason),
	)
	out.Reason = reason
	return out, fmt.Errorf("%w: %s", errs.ErrValidationNetwork, reason)
}

func (v *HTTP) record(verdict string) {
	v.metrics.Validation(string(v.strategy.protocol), verdict)
}
