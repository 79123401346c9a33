package validator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/and161185/iap-keeper/internal/model"
)

// Skip accepts every purchase without contacting a validator. Sandbox only.
type Skip struct {
	protocol model.Protocol
	log      *zap.Logger
}

var _ Validator = (*Skip)(nil)

// NewSkip refuses to build outside the sandbox environment.
func NewSkip(env model.Environment, p model.Protocol, log *zap.Logger) (*Skip, error) {
	if env != model.EnvSandbox {
		return nil, errors.New("validator: skipping validation is only allowed in sandbox")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Skip{protocol: p, log: log}, nil
}

// Protocol implements Validator.
func (s *Skip) Protocol() model.Protocol { return s.protocol }

// Validate implements Validator.
func (s *Skip) Validate(_ context.Context, req Request) (model.ValidationOutcome, error) {
	s.log.Warn("validation skipped (sandbox)", zap.String("tx", req.TransactionID))
	return model.ValidationOutcome{Valid: true, Reason: "validation skipped", Protocol: s.protocol}, nil
}
