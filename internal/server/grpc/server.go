// Package grpcserver exposes the purchase engine over gRPC.
package grpcserver

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/and161185/iap-keeper/internal/convert"
	"github.com/and161185/iap-keeper/internal/errs"
	"github.com/and161185/iap-keeper/internal/model"
)

// Engine is the part of iap.Engine served over the wire.
type Engine interface {
	Products(ctx context.Context, ids []string) ([]model.StoreProduct, error)
	PurchaseSubscription(ctx context.Context, productID string) model.PurchaseResult
	RestorePurchases(ctx context.Context) model.PurchaseResult
	SubscriptionStatus(ctx context.Context) (model.SubscriptionStatus, error)
}

// Server wires the engine into gRPC handlers.
type Server struct {
	engine Engine
	log    *zap.Logger
}

var _ PurchasesServer = (*Server)(nil)

// New constructs a gRPC server around engine.
func New(engine Engine, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{engine: engine, log: log}
}

// Products returns catalog entries for the requested ids.
func (s *Server) Products(ctx context.Context, req *structpb.ListValue) (*structpb.Struct, error) {
	ids := make([]string, 0, len(req.GetValues()))
	for _, v := range req.GetValues() {
		id := v.GetStringValue()
		if id == "" {
			return nil, status.Error(codes.InvalidArgument, "product ids must be non-empty strings")
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no product ids")
	}

	ps, err := s.engine.Products(ctx, ids)
	if err != nil {
		return nil, toStatus("products", err)
	}
	out, err := convert.ToProtoProducts(ps)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

// Purchase buys a subscription product. Failed purchases are reported in the
// payload; only transport-level problems become gRPC errors.
func (s *Server) Purchase(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "empty product id")
	}
	return s.result("purchase", s.engine.PurchaseSubscription(ctx, req.GetValue()))
}

// Restore re-validates the newest purchase from the store history.
func (s *Server) Restore(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return s.result("restore", s.engine.RestorePurchases(ctx))
}

// Status returns the caller's resolved subscription status.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.engine.SubscriptionStatus(ctx)
	if err != nil {
		return nil, toStatus("status", err)
	}
	out, err := convert.ToProtoStatus(st)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

func (s *Server) result(op string, res model.PurchaseResult) (*structpb.Struct, error) {
	switch {
	case errors.Is(res.Err, errs.ErrNoSession):
		return nil, status.Error(codes.Unauthenticated, "no auth")
	case errors.Is(res.Err, errs.ErrRateLimited):
		return nil, status.Error(codes.ResourceExhausted, "rate limited")
	}
	out, err := convert.ToProtoResult(res)
	if err != nil {
		s.log.Error("encode result", zap.String("op", op), zap.Error(err))
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

func toStatus(op string, err error) error {
	switch {
	case errors.Is(err, errs.ErrNoSession), errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "no auth")
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.Is(err, errs.ErrPlatformUnavailable),
		errors.Is(err, errs.ErrConnectFailed),
		errors.Is(err, errs.ErrStoreFailure):
		return status.Errorf(codes.Unavailable, "%s: %v", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(codes.DeadlineExceeded, "%s: %v", op, err)
	case errors.Is(err, context.Canceled):
		return status.Errorf(codes.Canceled, "%s: %v", op, err)
	default:
		return status.Errorf(codes.Internal, "%s: %v", op, err)
	}
}
