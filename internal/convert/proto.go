// Package convert maps domain values to protobuf well-known types carried by
// the gRPC API.
package convert

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/iap-keeper/internal/model"
)

// --- helpers ---

func ts(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// --- products ---

func productMap(p model.StoreProduct) map[string]any {
	return map[string]any{
		"id":                  p.ID,
		"title":               p.Title,
		"description":         p.Description,
		"subscription_period": p.SubscriptionPeriod,
		"price": map[string]any{
			"formatted":     p.Price.Formatted,
			"amount_micros": p.Price.AmountMicros,
			"currency_code": p.Price.CurrencyCode,
		},
	}
}

// ToProtoProducts wraps catalog entries as {"products": [...]}.
func ToProtoProducts(ps []model.StoreProduct) (*structpb.Struct, error) {
	list := make([]any, 0, len(ps))
	for _, p := range ps {
		list = append(list, productMap(p))
	}
	out, err := structpb.NewStruct(map[string]any{"products": list})
	if err != nil {
		return nil, fmt.Errorf("products: %w", err)
	}
	return out, nil
}

// FromProtoProducts reads catalog entries back from ToProtoProducts output.
func FromProtoProducts(s *structpb.Struct) []model.StoreProduct {
	items := s.GetFields()["products"].GetListValue().GetValues()
	out := make([]model.StoreProduct, 0, len(items))
	for _, v := range items {
		f := v.GetStructValue().GetFields()
		price := f["price"].GetStructValue().GetFields()
		out = append(out, model.StoreProduct{
			ID:                 f["id"].GetStringValue(),
			Title:              f["title"].GetStringValue(),
			Description:        f["description"].GetStringValue(),
			SubscriptionPeriod: f["subscription_period"].GetStringValue(),
			Price: model.Price{
				Formatted:    price["formatted"].GetStringValue(),
				AmountMicros: int64(price["amount_micros"].GetNumberValue()),
				CurrencyCode: price["currency_code"].GetStringValue(),
			},
		})
	}
	return out
}

// --- purchase results ---

// ToProtoResult flattens a PurchaseResult. The error is carried as its message
// together with the advice derived from it.
func ToProtoResult(r model.PurchaseResult) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(map[string]any{
		"success":               r.Success,
		"product_id":            r.ProductID,
		"transaction_id":        r.TransactionID,
		"receipt_validated":     r.ReceiptValidated,
		"validation_attempts":   r.ValidationAttempts,
		"requires_manual_check": r.RequiresManualCheck,
		"canceled":              r.Canceled,
		"error":                 r.Error(),
		"advice":                string(r.Advice()),
	})
	if err != nil {
		return nil, fmt.Errorf("purchase result: %w", err)
	}
	return out, nil
}

// ResultSucceeded reports the "success" field of a ToProtoResult struct.
func ResultSucceeded(s *structpb.Struct) bool {
	return s.GetFields()["success"].GetBoolValue()
}

// --- subscription status ---

// ToProtoStatus flattens a SubscriptionStatus.
func ToProtoStatus(st model.SubscriptionStatus) (*structpb.Struct, error) {
	m := map[string]any{
		"active":     st.Active,
		"plan":       string(st.Plan),
		"period_end": ts(st.PeriodEnd),
		"source":     string(st.Source),
		"drift":      st.Drift,
		"expired":    st.Expired,
	}
	if r := st.Record; r != nil {
		m["record"] = map[string]any{
			"id":                   r.ID.String(),
			"transaction_id":       r.TransactionID,
			"price_id":             r.PriceID,
			"environment":          string(r.Environment),
			"current_period_start": ts(r.CurrentPeriodStart),
			"current_period_end":   ts(r.CurrentPeriodEnd),
		}
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("subscription status: %w", err)
	}
	return out, nil
}
