package helpers

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
)

// MaxQuantity caps eSIMs per cart item.
const MaxQuantity = 50

// ValidateItems rejects empty carts and malformed items.
func ValidateItems(items []CartItem) error {
	if len(items) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "cart contains no items")
	}
	for i, item := range items {
		if item.PlanID == uuid.Nil {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("cart item %d: plan id is required", i))
		}
		if item.Quantity < 1 || item.Quantity > MaxQuantity {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("cart item %d: quantity must be between 1 and %d", i, MaxQuantity))
		}
	}
	return nil
}

// ValidateReference requires a caller supplied idempotency reference.
func ValidateReference(reference string) (string, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "reference_id is required")
	}
	if len(ref) > 128 {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "reference_id is too long")
	}
	return ref, nil
}

// ValidateAmount checks a client supplied amount against the server total.
// A nil amount is accepted.
func ValidateAmount(amount *decimal.Decimal, total decimal.Decimal) error {
	if amount == nil {
		return nil
	}
	if !amount.Round(2).Equal(total.Round(2)) {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount does not match cart total").
			WithDetails(map[string]any{"expected": total.StringFixed(2), "received": amount.StringFixed(2)})
	}
	return nil
}
