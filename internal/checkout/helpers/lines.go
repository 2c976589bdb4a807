package helpers

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Customer is the end customer an eSIM is issued to.
type Customer struct {
	Name  string
	Email string
	Phone string
}

// IsZero reports whether no customer field is set.
func (c Customer) IsZero() bool {
	return strings.TrimSpace(c.Name) == "" && strings.TrimSpace(c.Email) == "" && strings.TrimSpace(c.Phone) == ""
}

// CartItem is one cart row submitted at checkout.
type CartItem struct {
	PlanID   uuid.UUID
	Quantity int
	Customer *Customer
}

// Line is one eSIM to be ordered.
type Line struct {
	PlanID   uuid.UUID
	Customer Customer
}

// ExpandLines turns cart items into one line per eSIM. Items without their
// own customer fall back to the checkout-level customer.
func ExpandLines(items []CartItem, fallback Customer) []Line {
	total := 0
	for _, item := range items {
		total += item.Quantity
	}
	lines := make([]Line, 0, total)
	for _, item := range items {
		customer := fallback
		if item.Customer != nil && !item.Customer.IsZero() {
			customer = *item.Customer
		}
		customer = Customer{
			Name:  strings.TrimSpace(customer.Name),
			Email: strings.TrimSpace(customer.Email),
			Phone: strings.TrimSpace(customer.Phone),
		}
		for i := 0; i < item.Quantity; i++ {
			lines = append(lines, Line{PlanID: item.PlanID, Customer: customer})
		}
	}
	return lines
}

// DistinctPlans lists plan ids in first-seen order.
func DistinctPlans(items []CartItem) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(items))
	out := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.PlanID]; ok {
			continue
		}
		seen[item.PlanID] = struct{}{}
		out = append(out, item.PlanID)
	}
	return out
}

// Total sums the retail price of every line.
func Total(lines []Line, prices map[uuid.UUID]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(prices[line.PlanID])
	}
	return total.Round(2)
}
