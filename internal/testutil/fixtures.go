package testutil

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/possync/internal/pos"
)

// Sale returns a valid single-item cash sale for a walk-in customer.
func Sale(id, userID string, at time.Time) pos.Sale {
	price := decimal.RequireFromString("25.00")
	return pos.Sale{
		ID:     id,
		UserID: userID,
		Items: []pos.LineItem{{
			ServiceID: "svc-haircut",
			Name:      "Haircut",
			Quantity:  1,
			UnitPrice: price,
			Total:     price,
		}},
		Subtotal:      price,
		Discount:      decimal.Zero,
		Total:         price,
		PaymentMethod: pos.PaymentCash,
		CreatedAt:     at.UTC(),
	}
}

// CustomerSale returns a sale to customerID with one line item and one
// ten-session plan, so every remote write step is exercised.
func CustomerSale(id, userID, customerID string, at time.Time) pos.Sale {
	s := Sale(id, userID, at)
	s.CustomerID = customerID
	plan := decimal.RequireFromString("100.00")
	s.Subscriptions = []pos.SubscriptionItem{{
		PlanID:       "plan-10",
		Name:         "10 sessions",
		Sessions:     10,
		DurationDays: 30,
		Price:        plan,
	}}
	s.Subtotal = s.Subtotal.Add(plan)
	s.Total = s.Subtotal
	s.PaymentMethod = pos.PaymentCard
	return s
}
