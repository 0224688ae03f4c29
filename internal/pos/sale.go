package pos

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethod is the closed set of tender types a sale can be paid with.
type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentTransfer PaymentMethod = "transfer"
	PaymentMixed    PaymentMethod = "mixed"
)

// Valid reports whether m is one of the known payment methods.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentTransfer, PaymentMixed:
		return true
	}
	return false
}

// LineItem is one service sold as part of a sale.
type LineItem struct {
	ServiceID string          `json:"service_id"`
	Name      string          `json:"name"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Total     decimal.Decimal `json:"total"`
}

// SubscriptionItem is a plan sold as part of a sale. When the sale has a
// customer, each subscription item also produces a customer subscription.
type SubscriptionItem struct {
	PlanID       string          `json:"plan_id"`
	Name         string          `json:"name"`
	Sessions     int64           `json:"sessions"`
	DurationDays int64           `json:"duration_days"`
	Price        decimal.Decimal `json:"price"`
}

// Sale is the full payload of a completed sale as queued on the device.
type Sale struct {
	ID            string             `json:"id"`
	UserID        string             `json:"user_id"`
	CustomerID    string             `json:"customer_id,omitempty"`
	Items         []LineItem         `json:"items"`
	Subscriptions []SubscriptionItem `json:"subscriptions,omitempty"`
	Subtotal      decimal.Decimal    `json:"subtotal"`
	Discount      decimal.Decimal    `json:"discount"`
	Total         decimal.Decimal    `json:"total"`
	PaymentMethod PaymentMethod      `json:"payment_method"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Validation errors returned by Sale.Validate.
var (
	ErrMissingSaleID   = errors.New("sale: missing id")
	ErrMissingUserID   = errors.New("sale: missing user id")
	ErrEmptySale       = errors.New("sale: no items or subscriptions")
	ErrInvalidPayment  = errors.New("sale: invalid payment method")
	ErrNegativeTotal   = errors.New("sale: negative total")
	ErrInvalidQuantity = errors.New("sale: item quantity must be positive")
)

// Validate checks the structural invariants every queued sale must satisfy.
// Pricing rules belong to the checkout flow and are not re-checked here.
func (s Sale) Validate() error {
	if s.ID == "" {
		return ErrMissingSaleID
	}
	if s.UserID == "" {
		return ErrMissingUserID
	}
	if len(s.Items) == 0 && len(s.Subscriptions) == 0 {
		return ErrEmptySale
	}
	if !s.PaymentMethod.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPayment, s.PaymentMethod)
	}
	if s.Total.IsNegative() {
		return ErrNegativeTotal
	}
	for i, item := range s.Items {
		if item.Quantity <= 0 {
			return fmt.Errorf("%w (item %d)", ErrInvalidQuantity, i)
		}
	}
	return nil
}
