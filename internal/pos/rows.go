package pos

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Remote table names written by the transaction replay.
const (
	TableSales                 = "sales"
	TableSaleItems             = "sale_items"
	TableSaleSubscriptions     = "sale_subscriptions"
	TableCustomers             = "customers"
	TableCustomerSubscriptions = "customer_subscriptions"
	TableShadows               = "sale_shadows"
	TableHeartbeats            = "device_heartbeats"

	// FieldVisitCount is the customer counter incremented once per synced sale.
	FieldVisitCount = "visit_count"
)

// SaleRow is the header row of a sale in the remote store.
type SaleRow struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	CustomerID    string          `json:"customer_id,omitempty"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Discount      decimal.Decimal `json:"discount"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SaleItemRow is one line item row. IDs are derived from the sale id so a
// replayed insert collides instead of duplicating.
type SaleItemRow struct {
	ID        string          `json:"id"`
	SaleID    string          `json:"sale_id"`
	ServiceID string          `json:"service_id"`
	Name      string          `json:"name"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Total     decimal.Decimal `json:"total"`
}

// SaleSubscriptionRow records a plan sold within a sale.
type SaleSubscriptionRow struct {
	ID           string          `json:"id"`
	SaleID       string          `json:"sale_id"`
	PlanID       string          `json:"plan_id"`
	Name         string          `json:"name"`
	Sessions     int64           `json:"sessions"`
	DurationDays int64           `json:"duration_days"`
	Price        decimal.Decimal `json:"price"`
}

// CustomerSubscriptionRow is the active subscription a customer gains
// from buying a plan.
type CustomerSubscriptionRow struct {
	ID                string    `json:"id"`
	CustomerID        string    `json:"customer_id"`
	PlanID            string    `json:"plan_id"`
	SaleID            string    `json:"sale_id"`
	RemainingSessions int64     `json:"remaining_sessions"`
	StartsAt          time.Time `json:"starts_at"`
	EndsAt            time.Time `json:"ends_at"`
	Status            string    `json:"status"`
}

// Header returns the sale header row.
func (s Sale) Header() SaleRow {
	return SaleRow{
		ID:            s.ID,
		UserID:        s.UserID,
		CustomerID:    s.CustomerID,
		Subtotal:      s.Subtotal,
		Discount:      s.Discount,
		Total:         s.Total,
		PaymentMethod: s.PaymentMethod,
		CreatedAt:     s.CreatedAt,
	}
}

// ItemRows returns one row per line item, in item order.
func (s Sale) ItemRows() []SaleItemRow {
	rows := make([]SaleItemRow, 0, len(s.Items))
	for i, item := range s.Items {
		rows = append(rows, SaleItemRow{
			ID:        childID(s.ID, "item", i),
			SaleID:    s.ID,
			ServiceID: item.ServiceID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		})
	}
	return rows
}

// SubscriptionRows returns one row per subscription item.
func (s Sale) SubscriptionRows() []SaleSubscriptionRow {
	rows := make([]SaleSubscriptionRow, 0, len(s.Subscriptions))
	for i, sub := range s.Subscriptions {
		rows = append(rows, SaleSubscriptionRow{
			ID:           childID(s.ID, "sub", i),
			SaleID:       s.ID,
			PlanID:       sub.PlanID,
			Name:         sub.Name,
			Sessions:     sub.Sessions,
			DurationDays: sub.DurationDays,
			Price:        sub.Price,
		})
	}
	return rows
}

// CustomerSubscriptionRows derives the subscriptions a customer gains from
// this sale. Walk-in sales (no customer) derive nothing.
func (s Sale) CustomerSubscriptionRows() []CustomerSubscriptionRow {
	if s.CustomerID == "" {
		return nil
	}
	rows := make([]CustomerSubscriptionRow, 0, len(s.Subscriptions))
	for i, sub := range s.Subscriptions {
		rows = append(rows, CustomerSubscriptionRow{
			ID:                childID(s.ID, "csub", i),
			CustomerID:        s.CustomerID,
			PlanID:            sub.PlanID,
			SaleID:            s.ID,
			RemainingSessions: sub.Sessions,
			StartsAt:          s.CreatedAt,
			EndsAt:            s.CreatedAt.AddDate(0, 0, int(sub.DurationDays)),
			Status:            "active",
		})
	}
	return rows
}

func childID(saleID, kind string, i int) string {
	return fmt.Sprintf("%s:%s:%d", saleID, kind, i)
}
